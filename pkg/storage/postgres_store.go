package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
)

//go:embed schema.sql
var schemaSQL string

const pgUniqueViolation = "23505"

// PostgresStore is the relational backend. Claims use FOR UPDATE SKIP LOCKED;
// market units hold pg_advisory_xact_lock on the market id until commit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func mapPgErr(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", what, core.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const queueColumns = `order_id, market_id, maker_account_id, side, price_ticks, quantity, max_collateral,
	time_in_force, expiry_timestamp, nonce, order_signature, status, priority_score, attempts,
	COALESCE(claimed_by, ''), claimed_at, COALESCE(error_message, ''), created_at, updated_at`

func scanQueued(row rowScanner) (core.QueuedOrder, error) {
	var (
		q                 core.QueuedOrder
		side, tif, status string
	)
	err := row.Scan(&q.OrderID, &q.MarketID, &q.MakerAccountID, &side, &q.PriceTicks, &q.Quantity, &q.MaxCollateral,
		&tif, &q.ExpiresAt, &q.Nonce, &q.Signature, &status, &q.PriorityScore, &q.Attempts,
		&q.ClaimedBy, &q.ClaimedAt, &q.ErrorMessage, &q.CreatedAt, &q.UpdatedAt)
	q.Side, q.TimeInForce, q.Status = core.Side(side), core.TimeInForce(tif), core.QueueStatus(status)
	return q, err
}

const orderColumns = `order_id, market_id, maker_account_id, side, price_ticks, quantity, filled_quantity,
	status, time_in_force, expiry_timestamp, nonce, order_signature, created_at, updated_at`

func scanOrder(row rowScanner) (core.RestingOrder, error) {
	var (
		o                 core.RestingOrder
		side, status, tif string
	)
	err := row.Scan(&o.OrderID, &o.MarketID, &o.MakerAccountID, &side, &o.PriceTicks, &o.Quantity, &o.FilledQuantity,
		&status, &tif, &o.ExpiresAt, &o.Nonce, &o.Signature, &o.CreatedAt, &o.UpdatedAt)
	o.Side, o.Status, o.TimeInForce = core.Side(side), core.OrderStatus(status), core.TimeInForce(tif)
	return o, err
}

// ============================================================================
// Queue
// ============================================================================

func (s *PostgresStore) EnqueueOrder(ctx context.Context, q core.QueuedOrder) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_queue (order_id, market_id, maker_account_id, side, price_ticks, quantity, max_collateral,
			time_in_force, expiry_timestamp, nonce, order_signature, status, priority_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'QUEUED', $12, $13, $13)`,
		q.OrderID, q.MarketID, q.MakerAccountID, string(q.Side), q.PriceTicks, q.Quantity, q.MaxCollateral,
		string(q.TimeInForce.Normalize()), q.ExpiresAt, q.Nonce, q.Signature, q.PriorityScore, q.CreatedAt)
	if err != nil {
		return mapPgErr(err, "enqueue order "+q.OrderID)
	}
	return nil
}

func (s *PostgresStore) ClaimOrders(ctx context.Context, req ClaimRequest) ([]core.QueuedOrder, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE order_queue
		SET status = 'PROCESSING', claimed_by = $1, claimed_at = now(), attempts = attempts + 1, updated_at = now()
		WHERE order_id IN (
			SELECT order_id FROM order_queue
			WHERE status = 'QUEUED' AND ($3::text = '' OR market_id = $3::text)
			ORDER BY priority_score, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns,
		req.WorkerID, req.Limit, req.MarketID)
	if err != nil {
		return nil, fmt.Errorf("claim orders: %w", err)
	}

	claimed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.QueuedOrder, error) {
		return scanQueued(row)
	})
	if err != nil {
		return nil, fmt.Errorf("claim orders: %w", err)
	}

	// RETURNING carries no ordering guarantee
	slices.SortStableFunc(claimed, func(a, b core.QueuedOrder) int {
		if a.PriorityScore != b.PriorityScore {
			if a.PriorityScore < b.PriorityScore {
				return -1
			}
			return 1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return claimed, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, orderID, errMsg string, at time.Time) error {
	return resolveQueuedPg(ctx, s.pool, orderID, core.QueueFailed, errMsg, at)
}

func (s *PostgresStore) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE order_queue
		SET status = 'QUEUED', claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE status = 'PROCESSING' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func resolveQueuedPg(ctx context.Context, db execer, orderID string, status core.QueueStatus, errMsg string, at time.Time) error {
	tag, err := db.Exec(ctx, `
		UPDATE order_queue
		SET status = $2, error_message = NULLIF($3, ''), updated_at = $4
		WHERE order_id = $1 AND status NOT IN ('MATCHED', 'FAILED')`,
		orderID, string(status), errMsg, at)
	if err != nil {
		return fmt.Errorf("resolve queued order %s: %w", orderID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Terminal rows are immutable; only a missing row is an error
	var one int
	err = db.QueryRow(ctx, `SELECT 1 FROM order_queue WHERE order_id = $1`, orderID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("queued order %s: %w", orderID, core.ErrNotFound)
	}
	return err
}

func (s *PostgresStore) GetQueuedOrder(ctx context.Context, orderID string) (*core.QueuedOrder, error) {
	q, err := scanQueued(s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM order_queue WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ============================================================================
// Market units
// ============================================================================

func (s *PostgresStore) WithinMarket(ctx context.Context, marketID string, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin market %s: %w", marketID, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, marketID); err != nil {
		return fmt.Errorf("lock market %s: %w", marketID, err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit market %s: %w", marketID, err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, marketID string) (*core.OrderBookSnapshot, error) {
	var (
		snap       core.OrderBookSnapshot
		bids, asks []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT market_id, bid_levels, ask_levels, last_processed_at, updated_at
		FROM orderbook_snapshot WHERE market_id = $1`, marketID).
		Scan(&snap.MarketID, &bids, &asks, &snap.LastProcessedAt, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decode(bids, &snap.Bids); err != nil {
		return nil, err
	}
	if err := decode(asks, &snap.Asks); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) RecentTrades(ctx context.Context, marketID string, limit int) ([]core.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, market_id, buy_order_id, sell_order_id, buyer_account_id, seller_account_id,
			quantity, price_ticks, trade_timestamp, buyer_fee, seller_fee, total_fee
		FROM trades WHERE market_id = $1
		ORDER BY trade_timestamp DESC, trade_id DESC
		LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.Trade, error) {
		var t core.Trade
		err := row.Scan(&t.TradeID, &t.MarketID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerAccountID, &t.SellerAccountID,
			&t.Quantity, &t.PriceTicks, &t.Timestamp, &t.BuyerFee, &t.SellerFee, &t.TotalFee)
		return t, err
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetOrder(ctx context.Context, orderID string) (*core.RestingOrder, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o core.RestingOrder) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (order_id, market_id, maker_account_id, side, price_ticks, quantity, filled_quantity,
			status, time_in_force, expiry_timestamp, nonce, order_signature, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		o.OrderID, o.MarketID, o.MakerAccountID, string(o.Side), o.PriceTicks, o.Quantity, o.FilledQuantity,
		string(o.Status), string(o.TimeInForce.Normalize()), o.ExpiresAt, o.Nonce, o.Signature, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return mapPgErr(err, "insert order "+o.OrderID)
	}
	return nil
}

func (t *pgTx) RestingOrders(ctx context.Context, marketID string) ([]core.RestingOrder, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE market_id = $1 AND status IN ('PENDING', 'PARTIAL_FILL') AND filled_quantity < quantity`,
		marketID)
	if err != nil {
		return nil, fmt.Errorf("load resting orders: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.RestingOrder, error) {
		return scanOrder(row)
	})
}

func (t *pgTx) UpdateOrderFill(ctx context.Context, orderID string, prevFilled, filled int64, status core.OrderStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET filled_quantity = $3, status = $4, updated_at = $5
		WHERE order_id = $1
			AND filled_quantity = $2
			AND status IN ('PENDING', 'PARTIAL_FILL')
			AND $3 >= $2 AND $3 <= quantity`,
		orderID, prevFilled, filled, string(status), at)
	if err != nil {
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var (
		curFilled, qty int64
		curStatus      string
	)
	err = t.tx.QueryRow(ctx, `SELECT filled_quantity, quantity, status FROM orders WHERE order_id = $1`, orderID).
		Scan(&curFilled, &qty, &curStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("order %s: %w", orderID, core.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if curFilled == prevFilled && core.OrderStatus(curStatus).Open() {
		return fmt.Errorf("%w: order %s filled %d of %d", core.ErrOverfill, orderID, filled, qty)
	}
	return fmt.Errorf("%w: order %s is %s with filled %d, expected %d",
		core.ErrStaleOrder, orderID, curStatus, curFilled, prevFilled)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr core.Trade) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (trade_id, market_id, buy_order_id, sell_order_id, buyer_account_id, seller_account_id,
			quantity, price_ticks, trade_timestamp, buyer_fee, seller_fee, total_fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tr.TradeID, tr.MarketID, tr.BuyOrderID, tr.SellOrderID, tr.BuyerAccountID, tr.SellerAccountID,
		tr.Quantity, tr.PriceTicks, tr.Timestamp, tr.BuyerFee, tr.SellerFee, tr.TotalFee)
	if err != nil {
		return mapPgErr(err, "insert trade "+tr.TradeID)
	}
	return nil
}

// InsertPlatformFee writes inside a savepoint so a failure leaves the
// surrounding unit usable
func (t *pgTx) InsertPlatformFee(ctx context.Context, f core.PlatformFeeRecord) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("fee savepoint: %w", err)
	}
	_, err = sp.Exec(ctx, `
		INSERT INTO platform_fees (trade_id, market_id, fee_amount, fee_currency, collected_from, settlement_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.TradeID, f.MarketID, f.FeeAmount, f.FeeCurrency, string(f.CollectedFrom), f.SettlementStatus, f.CreatedAt)
	if err != nil {
		_ = sp.Rollback(ctx)
		return mapPgErr(err, "insert platform fee "+f.TradeID)
	}
	return sp.Commit(ctx)
}

func (t *pgTx) GetPosition(ctx context.Context, accountID, marketID string) (*core.Position, error) {
	var (
		p                     core.Position
		posType               string
		avg, realized, unreal string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT account_id, market_id, position_type, quantity,
			avg_entry_price::text, realized_pnl::text, unrealized_pnl::text, collateral_locked, updated_at
		FROM positions WHERE account_id = $1 AND market_id = $2`, accountID, marketID).
		Scan(&p.AccountID, &p.MarketID, &posType, &p.Quantity, &avg, &realized, &unreal, &p.CollateralLocked, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Type = core.PositionType(posType)
	if p.AvgEntryPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, err
	}
	if p.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return nil, err
	}
	if p.UnrealizedPnL, err = decimal.NewFromString(unreal); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p core.Position) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO positions (account_id, market_id, position_type, quantity,
			avg_entry_price, realized_pnl, unrealized_pnl, collateral_locked, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9)
		ON CONFLICT (account_id, market_id) DO UPDATE SET
			position_type = EXCLUDED.position_type,
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			updated_at = EXCLUDED.updated_at`,
		p.AccountID, p.MarketID, string(p.Type), p.Quantity,
		p.AvgEntryPrice.String(), p.RealizedPnL.String(), p.UnrealizedPnL.String(), p.CollateralLocked, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.AccountID, p.MarketID, err)
	}
	return nil
}

func (t *pgTx) UpsertSnapshot(ctx context.Context, snap core.OrderBookSnapshot) error {
	bids, err := encode(nonNil(snap.Bids))
	if err != nil {
		return err
	}
	asks, err := encode(nonNil(snap.Asks))
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO orderbook_snapshot (market_id, bid_levels, ask_levels, last_processed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (market_id) DO UPDATE SET
			bid_levels = EXCLUDED.bid_levels,
			ask_levels = EXCLUDED.ask_levels,
			last_processed_at = EXCLUDED.last_processed_at,
			updated_at = EXCLUDED.updated_at`,
		snap.MarketID, bids, asks, snap.LastProcessedAt, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", snap.MarketID, err)
	}
	return nil
}

func (t *pgTx) ResolveQueued(ctx context.Context, orderID string, status core.QueueStatus, errMsg string, at time.Time) error {
	return resolveQueuedPg(ctx, t.tx, orderID, status, errMsg, at)
}

func nonNil(levels []core.OrderBookLevel) []core.OrderBookLevel {
	if levels == nil {
		return []core.OrderBookLevel{}
	}
	return levels
}

var _ Store = (*PostgresStore)(nil)
