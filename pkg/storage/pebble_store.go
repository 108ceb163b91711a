package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
)

// PebbleStore is the embedded backend. Claims are serialized by queueMu and
// market units by a per-market mutex; every unit is one indexed batch
// committed with Sync.
type PebbleStore struct {
	db *pebble.DB

	queueMu sync.Mutex

	marketsMu sync.Mutex
	markets   map[string]*sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, markets: make(map[string]*sync.Mutex)}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// reader is satisfied by both *pebble.DB and an indexed *pebble.Batch
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func getJSON(r reader, key []byte, v any) (bool, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := decode(val, v); err != nil {
		return false, err
	}
	return true, nil
}

func exists(r reader, key []byte) (bool, error) {
	_, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	val, err := encode(v)
	if err != nil {
		return err
	}
	return b.Set(key, val, nil)
}

// ============================================================================
// Queue
// ============================================================================

func (s *PebbleStore) EnqueueOrder(_ context.Context, q core.QueuedOrder) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	found, err := exists(s.db, queueKey(q.OrderID))
	if err != nil {
		return fmt.Errorf("failed to check queue: %w", err)
	}
	if found {
		return fmt.Errorf("queued order %s: %w", q.OrderID, core.ErrDuplicate)
	}

	now := time.Now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	q.Status = core.QueueQueued

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, queueKey(q.OrderID), q); err != nil {
		return err
	}
	if err := b.Set(queueIndexKey(q.PriorityScore, q.CreatedAt, q.OrderID), []byte(q.MarketID), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) ClaimOrders(_ context.Context, req ClaimRequest) ([]core.QueuedOrder, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	prefix := []byte(prefixQueueIndex)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue index: %w", err)
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()

	now := time.Now().UTC()
	var claimed []core.QueuedOrder
	for iter.First(); iter.Valid() && len(claimed) < req.Limit; iter.Next() {
		if req.MarketID != "" && string(iter.Value()) != req.MarketID {
			continue
		}
		idxKey := append([]byte(nil), iter.Key()...)
		orderID := orderIDFromIndex(idxKey)

		var q core.QueuedOrder
		found, err := getJSON(s.db, queueKey(orderID), &q)
		if err != nil {
			return nil, fmt.Errorf("failed to load queued order %s: %w", orderID, err)
		}
		if err := b.Delete(idxKey, nil); err != nil {
			return nil, err
		}
		if !found || q.Status != core.QueueQueued {
			continue
		}

		q.Status = core.QueueProcessing
		q.ClaimedBy = req.WorkerID
		q.ClaimedAt = &now
		q.Attempts++
		q.UpdatedAt = now
		if err := setJSON(b, queueKey(orderID), q); err != nil {
			return nil, err
		}
		claimed = append(claimed, q)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// orderIDFromIndex strips "qi:<20 digits>:<20 digits>:"
func orderIDFromIndex(key []byte) string {
	return string(key[len(prefixQueueIndex)+21+21:])
}

func (s *PebbleStore) MarkFailed(_ context.Context, orderID, errMsg string, at time.Time) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	b := s.db.NewIndexedBatch()
	defer b.Close()
	if err := resolveQueued(b, orderID, core.QueueFailed, errMsg, at); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// ReleaseStale returns PROCESSING rows claimed before cutoff to QUEUED
func (s *PebbleStore) ReleaseStale(_ context.Context, cutoff time.Time) (int, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	prefix := []byte(prefixQueue)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()

	released := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var q core.QueuedOrder
		if err := decode(iter.Value(), &q); err != nil {
			return 0, err
		}
		if q.Status != core.QueueProcessing || q.ClaimedAt == nil || !q.ClaimedAt.Before(cutoff) {
			continue
		}
		q.Status = core.QueueQueued
		q.ClaimedBy = ""
		q.ClaimedAt = nil
		q.UpdatedAt = time.Now().UTC()
		if err := setJSON(b, queueKey(q.OrderID), q); err != nil {
			return 0, err
		}
		if err := b.Set(queueIndexKey(q.PriorityScore, q.CreatedAt, q.OrderID), []byte(q.MarketID), nil); err != nil {
			return 0, err
		}
		released++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if released == 0 {
		return 0, nil
	}
	return released, b.Commit(pebble.Sync)
}

func resolveQueued(b *pebble.Batch, orderID string, status core.QueueStatus, errMsg string, at time.Time) error {
	var q core.QueuedOrder
	found, err := getJSON(b, queueKey(orderID), &q)
	if err != nil {
		return fmt.Errorf("failed to load queued order %s: %w", orderID, err)
	}
	if !found {
		return fmt.Errorf("queued order %s: %w", orderID, core.ErrNotFound)
	}
	if q.Status.Terminal() {
		return nil
	}
	if q.Status == core.QueueQueued {
		if err := b.Delete(queueIndexKey(q.PriorityScore, q.CreatedAt, q.OrderID), nil); err != nil {
			return err
		}
	}
	q.Status = status
	q.ErrorMessage = errMsg
	q.UpdatedAt = at
	return setJSON(b, queueKey(orderID), q)
}

func (s *PebbleStore) GetQueuedOrder(_ context.Context, orderID string) (*core.QueuedOrder, error) {
	var q core.QueuedOrder
	found, err := getJSON(s.db, queueKey(orderID), &q)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, core.ErrNotFound
	}
	return &q, nil
}

// ============================================================================
// Market units
// ============================================================================

func (s *PebbleStore) marketLock(marketID string) *sync.Mutex {
	s.marketsMu.Lock()
	defer s.marketsMu.Unlock()
	mu, ok := s.markets[marketID]
	if !ok {
		mu = &sync.Mutex{}
		s.markets[marketID] = mu
	}
	return mu
}

func (s *PebbleStore) WithinMarket(ctx context.Context, marketID string, fn func(Tx) error) error {
	mu := s.marketLock(marketID)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.db.NewIndexedBatch()
	defer b.Close()

	if err := fn(&pebbleTx{b: b}); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit market %s: %w", marketID, err)
	}
	return nil
}

func (s *PebbleStore) GetSnapshot(_ context.Context, marketID string) (*core.OrderBookSnapshot, error) {
	var snap core.OrderBookSnapshot
	found, err := getJSON(s.db, bookKey(marketID), &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, core.ErrNotFound
	}
	return &snap, nil
}

// RecentTrades returns up to limit trades for a market, newest first
func (s *PebbleStore) RecentTrades(_ context.Context, marketID string, limit int) ([]core.Trade, error) {
	prefix := tradePrefix(marketID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []core.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t core.Trade
		if err := decode(iter.Value(), &t); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

type pebbleTx struct {
	b *pebble.Batch
}

func (t *pebbleTx) GetOrder(_ context.Context, orderID string) (*core.RestingOrder, error) {
	var o core.RestingOrder
	found, err := getJSON(t.b, orderKey(orderID), &o)
	if err != nil || !found {
		return nil, err
	}
	return &o, nil
}

func (t *pebbleTx) InsertOrder(_ context.Context, o core.RestingOrder) error {
	found, err := exists(t.b, orderKey(o.OrderID))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("order %s: %w", o.OrderID, core.ErrDuplicate)
	}
	if err := setJSON(t.b, orderKey(o.OrderID), o); err != nil {
		return err
	}
	if o.Status.Open() {
		return t.b.Set(openKey(o.MarketID, o.OrderID), nil, nil)
	}
	return nil
}

func (t *pebbleTx) RestingOrders(_ context.Context, marketID string) ([]core.RestingOrder, error) {
	prefix := openPrefix(marketID)
	iter, err := t.b.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return nil, err
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	out := make([]core.RestingOrder, 0, len(ids))
	for _, id := range ids {
		var o core.RestingOrder
		found, err := getJSON(t.b, orderKey(id), &o)
		if err != nil {
			return nil, fmt.Errorf("failed to load order %s: %w", id, err)
		}
		if found && o.Status.Open() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (t *pebbleTx) UpdateOrderFill(_ context.Context, orderID string, prevFilled, filled int64, status core.OrderStatus, at time.Time) error {
	var o core.RestingOrder
	found, err := getJSON(t.b, orderKey(orderID), &o)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("order %s: %w", orderID, core.ErrNotFound)
	}
	if !o.Status.Open() || o.FilledQuantity != prevFilled {
		return fmt.Errorf("%w: order %s is %s with filled %d, expected %d",
			core.ErrStaleOrder, orderID, o.Status, o.FilledQuantity, prevFilled)
	}
	if filled < prevFilled || filled > o.Quantity {
		return fmt.Errorf("%w: order %s filled %d of %d", core.ErrOverfill, orderID, filled, o.Quantity)
	}

	o.FilledQuantity = filled
	o.Status = status
	o.UpdatedAt = at
	if err := setJSON(t.b, orderKey(orderID), o); err != nil {
		return err
	}
	if !status.Open() {
		return t.b.Delete(openKey(o.MarketID, orderID), nil)
	}
	return nil
}

func (t *pebbleTx) InsertTrade(_ context.Context, tr core.Trade) error {
	found, err := exists(t.b, tradeIDKey(tr.TradeID))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("trade %s: %w", tr.TradeID, core.ErrDuplicate)
	}
	key := tradeKey(tr.MarketID, tr.Timestamp, tr.TradeID)
	if err := setJSON(t.b, key, tr); err != nil {
		return err
	}
	return t.b.Set(tradeIDKey(tr.TradeID), key, nil)
}

func (t *pebbleTx) InsertPlatformFee(_ context.Context, f core.PlatformFeeRecord) error {
	found, err := exists(t.b, feeKey(f.TradeID))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("fee %s: %w", f.TradeID, core.ErrDuplicate)
	}
	return setJSON(t.b, feeKey(f.TradeID), f)
}

func (t *pebbleTx) GetPosition(_ context.Context, accountID, marketID string) (*core.Position, error) {
	var p core.Position
	found, err := getJSON(t.b, positionKey(accountID, marketID), &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

func (t *pebbleTx) UpsertPosition(_ context.Context, pos core.Position) error {
	return setJSON(t.b, positionKey(pos.AccountID, pos.MarketID), pos)
}

func (t *pebbleTx) UpsertSnapshot(_ context.Context, snap core.OrderBookSnapshot) error {
	return setJSON(t.b, bookKey(snap.MarketID), snap)
}

func (t *pebbleTx) ResolveQueued(_ context.Context, orderID string, status core.QueueStatus, errMsg string, at time.Time) error {
	return resolveQueued(t.b, orderID, status, errMsg, at)
}

var _ Store = (*PebbleStore)(nil)
