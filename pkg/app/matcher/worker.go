package matcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
	"github.com/uhyunpark/hypermarket/pkg/app/core/account"
	"github.com/uhyunpark/hypermarket/pkg/app/core/orderbook"
	"github.com/uhyunpark/hypermarket/pkg/app/core/settlement"
	"github.com/uhyunpark/hypermarket/pkg/broadcast"
	"github.com/uhyunpark/hypermarket/pkg/metrics"
	"github.com/uhyunpark/hypermarket/pkg/storage"
	"github.com/uhyunpark/hypermarket/pkg/util"
)

// failureWriteTimeout bounds the FAILED write, which runs even after the
// invocation context is cancelled
const failureWriteTimeout = 5 * time.Second

type Config struct {
	WorkerID     string // generated when empty
	BatchSize    int
	ClaimTimeout time.Duration // zero disables the stale-claim sweep
	Fees         settlement.FeeSchedule
}

// Trigger is the optional hint an invocation carries
type Trigger struct {
	Trigger  string `json:"trigger,omitempty"`
	MarketID string `json:"marketId,omitempty"`
}

// RunResult summarizes one invocation
type RunResult struct {
	WorkerID  string `json:"workerId"`
	Claimed   int    `json:"claimed"`
	Processed int    `json:"processed"`
	Matched   int    `json:"matched"`
	Failed    int    `json:"failed"`
	Trades    int    `json:"trades"`
	Released  int    `json:"released,omitempty"`
	// Interrupted counts claimed orders left PROCESSING because ctx ended
	Interrupted int `json:"interrupted,omitempty"`
}

// Worker runs claim → match → settle cycles. It holds no state between
// cycles; every order rebuilds its market's book from storage.
type Worker struct {
	id     string
	cfg    Config
	store  storage.Store
	writer *settlement.Writer
	ledger *account.Ledger
	snap   Snapshotter
	pub    broadcast.Publisher
	clock  util.Clock
	logger *zap.SugaredLogger
}

type Option func(*Worker)

func WithClock(c util.Clock) Option { return func(w *Worker) { w.clock = c } }

func WithPublisher(p broadcast.Publisher) Option { return func(w *Worker) { w.pub = p } }

func NewWorker(store storage.Store, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Fees.Currency == "" {
		cfg.Fees = settlement.DefaultFeeSchedule()
	}

	w := &Worker{
		id:     cfg.WorkerID,
		cfg:    cfg,
		store:  store,
		writer: settlement.NewWriter(cfg.Fees, logger),
		ledger: account.NewLedger(logger),
		pub:    broadcast.Nop{},
		clock:  util.RealClock{},
		logger: logger.Sugar().With("worker", cfg.WorkerID),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) ID() string { return w.id }

// RunOnce claims one batch and processes every claimed order independently.
// Only a claim failure fails the invocation; per-order failures are recorded
// on the queue row. When ctx ends mid-batch the unprocessed claims stay
// PROCESSING for the stale-claim sweep.
func (w *Worker) RunOnce(ctx context.Context, trig Trigger) (*RunResult, error) {
	res := &RunResult{WorkerID: w.id}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("claim orders: %w", err)
	}

	if w.cfg.ClaimTimeout > 0 {
		n, err := w.store.ReleaseStale(ctx, w.clock.Now().Add(-w.cfg.ClaimTimeout))
		if err != nil {
			w.logger.Warnw("release_stale_failed", "err", err)
		} else if n > 0 {
			res.Released = n
			metrics.StaleClaimsReleased.Add(float64(n))
			w.logger.Infow("stale_claims_released", "count", n)
		}
	}

	batch, err := w.store.ClaimOrders(ctx, storage.ClaimRequest{
		WorkerID: w.id,
		Limit:    w.cfg.BatchSize,
		MarketID: trig.MarketID,
	})
	if err != nil {
		metrics.ClaimErrors.Inc()
		return nil, fmt.Errorf("claim orders: %w", err)
	}
	res.Claimed = len(batch)
	metrics.ClaimBatchSize.Observe(float64(len(batch)))

	if len(batch) > 0 {
		w.logger.Infow("claim_batch", "count", len(batch), "trigger", trig.Trigger, "market", trig.MarketID)
	}

	for i, q := range batch {
		if ctx.Err() != nil {
			w.interrupted(res, batch[i:], ctx.Err())
			break
		}

		start := time.Now()
		out, err := w.processOrder(ctx, q)
		if err != nil && ctx.Err() != nil && isCancellation(err) {
			// the unit rolled back; the order is redelivered, not failed
			w.interrupted(res, batch[i:], err)
			break
		}
		res.Processed++

		if err != nil {
			res.Failed++
			w.fail(ctx, q, err)
			metrics.OrdersProcessed.WithLabelValues(q.MarketID, "failed").Inc()
			metrics.OrderFailures.WithLabelValues(q.MarketID, failureReason(err)).Inc()
			metrics.OrderLatency.WithLabelValues("failed").Observe(time.Since(start).Seconds())
			continue
		}

		res.Matched++
		res.Trades += len(out.trades)
		metrics.OrdersProcessed.WithLabelValues(q.MarketID, "matched").Inc()
		metrics.OrderLatency.WithLabelValues("matched").Observe(time.Since(start).Seconds())
		w.publish(ctx, q, out)
	}

	return res, nil
}

// Run invokes RunOnce every interval until ctx is done
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	w.logger.Infow("matcher_loop_started", "interval", interval.String(), "batch", w.cfg.BatchSize)
	for {
		res, err := w.RunOnce(ctx, Trigger{Trigger: "interval"})
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Errorw("matcher_run_failed", "err", err)
		case res != nil && res.Claimed > 0:
			w.logger.Infow("matcher_run",
				"processed", res.Processed,
				"matched", res.Matched,
				"failed", res.Failed,
				"trades", res.Trades)
		}

		select {
		case <-ctx.Done():
			w.logger.Infow("matcher_loop_stopped")
			return
		case <-w.clock.After(interval):
		}
	}
}

type orderOutcome struct {
	replay   bool
	incoming core.RestingOrder
	trades   []core.Trade
	snapshot core.OrderBookSnapshot

	// book the order was matched against, before settlement
	depth            int
	bestBid, bestAsk int64
}

// processOrder runs one claimed order as a single durable unit. A panic is
// converted into an error so the batch carries on.
func (w *Worker) processOrder(ctx context.Context, q core.QueuedOrder) (out *orderOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Errorw("order_panic", "order", q.OrderID, "panic", r, "stack", string(debug.Stack()))
			out, err = nil, fmt.Errorf("panic processing order %s: %v", q.OrderID, r)
		}
	}()

	now := w.clock.Now()
	err = w.store.WithinMarket(ctx, q.MarketID, func(tx storage.Tx) error {
		existing, err := tx.GetOrder(ctx, q.OrderID)
		if err != nil {
			return fmt.Errorf("idempotency check: %w", err)
		}
		if existing != nil {
			// An earlier attempt committed; only make sure the snapshot and
			// queue row reflect it
			snap, err := w.snap.Refresh(ctx, tx, q.MarketID, now)
			if err != nil {
				return err
			}
			out = &orderOutcome{replay: true, incoming: *existing, snapshot: snap}
			return tx.ResolveQueued(ctx, q.OrderID, core.QueueMatched, "", now)
		}

		incoming := q.Resting(now)
		if err := orderbook.ValidateIncoming(&incoming, now); err != nil {
			return err
		}

		resting, err := tx.RestingOrders(ctx, q.MarketID)
		if err != nil {
			return fmt.Errorf("load book: %w", err)
		}
		book := orderbook.NewBook(q.MarketID, resting)
		fills, err := book.Match(&incoming, now)
		if err != nil {
			return fmt.Errorf("match: %w", err)
		}

		settled, err := w.writer.Settle(ctx, tx, incoming, fills, now)
		if err != nil {
			return fmt.Errorf("settle: %w", err)
		}
		if settled.FeeFailures > 0 {
			metrics.FeeInsertFailures.WithLabelValues(q.MarketID).Add(float64(settled.FeeFailures))
		}

		for _, t := range settled.Trades {
			if err := w.ledger.ApplyTrade(ctx, tx, t); err != nil {
				return fmt.Errorf("positions: %w", err)
			}
		}

		snap, err := w.snap.Refresh(ctx, tx, q.MarketID, now)
		if err != nil {
			return err
		}

		out = &orderOutcome{
			incoming: settled.Incoming,
			trades:   settled.Trades,
			snapshot: snap,
			depth:    book.Len(),
			bestBid:  book.BestBid(),
			bestAsk:  book.BestAsk(),
		}
		return tx.ResolveQueued(ctx, q.OrderID, core.QueueMatched, "", now)
	})
	if err != nil {
		return nil, err
	}

	if out.replay {
		w.logger.Infow("order_replayed", "order", q.OrderID, "market", q.MarketID, "attempts", q.Attempts)
	} else {
		for _, t := range out.trades {
			metrics.TradesExecuted.WithLabelValues(t.MarketID).Inc()
			metrics.TradedQuantity.WithLabelValues(t.MarketID).Add(float64(t.Quantity))
		}
		w.logger.Infow("order_matched",
			"order", q.OrderID,
			"market", q.MarketID,
			"side", q.Side,
			"price", q.PriceTicks,
			"qty", q.Quantity,
			"filled", out.incoming.FilledQuantity,
			"status", out.incoming.Status,
			"trades", len(out.trades),
			"book_depth", out.depth,
			"best_bid", out.bestBid,
			"best_ask", out.bestAsk)
	}
	return out, nil
}

func (w *Worker) interrupted(res *RunResult, rest []core.QueuedOrder, cause error) {
	res.Interrupted = len(rest)
	metrics.OrdersInterrupted.Add(float64(len(rest)))
	w.logger.Warnw("batch_interrupted", "remaining", len(rest), "next", rest[0].OrderID, "err", cause)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// failureReason labels a per-order failure for metrics
func failureReason(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidOrder), errors.Is(err, core.ErrOrderExpired):
		return "rejected"
	case settlement.IsInvariantViolation(err):
		return "invariant"
	default:
		return "error"
	}
}

// fail records the error on the queue row. The unit has already rolled back,
// so this is a separate write.
func (w *Worker) fail(ctx context.Context, q core.QueuedOrder, cause error) {
	w.logger.Warnw("order_failed", "order", q.OrderID, "market", q.MarketID, "err", cause)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	if err := w.store.MarkFailed(fctx, q.OrderID, cause.Error(), w.clock.Now()); err != nil {
		w.logger.Errorw("mark_failed_failed", "order", q.OrderID, "err", err)
	}
}

func (w *Worker) publish(ctx context.Context, q core.QueuedOrder, out *orderOutcome) {
	snap := out.snapshot
	ev := broadcast.Event{
		MarketID: q.MarketID,
		OrderID:  q.OrderID,
		Snapshot: &snap,
		Trades:   out.trades,
		At:       snap.UpdatedAt,
	}
	if err := w.pub.Publish(ctx, ev); err != nil {
		metrics.PublishFailures.WithLabelValues("matcher").Inc()
		w.logger.Warnw("publish_failed", "order", q.OrderID, "market", q.MarketID, "err", err)
	}
}
