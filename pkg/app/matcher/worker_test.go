package matcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
	"github.com/uhyunpark/hypermarket/pkg/app/core/settlement"
	"github.com/uhyunpark/hypermarket/pkg/broadcast"
	"github.com/uhyunpark/hypermarket/pkg/storage"
	"github.com/uhyunpark/hypermarket/pkg/util"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	store  *storage.PebbleStore
	clock  *util.ManualClock
	mu     sync.Mutex
	events []broadcast.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &harness{store: st, clock: util.NewManualClock(t0)}
}

func (h *harness) worker(id string, batch int) *Worker {
	pub := broadcast.Func(func(_ context.Context, ev broadcast.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
		return nil
	})
	return NewWorker(h.store, Config{
		WorkerID:  id,
		BatchSize: batch,
		Fees:      settlement.DefaultFeeSchedule(),
	}, nil, WithClock(h.clock), WithPublisher(pub))
}

func (h *harness) enqueue(t *testing.T, id, maker string, side core.Side, price, qty int64, priority int64) core.QueuedOrder {
	t.Helper()
	q := core.QueuedOrder{
		OrderID:        id,
		MarketID:       "rain",
		MakerAccountID: maker,
		Side:           side,
		PriceTicks:     price,
		Quantity:       qty,
		TimeInForce:    core.GTC,
		PriorityScore:  priority,
		CreatedAt:      h.clock.Now(),
	}
	require.NoError(t, h.store.EnqueueOrder(context.Background(), q))
	return q
}

func (h *harness) order(t *testing.T, id string) core.RestingOrder {
	t.Helper()
	var o *core.RestingOrder
	require.NoError(t, h.store.WithinMarket(context.Background(), "rain", func(tx storage.Tx) error {
		var err error
		o, err = tx.GetOrder(context.Background(), id)
		return err
	}))
	require.NotNil(t, o, "order %s not found", id)
	return *o
}

func (h *harness) position(t *testing.T, account string) *core.Position {
	t.Helper()
	var p *core.Position
	require.NoError(t, h.store.WithinMarket(context.Background(), "rain", func(tx storage.Tx) error {
		var err error
		p, err = tx.GetPosition(context.Background(), account, "rain")
		return err
	}))
	return p
}

func TestEndToEndCrossingBuy(t *testing.T) {
	h := newHarness(t)
	w := h.worker("w1", 1)
	ctx := context.Background()

	h.enqueue(t, "s1", "maker-1", core.Sell, 55, 40, 1)
	h.enqueue(t, "s2", "maker-2", core.Sell, 58, 30, 2)
	h.enqueue(t, "s3", "maker-3", core.Sell, 60, 50, 3)

	// one run per resting order so creation times are distinct
	for i := 0; i < 3; i++ {
		res, err := w.RunOnce(ctx, Trigger{})
		require.NoError(t, err)
		require.Equal(t, 1, res.Matched)
		h.clock.Advance(time.Second)
	}
	require.Equal(t, core.OrderPending, h.order(t, "s3").Status)

	h.enqueue(t, "b1", "taker", core.Buy, 60, 100, 0)
	res, err := w.RunOnce(ctx, Trigger{Trigger: "cron", MarketID: "rain"})
	require.NoError(t, err)
	require.Equal(t, &RunResult{WorkerID: "w1", Claimed: 1, Processed: 1, Matched: 1, Trades: 3}, res)

	last := h.events[len(h.events)-1]
	require.Len(t, last.Trades, 3)
	wantQty := []int64{40, 30, 30}
	wantPx := []int64{55, 58, 60}
	for i, tr := range last.Trades {
		require.Equal(t, wantQty[i], tr.Quantity)
		require.Equal(t, wantPx[i], tr.PriceTicks)
		require.Equal(t, "b1", tr.BuyOrderID)
	}

	b1 := h.order(t, "b1")
	require.Equal(t, core.OrderFilled, b1.Status)
	require.Equal(t, int64(100), b1.FilledQuantity)

	s3 := h.order(t, "s3")
	require.Equal(t, core.OrderPartialFill, s3.Status)
	require.Equal(t, int64(30), s3.FilledQuantity)
	require.Equal(t, core.OrderFilled, h.order(t, "s1").Status)
	require.Equal(t, core.OrderFilled, h.order(t, "s2").Status)

	// snapshot: one ask level with 20 remaining
	snap, err := h.store.GetSnapshot(ctx, "rain")
	require.NoError(t, err)
	require.Empty(t, snap.Bids)
	require.Equal(t, []core.OrderBookLevel{{PriceTicks: 60, Quantity: 20, OrderCount: 1}}, snap.Asks)

	// taker is long 100 at the volume-weighted price
	pos := h.position(t, "taker")
	require.NotNil(t, pos)
	require.Equal(t, int64(100), pos.Quantity)
	require.Equal(t, core.Long, pos.Type)
	require.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("57.4")), "avg = %s", pos.AvgEntryPrice)

	maker3 := h.position(t, "maker-3")
	require.Equal(t, int64(-30), maker3.Quantity)
	require.Equal(t, core.Short, maker3.Type)

	q, err := h.store.GetQueuedOrder(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, core.QueueMatched, q.Status)
}

func TestRunOnceEmptyQueue(t *testing.T) {
	h := newHarness(t)
	res, err := h.worker("w", 10).RunOnce(context.Background(), Trigger{})
	require.NoError(t, err)
	require.Equal(t, &RunResult{WorkerID: "w"}, res)
}

func TestRedeliveryDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	w := h.worker("w", 10)
	ctx := context.Background()

	h.enqueue(t, "s1", "maker", core.Sell, 50, 10, 0)
	_, err := w.RunOnce(ctx, Trigger{})
	require.NoError(t, err)

	b := h.enqueue(t, "b1", "taker", core.Buy, 50, 4, 1)
	_, err = w.RunOnce(ctx, Trigger{})
	require.NoError(t, err)

	// same claimed order handled again after its unit committed
	out, err := w.processOrder(ctx, b)
	require.NoError(t, err)
	require.True(t, out.replay)
	require.Empty(t, out.trades)

	require.Equal(t, int64(4), h.order(t, "s1").FilledQuantity)
	require.Equal(t, int64(4), h.order(t, "b1").FilledQuantity)
	trades, err := h.store.RecentTrades(ctx, "rain", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, int64(4), h.position(t, "taker").Quantity)
}

func TestStaleClaimReleasedAndProcessedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.enqueue(t, "s1", "maker", core.Sell, 50, 10, 0)
	// a worker claims and then disappears
	claimed, err := h.store.ClaimOrders(ctx, storage.ClaimRequest{WorkerID: "crashed", Limit: 1})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	w := NewWorker(h.store, Config{WorkerID: "w", BatchSize: 10, ClaimTimeout: time.Minute}, nil,
		WithClock(util.NewManualClock(time.Now().UTC().Add(time.Hour))))
	res, err := w.RunOnce(ctx, Trigger{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Released)
	require.Equal(t, 1, res.Matched)

	q, err := h.store.GetQueuedOrder(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, core.QueueMatched, q.Status)
	require.Equal(t, 2, q.Attempts)
}

func TestFailureIsIsolatedPerOrder(t *testing.T) {
	h := newHarness(t)
	w := h.worker("w", 10)
	ctx := context.Background()

	h.enqueue(t, "ok-1", "a", core.Sell, 50, 5, 0)
	h.enqueue(t, "bad", "b", core.Sell, 50, 0, 1)
	h.enqueue(t, "ok-2", "c", core.Buy, 50, 5, 2)

	res, err := w.RunOnce(ctx, Trigger{})
	require.NoError(t, err)
	require.Equal(t, 3, res.Processed)
	require.Equal(t, 2, res.Matched)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.Trades)

	q, err := h.store.GetQueuedOrder(ctx, "bad")
	require.NoError(t, err)
	require.Equal(t, core.QueueFailed, q.Status)
	require.Contains(t, q.ErrorMessage, "invalid order")

	// nothing from the failed unit survived
	require.NoError(t, h.store.WithinMarket(ctx, "rain", func(tx storage.Tx) error {
		o, err := tx.GetOrder(ctx, "bad")
		require.NoError(t, err)
		require.Nil(t, o)
		return nil
	}))
	require.Equal(t, core.OrderFilled, h.order(t, "ok-2").Status)
}

func TestExpiredIncomingFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	q := core.QueuedOrder{
		OrderID: "late", MarketID: "rain", MakerAccountID: "a", Side: core.Buy,
		PriceTicks: 50, Quantity: 1, CreatedAt: t0,
	}
	exp := t0.Add(-time.Minute)
	q.ExpiresAt = &exp
	require.NoError(t, h.store.EnqueueOrder(ctx, q))

	res, err := h.worker("w", 1).RunOnce(ctx, Trigger{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	got, err := h.store.GetQueuedOrder(ctx, "late")
	require.NoError(t, err)
	require.Contains(t, got.ErrorMessage, "order expired")
}

// panicTx blows up when a specific order is inserted
type panicTx struct {
	storage.Tx
	target string
}

func (p panicTx) InsertOrder(ctx context.Context, o core.RestingOrder) error {
	if o.OrderID == p.target {
		panic("disk on fire")
	}
	return p.Tx.InsertOrder(ctx, o)
}

type panicStore struct {
	storage.Store
	target string
}

func (p panicStore) WithinMarket(ctx context.Context, marketID string, fn func(storage.Tx) error) error {
	return p.Store.WithinMarket(ctx, marketID, func(tx storage.Tx) error {
		return fn(panicTx{Tx: tx, target: p.target})
	})
}

func TestPanicIsRecoveredPerOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.enqueue(t, "first", "a", core.Sell, 50, 5, 0)
	h.enqueue(t, "boom", "b", core.Sell, 51, 5, 1)
	h.enqueue(t, "last", "c", core.Sell, 52, 5, 2)

	w := NewWorker(panicStore{Store: h.store, target: "boom"}, Config{WorkerID: "w", BatchSize: 10}, nil, WithClock(h.clock))
	res, err := w.RunOnce(ctx, Trigger{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Matched)
	require.Equal(t, 1, res.Failed)

	q, err := h.store.GetQueuedOrder(ctx, "boom")
	require.NoError(t, err)
	require.Equal(t, core.QueueFailed, q.Status)
	require.Contains(t, q.ErrorMessage, "disk on fire")

	// market lock was released by the panicking unit
	require.Equal(t, core.OrderPending, h.order(t, "last").Status)
}

type failingClaimStore struct{ storage.Store }

func (failingClaimStore) ClaimOrders(context.Context, storage.ClaimRequest) ([]core.QueuedOrder, error) {
	return nil, fmt.Errorf("connection refused")
}

func TestClaimFailureAbortsInvocation(t *testing.T) {
	h := newHarness(t)
	w := NewWorker(failingClaimStore{h.store}, Config{WorkerID: "w"}, nil)
	res, err := w.RunOnce(context.Background(), Trigger{})
	require.Error(t, err)
	require.Nil(t, res)
}

func TestConcurrentWorkersNeverOverfill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// 20 asks of 10 and 30 bids of 10 spread over crossing prices
	for i := 0; i < 20; i++ {
		h.enqueue(t, fmt.Sprintf("s%02d", i), fmt.Sprintf("seller-%d", i%4), core.Sell, int64(50+i%5), 10, int64(i))
	}
	for i := 0; i < 30; i++ {
		h.enqueue(t, fmt.Sprintf("b%02d", i), fmt.Sprintf("buyer-%d", i%6), core.Buy, int64(52+i%4), 7, int64(100+i))
	}

	var wg sync.WaitGroup
	for n := 0; n < 4; n++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			w := NewWorker(h.store, Config{WorkerID: id, BatchSize: 3}, nil)
			for {
				res, err := w.RunOnce(ctx, Trigger{})
				if err != nil {
					t.Errorf("run: %v", err)
					return
				}
				if res.Claimed == 0 {
					return
				}
			}
		}(fmt.Sprintf("w%d", n))
	}
	wg.Wait()

	trades, err := h.store.RecentTrades(ctx, "rain", 10_000)
	require.NoError(t, err)

	filledBy := map[string]int64{}
	seen := map[string]bool{}
	for _, tr := range trades {
		require.False(t, seen[tr.TradeID], "duplicate trade %s", tr.TradeID)
		seen[tr.TradeID] = true
		filledBy[tr.BuyOrderID] += tr.Quantity
		filledBy[tr.SellOrderID] += tr.Quantity
	}

	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, fmt.Sprintf("s%02d", i))
	}
	for i := 0; i < 30; i++ {
		ids = append(ids, fmt.Sprintf("b%02d", i))
	}
	for _, id := range ids {
		q, err := h.store.GetQueuedOrder(ctx, id)
		require.NoError(t, err)
		require.Equal(t, core.QueueMatched, q.Status, "order %s: %s", id, q.ErrorMessage)

		o := h.order(t, id)
		require.LessOrEqual(t, o.FilledQuantity, o.Quantity, "order %s over-filled", id)
		require.Equal(t, filledBy[id], o.FilledQuantity, "order %s fill does not match its trades", id)
		require.Equal(t, core.StatusForFill(o.FilledQuantity, o.Quantity), o.Status)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "s1", "a", core.Sell, 50, 5, 0)

	w := NewWorker(h.store, Config{WorkerID: "w"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		q, err := h.store.GetQueuedOrder(context.Background(), "s1")
		return err == nil && q.Status == core.QueueMatched
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestCancelledBatchLeavesClaimsForRedelivery(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "a1", "alice", core.Sell, 50, 10, 0)
	h.enqueue(t, "b1", "bob", core.Buy, 50, 10, 1)
	h.enqueue(t, "c1", "carol", core.Sell, 55, 5, 2)

	// caller goes away right after the first order commits
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := broadcast.Func(func(context.Context, broadcast.Event) error {
		cancel()
		return nil
	})
	w := NewWorker(h.store, Config{WorkerID: "w", BatchSize: 10}, nil, WithClock(h.clock), WithPublisher(stop))

	res, err := w.RunOnce(ctx, Trigger{})
	require.NoError(t, err)
	require.Equal(t, &RunResult{WorkerID: "w", Claimed: 3, Processed: 1, Matched: 1, Interrupted: 2}, res)

	for _, id := range []string{"b1", "c1"} {
		q, err := h.store.GetQueuedOrder(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, core.QueueProcessing, q.Status, id)
		require.Empty(t, q.ErrorMessage, id)
	}

	// the sweep hands them to the next invocation
	later := NewWorker(h.store, Config{WorkerID: "w2", BatchSize: 10, ClaimTimeout: time.Minute}, nil,
		WithClock(util.NewManualClock(time.Now().UTC().Add(time.Hour))))
	res, err = later.RunOnce(context.Background(), Trigger{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Released)
	require.Equal(t, 2, res.Matched)
	require.Equal(t, 1, res.Trades)

	require.Equal(t, core.OrderFilled, h.order(t, "a1").Status)
	require.Equal(t, core.OrderFilled, h.order(t, "b1").Status)
	require.Equal(t, core.OrderPending, h.order(t, "c1").Status)
}

func TestCancelledBeforeClaimLeavesQueueUntouched(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "a1", "alice", core.Sell, 50, 10, 0)
	h.enqueue(t, "b1", "bob", core.Buy, 50, 10, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.worker("w", 10).RunOnce(ctx, Trigger{})
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, res)

	for _, id := range []string{"a1", "b1"} {
		q, err := h.store.GetQueuedOrder(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, core.QueueQueued, q.Status, id)
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: quantity 0", core.ErrInvalidOrder), "rejected"},
		{fmt.Errorf("%w: at noon", core.ErrOrderExpired), "rejected"},
		{fmt.Errorf("settle: %w", core.ErrOverfill), "invariant"},
		{fmt.Errorf("settle: %w", core.ErrStaleOrder), "invariant"},
		{fmt.Errorf("load book: connection reset"), "error"},
	}
	for _, tt := range tests {
		if got := failureReason(tt.err); got != tt.want {
			t.Errorf("failureReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
