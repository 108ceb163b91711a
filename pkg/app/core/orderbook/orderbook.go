package orderbook

import (
	"fmt"
	"sort"
	"time"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
)

// Book is the per-cycle view of one market's resting orders.
// It is rebuilt from durable rows for every incoming order and never patched.
type Book struct {
	marketID string

	// Sorted best-first: bids high to low, asks low to high, FIFO within a price
	bids []core.RestingOrder
	asks []core.RestingOrder
}

// NewBook builds a view from resting rows. Rows from other markets, closed rows
// and rows with nothing left to fill are dropped.
func NewBook(marketID string, orders []core.RestingOrder) *Book {
	b := &Book{marketID: marketID}
	for _, o := range orders {
		if o.MarketID != marketID || !o.Status.Open() || o.Remaining() <= 0 {
			continue
		}
		switch o.Side {
		case core.Buy:
			b.bids = append(b.bids, o)
		case core.Sell:
			b.asks = append(b.asks, o)
		}
	}

	sort.SliceStable(b.bids, func(i, j int) bool {
		if b.bids[i].PriceTicks != b.bids[j].PriceTicks {
			return b.bids[i].PriceTicks > b.bids[j].PriceTicks
		}
		return earlier(&b.bids[i], &b.bids[j])
	})
	sort.SliceStable(b.asks, func(i, j int) bool {
		if b.asks[i].PriceTicks != b.asks[j].PriceTicks {
			return b.asks[i].PriceTicks < b.asks[j].PriceTicks
		}
		return earlier(&b.asks[i], &b.asks[j])
	})
	return b
}

// earlier orders by arrival; order id breaks exact timestamp ties
func earlier(a, b *core.RestingOrder) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// Len returns the number of resting orders in the view
func (b *Book) Len() int { return len(b.bids) + len(b.asks) }

// Candidates returns the opposite side of the book in matching priority
func (b *Book) Candidates(side core.Side) []core.RestingOrder {
	if side == core.Buy {
		return b.asks
	}
	return b.bids
}

// crosses reports whether an incoming limit price can trade against a resting price
func crosses(side core.Side, limit, resting int64) bool {
	if side == core.Buy {
		return limit >= resting
	}
	return limit <= resting
}

// Match computes the fills for an incoming order under price-time priority.
// Execution is always at the resting order's price. The book itself is not
// modified; settlement persists the result and the next cycle re-reads it.
func (b *Book) Match(in *core.RestingOrder, now time.Time) ([]core.Fill, error) {
	if in.MarketID != b.marketID {
		return nil, fmt.Errorf("%w: order %s is for market %s, book is %s",
			core.ErrInvalidOrder, in.OrderID, in.MarketID, b.marketID)
	}

	remaining := in.Remaining()
	var fills []core.Fill

	candidates := b.Candidates(in.Side)
	for i := range candidates {
		if remaining <= 0 {
			break
		}
		c := &candidates[i]

		if c.Side == in.Side {
			continue
		}
		// Self-trade prevention
		if c.MakerAccountID == in.MakerAccountID {
			continue
		}
		if c.OrderID == in.OrderID {
			continue
		}
		if !crosses(in.Side, in.PriceTicks, c.PriceTicks) {
			// Candidates are price-sorted, nothing further can cross either
			break
		}
		if c.ExpiredAt(now) {
			continue
		}

		available := c.Remaining()
		if available <= 0 {
			continue
		}
		qty := min(remaining, available)
		fills = append(fills, core.Fill{
			MakerOrderID:   c.OrderID,
			MakerAccountID: c.MakerAccountID,
			PriceTicks:     c.PriceTicks,
			Quantity:       qty,
		})
		remaining -= qty
	}

	if in.TimeInForce.Normalize() == core.FOK && remaining > 0 {
		return nil, nil
	}
	return fills, nil
}

// Levels aggregates remaining quantity and order count per price tick.
// Bids come back strictly descending, asks strictly ascending.
func (b *Book) Levels() (bids, asks []core.OrderBookLevel) {
	return aggregate(b.bids), aggregate(b.asks)
}

// aggregate relies on orders already being sorted best-first, so equal prices
// are adjacent and level order follows the side's priority.
func aggregate(orders []core.RestingOrder) []core.OrderBookLevel {
	levels := make([]core.OrderBookLevel, 0)
	for i := range orders {
		o := &orders[i]
		n := len(levels)
		if n > 0 && levels[n-1].PriceTicks == o.PriceTicks {
			levels[n-1].Quantity += o.Remaining()
			levels[n-1].OrderCount++
			continue
		}
		levels = append(levels, core.OrderBookLevel{
			PriceTicks: o.PriceTicks,
			Quantity:   o.Remaining(),
			OrderCount: 1,
		})
	}
	return levels
}

// Snapshot builds the publishable snapshot for the view
func (b *Book) Snapshot(now time.Time) core.OrderBookSnapshot {
	bids, asks := b.Levels()
	return core.OrderBookSnapshot{
		MarketID:        b.marketID,
		Bids:            bids,
		Asks:            asks,
		LastProcessedAt: now,
		UpdatedAt:       now,
	}
}

// BestBid returns the highest bid price, 0 if no bids
func (b *Book) BestBid() int64 {
	if len(b.bids) == 0 {
		return 0
	}
	return b.bids[0].PriceTicks
}

// BestAsk returns the lowest ask price, 0 if no asks
func (b *Book) BestAsk() int64 {
	if len(b.asks) == 0 {
		return 0
	}
	return b.asks[0].PriceTicks
}
