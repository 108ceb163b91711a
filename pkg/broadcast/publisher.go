// Package broadcast fans committed order book snapshots and trades out to
// downstream consumers. Publishing is best effort: the matcher has already
// committed by the time anything here runs.
package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
)

// Event is what one processed order publishes
type Event struct {
	MarketID string                  `json:"marketId"`
	OrderID  string                  `json:"orderId"`
	Snapshot *core.OrderBookSnapshot `json:"snapshot,omitempty"`
	Trades   []core.Trade            `json:"trades,omitempty"`
	At       time.Time               `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Multi publishes to every sink and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards everything
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Func adapts a function to Publisher
type Func func(ctx context.Context, ev Event) error

func (f Func) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
func (Func) Close() error                                  { return nil }
