package storage

import (
	"context"
	"time"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
)

// ClaimRequest selects the queued orders a worker takes in one cycle
type ClaimRequest struct {
	WorkerID string
	Limit    int
	MarketID string // optional: restrict the claim to one market
}

// Tx is one durable unit of work scoped to a single market.
// Nothing written through a Tx is visible to other units until it commits.
type Tx interface {
	GetOrder(ctx context.Context, orderID string) (*core.RestingOrder, error)
	InsertOrder(ctx context.Context, o core.RestingOrder) error
	RestingOrders(ctx context.Context, marketID string) ([]core.RestingOrder, error)
	UpdateOrderFill(ctx context.Context, orderID string, prevFilled, filled int64, status core.OrderStatus, at time.Time) error

	InsertTrade(ctx context.Context, t core.Trade) error
	InsertPlatformFee(ctx context.Context, f core.PlatformFeeRecord) error

	GetPosition(ctx context.Context, accountID, marketID string) (*core.Position, error)
	UpsertPosition(ctx context.Context, pos core.Position) error

	UpsertSnapshot(ctx context.Context, snap core.OrderBookSnapshot) error

	// ResolveQueued moves a PROCESSING queue row to a terminal status
	ResolveQueued(ctx context.Context, orderID string, status core.QueueStatus, errMsg string, at time.Time) error
}

// Store is the persistence engine behind the matcher
type Store interface {
	EnqueueOrder(ctx context.Context, q core.QueuedOrder) error

	// ClaimOrders atomically moves up to req.Limit QUEUED rows to PROCESSING
	// and returns them by priority_score, then created_at. Concurrent callers
	// never receive the same row.
	ClaimOrders(ctx context.Context, req ClaimRequest) ([]core.QueuedOrder, error)

	// WithinMarket runs fn as one durable unit serialized against every other
	// unit for the same market. fn's error rolls the unit back.
	WithinMarket(ctx context.Context, marketID string, fn func(Tx) error) error

	// MarkFailed resolves a PROCESSING row as FAILED outside any unit
	MarkFailed(ctx context.Context, orderID, errMsg string, at time.Time) error

	// ReleaseStale returns PROCESSING rows claimed before cutoff to QUEUED so a
	// crashed worker's claims are picked up again
	ReleaseStale(ctx context.Context, cutoff time.Time) (int, error)

	GetQueuedOrder(ctx context.Context, orderID string) (*core.QueuedOrder, error)
	GetSnapshot(ctx context.Context, marketID string) (*core.OrderBookSnapshot, error)
	RecentTrades(ctx context.Context, marketID string, limit int) ([]core.Trade, error)

	Close() error
}
