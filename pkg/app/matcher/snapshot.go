package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
	"github.com/uhyunpark/hypermarket/pkg/app/core/orderbook"
)

// snapshotTx is the slice of a storage unit the snapshotter touches
type snapshotTx interface {
	RestingOrders(ctx context.Context, marketID string) ([]core.RestingOrder, error)
	UpsertSnapshot(ctx context.Context, snap core.OrderBookSnapshot) error
}

// Snapshotter rebuilds a market's aggregated book from the resting orders
// and overwrites the stored snapshot. It never patches the previous one.
type Snapshotter struct{}

func (Snapshotter) Refresh(ctx context.Context, tx snapshotTx, marketID string, now time.Time) (core.OrderBookSnapshot, error) {
	resting, err := tx.RestingOrders(ctx, marketID)
	if err != nil {
		return core.OrderBookSnapshot{}, fmt.Errorf("snapshot %s: %w", marketID, err)
	}

	snap := orderbook.NewBook(marketID, resting).Snapshot(now)
	if err := tx.UpsertSnapshot(ctx, snap); err != nil {
		return core.OrderBookSnapshot{}, fmt.Errorf("snapshot %s: %w", marketID, err)
	}
	return snap, nil
}
