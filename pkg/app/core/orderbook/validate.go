package orderbook

import (
	"fmt"
	"time"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
)

// ValidateIncoming checks an order before it is admitted to the book.
// Violations are per-order failures; they never abort a worker batch.
func ValidateIncoming(o *core.RestingOrder, now time.Time) error {
	if o.OrderID == "" {
		return fmt.Errorf("%w: missing order id", core.ErrInvalidOrder)
	}
	if o.MarketID == "" {
		return fmt.Errorf("%w: order %s has no market", core.ErrInvalidOrder, o.OrderID)
	}
	if o.MakerAccountID == "" {
		return fmt.Errorf("%w: order %s has no maker account", core.ErrInvalidOrder, o.OrderID)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: order %s has side %q", core.ErrInvalidOrder, o.OrderID, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: order %s quantity %d must be positive", core.ErrInvalidOrder, o.OrderID, o.Quantity)
	}
	if o.PriceTicks < 0 {
		return fmt.Errorf("%w: order %s price %d must not be negative", core.ErrInvalidOrder, o.OrderID, o.PriceTicks)
	}
	if o.FilledQuantity != 0 {
		return fmt.Errorf("%w: order %s arrives with filled quantity %d", core.ErrInvalidOrder, o.OrderID, o.FilledQuantity)
	}
	if o.ExpiredAt(now) {
		return fmt.Errorf("%w: order %s expired at %s", core.ErrOrderExpired, o.OrderID, o.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}
