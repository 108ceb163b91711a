package account

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
)

// avgPricePlaces bounds the stored precision of volume-weighted entry prices
const avgPricePlaces = 8

// NewPosition returns an empty (flat) position for an account in a market
func NewPosition(accountID, marketID string) core.Position {
	return core.Position{
		AccountID:     accountID,
		MarketID:      marketID,
		Type:          core.Flat,
		AvgEntryPrice: decimal.Zero,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
}

// ApplyFill returns the position after a signed quantity change at price.
//
// Branches:
//   - from flat: entry price = fill price
//   - same direction: entry = (entry × |old| + price × |delta|) / |new|
//   - reduce: realize (price − entry) × closed, entry unchanged
//   - close: realize, entry reset to 0
//   - flip: realize the closed part, remainder opens at fill price
//
// Realized PnL is signed by the direction of the closed exposure: a long
// closed above entry and a short closed below entry are both gains.
func ApplyFill(pos core.Position, delta, price int64, at time.Time) core.Position {
	if delta == 0 {
		return pos
	}

	old := pos.Quantity
	next := old + delta
	px := decimal.NewFromInt(price)

	switch {
	case old == 0:
		pos.AvgEntryPrice = px

	case sameDirection(old, delta):
		weighted := pos.AvgEntryPrice.Mul(decimal.NewFromInt(abs(old))).
			Add(px.Mul(decimal.NewFromInt(abs(delta))))
		pos.AvgEntryPrice = weighted.Div(decimal.NewFromInt(abs(next))).Round(avgPricePlaces)

	default:
		closed := min(abs(old), abs(delta))
		pnl := px.Sub(pos.AvgEntryPrice).Mul(decimal.NewFromInt(closed))
		if old < 0 {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)

		switch {
		case next == 0:
			pos.AvgEntryPrice = decimal.Zero
		case !sameDirection(old, next):
			pos.AvgEntryPrice = px
		}
	}

	pos.Quantity = next
	pos.Type = core.PositionTypeOf(next)
	pos.UnrealizedPnL = UnrealizedPnL(pos, price)
	pos.UpdatedAt = at
	return pos
}

// UnrealizedPnL marks a position at price: (mark − entry) × signed quantity
func UnrealizedPnL(pos core.Position, mark int64) decimal.Decimal {
	if pos.Quantity == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(mark).Sub(pos.AvgEntryPrice).Mul(decimal.NewFromInt(pos.Quantity))
}

func sameDirection(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
