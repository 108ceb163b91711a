package account

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
)

// PositionStore is the slice of the storage unit the ledger needs.
// GetPosition returns nil, nil when the account has never traded the market.
type PositionStore interface {
	GetPosition(ctx context.Context, accountID, marketID string) (*core.Position, error)
	UpsertPosition(ctx context.Context, pos core.Position) error
}

// Ledger keeps per-(account, market) positions in step with executed trades
type Ledger struct {
	logger *zap.SugaredLogger
}

func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{logger: logger.Sugar()}
}

// ApplyTrade credits the buyer +qty and debits the seller −qty at the trade price
func (l *Ledger) ApplyTrade(ctx context.Context, st PositionStore, trade core.Trade) error {
	legs := []struct {
		accountID string
		delta     int64
	}{
		{trade.BuyerAccountID, trade.Quantity},
		{trade.SellerAccountID, -trade.Quantity},
	}

	for _, leg := range legs {
		pos, err := l.apply(ctx, st, leg.accountID, trade.MarketID, leg.delta, trade.PriceTicks, trade.Timestamp)
		if err != nil {
			return fmt.Errorf("trade %s: %w", trade.TradeID, err)
		}
		l.logger.Debugw("position_updated",
			"account", pos.AccountID,
			"market", pos.MarketID,
			"qty", pos.Quantity,
			"avg_entry", pos.AvgEntryPrice.String(),
			"realized_pnl", pos.RealizedPnL.String())
	}
	return nil
}

func (l *Ledger) apply(ctx context.Context, st PositionStore, accountID, marketID string, delta, price int64, at time.Time) (core.Position, error) {
	existing, err := st.GetPosition(ctx, accountID, marketID)
	if err != nil {
		return core.Position{}, fmt.Errorf("load position %s/%s: %w", accountID, marketID, err)
	}

	pos := NewPosition(accountID, marketID)
	if existing != nil {
		pos = *existing
	}

	pos = ApplyFill(pos, delta, price, at)
	if err := st.UpsertPosition(ctx, pos); err != nil {
		return core.Position{}, fmt.Errorf("save position %s/%s: %w", accountID, marketID, err)
	}
	return pos, nil
}
