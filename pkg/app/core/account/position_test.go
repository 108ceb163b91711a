package account

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
)

var now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApplyFill(t *testing.T) {
	tests := []struct {
		name         string
		startQty     int64
		startAvg     string
		delta        int64
		price        int64
		wantQty      int64
		wantAvg      string
		wantRealized string
		wantType     core.PositionType
	}{
		{"open long", 0, "0", 10, 60, 10, "60", "0", core.Long},
		{"open short", 0, "0", -10, 60, -10, "60", "0", core.Short},
		{"add to long", 10, "60", 30, 40, 40, "45", "0", core.Long},
		{"add to short", -10, "50", -10, 70, -20, "60", "0", core.Short},
		{"reduce long at gain", 10, "60", -4, 70, 6, "60", "40", core.Long},
		{"reduce short at gain", -10, "60", 4, 50, -6, "60", "40", core.Short},
		{"close long at loss", 10, "60", -10, 55, 0, "0", "-50", core.Flat},
		{"flip long to short", 10, "60", -15, 70, -5, "70", "100", core.Short},
		{"flip short to long", -10, "60", 25, 65, 15, "65", "-50", core.Long},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := NewPosition("alice", "M")
			pos.Quantity = tt.startQty
			pos.AvgEntryPrice = dec(tt.startAvg)

			got := ApplyFill(pos, tt.delta, tt.price, now)

			if got.Quantity != tt.wantQty {
				t.Errorf("qty = %d, want %d", got.Quantity, tt.wantQty)
			}
			if !got.AvgEntryPrice.Equal(dec(tt.wantAvg)) {
				t.Errorf("avg = %s, want %s", got.AvgEntryPrice, tt.wantAvg)
			}
			if !got.RealizedPnL.Equal(dec(tt.wantRealized)) {
				t.Errorf("realized = %s, want %s", got.RealizedPnL, tt.wantRealized)
			}
			if got.Type != tt.wantType {
				t.Errorf("type = %s, want %s", got.Type, tt.wantType)
			}
		})
	}
}

func TestApplyFillFractionalAverage(t *testing.T) {
	pos := ApplyFill(NewPosition("a", "M"), 1, 50, now)
	pos = ApplyFill(pos, 2, 51, now)

	// (50 + 102) / 3
	require.True(t, pos.AvgEntryPrice.Equal(dec("50.66666667")), "avg = %s", pos.AvgEntryPrice)
	require.Equal(t, int64(3), pos.Quantity)
}

func TestUnrealizedPnLMarkedAtTradePrice(t *testing.T) {
	pos := ApplyFill(NewPosition("a", "M"), -10, 60, now)
	require.True(t, pos.UnrealizedPnL.IsZero())

	pos = ApplyFill(pos, -10, 40, now)
	// entry 50, mark 40, short 20 → +200
	require.True(t, pos.UnrealizedPnL.Equal(dec("200")), "unrealized = %s", pos.UnrealizedPnL)
}

type memPositions map[string]core.Position

func (m memPositions) GetPosition(_ context.Context, accountID, marketID string) (*core.Position, error) {
	p, ok := m[accountID+"/"+marketID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m memPositions) UpsertPosition(_ context.Context, pos core.Position) error {
	m[pos.AccountID+"/"+pos.MarketID] = pos
	return nil
}

func TestLedgerApplyTrade(t *testing.T) {
	st := memPositions{}
	ledger := NewLedger(nil)
	ctx := context.Background()

	trades := []core.Trade{
		{TradeID: "t1", MarketID: "M", BuyerAccountID: "buyer", SellerAccountID: "seller", Quantity: 10, PriceTicks: 60, Timestamp: now},
		{TradeID: "t2", MarketID: "M", BuyerAccountID: "seller", SellerAccountID: "buyer", Quantity: 4, PriceTicks: 70, Timestamp: now},
	}
	for _, tr := range trades {
		require.NoError(t, ledger.ApplyTrade(ctx, st, tr))
	}

	buyer := st["buyer/M"]
	require.Equal(t, int64(6), buyer.Quantity)
	require.Equal(t, core.Long, buyer.Type)
	require.True(t, buyer.RealizedPnL.Equal(dec("40")), "buyer realized = %s", buyer.RealizedPnL)

	seller := st["seller/M"]
	require.Equal(t, int64(-6), seller.Quantity)
	require.Equal(t, core.Short, seller.Type)
	require.True(t, seller.RealizedPnL.Equal(dec("-40")), "seller realized = %s", seller.RealizedPnL)
}
