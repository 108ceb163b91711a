package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
	"github.com/uhyunpark/hypermarket/pkg/crypto"
)

// Unit is the part of a storage unit of work that settlement writes through.
// Every call runs inside the same durable unit opened by the worker.
type Unit interface {
	GetOrder(ctx context.Context, orderID string) (*core.RestingOrder, error)
	InsertOrder(ctx context.Context, o core.RestingOrder) error

	// UpdateOrderFill is a compare-and-set: the stored row must still be open
	// with filled_quantity == prevFilled, and filled must not exceed quantity.
	UpdateOrderFill(ctx context.Context, orderID string, prevFilled, filled int64, status core.OrderStatus, at time.Time) error

	InsertTrade(ctx context.Context, t core.Trade) error
	InsertPlatformFee(ctx context.Context, f core.PlatformFeeRecord) error
}

// Result is what a settlement wrote
type Result struct {
	Incoming    core.RestingOrder
	Makers      []core.RestingOrder
	Trades      []core.Trade
	FeeFailures int
}

// Writer persists an incoming order and the fills computed for it
type Writer struct {
	fees   FeeSchedule
	logger *zap.SugaredLogger
}

func NewWriter(fees FeeSchedule, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{fees: fees, logger: logger.Sugar()}
}

// Settle writes the incoming order, one trade per fill, cumulative fill state
// for every order touched, and best-effort fee ledger rows.
func (w *Writer) Settle(ctx context.Context, u Unit, incoming core.RestingOrder, fills []core.Fill, now time.Time) (*Result, error) {
	ts := now.UTC().Truncate(time.Microsecond)

	incoming.FilledQuantity = 0
	incoming.Status = core.OrderPending
	incoming.CreatedAt, incoming.UpdatedAt = ts, ts
	if err := u.InsertOrder(ctx, incoming); err != nil {
		return nil, fmt.Errorf("insert order %s: %w", incoming.OrderID, err)
	}

	res := &Result{}
	var takerFilled int64

	for i, f := range fills {
		if f.Quantity <= 0 {
			return nil, fmt.Errorf("%w: fill %d against %s has quantity %d", core.ErrInvalidOrder, i, f.MakerOrderID, f.Quantity)
		}

		maker, err := u.GetOrder(ctx, f.MakerOrderID)
		if err != nil {
			return nil, fmt.Errorf("load maker %s: %w", f.MakerOrderID, err)
		}
		if maker == nil {
			return nil, fmt.Errorf("maker %s: %w", f.MakerOrderID, core.ErrNotFound)
		}
		if !maker.Status.Open() {
			return nil, fmt.Errorf("%w: maker %s is %s", core.ErrStaleOrder, maker.OrderID, maker.Status)
		}

		makerFilled := maker.FilledQuantity + f.Quantity
		if makerFilled > maker.Quantity {
			return nil, fmt.Errorf("%w: maker %s filled %d + %d > %d",
				core.ErrOverfill, maker.OrderID, maker.FilledQuantity, f.Quantity, maker.Quantity)
		}
		takerFilled += f.Quantity
		if takerFilled > incoming.Quantity {
			return nil, fmt.Errorf("%w: incoming %s filled %d > %d",
				core.ErrOverfill, incoming.OrderID, takerFilled, incoming.Quantity)
		}

		trade := w.buildTrade(incoming, *maker, f, i, ts)
		if err := u.InsertTrade(ctx, trade); err != nil {
			return nil, fmt.Errorf("insert trade %s: %w", trade.TradeID, err)
		}

		makerStatus := core.StatusForFill(makerFilled, maker.Quantity)
		if err := u.UpdateOrderFill(ctx, maker.OrderID, maker.FilledQuantity, makerFilled, makerStatus, ts); err != nil {
			return nil, fmt.Errorf("update maker %s: %w", maker.OrderID, err)
		}
		maker.FilledQuantity, maker.Status, maker.UpdatedAt = makerFilled, makerStatus, ts

		res.Trades = append(res.Trades, trade)
		res.Makers = append(res.Makers, *maker)
	}

	status := incomingStatus(incoming, takerFilled)
	if status != core.OrderPending {
		if err := u.UpdateOrderFill(ctx, incoming.OrderID, 0, takerFilled, status, ts); err != nil {
			return nil, fmt.Errorf("update incoming %s: %w", incoming.OrderID, err)
		}
	}
	incoming.FilledQuantity, incoming.Status, incoming.UpdatedAt = takerFilled, status, ts
	res.Incoming = incoming

	// Fee bookkeeping never rolls back a trade
	for _, t := range res.Trades {
		rec := w.feeRecord(t, ts)
		if err := u.InsertPlatformFee(ctx, rec); err != nil {
			res.FeeFailures++
			w.logger.Warnw("platform_fee_insert_failed",
				"trade_id", t.TradeID,
				"market", t.MarketID,
				"fee", rec.FeeAmount,
				"err", err)
		}
	}

	return res, nil
}

// incomingStatus resolves the incoming order's status after matching.
// IOC and FOK remainders never rest.
func incomingStatus(o core.RestingOrder, filled int64) core.OrderStatus {
	if filled >= o.Quantity {
		return core.OrderFilled
	}
	if o.TimeInForce.Normalize() != core.GTC {
		return core.OrderCancelled
	}
	return core.StatusForFill(filled, o.Quantity)
}

func (w *Writer) buildTrade(incoming, maker core.RestingOrder, f core.Fill, seq int, ts time.Time) core.Trade {
	t := core.Trade{
		TradeID:    crypto.TradeID(incoming.OrderID, maker.OrderID, seq),
		MarketID:   incoming.MarketID,
		Quantity:   f.Quantity,
		PriceTicks: f.PriceTicks,
		Timestamp:  ts,
	}
	if incoming.Side == core.Buy {
		t.BuyOrderID, t.BuyerAccountID = incoming.OrderID, incoming.MakerAccountID
		t.SellOrderID, t.SellerAccountID = maker.OrderID, maker.MakerAccountID
	} else {
		t.BuyOrderID, t.BuyerAccountID = maker.OrderID, maker.MakerAccountID
		t.SellOrderID, t.SellerAccountID = incoming.OrderID, incoming.MakerAccountID
	}

	t.TotalFee = w.fees.TotalFee(f.PriceTicks, f.Quantity)
	t.BuyerFee, t.SellerFee, _ = w.fees.Split(t.TotalFee, incoming.Side)
	return t
}

func (w *Writer) feeRecord(t core.Trade, ts time.Time) core.PlatformFeeRecord {
	payer := core.FeePayerBuyer
	if t.SellerFee > 0 && t.BuyerFee == 0 {
		payer = core.FeePayerSeller
	}
	return core.PlatformFeeRecord{
		TradeID:          t.TradeID,
		MarketID:         t.MarketID,
		FeeAmount:        t.TotalFee,
		FeeCurrency:      w.fees.Currency,
		CollectedFrom:    payer,
		SettlementStatus: core.FeeSettlementPending,
		CreatedAt:        ts,
	}
}

// IsInvariantViolation reports whether err means settlement refused to corrupt state
func IsInvariantViolation(err error) bool {
	return errors.Is(err, core.ErrOverfill) || errors.Is(err, core.ErrStaleOrder)
}
