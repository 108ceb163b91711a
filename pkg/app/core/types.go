package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side an order of this side matches against
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// ParseSide accepts "buy"/"sell" in any case
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, s)
}

// TimeInForce controls what happens to the unmatched remainder of an incoming order
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // remainder rests on the book
	IOC TimeInForce = "IOC" // remainder is cancelled
	FOK TimeInForce = "FOK" // fill completely or not at all
)

// Normalize maps empty/unknown values to GTC
func (t TimeInForce) Normalize() TimeInForce {
	switch TimeInForce(strings.ToUpper(string(t))) {
	case IOC:
		return IOC
	case FOK:
		return FOK
	default:
		return GTC
	}
}

// QueueStatus is the lifecycle state of a row in the order queue
type QueueStatus string

const (
	QueueQueued     QueueStatus = "QUEUED"
	QueueProcessing QueueStatus = "PROCESSING" // claimed, in flight
	QueueMatched    QueueStatus = "MATCHED"
	QueueFailed     QueueStatus = "FAILED"
)

// Terminal reports whether the status can no longer change
func (s QueueStatus) Terminal() bool {
	return s == QueueMatched || s == QueueFailed
}

// OrderStatus is the lifecycle state of an order admitted to the book
type OrderStatus string

const (
	OrderPending     OrderStatus = "PENDING"
	OrderPartialFill OrderStatus = "PARTIAL_FILL"
	OrderFilled      OrderStatus = "FILLED"
	OrderCancelled   OrderStatus = "CANCELLED"
	OrderExpired     OrderStatus = "EXPIRED"
)

// Open reports whether the order still rests on the book
func (s OrderStatus) Open() bool {
	return s == OrderPending || s == OrderPartialFill
}

// StatusForFill derives the status of an open order from its cumulative fill
func StatusForFill(filled, quantity int64) OrderStatus {
	switch {
	case filled >= quantity:
		return OrderFilled
	case filled > 0:
		return OrderPartialFill
	default:
		return OrderPending
	}
}

// QueuedOrder is an order waiting in the shared queue for a matcher worker
type QueuedOrder struct {
	OrderID        string      `json:"orderId"`
	MarketID       string      `json:"marketId"`
	MakerAccountID string      `json:"makerAccountId"`
	Side           Side        `json:"side"`
	PriceTicks     int64       `json:"priceTicks"`
	Quantity       int64       `json:"quantity"`
	MaxCollateral  int64       `json:"maxCollateral"`
	TimeInForce    TimeInForce `json:"timeInForce"`
	ExpiresAt      *time.Time  `json:"expiresAt,omitempty"`
	Nonce          int64       `json:"nonce"`
	Signature      string      `json:"signature"` // opaque, not verified here

	Status        QueueStatus `json:"status"`
	PriorityScore int64       `json:"priorityScore"` // lower is claimed first
	Attempts      int         `json:"attempts"`
	ClaimedBy     string      `json:"claimedBy,omitempty"`
	ClaimedAt     *time.Time  `json:"claimedAt,omitempty"`
	ErrorMessage  string      `json:"errorMessage,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// RestingOrder is the durable order record once admitted to the book
type RestingOrder struct {
	OrderID        string      `json:"orderId"`
	MarketID       string      `json:"marketId"`
	MakerAccountID string      `json:"makerAccountId"`
	Side           Side        `json:"side"`
	PriceTicks     int64       `json:"priceTicks"`
	Quantity       int64       `json:"quantity"`
	FilledQuantity int64       `json:"filledQuantity"`
	Status         OrderStatus `json:"status"`
	TimeInForce    TimeInForce `json:"timeInForce"`
	ExpiresAt      *time.Time  `json:"expiresAt,omitempty"`
	Nonce          int64       `json:"nonce"`
	Signature      string      `json:"signature,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Remaining returns unfilled quantity
func (o *RestingOrder) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// ExpiredAt reports whether the order's expiry is at or before now
func (o *RestingOrder) ExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// Resting converts a claimed queue entry into a fresh book order
func (q *QueuedOrder) Resting(now time.Time) RestingOrder {
	return RestingOrder{
		OrderID:        q.OrderID,
		MarketID:       q.MarketID,
		MakerAccountID: q.MakerAccountID,
		Side:           q.Side,
		PriceTicks:     q.PriceTicks,
		Quantity:       q.Quantity,
		Status:         OrderPending,
		TimeInForce:    q.TimeInForce.Normalize(),
		ExpiresAt:      q.ExpiresAt,
		Nonce:          q.Nonce,
		Signature:      q.Signature,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Fill is one execution computed by the matching engine against a resting order
type Fill struct {
	MakerOrderID   string `json:"makerOrderId"`
	MakerAccountID string `json:"makerAccountId"`
	PriceTicks     int64  `json:"priceTicks"` // always the resting order's price
	Quantity       int64  `json:"quantity"`
}

// Trade is an immutable execution record
type Trade struct {
	TradeID         string    `json:"tradeId"`
	MarketID        string    `json:"marketId"`
	BuyOrderID      string    `json:"buyOrderId"`
	SellOrderID     string    `json:"sellOrderId"`
	BuyerAccountID  string    `json:"buyerAccountId"`
	SellerAccountID string    `json:"sellerAccountId"`
	Quantity        int64     `json:"quantity"`
	PriceTicks      int64     `json:"priceTicks"`
	Timestamp       time.Time `json:"timestamp"`

	// Fees in quote-currency minor units
	BuyerFee  int64 `json:"buyerFee"`
	SellerFee int64 `json:"sellerFee"`
	TotalFee  int64 `json:"totalFee"`
}

type PositionType string

const (
	Long  PositionType = "LONG"
	Short PositionType = "SHORT"
	Flat  PositionType = "FLAT"
)

// PositionTypeOf derives the position type from the sign of the net quantity
func PositionTypeOf(qty int64) PositionType {
	switch {
	case qty > 0:
		return Long
	case qty < 0:
		return Short
	default:
		return Flat
	}
}

// Position is the net exposure of one account in one market.
// Prices are in ticks; PnL is ticks × shares.
type Position struct {
	AccountID        string          `json:"accountId"`
	MarketID         string          `json:"marketId"`
	Type             PositionType    `json:"positionType"`
	Quantity         int64           `json:"quantity"`
	AvgEntryPrice    decimal.Decimal `json:"avgEntryPrice"`
	RealizedPnL      decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnl"`
	CollateralLocked int64           `json:"collateralLocked"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// OrderBookLevel aggregates all resting quantity at one price tick
type OrderBookLevel struct {
	PriceTicks int64 `json:"price"`
	Quantity   int64 `json:"quantity"`
	OrderCount int   `json:"orders"`
}

// OrderBookSnapshot is the published, overwritable view of a market's book
type OrderBookSnapshot struct {
	MarketID        string           `json:"marketId"`
	Bids            []OrderBookLevel `json:"bids"` // high to low
	Asks            []OrderBookLevel `json:"asks"` // low to high
	LastProcessedAt time.Time        `json:"lastProcessedAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// FeePayer identifies which side of a trade paid the platform fee
type FeePayer string

const (
	FeePayerBuyer  FeePayer = "buyer"
	FeePayerSeller FeePayer = "seller"
)

const FeeSettlementPending = "PENDING"

// PlatformFeeRecord is the fee ledger row written for every trade
type PlatformFeeRecord struct {
	TradeID          string    `json:"tradeId"`
	MarketID         string    `json:"marketId"`
	FeeAmount        int64     `json:"feeAmount"`
	FeeCurrency      string    `json:"feeCurrency"`
	CollectedFrom    FeePayer  `json:"collectedFrom"`
	SettlementStatus string    `json:"settlementStatus"`
	CreatedAt        time.Time `json:"createdAt"`
}
