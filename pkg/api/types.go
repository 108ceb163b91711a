package api

import (
	"github.com/uhyunpark/hypermarket/pkg/app/core"
)

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// Matcher invocation
// ==============================

// RunRequest is the optional body of a matcher invocation
type RunRequest struct {
	Trigger  string `json:"trigger,omitempty"`
	MarketID string `json:"marketId,omitempty"`
}

// RunResponse is returned when an invocation completes, even if some orders failed
type RunResponse struct {
	Success   bool   `json:"success"`
	WorkerID  string `json:"workerId"`
	Message   string `json:"message"`
	Processed int    `json:"processed"`
	Matched   int    `json:"matched"`
	Failed    int    `json:"failed"`
	Trades    int    `json:"trades"`
}

// ==============================
// Orders
// ==============================

// SubmitOrderRequest enqueues an order for matching
type SubmitOrderRequest struct {
	OrderID        string `json:"orderId,omitempty"` // generated when empty
	MarketID       string `json:"marketId"`
	MakerAccountID string `json:"makerAccountId"`
	Side           string `json:"side"` // "buy" or "sell"
	PriceTicks     int64  `json:"priceTicks"`
	Quantity       int64  `json:"quantity"`
	MaxCollateral  int64  `json:"maxCollateral"`
	TimeInForce    string `json:"timeInForce,omitempty"` // GTC (default), IOC, FOK
	ExpiresAt      int64  `json:"expiresAt,omitempty"`   // unix seconds, 0 = none
	Nonce          int64  `json:"nonce"`
	Signature      string `json:"signature,omitempty"`
	PriorityScore  int64  `json:"priorityScore"`
}

type SubmitOrderResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId"`
}

// ==============================
// Market data
// ==============================

// PriceLevel is one aggregated level of the book
type PriceLevel struct {
	Price  int64 `json:"price"`  // ticks, 1..99
	Size   int64 `json:"size"`   // remaining contracts
	Orders int   `json:"orders"` // resting orders at this price
}

// OrderbookSnapshot is the stored snapshot of a market
type OrderbookSnapshot struct {
	MarketID  string       `json:"marketId"`
	Bids      []PriceLevel `json:"bids"`      // Sorted high to low
	Asks      []PriceLevel `json:"asks"`      // Sorted low to high
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

// TradeInfo represents a recent trade
type TradeInfo struct {
	ID          string `json:"id"`
	MarketID    string `json:"marketId"`
	Price       int64  `json:"price"`
	Size        int64  `json:"size"`
	BuyOrderID  string `json:"buyOrderId"`
	SellOrderID string `json:"sellOrderId"`
	Timestamp   int64  `json:"timestamp"` // Unix milliseconds
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients to manage subscriptions
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:<marketId>"]
}

// OrderbookUpdate is pushed after each processed order
type OrderbookUpdate struct {
	Type      string       `json:"type"` // "orderbook"
	MarketID  string       `json:"marketId"`
	OrderID   string       `json:"orderId"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Trades    []TradeInfo  `json:"trades,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

func toPriceLevels(levels []core.OrderBookLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.PriceTicks, Size: l.Quantity, Orders: l.OrderCount}
	}
	return out
}

func toSnapshot(s core.OrderBookSnapshot) OrderbookSnapshot {
	return OrderbookSnapshot{
		MarketID:  s.MarketID,
		Bids:      toPriceLevels(s.Bids),
		Asks:      toPriceLevels(s.Asks),
		Timestamp: s.UpdatedAt.UnixMilli(),
	}
}

func toTradeInfos(trades []core.Trade) []TradeInfo {
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = TradeInfo{
			ID:          t.TradeID,
			MarketID:    t.MarketID,
			Price:       t.PriceTicks,
			Size:        t.Quantity,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Timestamp:   t.Timestamp.UnixMilli(),
		}
	}
	return out
}
