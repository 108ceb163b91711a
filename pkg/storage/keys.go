package storage

import (
	"fmt"
	"time"
)

// Pebble key schema:
//
//	q:<orderID>                              → QueuedOrder
//	qi:<priority>:<createdAt>:<orderID>      → marketID (present while QUEUED)
//	ord:<orderID>                            → RestingOrder
//	open:<marketID>:<orderID>                → "" (present while PENDING/PARTIAL_FILL)
//	trade:<marketID>:<timestamp>:<tradeID>   → Trade
//	tid:<tradeID>                            → trade key (uniqueness)
//	pos:<accountID>:<marketID>               → Position
//	book:<marketID>                          → OrderBookSnapshot
//	fee:<tradeID>                            → PlatformFeeRecord
//
// Numeric components are zero-padded to 20 digits so keys sort numerically.
const (
	prefixQueue      = "q:"
	prefixQueueIndex = "qi:"
	prefixOrder      = "ord:"
	prefixOpen       = "open:"
	prefixTrade      = "trade:"
	prefixTradeID    = "tid:"
	prefixPosition   = "pos:"
	prefixBook       = "book:"
	prefixFee        = "fee:"
)

func queueKey(orderID string) []byte {
	return []byte(prefixQueue + orderID)
}

// queueIndexKey orders claimable rows by priority then age
func queueIndexKey(priority int64, createdAt time.Time, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d:%s", prefixQueueIndex, sortableInt(priority), sortableInt(createdAt.UnixNano()), orderID))
}

func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

func openKey(marketID, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOpen, marketID, orderID))
}

func openPrefix(marketID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOpen, marketID))
}

func tradeKey(marketID string, ts time.Time, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, marketID, sortableInt(ts.UnixNano()), tradeID))
}

func tradePrefix(marketID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, marketID))
}

func tradeIDKey(tradeID string) []byte {
	return []byte(prefixTradeID + tradeID)
}

func positionKey(accountID, marketID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPosition, accountID, marketID))
}

func bookKey(marketID string) []byte {
	return []byte(prefixBook + marketID)
}

func feeKey(tradeID string) []byte {
	return []byte(prefixFee + tradeID)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
