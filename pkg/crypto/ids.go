package crypto

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// TradeID derives a stable identifier for the seq-th fill of an incoming
// order against a maker. Replaying the same match yields the same id, so a
// duplicate trade insert is detected by the primary key.
func TradeID(incomingOrderID, makerOrderID string, seq int) string {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(seq))

	h := crypto.Keccak256(
		[]byte(incomingOrderID), []byte{0},
		[]byte(makerOrderID), []byte{0},
		n[:],
	)
	// 16 bytes rendered as a UUID so trade ids share the order id format
	id, _ := uuid.FromBytes(h[:16])
	return id.String()
}

// NewOrderID returns a random order id
func NewOrderID() string {
	return uuid.NewString()
}
