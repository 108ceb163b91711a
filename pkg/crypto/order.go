package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain orders are signed under
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func DefaultDomain() Domain {
	return Domain{
		Name:    "Hypermarket",
		Version: "1",
		ChainID: big.NewInt(1337),
	}
}

// OrderMessage is the typed payload a maker signs before enqueueing an order
type OrderMessage struct {
	MarketID      string
	Side          string // BUY or SELL
	PriceTicks    int64
	Quantity      int64
	MaxCollateral int64
	TimeInForce   string
	Nonce         int64
	ExpiresAt     int64 // unix seconds, 0 = no expiry
	Maker         common.Address
}

var orderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": []apitypes.Type{
		{Name: "marketId", Type: "string"},
		{Name: "side", Type: "string"},
		{Name: "price", Type: "uint256"},
		{Name: "quantity", Type: "uint256"},
		{Name: "maxCollateral", Type: "uint256"},
		{Name: "timeInForce", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "expiresAt", Type: "uint256"},
		{Name: "maker", Type: "address"},
	},
}

// OrderTypedData builds the eth_signTypedData_v4 payload for an order
func (d Domain) OrderTypedData(o OrderMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"marketId":      o.MarketID,
			"side":          o.Side,
			"price":         fmt.Sprintf("%d", o.PriceTicks),
			"quantity":      fmt.Sprintf("%d", o.Quantity),
			"maxCollateral": fmt.Sprintf("%d", o.MaxCollateral),
			"timeInForce":   o.TimeInForce,
			"nonce":         fmt.Sprintf("%d", o.Nonce),
			"expiresAt":     fmt.Sprintf("%d", o.ExpiresAt),
			"maker":         o.Maker.Hex(),
		},
	}
}

// HashOrder returns keccak256("\x19\x01" || domainSeparator || structHash)
func (d Domain) HashOrder(o OrderMessage) ([]byte, error) {
	td := d.OrderTypedData(o)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// SignOrder signs o and returns the 0x-hex signature stored alongside the order
func (d Domain) SignOrder(s *Signer, o OrderMessage) (string, error) {
	hash, err := d.HashOrder(o)
	if err != nil {
		return "", err
	}
	sig, err := s.Sign(hash)
	if err != nil {
		return "", err
	}
	return EncodeSignature(sig), nil
}

// RecoverOrderSigner returns the address that produced signature over o
func (d Domain) RecoverOrderSigner(o OrderMessage, signature string) (common.Address, error) {
	sig, err := DecodeSignature(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	hash, err := d.HashOrder(o)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, sig)
}
