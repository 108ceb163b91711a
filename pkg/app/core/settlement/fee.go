package settlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
)

// MinorUnitExp is the number of decimal places of the quote currency's minor unit
const MinorUnitExp = 6

// DefaultFeeRateBps is the platform fee: 100 bps = 1% of notional
const DefaultFeeRateBps = 100

// FeePolicy decides which side of a trade pays the platform fee
type FeePolicy int

const (
	// FeePolicyBuyer charges the whole fee to the buyer, whichever side was the
	// taker. A selling taker therefore pays nothing.
	FeePolicyBuyer FeePolicy = iota
	// FeePolicyTaker charges the whole fee to the incoming order's side
	FeePolicyTaker
)

func (p FeePolicy) String() string {
	switch p {
	case FeePolicyBuyer:
		return "buyer"
	case FeePolicyTaker:
		return "taker"
	default:
		return "unknown"
	}
}

func ParseFeePolicy(s string) (FeePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "buyer":
		return FeePolicyBuyer, nil
	case "taker":
		return FeePolicyTaker, nil
	}
	return FeePolicyBuyer, fmt.Errorf("unknown fee policy %q", s)
}

// FeeSchedule holds the fee parameters applied to every trade
type FeeSchedule struct {
	RateBps  int64
	Currency string
	Policy   FeePolicy
}

func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{RateBps: DefaultFeeRateBps, Currency: "USDC", Policy: FeePolicyBuyer}
}

// Notional returns the executed value in dollars: (price_ticks / 100) × quantity
func Notional(priceTicks, qty int64) decimal.Decimal {
	return decimal.NewFromInt(priceTicks).Div(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(qty))
}

// TotalFee returns ceil(notional × rate) in quote minor units.
// Rounding is always up so the platform is never underpaid. With whole-bps
// rates and cent ticks the product is already a whole number of minor units
// (ticks × qty × bps), so the ceiling only matters if either scale gets finer.
func (f FeeSchedule) TotalFee(priceTicks, qty int64) int64 {
	rate := decimal.New(f.RateBps, -4)
	minor := Notional(priceTicks, qty).Mul(rate).Shift(MinorUnitExp)
	return minor.Ceil().IntPart()
}

// Split attributes a total fee to buyer and seller for a trade whose taker was takerSide
func (f FeeSchedule) Split(total int64, takerSide core.Side) (buyerFee, sellerFee int64, payer core.FeePayer) {
	switch f.Policy {
	case FeePolicyTaker:
		if takerSide == core.Sell {
			return 0, total, core.FeePayerSeller
		}
		return total, 0, core.FeePayerBuyer
	default:
		return total, 0, core.FeePayerBuyer
	}
}
