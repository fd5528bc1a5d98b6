package math

import (
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// CostPrecision is the number of fractional digits kept for USD cost arithmetic.
// Partial lot consumption rounds to this scale, so repeated small disposals of the
// same lot drift by at most 1e-18 USD per step.
const CostPrecision int32 = 18

// bigIntPool holds scratch big.Ints for the integer pro-rata path
var bigIntPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBigInt() *big.Int {
	return bigIntPool.Get().(*big.Int)
}

func putBigInt(v *big.Int) {
	v.SetInt64(0)
	bigIntPool.Put(v)
}

// IsBaseUnits reports whether d is a valid base-unit quantity (integral, no fraction).
func IsBaseUnits(d decimal.Decimal) bool {
	return d.IsInteger()
}

// ProportionalCost returns cost * part / whole rounded to CostPrecision.
// Used when a lot is partially consumed: the removed cost is the exact fraction
// part/whole of the lot's remaining cost.
func ProportionalCost(cost, part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return cost.Mul(part).DivRound(whole, CostPrecision)
}

// UnitPrice returns cost / amount, or zero when amount is zero.
func UnitPrice(cost, amount decimal.Decimal) decimal.Decimal {
	if amount.IsZero() {
		return decimal.Zero
	}
	return cost.DivRound(amount, CostPrecision)
}

// ProRataFloor computes floor(total * share / whole) on integers.
// All three operands must be base-unit integers; the multiplication is done on
// big.Int so the result is identical on every host.
func ProRataFloor(total, share, whole decimal.Decimal) decimal.Decimal {
	if whole.Sign() <= 0 || total.Sign() <= 0 || share.Sign() <= 0 {
		return decimal.Zero
	}

	product := getBigInt()
	product.Mul(total.BigInt(), share.BigInt())

	quotient := getBigInt()
	quotient.Quo(product, whole.BigInt())

	result := decimal.NewFromBigInt(new(big.Int).Set(quotient), 0)

	putBigInt(product)
	putBigInt(quotient)

	return result
}

// ClampedSub returns max(a-b, 0) and the amount actually removed from a.
func ClampedSub(a, b decimal.Decimal) (remaining, removed decimal.Decimal) {
	if b.GreaterThanOrEqual(a) {
		return decimal.Zero, a
	}
	return a.Sub(b), b
}
