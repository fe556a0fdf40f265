package fixedmath

import (
	"errors"
	"math/big"
	"sync"
)

// Scale constants shared across the engine.
//
// All percentage-valued parameters (fees, thresholds, withdraw percents,
// leverage) are unsigned integers out of HundredPercent, preserved end-to-end
// so the quoted and executed amounts never drift apart.
const (
	// HundredPercent is the fixed denominator for percentage values.
	HundredPercent uint32 = 1_000_000

	// LeverageOne is a leverage ratio of exactly 1x, on the same scale.
	LeverageOne uint64 = uint64(HundredPercent)

	// PriceScale is the fixed-point scale for pool/oracle prices
	// (token B base units per token A base unit, times PriceScale).
	PriceScale uint64 = 1_000_000_000

	// RateScale is the fixed-point scale for per-second interest rates.
	// A rate of RateScale means 100% of the borrowed funds per second.
	RateScale uint64 = 1_000_000_000_000
)

var (
	ErrDivisionByZero = errors.New("fixedmath: division by zero")
	ErrOverflow       = errors.New("fixedmath: result exceeds uint64")
)

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// bigPool recycles big.Ints used for wide intermediates.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetUint64(0)
	bigPool.Put(v)
}

// MulDiv computes a*b/denom using a wide intermediate so the product cannot
// overflow. The rounding direction is an explicit parameter, never implicit.
// Errors (rather than saturating) on zero denominator or a result that does
// not fit in uint64.
func MulDiv(a, b, denom uint64, roundUp bool) (uint64, error) {
	if denom == 0 {
		return 0, ErrDivisionByZero
	}

	num := getBig()
	den := getBig()
	quo := getBig()
	rem := getBig()
	defer putBig(num)
	defer putBig(den)
	defer putBig(quo)
	defer putBig(rem)

	num.SetUint64(a)
	den.SetUint64(b)
	num.Mul(num, den)
	den.SetUint64(denom)
	quo.QuoRem(num, den, rem)

	if roundUp && rem.Sign() != 0 {
		quo.Add(quo, oneBig)
	}

	if quo.Cmp(maxUint64) > 0 {
		return 0, ErrOverflow
	}
	return quo.Uint64(), nil
}

var oneBig = big.NewInt(1)

// SharesToFunds converts a share count into funds at the current ratio.
// Pass roundUp=true for any amount representing a liability (what is owed,
// protecting the vault) and roundUp=false for an asset being withdrawn
// (protecting the other depositors). An empty pool converts 1:1.
func SharesToFunds(shares, totalFunds, totalShares uint64, roundUp bool) (uint64, error) {
	if totalShares == 0 {
		return shares, nil
	}
	return MulDiv(shares, totalFunds, totalShares, roundUp)
}

// FundsToShares is the inverse of SharesToFunds, with the same rounding
// convention: roundUp=true when minting debt shares, false when minting
// deposit shares.
func FundsToShares(funds, totalFunds, totalShares uint64, roundUp bool) (uint64, error) {
	if totalFunds == 0 || totalShares == 0 {
		return funds, nil
	}
	return MulDiv(funds, totalShares, totalFunds, roundUp)
}

// PercentOf computes amount * pct / HundredPercent.
func PercentOf(amount uint64, pct uint32, roundUp bool) (uint64, error) {
	return MulDiv(amount, uint64(pct), uint64(HundredPercent), roundUp)
}

// CheckedAdd errors instead of wrapping around.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedSub errors instead of wrapping below zero.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// SaturatingSub returns a-b, clamped at zero. Used only where a deficit is
// expected and handled separately (bad debt), never for balance mutation.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
