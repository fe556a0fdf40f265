package engine

import (
	"github.com/google/uuid"

	"TunaEngine/internal/market"
)

// AmmAdapter is the capability boundary to an AMM backend. One adapter is
// registered per market.MarketMaker value, so the accounting in this package
// is written exactly once. Adapters own the pool-side math (tick ranges,
// swap execution); the engine only moves tokens and tracks claims.
//
// Prices are token-B base units per token-A base unit, scaled by
// fixedmath.PriceScale.
type AmmAdapter interface {
	// OpenPosition registers an AMM position for the given mint and range.
	OpenPosition(pool string, positionMint uuid.UUID, tickLower, tickUpper int32) error

	// IncreaseLiquidity deposits up to amountA/amountB and reports what the
	// pool actually consumed plus the liquidity delta. Unconsumed amounts
	// stay with the caller.
	IncreaseLiquidity(pool string, positionMint uuid.UUID, amountA, amountB uint64) (usedA, usedB, liquidityDelta uint64, err error)

	// DecreaseLiquidity withdraws a liquidity amount and reports the token
	// amounts released.
	DecreaseLiquidity(pool string, positionMint uuid.UUID, liquidity uint64) (outA, outB uint64, err error)

	// ClosePosition removes an AMM position whose liquidity is zero.
	ClosePosition(pool string, positionMint uuid.UUID) error

	// CollectFees pulls accrued fee income out of the AMM position.
	CollectFees(pool string, positionMint uuid.UUID) (feeA, feeB uint64, err error)

	// Swap executes a pool swap and returns the output amount.
	Swap(pool string, aToB bool, amountIn uint64) (amountOut uint64, err error)

	// PoolPrice returns the current pool price and tick.
	PoolPrice(pool string) (price uint64, tick int32, err error)

	// PositionBalances reports the token amounts a full withdrawal of the
	// position's liquidity would release at the current price.
	PositionBalances(pool string, positionMint uuid.UUID) (amountA, amountB uint64, err error)

	// CounterAmount resolves "auto" deposit requests: given amount of side,
	// it returns how much of the opposite side a balanced deposit into
	// [tickLower, tickUpper] needs at the current price.
	CounterAmount(pool string, tickLower, tickUpper int32, side market.Side, amount uint64) (uint64, error)
}

// PriceOracle supplies reference prices the engine checks pool prices
// against before trusting them for health calculations. Prices are USD per
// base unit, scaled by fixedmath.PriceScale.
type PriceOracle interface {
	Price(mint string) (uint64, error)
}

// SwapRouter is an optional external route for converting liquidation
// proceeds. The engine treats it as a black box producing an in/out amount
// pair and an opaque instruction payload it forwards unmodified.
type SwapRouter interface {
	RouteSwap(fromMint, toMint string, amountIn uint64) (amountOut uint64, payload []byte, err error)
}

// Amount is a deposit/borrow request for one side: either an explicit value
// or "compute the amount needed to match the opposite side at the current
// price".
type Amount struct {
	Auto  bool
	Value uint64
}

// Exact requests a specific amount.
func Exact(v uint64) Amount { return Amount{Value: v} }

// Auto requests engine-side resolution against the opposite side.
func Auto() Amount { return Amount{Auto: true} }

// IsZero reports an explicit zero request.
func (a Amount) IsZero() bool { return !a.Auto && a.Value == 0 }
