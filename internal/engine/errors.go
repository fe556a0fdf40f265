package engine

import "errors"

// Sentinel errors, one per failure category, so callers can branch on
// "needs different signer" vs "bad input" vs "retry after liquidation".
// Every error is raised before or instead of state mutation; the sole
// absorbed shortfall is bad debt during liquidation.
var (
	// Validation
	ErrZeroAmount       = errors.New("engine: amount is zero")
	ErrInvalidPercent   = errors.New("engine: percent out of (0, 100%]")
	ErrInvalidTickRange = errors.New("engine: invalid tick range")
	ErrInvalidParams    = errors.New("engine: invalid parameters")
	ErrAutoBothSides    = errors.New("engine: both sides cannot be auto")

	// Authorization
	ErrUnauthorized = errors.New("engine: wrong authority")

	// Capacity
	ErrLeverageExceeded          = errors.New("engine: leverage exceeds market maximum")
	ErrPositionSizeLimitExceeded = errors.New("engine: spot position size limit exceeded")

	// Health
	ErrPositionIsHealthy   = errors.New("engine: position is healthy")
	ErrPositionIsUnhealthy = errors.New("engine: position is unhealthy")

	// State
	ErrPositionNotFound = errors.New("engine: position not found")
	ErrPositionExists   = errors.New("engine: position already exists")
	ErrPositionNotEmpty = errors.New("engine: position not empty")
	ErrPositionClosed   = errors.New("engine: position is closed")

	// Slippage / rebalance
	ErrRebalanceConditionsNotMet = errors.New("engine: rebalance conditions not met")
	ErrInsufficientProceeds      = errors.New("engine: proceeds do not cover the repaid shares")
	ErrSlippageExceeded          = errors.New("engine: swap slippage exceeded")
	ErrAmountSlippageExceeded    = errors.New("engine: amount slippage exceeded")
	ErrOracleDeviation           = errors.New("engine: pool price deviates from oracle")
	ErrLimitOrderNotTriggered    = errors.New("engine: limit order not triggered")

	// Wiring
	ErrUnknownMarket     = errors.New("engine: unknown market")
	ErrUnknownVault      = errors.New("engine: unknown vault")
	ErrUnknownAdapter    = errors.New("engine: no adapter for market maker")
	ErrRouterUnavailable = errors.New("engine: no swap router configured")
)
