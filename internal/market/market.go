package market

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"TunaEngine/internal/fixedmath"
)

var (
	ErrUnauthorized        = errors.New("market: wrong authority")
	ErrInvalidParams       = errors.New("market: invalid parameters")
	ErrMarketDisabled      = errors.New("market: disabled")
	ErrBorrowLimitExceeded = errors.New("market: borrow limit exceeded")
)

// MarketMaker enumerates the AMM backends a market can run on. The engine is
// parameterized over an adapter per backend; the accounting is written once.
type MarketMaker uint8

const (
	MarketMakerOrca MarketMaker = iota
	MarketMakerFusion
)

func (mm MarketMaker) String() string {
	switch mm {
	case MarketMakerOrca:
		return "Orca"
	case MarketMakerFusion:
		return "Fusion"
	default:
		return "Unknown"
	}
}

// Side selects one token of a pool pair.
type Side uint8

const (
	SideA Side = iota
	SideB
)

func (s Side) String() string {
	if s == SideA {
		return "A"
	}
	return "B"
}

// Opposite returns the other side of the pair.
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// Config is the protocol-wide configuration record. It is passed explicitly
// to every operation that needs it; there is no ambient global.
type Config struct {
	AdminAuthority      uuid.UUID
	LiquidatorAuthority uuid.UUID
	FeeRecipient        uuid.UUID

	DefaultProtocolFee              uint32
	DefaultProtocolFeeOnCollateral  uint32
	DefaultMaxSwapSlippage          uint32
	DefaultOracleDeviationThreshold uint32
}

// ValidateConfig rejects fee rates and thresholds outside (0, 100%).
func ValidateConfig(c *Config) error {
	if c.DefaultProtocolFee >= fixedmath.HundredPercent {
		return fmt.Errorf("%w: protocol fee %d >= 100%%", ErrInvalidParams, c.DefaultProtocolFee)
	}
	if c.DefaultProtocolFeeOnCollateral >= fixedmath.HundredPercent {
		return fmt.Errorf("%w: collateral fee %d >= 100%%", ErrInvalidParams, c.DefaultProtocolFeeOnCollateral)
	}
	if c.DefaultMaxSwapSlippage >= fixedmath.HundredPercent {
		return fmt.Errorf("%w: swap slippage %d >= 100%%", ErrInvalidParams, c.DefaultMaxSwapSlippage)
	}
	if c.DefaultOracleDeviationThreshold == 0 || c.DefaultOracleDeviationThreshold >= fixedmath.HundredPercent {
		return fmt.Errorf("%w: oracle deviation threshold %d", ErrInvalidParams, c.DefaultOracleDeviationThreshold)
	}
	return nil
}

// Market is the per-trading-pool configuration plus aggregate borrow
// counters. One per pool; created by an admin action, never deleted.
type Market struct {
	Pool        string
	MintA       string
	MintB       string
	MarketMaker MarketMaker
	Disabled    bool

	// MaxLeverage is on the fixedmath.LeverageOne scale (1x = 1_000_000).
	MaxLeverage uint64

	ProtocolFee             uint32
	ProtocolFeeOnCollateral uint32
	LiquidationFee          uint32
	LiquidationThreshold    uint32
	LimitOrderExecutionFee  uint32
	RebalanceProtocolFee    uint32

	// Borrow limits per side; zero means unlimited.
	BorrowLimitA uint64
	BorrowLimitB uint64

	SpotPositionSizeLimitA uint64
	SpotPositionSizeLimitB uint64

	OraclePriceDeviationThreshold uint32
	MaxSwapSlippage               uint32

	// Aggregate loan shares, mirroring the sum over all open positions.
	BorrowedSharesA uint64
	BorrowedSharesB uint64

	// AddressLookupTable is an opaque handle for the transaction layer.
	AddressLookupTable string
}

// Validate rejects parameter sets before any state is created or updated.
func (m *Market) Validate() error {
	if m.Pool == "" || m.MintA == "" || m.MintB == "" || m.MintA == m.MintB {
		return fmt.Errorf("%w: pool/mints", ErrInvalidParams)
	}
	if m.MaxLeverage < fixedmath.LeverageOne {
		return fmt.Errorf("%w: max leverage %d below 1x", ErrInvalidParams, m.MaxLeverage)
	}
	if m.ProtocolFee >= fixedmath.HundredPercent ||
		m.ProtocolFeeOnCollateral >= fixedmath.HundredPercent ||
		m.LiquidationFee >= fixedmath.HundredPercent ||
		m.LimitOrderExecutionFee >= fixedmath.HundredPercent ||
		m.RebalanceProtocolFee >= fixedmath.HundredPercent {
		return fmt.Errorf("%w: fee rate >= 100%%", ErrInvalidParams)
	}
	if m.LiquidationThreshold == 0 || m.LiquidationThreshold > fixedmath.HundredPercent {
		return fmt.Errorf("%w: liquidation threshold %d", ErrInvalidParams, m.LiquidationThreshold)
	}
	if m.MaxSwapSlippage >= fixedmath.HundredPercent {
		return fmt.Errorf("%w: max swap slippage %d", ErrInvalidParams, m.MaxSwapSlippage)
	}
	if m.OraclePriceDeviationThreshold >= fixedmath.HundredPercent {
		return fmt.Errorf("%w: oracle deviation threshold %d", ErrInvalidParams, m.OraclePriceDeviationThreshold)
	}
	return nil
}

// Mint returns the mint for a side.
func (m *Market) Mint(side Side) string {
	if side == SideA {
		return m.MintA
	}
	return m.MintB
}

// BorrowLimit returns the per-side borrow cap (0 = unlimited).
func (m *Market) BorrowLimit(side Side) uint64 {
	if side == SideA {
		return m.BorrowLimitA
	}
	return m.BorrowLimitB
}

// BorrowedShares returns the aggregate loan shares for a side.
func (m *Market) BorrowedShares(side Side) uint64 {
	if side == SideA {
		return m.BorrowedSharesA
	}
	return m.BorrowedSharesB
}

// SpotSizeLimit returns the spot position size cap for a side (0 = unlimited).
func (m *Market) SpotSizeLimit(side Side) uint64 {
	if side == SideA {
		return m.SpotPositionSizeLimitA
	}
	return m.SpotPositionSizeLimitB
}

// AddBorrowedShares bumps the aggregate counter for a side.
func (m *Market) AddBorrowedShares(side Side, shares uint64) error {
	if side == SideA {
		s, err := fixedmath.CheckedAdd(m.BorrowedSharesA, shares)
		if err != nil {
			return err
		}
		m.BorrowedSharesA = s
		return nil
	}
	s, err := fixedmath.CheckedAdd(m.BorrowedSharesB, shares)
	if err != nil {
		return err
	}
	m.BorrowedSharesB = s
	return nil
}

// SubBorrowedShares reduces the aggregate counter for a side.
func (m *Market) SubBorrowedShares(side Side, shares uint64) {
	if side == SideA {
		m.BorrowedSharesA = fixedmath.SaturatingSub(m.BorrowedSharesA, shares)
		return
	}
	m.BorrowedSharesB = fixedmath.SaturatingSub(m.BorrowedSharesB, shares)
}

// CheckBorrowLimit rejects a borrow that would push the aggregate borrowed
// funds for a side past the market cap.
func (m *Market) CheckBorrowLimit(side Side, borrowedFundsAfter uint64) error {
	limit := m.BorrowLimit(side)
	if limit != 0 && borrowedFundsAfter > limit {
		return fmt.Errorf("%w: side %s borrowed %d > limit %d", ErrBorrowLimitExceeded, side, borrowedFundsAfter, limit)
	}
	return nil
}
