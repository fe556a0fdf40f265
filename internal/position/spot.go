package position

import (
	"github.com/google/uuid"

	"TunaEngine/internal/market"
)

// SpotPosition is a leveraged directional position: collateral plus funds
// borrowed from the vault of the side opposite PositionToken, all swapped
// into PositionToken. One per (authority, pool).
type SpotPosition struct {
	Authority uuid.UUID
	Pool      string

	PositionToken   market.Side
	CollateralToken market.Side

	// Amount is the current size in PositionToken base units.
	Amount uint64

	// LoanShares is the single debt side, always opposite PositionToken.
	LoanShares uint64

	// EntryPrice is the size-weighted average acquisition price of the
	// position token, on the fixedmath.PriceScale scale (B per A).
	EntryPrice uint64

	// Limit-order trigger prices (PriceScale); nil means not set.
	LowerLimitPrice *uint64
	UpperLimitPrice *uint64

	Flags Flags

	State State
}

// LoanSide is the side the position borrows from.
func (p *SpotPosition) LoanSide() market.Side {
	return p.PositionToken.Opposite()
}

// IsEmpty reports whether the record can be destroyed.
func (p *SpotPosition) IsEmpty() bool {
	return p.Amount == 0 && p.LoanShares == 0
}
