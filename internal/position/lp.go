package position

import (
	"github.com/google/uuid"

	"TunaEngine/internal/market"
)

// LpPosition is a leveraged concentrated-liquidity position: user collateral
// plus vault-borrowed funds deposited into a tick range of an AMM pool. Loan
// shares are tracked per side against the side's vault.
type LpPosition struct {
	Authority    uuid.UUID
	Pool         string
	MintA        string
	MintB        string
	PositionMint uuid.UUID

	TickLowerIndex int32
	TickUpperIndex int32

	// Liquidity mirrors the underlying AMM position.
	Liquidity uint64

	// Leftovers are residual token balances held by the position that the
	// AMM could not consume on the last deposit. They are retained, never
	// lost, and folded into the next increase fee-free.
	LeftoversA uint64
	LeftoversB uint64

	LoanSharesA uint64
	LoanSharesB uint64

	Flags Flags

	TickStopLossIndex   *int32
	TickTakeProfitIndex *int32

	// AmmClosed records whether the AMM-side position has been removed
	// (a 100% decrease auto-closes it; rebalancing reopens it).
	AmmClosed bool

	State State
}

// LoanShares returns the borrowed shares for a side.
func (p *LpPosition) LoanShares(side market.Side) uint64 {
	if side == market.SideA {
		return p.LoanSharesA
	}
	return p.LoanSharesB
}

// SetLoanShares overwrites the borrowed shares for a side.
func (p *LpPosition) SetLoanShares(side market.Side, shares uint64) {
	if side == market.SideA {
		p.LoanSharesA = shares
		return
	}
	p.LoanSharesB = shares
}

// Leftovers returns the residual balance for a side.
func (p *LpPosition) Leftovers(side market.Side) uint64 {
	if side == market.SideA {
		return p.LeftoversA
	}
	return p.LeftoversB
}

// SetLeftovers overwrites the residual balance for a side.
func (p *LpPosition) SetLeftovers(side market.Side, amount uint64) {
	if side == market.SideA {
		p.LeftoversA = amount
		return
	}
	p.LeftoversB = amount
}

// IsEmpty reports whether the record can be destroyed: no liquidity, no
// loans, no leftovers.
func (p *LpPosition) IsEmpty() bool {
	return p.Liquidity == 0 &&
		p.LoanSharesA == 0 && p.LoanSharesB == 0 &&
		p.LeftoversA == 0 && p.LeftoversB == 0
}

// RangeWidth is the tick span of the position.
func (p *LpPosition) RangeWidth() int32 {
	return p.TickUpperIndex - p.TickLowerIndex
}
