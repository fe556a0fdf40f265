package engine

import (
	"TunaEngine/internal/fixedmath"
	"TunaEngine/internal/market"
)

// FeeQuote is the protocol fee for one token side of a collateral/borrow
// flow, computed before the net amount is deposited.
type FeeQuote struct {
	CollateralFee uint64
	BorrowFee     uint64
	NetCollateral uint64
	NetBorrow     uint64
}

// Total is the amount transferred to the fee recipient for this side.
func (q FeeQuote) Total() uint64 {
	return q.CollateralFee + q.BorrowFee
}

// QuoteFee computes the protocol fee split for one side:
//
//	fee = floor(collateral * protocolFeeOnCollateral / 100%)
//	    + floor(borrow * protocolFee / 100%)
//
// Fees round down, independently per component, so the quoted fee never
// exceeds the executed one. Repayment legs never go through here.
func QuoteFee(m *market.Market, collateral, borrow uint64) (FeeQuote, error) {
	collFee, err := fixedmath.PercentOf(collateral, m.ProtocolFeeOnCollateral, false)
	if err != nil {
		return FeeQuote{}, err
	}
	borrowFee, err := fixedmath.PercentOf(borrow, m.ProtocolFee, false)
	if err != nil {
		return FeeQuote{}, err
	}
	return FeeQuote{
		CollateralFee: collFee,
		BorrowFee:     borrowFee,
		NetCollateral: collateral - collFee,
		NetBorrow:     borrow - borrowFee,
	}, nil
}
