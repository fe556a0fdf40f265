package engine

import (
	"fmt"

	"github.com/google/uuid"

	"TunaEngine/internal/event"
	"TunaEngine/internal/fixedmath"
	"TunaEngine/internal/position"
	"TunaEngine/internal/tokenledger"
)

// LiquidateLpParams unwinds part of an unhealthy LP position.
type LiquidateLpParams struct {
	// Percent of the position to liquidate, on the fixedmath.HundredPercent
	// scale. Partial liquidations leave the position open.
	Percent uint32

	// UseRouter covers cross-side repayment shortfalls through the external
	// swap router instead of the pool.
	UseRouter bool
}

// LiquidateLp unwinds an unhealthy LP position. Only the liquidator
// authority may call it; the liquidation fee comes off the withdrawn
// amounts, shares the proceeds cannot repay become vault bad debt, and the
// surplus stays with the position for the owner to claim.
func (e *Engine) LiquidateLp(caller, positionMint uuid.UUID, params LiquidateLpParams) (LpDecreaseOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.LiquidatorAuthority {
		return LpDecreaseOutcome{}, ErrUnauthorized
	}
	pos, m, adapter, err := e.lpFor(positionMint)
	if err != nil {
		return LpDecreaseOutcome{}, err
	}

	healthy, err := e.lpIsHealthy(m, adapter, pos)
	if err != nil {
		return LpDecreaseOutcome{}, err
	}
	if healthy {
		return LpDecreaseOutcome{}, ErrPositionIsHealthy
	}

	out, err := e.decreaseLpCore(m, adapter, pos, lpDecreaseSpec{
		percent:        params.Percent,
		feeRate:        m.LiquidationFee,
		allowShortfall: true,
		useRouter:      params.UseRouter,
	})
	if err != nil {
		return LpDecreaseOutcome{}, err
	}
	if full(params.Percent) && pos.State.CanTransitionTo(position.StateLiquidated) {
		pos.State = position.StateLiquidated
	}

	if e.metrics != nil {
		e.metrics.Liquidations.WithLabelValues(m.Pool, "lp").Inc()
	}
	e.log.Warn().Str("position", positionMint.String()).Uint32("percent", params.Percent).
		Uint64("bad_debt_a", out.badDebtA).Uint64("bad_debt_b", out.badDebtB).
		Msg("lp position liquidated")
	e.emit(event.TypePositionLiquidated, m.Pool, &event.PositionLiquidated{
		Pool: m.Pool, PositionMint: positionMint, Variant: "lp",
		Percent:         params.Percent,
		LiquidationFeeA: out.feeA, LiquidationFeeB: out.feeB,
		BadDebtSharesA: out.badDebtA, BadDebtSharesB: out.badDebtB,
	})
	return out, nil
}

// LiquidateSpot unwinds an unhealthy spot position. Only the liquidator
// authority may call it.
func (e *Engine) LiquidateSpot(caller, owner uuid.UUID, pool string, percent uint32) (SpotUnwindOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.LiquidatorAuthority {
		return SpotUnwindOutcome{}, ErrUnauthorized
	}
	pos, m, adapter, err := e.spotFor(owner, pool)
	if err != nil {
		return SpotUnwindOutcome{}, err
	}

	healthy, err := e.spotIsHealthy(m, pos)
	if err != nil {
		return SpotUnwindOutcome{}, err
	}
	if healthy {
		return SpotUnwindOutcome{}, ErrPositionIsHealthy
	}

	out, err := e.spotUnwind(m, adapter, pos, spotUnwindSpec{
		percent:        percent,
		feeRate:        m.LiquidationFee,
		allowShortfall: true,
	})
	if err != nil {
		return SpotUnwindOutcome{}, err
	}
	if full(percent) && pos.State.CanTransitionTo(position.StateLiquidated) {
		pos.State = position.StateLiquidated
	}

	if e.metrics != nil {
		e.metrics.Liquidations.WithLabelValues(m.Pool, "spot").Inc()
	}
	e.log.Warn().Str("pool", pool).Str("owner", owner.String()).Uint32("percent", percent).
		Uint64("bad_debt", out.badDebtShares).Msg("spot position liquidated")
	feeA, feeB := sideSplit(pos.LoanSide(), out.fee)
	badA, badB := sideSplit(pos.LoanSide(), out.badDebtShares)
	e.emit(event.TypePositionLiquidated, m.Pool, &event.PositionLiquidated{
		Pool: m.Pool, Variant: "spot", Percent: percent,
		LiquidationFeeA: feeA, LiquidationFeeB: feeB,
		BadDebtSharesA: badA, BadDebtSharesB: badB,
	})
	return out, nil
}

// LpHealth reports the current asset and debt values of an LP position in
// token-B units (liquidator tooling and the HTTP surface).
func (e *Engine) LpHealth(positionMint uuid.UUID) (assetValue, debtValue uint64, healthy bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, m, adapter, err := e.lpFor(positionMint)
	if err != nil {
		return 0, 0, false, err
	}
	assetValue, debtValue, err = e.lpValues(m, adapter, pos)
	if err != nil {
		return 0, 0, false, err
	}
	healthy, err = withinThreshold(assetValue, debtValue, m.LiquidationThreshold)
	return assetValue, debtValue, healthy, err
}

// SpotHealth reports the current asset and debt values of a spot position.
func (e *Engine) SpotHealth(owner uuid.UUID, pool string) (assetValue, debtValue uint64, healthy bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, m, _, err := e.spotFor(owner, pool)
	if err != nil {
		return 0, 0, false, err
	}
	assetValue, debtValue, err = e.spotValues(m, pos)
	if err != nil {
		return 0, 0, false, err
	}
	healthy, err = withinThreshold(assetValue, debtValue, m.LiquidationThreshold)
	return assetValue, debtValue, healthy, err
}

// routerSwap converts tokens through the external router, bounded by the
// market-independent oracle slippage check. The router's instruction
// payload is opaque; it is logged and otherwise forwarded unmodified.
func (e *Engine) routerSwap(account tokenledger.Account, fromMint, toMint string, amountIn uint64) (uint64, error) {
	if amountIn == 0 {
		return 0, nil
	}
	if e.router == nil {
		return 0, ErrRouterUnavailable
	}
	out, payload, err := e.router.RouteSwap(fromMint, toMint, amountIn)
	if err != nil {
		return 0, err
	}

	fromPrice, err := e.oracle.Price(fromMint)
	if err != nil {
		return 0, err
	}
	toPrice, err := e.oracle.Price(toMint)
	if err != nil {
		return 0, err
	}
	inValue, err := fixedmath.MulDiv(amountIn, fromPrice, fixedmath.PriceScale, false)
	if err != nil {
		return 0, err
	}
	expected, err := fixedmath.MulDiv(inValue, fixedmath.PriceScale, toPrice, false)
	if err != nil {
		return 0, err
	}
	minOut, err := fixedmath.PercentOf(expected, fixedmath.HundredPercent-e.cfg.DefaultMaxSwapSlippage, false)
	if err != nil {
		return 0, err
	}
	if out < minOut {
		return 0, fmt.Errorf("%w: router out=%d min=%d", ErrSlippageExceeded, out, minOut)
	}

	if err := e.book.Debit(account, fromMint, amountIn); err != nil {
		return 0, err
	}
	if err := e.book.Credit(account, toMint, out); err != nil {
		return 0, err
	}
	e.log.Debug().Str("from", fromMint).Str("to", toMint).
		Uint64("in", amountIn).Uint64("out", out).Int("payload_bytes", len(payload)).
		Msg("router swap executed")
	return out, nil
}
