package engine

import (
	"fmt"

	"github.com/google/uuid"

	"TunaEngine/internal/event"
	"TunaEngine/internal/fixedmath"
	"TunaEngine/internal/market"
	"TunaEngine/internal/position"
	"TunaEngine/internal/tokenledger"
	"TunaEngine/internal/vault"
)

// OpenLpParams describes a new leveraged LP position. The record starts
// empty; funds arrive via IncreaseLp.
type OpenLpParams struct {
	Pool           string
	TickLowerIndex int32
	TickUpperIndex int32

	Flags               position.Flags
	TickStopLossIndex   *int32
	TickTakeProfitIndex *int32
}

// IncreaseLpParams adds collateral and/or borrowed funds to a position. At
// most one borrow side may be Auto, which resolves to the amount a balanced
// deposit of the other side needs at the current price.
type IncreaseLpParams struct {
	CollateralA uint64
	CollateralB uint64
	BorrowA     Amount
	BorrowB     Amount
}

// IncreaseLpResult reports what an increase actually did.
type IncreaseLpResult struct {
	BorrowedA      uint64
	BorrowedB      uint64
	FeeA           uint64
	FeeB           uint64
	LiquidityAdded uint64
}

// DecreaseLpParams withdraws a fraction of a position, repays the matching
// fraction of its loans and pays the surplus to the owner.
type DecreaseLpParams struct {
	// Percent of liquidity, leftovers and loan shares to unwind, on the
	// fixedmath.HundredPercent scale. 100% closes the AMM-side position.
	Percent uint32

	// SwapTo optionally converts the surplus to a single token.
	SwapTo position.SwapTarget

	// MinA/MinB bound the surplus amounts after swaps.
	MinA uint64
	MinB uint64
}

// OpenLp registers an empty LP position and its AMM-side counterpart.
func (e *Engine) OpenLp(authority uuid.UUID, params OpenLpParams) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, adapter, err := e.marketFor(params.Pool)
	if err != nil {
		return uuid.Nil, err
	}
	if m.Disabled {
		return uuid.Nil, market.ErrMarketDisabled
	}
	if params.TickLowerIndex >= params.TickUpperIndex {
		return uuid.Nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidTickRange, params.TickLowerIndex, params.TickUpperIndex)
	}
	if params.TickStopLossIndex != nil && params.TickTakeProfitIndex != nil &&
		*params.TickStopLossIndex >= *params.TickTakeProfitIndex {
		return uuid.Nil, fmt.Errorf("%w: stop loss %d above take profit %d",
			ErrInvalidParams, *params.TickStopLossIndex, *params.TickTakeProfitIndex)
	}

	mint := uuid.New()
	if err := adapter.OpenPosition(m.Pool, mint, params.TickLowerIndex, params.TickUpperIndex); err != nil {
		return uuid.Nil, err
	}

	e.lps[mint] = &position.LpPosition{
		Authority:           authority,
		Pool:                m.Pool,
		MintA:               m.MintA,
		MintB:               m.MintB,
		PositionMint:        mint,
		TickLowerIndex:      params.TickLowerIndex,
		TickUpperIndex:      params.TickUpperIndex,
		Flags:               params.Flags,
		TickStopLossIndex:   params.TickStopLossIndex,
		TickTakeProfitIndex: params.TickTakeProfitIndex,
		State:               position.StateOpen,
	}

	e.log.Info().Str("pool", m.Pool).Str("position", mint.String()).Msg("lp position opened")
	e.emit(event.TypePositionOpened, m.Pool, &event.PositionOpened{
		Authority: authority, Pool: m.Pool, PositionMint: mint, Variant: "lp",
	})
	return mint, nil
}

// IncreaseLp deposits collateral plus borrowed funds into the position's
// tick range. Protocol fees come off both components up front; whatever the
// AMM cannot consume at the current price stays behind as leftovers.
func (e *Engine) IncreaseLp(authority, positionMint uuid.UUID, params IncreaseLpParams) (IncreaseLpResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res IncreaseLpResult

	pos, m, adapter, err := e.lpOwned(authority, positionMint)
	if err != nil {
		return res, err
	}
	if m.Disabled {
		return res, market.ErrMarketDisabled
	}
	va, vb, err := e.sideVaults(m)
	if err != nil {
		return res, err
	}

	posAcct := tokenledger.PositionAccount(pos.PositionMint)
	e.netLeftovers(pos, posAcct)

	borrowA, borrowB, err := e.resolveLpBorrows(m, adapter, pos, params)
	if err != nil {
		return res, err
	}
	if params.CollateralA == 0 && params.CollateralB == 0 && borrowA == 0 && borrowB == 0 &&
		pos.LeftoversA == 0 && pos.LeftoversB == 0 {
		return res, ErrZeroAmount
	}

	quoteA, err := QuoteFee(m, params.CollateralA, borrowA)
	if err != nil {
		return res, err
	}
	quoteB, err := QuoteFee(m, params.CollateralB, borrowB)
	if err != nil {
		return res, err
	}

	// All checks run against pre-mutation state; past this block the only
	// failure modes are arithmetic overflow and adapter faults.
	if err := e.checkLpLeverageAfter(m, adapter, pos, va, vb,
		quoteA.NetCollateral+quoteA.NetBorrow, quoteB.NetCollateral+quoteB.NetBorrow,
		borrowA, borrowB); err != nil {
		return res, err
	}
	user := tokenledger.UserAccount(authority)
	if e.book.Balance(user, m.MintA) < params.CollateralA {
		return res, fmt.Errorf("%w: collateral A %d", tokenledger.ErrInsufficientBalance, params.CollateralA)
	}
	if e.book.Balance(user, m.MintB) < params.CollateralB {
		return res, fmt.Errorf("%w: collateral B %d", tokenledger.ErrInsufficientBalance, params.CollateralB)
	}
	if err := checkBorrowCapacity(m, market.SideA, va, borrowA); err != nil {
		return res, err
	}
	if err := checkBorrowCapacity(m, market.SideB, vb, borrowB); err != nil {
		return res, err
	}

	if err := e.book.Transfer(user, posAcct, m.MintA, params.CollateralA); err != nil {
		return res, err
	}
	if err := e.book.Transfer(user, posAcct, m.MintB, params.CollateralB); err != nil {
		return res, err
	}
	if err := e.borrowForPosition(m, market.SideA, va, pos, posAcct, borrowA); err != nil {
		return res, err
	}
	if err := e.borrowForPosition(m, market.SideB, vb, pos, posAcct, borrowB); err != nil {
		return res, err
	}

	feeAcct := tokenledger.FeeRecipientAccount(e.cfg.FeeRecipient)
	if err := e.book.Transfer(posAcct, feeAcct, m.MintA, quoteA.Total()); err != nil {
		return res, err
	}
	if err := e.book.Transfer(posAcct, feeAcct, m.MintB, quoteB.Total()); err != nil {
		return res, err
	}

	if pos.AmmClosed {
		if err := adapter.OpenPosition(m.Pool, pos.PositionMint, pos.TickLowerIndex, pos.TickUpperIndex); err != nil {
			return res, err
		}
		pos.AmmClosed = false
	}
	added, err := e.depositIntoAmm(m, adapter, pos, posAcct)
	if err != nil {
		return res, err
	}

	res = IncreaseLpResult{
		BorrowedA: borrowA, BorrowedB: borrowB,
		FeeA: quoteA.Total(), FeeB: quoteB.Total(),
		LiquidityAdded: added,
	}
	e.emit(event.TypePositionIncreased, m.Pool, &event.PositionIncreased{
		Pool: m.Pool, PositionMint: pos.PositionMint, Variant: "lp",
		CollateralA: params.CollateralA, CollateralB: params.CollateralB,
		BorrowA: borrowA, BorrowB: borrowB,
		FeeA: res.FeeA, FeeB: res.FeeB,
	})
	return res, nil
}

// DecreaseLp unwinds a fraction of a healthy position. Unhealthy positions
// are reserved for the liquidator.
func (e *Engine) DecreaseLp(authority, positionMint uuid.UUID, params DecreaseLpParams) (LpDecreaseOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, m, adapter, err := e.lpOwned(authority, positionMint)
	if err != nil {
		return LpDecreaseOutcome{}, err
	}
	if _, _, err := e.sideVaults(m); err != nil {
		return LpDecreaseOutcome{}, err
	}

	healthy, err := e.lpIsHealthy(m, adapter, pos)
	if err != nil {
		return LpDecreaseOutcome{}, err
	}
	if !healthy {
		return LpDecreaseOutcome{}, ErrPositionIsUnhealthy
	}

	out, err := e.decreaseLpCore(m, adapter, pos, lpDecreaseSpec{
		percent:   params.Percent,
		swapTo:    params.SwapTo,
		minA:      params.MinA,
		minB:      params.MinB,
		payToUser: true,
	})
	if err != nil {
		return LpDecreaseOutcome{}, err
	}

	e.emit(event.TypePositionDecreased, m.Pool, &event.PositionDecreased{
		Pool: m.Pool, PositionMint: pos.PositionMint, Variant: "lp",
		Percent: params.Percent,
		RepaidA: out.repaidA, RepaidB: out.repaidB,
		ReturnedA: out.returnedA, ReturnedB: out.returnedB,
	})
	return out, nil
}

// CollectLpFees pulls accrued AMM fee income into the position's leftovers.
// With compound set, the income is re-deposited into the range, with a
// matching borrow when the position's flags ask for leveraged compounding.
func (e *Engine) CollectLpFees(authority, positionMint uuid.UUID, compound bool) (feeA, feeB uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, m, adapter, err := e.lpOwned(authority, positionMint)
	if err != nil {
		return 0, 0, err
	}
	posAcct := tokenledger.PositionAccount(pos.PositionMint)
	e.netLeftovers(pos, posAcct)

	feeA, feeB, err = e.collectYield(m, adapter, pos, posAcct, compound)
	if err != nil {
		return 0, 0, err
	}

	e.emit(event.TypeFeesCollected, m.Pool, &event.FeesCollected{
		Pool: m.Pool, PositionMint: pos.PositionMint,
		FeeA: feeA, FeeB: feeB, Compounded: compound,
	})
	if !compound {
		return feeA, feeB, nil
	}

	if pos.Flags.AutoCompound == position.CompoundModeLeveraged {
		if err := e.compoundBorrow(m, adapter, pos, posAcct); err != nil {
			return 0, 0, err
		}
	}
	if _, err := e.depositIntoAmm(m, adapter, pos, posAcct); err != nil {
		return 0, 0, err
	}
	return feeA, feeB, nil
}

// RebalanceLp recenters an out-of-range position on the current tick,
// preserving the tick span and the loans. Accrued fee income is collected
// and folded into the new range. The position must have opted in via the
// allow-rebalance flag.
func (e *Engine) RebalanceLp(authority, positionMint uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, m, adapter, err := e.lpOwned(authority, positionMint)
	if err != nil {
		return err
	}
	if !pos.Flags.AllowRebalance {
		return fmt.Errorf("%w: rebalancing not enabled on position", ErrRebalanceConditionsNotMet)
	}

	_, tick, err := e.checkedPoolPrice(m, adapter)
	if err != nil {
		return err
	}
	if tick >= pos.TickLowerIndex && tick < pos.TickUpperIndex {
		return fmt.Errorf("%w: tick %d inside [%d, %d)", ErrRebalanceConditionsNotMet,
			tick, pos.TickLowerIndex, pos.TickUpperIndex)
	}

	posAcct := tokenledger.PositionAccount(pos.PositionMint)
	e.netLeftovers(pos, posAcct)
	if _, _, err := e.collectYield(m, adapter, pos, posAcct, true); err != nil {
		return err
	}

	if pos.Liquidity > 0 {
		outA, outB, err := adapter.DecreaseLiquidity(m.Pool, pos.PositionMint, pos.Liquidity)
		if err != nil {
			return err
		}
		amm := tokenledger.AmmAccount(m.Pool)
		if err := e.book.Transfer(amm, posAcct, m.MintA, outA); err != nil {
			return err
		}
		if err := e.book.Transfer(amm, posAcct, m.MintB, outB); err != nil {
			return err
		}
		pos.Liquidity = 0
		pos.LeftoversA += outA
		pos.LeftoversB += outB
	}
	if !pos.AmmClosed {
		if err := adapter.ClosePosition(m.Pool, pos.PositionMint); err != nil {
			return err
		}
	}

	width := pos.RangeWidth()
	pos.TickLowerIndex = tick - width/2
	pos.TickUpperIndex = pos.TickLowerIndex + width
	if err := adapter.OpenPosition(m.Pool, pos.PositionMint, pos.TickLowerIndex, pos.TickUpperIndex); err != nil {
		return err
	}
	pos.AmmClosed = false

	if _, err := e.depositIntoAmm(m, adapter, pos, posAcct); err != nil {
		return err
	}

	e.log.Info().Str("position", pos.PositionMint.String()).
		Int32("tick_lower", pos.TickLowerIndex).Int32("tick_upper", pos.TickUpperIndex).
		Msg("lp position rebalanced")
	e.emit(event.TypePositionRebalanced, m.Pool, &event.PositionRebalanced{
		Pool: m.Pool, PositionMint: pos.PositionMint,
		TickLower: pos.TickLowerIndex, TickUpper: pos.TickUpperIndex,
	})
	return nil
}

// SetLpLimitOrders replaces the stop-loss/take-profit ticks and flags.
func (e *Engine) SetLpLimitOrders(authority, positionMint uuid.UUID, stopLoss, takeProfit *int32, flags position.Flags) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, _, _, err := e.lpOwned(authority, positionMint)
	if err != nil {
		return err
	}
	if stopLoss != nil && takeProfit != nil && *stopLoss >= *takeProfit {
		return fmt.Errorf("%w: stop loss %d above take profit %d", ErrInvalidParams, *stopLoss, *takeProfit)
	}
	pos.TickStopLossIndex = stopLoss
	pos.TickTakeProfitIndex = takeProfit
	pos.Flags = flags
	return nil
}

// ExecuteLpLimitOrder fully unwinds a position whose stop-loss or
// take-profit tick has been crossed. Any caller may execute; the market's
// execution fee comes off the proceeds, and the surplus stays with the
// position as leftovers for the owner to claim via close.
func (e *Engine) ExecuteLpLimitOrder(caller, positionMint uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, m, adapter, err := e.lpFor(positionMint)
	if err != nil {
		return err
	}
	_, tick, err := e.checkedPoolPrice(m, adapter)
	if err != nil {
		return err
	}

	var swapTo position.SwapTarget
	switch {
	case pos.TickStopLossIndex != nil && tick <= *pos.TickStopLossIndex:
		swapTo = pos.Flags.StopLossSwap
	case pos.TickTakeProfitIndex != nil && tick >= *pos.TickTakeProfitIndex:
		swapTo = pos.Flags.TakeProfitSwap
	default:
		return fmt.Errorf("%w: tick %d", ErrLimitOrderNotTriggered, tick)
	}
	if !pos.State.CanTransitionTo(position.StateClosedByLimitOrder) {
		return fmt.Errorf("%w: state %s", ErrPositionClosed, pos.State)
	}

	out, err := e.decreaseLpCore(m, adapter, pos, lpDecreaseSpec{
		percent: fixedmath.HundredPercent,
		feeRate: m.LimitOrderExecutionFee,
		swapTo:  swapTo,
	})
	if err != nil {
		return err
	}
	pos.State = position.StateClosedByLimitOrder

	e.log.Info().Str("position", pos.PositionMint.String()).Str("caller", caller.String()).
		Int32("tick", tick).Msg("lp limit order executed")
	e.emit(event.TypeLimitOrderExecuted, m.Pool, &event.LimitOrderExecuted{
		Pool: m.Pool, PositionMint: pos.PositionMint, Variant: "lp",
		ExecutionFeeA: out.feeA, ExecutionFeeB: out.feeB,
	})
	return nil
}

// CloseLpPosition destroys a position record with no liquidity and no
// loans, paying any leftovers back to the owner.
func (e *Engine) CloseLpPosition(authority, positionMint uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.lps[positionMint]
	if !ok {
		return ErrPositionNotFound
	}
	if pos.Authority != authority {
		return ErrUnauthorized
	}
	if pos.Liquidity != 0 || pos.LoanSharesA != 0 || pos.LoanSharesB != 0 {
		return fmt.Errorf("%w: liquidity=%d loans=%d/%d", ErrPositionNotEmpty,
			pos.Liquidity, pos.LoanSharesA, pos.LoanSharesB)
	}

	m, adapter, err := e.marketFor(pos.Pool)
	if err != nil {
		return err
	}
	posAcct := tokenledger.PositionAccount(pos.PositionMint)
	e.netLeftovers(pos, posAcct)

	user := tokenledger.UserAccount(authority)
	if err := e.book.Transfer(posAcct, user, m.MintA, pos.LeftoversA); err != nil {
		return err
	}
	if err := e.book.Transfer(posAcct, user, m.MintB, pos.LeftoversB); err != nil {
		return err
	}
	if !pos.AmmClosed {
		if err := adapter.ClosePosition(m.Pool, pos.PositionMint); err != nil {
			return err
		}
	}
	delete(e.lps, positionMint)

	e.emit(event.TypePositionClosed, m.Pool, &event.PositionClosed{
		Pool: m.Pool, PositionMint: positionMint, Variant: "lp",
	})
	return nil
}

// LpPosition returns a copy of a position record.
func (e *Engine) LpPosition(positionMint uuid.UUID) (position.LpPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.lps[positionMint]
	if !ok {
		return position.LpPosition{}, ErrPositionNotFound
	}
	return *pos, nil
}

// ============================================================================
// Internal machinery
// ============================================================================

func (e *Engine) lpFor(positionMint uuid.UUID) (*position.LpPosition, *market.Market, AmmAdapter, error) {
	pos, ok := e.lps[positionMint]
	if !ok {
		return nil, nil, nil, ErrPositionNotFound
	}
	if pos.State.IsTerminal() {
		return nil, nil, nil, fmt.Errorf("%w: state %s", ErrPositionClosed, pos.State)
	}
	m, adapter, err := e.marketFor(pos.Pool)
	if err != nil {
		return nil, nil, nil, err
	}
	return pos, m, adapter, nil
}

func (e *Engine) lpOwned(authority, positionMint uuid.UUID) (*position.LpPosition, *market.Market, AmmAdapter, error) {
	pos, m, adapter, err := e.lpFor(positionMint)
	if err != nil {
		return nil, nil, nil, err
	}
	if pos.Authority != authority {
		return nil, nil, nil, ErrUnauthorized
	}
	return pos, m, adapter, nil
}

// sideVaults resolves both side vaults with interest accrued, so every
// share/funds conversion below runs against current totals.
func (e *Engine) sideVaults(m *market.Market) (va, vb *vault.Vault, err error) {
	va, err = e.vaultFor(m, market.SideA)
	if err != nil {
		return nil, nil, err
	}
	vb, err = e.vaultFor(m, market.SideB)
	if err != nil {
		return nil, nil, err
	}
	if err := va.AccrueInterest(e.now()); err != nil {
		return nil, nil, err
	}
	if err := vb.AccrueInterest(e.now()); err != nil {
		return nil, nil, err
	}
	return va, vb, nil
}

// netLeftovers folds tokens sent directly to the position account (outside
// any engine operation) into the tracked leftovers. They count as fee-free
// collateral from here on.
func (e *Engine) netLeftovers(pos *position.LpPosition, posAcct tokenledger.Account) {
	if bal := e.book.Balance(posAcct, pos.MintA); bal > pos.LeftoversA {
		pos.LeftoversA = bal
	}
	if bal := e.book.Balance(posAcct, pos.MintB); bal > pos.LeftoversB {
		pos.LeftoversB = bal
	}
}

// resolveLpBorrows turns Amount requests into concrete per-side borrows.
func (e *Engine) resolveLpBorrows(m *market.Market, adapter AmmAdapter, pos *position.LpPosition, p IncreaseLpParams) (borrowA, borrowB uint64, err error) {
	if p.BorrowA.Auto && p.BorrowB.Auto {
		return 0, 0, ErrAutoBothSides
	}
	if !p.BorrowA.Auto && !p.BorrowB.Auto {
		return p.BorrowA.Value, p.BorrowB.Value, nil
	}

	known := market.SideA
	knownColl, knownBorrow := p.CollateralA, p.BorrowA.Value
	autoColl := p.CollateralB
	if p.BorrowA.Auto {
		known = market.SideB
		knownColl, knownBorrow = p.CollateralB, p.BorrowB.Value
		autoColl = p.CollateralA
	}

	knownQuote, err := QuoteFee(m, knownColl, knownBorrow)
	if err != nil {
		return 0, 0, err
	}
	total := knownQuote.NetCollateral + knownQuote.NetBorrow + pos.Leftovers(known)
	required, err := adapter.CounterAmount(m.Pool, pos.TickLowerIndex, pos.TickUpperIndex, known, total)
	if err != nil {
		return 0, 0, err
	}

	autoCollFee, err := fixedmath.PercentOf(autoColl, m.ProtocolFeeOnCollateral, false)
	if err != nil {
		return 0, 0, err
	}
	avail := autoColl - autoCollFee + pos.Leftovers(known.Opposite())
	need := fixedmath.SaturatingSub(required, avail)
	if need == 0 {
		if known == market.SideA {
			return knownBorrow, 0, nil
		}
		return 0, knownBorrow, nil
	}

	// Gross up so the borrow still covers the need after its protocol fee.
	gross, err := fixedmath.MulDiv(need, uint64(fixedmath.HundredPercent), uint64(fixedmath.HundredPercent-m.ProtocolFee), true)
	if err != nil {
		return 0, 0, err
	}
	if known == market.SideA {
		return knownBorrow, gross, nil
	}
	return gross, knownBorrow, nil
}

// checkBorrowCapacity rejects a borrow the vault cannot fund or the market
// cap does not allow. Runs before any mutation.
func checkBorrowCapacity(m *market.Market, side market.Side, v *vault.Vault, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if amount > v.FreeFunds() {
		return fmt.Errorf("%w: borrow %d, free %d", vault.ErrInsufficientLiquidity, amount, v.FreeFunds())
	}
	after, err := fixedmath.CheckedAdd(v.BorrowedFunds, amount)
	if err != nil {
		return err
	}
	return m.CheckBorrowLimit(side, after)
}

// borrowForPosition executes a pre-checked borrow: vault shares, market
// counters, position claim and the token move.
func (e *Engine) borrowForPosition(m *market.Market, side market.Side, v *vault.Vault, pos *position.LpPosition, posAcct tokenledger.Account, amount uint64) error {
	if amount == 0 {
		return nil
	}
	shares, err := v.Borrow(amount, e.now())
	if err != nil {
		return err
	}
	if err := m.AddBorrowedShares(side, shares); err != nil {
		return err
	}
	pos.SetLoanShares(side, pos.LoanShares(side)+shares)
	if err := e.book.Transfer(tokenledger.VaultAccount(v.ID), posAcct, m.Mint(side), amount); err != nil {
		return err
	}
	e.emit(event.TypeVaultBorrowed, m.Pool, &event.VaultBorrowed{
		VaultID: v.ID, Pool: m.Pool, Funds: amount, Shares: shares,
	})
	return nil
}

// depositIntoAmm pushes the position account's whole balance at the AMM and
// records what the pool kept. The remainder is retained as leftovers.
func (e *Engine) depositIntoAmm(m *market.Market, adapter AmmAdapter, pos *position.LpPosition, posAcct tokenledger.Account) (uint64, error) {
	availA := e.book.Balance(posAcct, m.MintA)
	availB := e.book.Balance(posAcct, m.MintB)
	if availA == 0 && availB == 0 {
		pos.LeftoversA, pos.LeftoversB = 0, 0
		return 0, nil
	}

	usedA, usedB, added, err := adapter.IncreaseLiquidity(m.Pool, pos.PositionMint, availA, availB)
	if err != nil {
		return 0, err
	}
	amm := tokenledger.AmmAccount(m.Pool)
	if err := e.book.Transfer(posAcct, amm, m.MintA, usedA); err != nil {
		return 0, err
	}
	if err := e.book.Transfer(posAcct, amm, m.MintB, usedB); err != nil {
		return 0, err
	}

	liq, err := fixedmath.CheckedAdd(pos.Liquidity, added)
	if err != nil {
		return 0, err
	}
	pos.Liquidity = liq
	pos.LeftoversA = availA - usedA
	pos.LeftoversB = availB - usedB
	return added, nil
}

// collectYield pulls AMM fee income into leftovers. The protocol's
// rebalance fee comes off when the income is re-deployed (compound or
// rebalance) rather than merely parked.
func (e *Engine) collectYield(m *market.Market, adapter AmmAdapter, pos *position.LpPosition, posAcct tokenledger.Account, redeploy bool) (feeA, feeB uint64, err error) {
	feeA, feeB, err = adapter.CollectFees(m.Pool, pos.PositionMint)
	if err != nil {
		return 0, 0, err
	}
	amm := tokenledger.AmmAccount(m.Pool)
	if err := e.book.Transfer(amm, posAcct, m.MintA, feeA); err != nil {
		return 0, 0, err
	}
	if err := e.book.Transfer(amm, posAcct, m.MintB, feeB); err != nil {
		return 0, 0, err
	}

	var cutA, cutB uint64
	if redeploy && m.RebalanceProtocolFee != 0 {
		cutA, err = fixedmath.PercentOf(feeA, m.RebalanceProtocolFee, false)
		if err != nil {
			return 0, 0, err
		}
		cutB, err = fixedmath.PercentOf(feeB, m.RebalanceProtocolFee, false)
		if err != nil {
			return 0, 0, err
		}
		feeAcct := tokenledger.FeeRecipientAccount(e.cfg.FeeRecipient)
		if err := e.book.Transfer(posAcct, feeAcct, m.MintA, cutA); err != nil {
			return 0, 0, err
		}
		if err := e.book.Transfer(posAcct, feeAcct, m.MintB, cutB); err != nil {
			return 0, 0, err
		}
	}
	pos.LeftoversA += feeA - cutA
	pos.LeftoversB += feeB - cutB
	return feeA, feeB, nil
}

// compoundBorrow tops up the thinner side so a leveraged compound deposits
// the collected income fully instead of leaving half of it as leftovers.
func (e *Engine) compoundBorrow(m *market.Market, adapter AmmAdapter, pos *position.LpPosition, posAcct tokenledger.Account) error {
	va, vb, err := e.sideVaults(m)
	if err != nil {
		return err
	}

	requiredB, err := adapter.CounterAmount(m.Pool, pos.TickLowerIndex, pos.TickUpperIndex, market.SideA, pos.LeftoversA)
	if err != nil {
		return err
	}

	side := market.SideB
	v := vb
	need := fixedmath.SaturatingSub(requiredB, pos.LeftoversB)
	if need == 0 {
		requiredA, err := adapter.CounterAmount(m.Pool, pos.TickLowerIndex, pos.TickUpperIndex, market.SideB, pos.LeftoversB)
		if err != nil {
			return err
		}
		side = market.SideA
		v = va
		need = fixedmath.SaturatingSub(requiredA, pos.LeftoversA)
	}
	if need == 0 {
		return nil
	}
	gross, err := fixedmath.MulDiv(need, uint64(fixedmath.HundredPercent), uint64(fixedmath.HundredPercent-m.ProtocolFee), true)
	if err != nil {
		return err
	}

	var addA, addB, borrowA, borrowB uint64
	if side == market.SideA {
		addA, borrowA = need, gross
	} else {
		addB, borrowB = need, gross
	}
	if err := e.checkLpLeverageAfter(m, adapter, pos, va, vb, addA, addB, borrowA, borrowB); err != nil {
		return err
	}
	if err := checkBorrowCapacity(m, side, v, gross); err != nil {
		return err
	}
	if err := e.borrowForPosition(m, side, v, pos, posAcct, gross); err != nil {
		return err
	}
	quote, err := QuoteFee(m, 0, gross)
	if err != nil {
		return err
	}
	feeAcct := tokenledger.FeeRecipientAccount(e.cfg.FeeRecipient)
	if err := e.book.Transfer(posAcct, feeAcct, m.Mint(side), quote.BorrowFee); err != nil {
		return err
	}
	pos.SetLeftovers(side, pos.Leftovers(side)+quote.NetBorrow)
	return nil
}

// lpValues prices the position's assets and debts in token-B units at the
// oracle-checked pool price.
func (e *Engine) lpValues(m *market.Market, adapter AmmAdapter, pos *position.LpPosition) (assetValue, debtValue uint64, err error) {
	price, _, err := e.checkedPoolPrice(m, adapter)
	if err != nil {
		return 0, 0, err
	}

	var posA, posB uint64
	if pos.Liquidity > 0 {
		posA, posB, err = adapter.PositionBalances(m.Pool, pos.PositionMint)
		if err != nil {
			return 0, 0, err
		}
	}
	assetA, err := valueB(market.SideA, posA+pos.LeftoversA, price)
	if err != nil {
		return 0, 0, err
	}
	assetValue = assetA + posB + pos.LeftoversB

	va, vb, err := e.sideVaults(m)
	if err != nil {
		return 0, 0, err
	}
	debtFundsA, err := debtFunds(va, pos.LoanSharesA)
	if err != nil {
		return 0, 0, err
	}
	debtFundsB, err := debtFunds(vb, pos.LoanSharesB)
	if err != nil {
		return 0, 0, err
	}
	debtA, err := valueB(market.SideA, debtFundsA, price)
	if err != nil {
		return 0, 0, err
	}
	debtValue = debtA + debtFundsB
	return assetValue, debtValue, nil
}

// lpIsHealthy applies the market's liquidation threshold.
func (e *Engine) lpIsHealthy(m *market.Market, adapter AmmAdapter, pos *position.LpPosition) (bool, error) {
	asset, debt, err := e.lpValues(m, adapter, pos)
	if err != nil {
		return false, err
	}
	return withinThreshold(asset, debt, m.LiquidationThreshold)
}

// withinThreshold reports debt <= asset * threshold without overflowing.
func withinThreshold(assetValue, debtValue uint64, threshold uint32) (bool, error) {
	if debtValue == 0 {
		return true, nil
	}
	limit, err := fixedmath.PercentOf(assetValue, threshold, false)
	if err != nil {
		return false, err
	}
	return debtValue <= limit, nil
}

// checkLpLeverageAfter simulates adding net deposits and gross borrows to
// the position and rejects the result if leverage (assets over equity)
// exceeds the market maximum.
func (e *Engine) checkLpLeverageAfter(m *market.Market, adapter AmmAdapter, pos *position.LpPosition, va, vb *vault.Vault, addA, addB, borrowA, borrowB uint64) error {
	if borrowA == 0 && borrowB == 0 && pos.LoanSharesA == 0 && pos.LoanSharesB == 0 {
		return nil
	}
	price, _, err := e.checkedPoolPrice(m, adapter)
	if err != nil {
		return err
	}

	var posA, posB uint64
	if pos.Liquidity > 0 {
		posA, posB, err = adapter.PositionBalances(m.Pool, pos.PositionMint)
		if err != nil {
			return err
		}
	}
	assetA, err := valueB(market.SideA, posA+pos.LeftoversA+addA, price)
	if err != nil {
		return err
	}
	assetValue := assetA + posB + pos.LeftoversB + addB

	debtFundsA, err := debtFunds(va, pos.LoanSharesA)
	if err != nil {
		return err
	}
	debtFundsB, err := debtFunds(vb, pos.LoanSharesB)
	if err != nil {
		return err
	}
	debtA, err := valueB(market.SideA, debtFundsA+borrowA, price)
	if err != nil {
		return err
	}
	debtValue := debtA + debtFundsB + borrowB

	if debtValue >= assetValue {
		return fmt.Errorf("%w: debt %d >= assets %d", ErrLeverageExceeded, debtValue, assetValue)
	}
	leverage, err := fixedmath.MulDiv(assetValue, fixedmath.LeverageOne, assetValue-debtValue, true)
	if err != nil {
		return err
	}
	if leverage > m.MaxLeverage {
		return fmt.Errorf("%w: %d > max %d", ErrLeverageExceeded, leverage, m.MaxLeverage)
	}
	return nil
}

// debtFunds converts a position's loan shares into funds owed right now,
// rounding up so debt is never understated.
func debtFunds(v *vault.Vault, shares uint64) (uint64, error) {
	if shares == 0 {
		return 0, nil
	}
	return fixedmath.SharesToFunds(shares, v.BorrowedFunds, v.BorrowedShares, true)
}

type lpDecreaseSpec struct {
	percent uint32

	// feeRate is taken off the withdrawn amounts before repayment
	// (liquidation fee or limit-order execution fee).
	feeRate uint32

	// allowShortfall converts uncovered loan shares into vault bad debt
	// instead of failing. Liquidation only.
	allowShortfall bool

	// useRouter routes cross-side cover swaps through the external router.
	useRouter bool

	swapTo     position.SwapTarget
	minA, minB uint64

	// payToUser sends the surplus to the owner; otherwise it stays with the
	// position as leftovers.
	payToUser bool
}

type LpDecreaseOutcome struct {
	repaidA, repaidB     uint64 // funds returned to the vaults
	badDebtA, badDebtB   uint64 // shares written off
	feeA, feeB           uint64 // feeRate cut per side
	returnedA, returnedB uint64 // surplus after repayment
}

// RepaidA reports the funds returned to the side-A vault.
func (o LpDecreaseOutcome) RepaidA() uint64 { return o.repaidA }

// RepaidB reports the funds returned to the side-B vault.
func (o LpDecreaseOutcome) RepaidB() uint64 { return o.repaidB }

// ReturnedA reports the side-A surplus paid out or retained.
func (o LpDecreaseOutcome) ReturnedA() uint64 { return o.returnedA }

// ReturnedB reports the side-B surplus paid out or retained.
func (o LpDecreaseOutcome) ReturnedB() uint64 { return o.returnedB }

// FeeA reports the side-A fee taken off the withdrawn amounts.
func (o LpDecreaseOutcome) FeeA() uint64 { return o.feeA }

// FeeB reports the side-B fee taken off the withdrawn amounts.
func (o LpDecreaseOutcome) FeeB() uint64 { return o.feeB }

// BadDebtSharesA reports the side-A loan shares written off.
func (o LpDecreaseOutcome) BadDebtSharesA() uint64 { return o.badDebtA }

// BadDebtSharesB reports the side-B loan shares written off.
func (o LpDecreaseOutcome) BadDebtSharesB() uint64 { return o.badDebtB }

// quoteLpUnwind mirrors the unwind math against read-only pool quotes,
// mutating nothing, and enforces the caller's minimum amounts and proceeds
// sufficiency up front. Execution settles at the pool's actual outputs; the
// two agree to rounding dust, so a bound violated here rejects the
// operation before anything moves.
func (e *Engine) quoteLpUnwind(m *market.Market, adapter AmmAdapter, pos *position.LpPosition, spec lpDecreaseSpec) error {
	var proceeds [2]uint64

	if pos.Liquidity > 0 {
		balA, balB, err := adapter.PositionBalances(m.Pool, pos.PositionMint)
		if err != nil {
			return err
		}
		proceeds[market.SideA] = balA
		proceeds[market.SideB] = balB
	}
	proceeds[market.SideA] += pos.LeftoversA
	proceeds[market.SideB] += pos.LeftoversB

	for _, side := range []market.Side{market.SideA, market.SideB} {
		if !full(spec.percent) {
			part, err := fixedmath.MulDiv(proceeds[side], uint64(spec.percent), uint64(fixedmath.HundredPercent), false)
			if err != nil {
				return err
			}
			proceeds[side] = part
		}
		if spec.feeRate != 0 {
			cut, err := fixedmath.PercentOf(proceeds[side], spec.feeRate, false)
			if err != nil {
				return err
			}
			proceeds[side] -= cut
		}
	}

	for _, side := range []market.Side{market.SideA, market.SideB} {
		target := pos.LoanShares(side)
		if !full(spec.percent) {
			var err error
			target, err = fixedmath.MulDiv(target, uint64(spec.percent), uint64(fixedmath.HundredPercent), true)
			if err != nil {
				return err
			}
			if target > pos.LoanShares(side) {
				target = pos.LoanShares(side)
			}
		}
		if target == 0 {
			continue
		}

		v, err := e.vaultFor(m, side)
		if err != nil {
			return err
		}
		if err := v.AccrueInterest(e.now()); err != nil {
			return err
		}
		owed, err := fixedmath.SharesToFunds(target, v.BorrowedFunds, v.BorrowedShares, true)
		if err != nil {
			return err
		}

		other := side.Opposite()
		if proceeds[side] < owed && proceeds[other] > 0 {
			in, err := e.coverAmountIn(m, side, owed-proceeds[side])
			if err != nil {
				return err
			}
			if in > proceeds[other] {
				in = proceeds[other]
			}
			got, err := e.swapQuote(m, adapter, other, in)
			if err != nil {
				return err
			}
			proceeds[other] -= in
			proceeds[side] += got
		}

		if proceeds[side] < owed {
			if !spec.allowShortfall {
				return fmt.Errorf("%w: side %s owes %d, proceeds %d",
					ErrInsufficientProceeds, side, owed, proceeds[side])
			}
			proceeds[side] = 0
			continue
		}
		proceeds[side] -= owed
	}

	switch spec.swapTo {
	case position.SwapTargetTokenA:
		got, err := e.swapQuote(m, adapter, market.SideB, proceeds[market.SideB])
		if err != nil {
			return err
		}
		proceeds[market.SideB] = 0
		proceeds[market.SideA] += got
	case position.SwapTargetTokenB:
		got, err := e.swapQuote(m, adapter, market.SideA, proceeds[market.SideA])
		if err != nil {
			return err
		}
		proceeds[market.SideA] = 0
		proceeds[market.SideB] += got
	}

	if proceeds[market.SideA] < spec.minA || proceeds[market.SideB] < spec.minB {
		return fmt.Errorf("%w: quoted %d/%d, min %d/%d", ErrAmountSlippageExceeded,
			proceeds[market.SideA], proceeds[market.SideB], spec.minA, spec.minB)
	}
	return nil
}

// decreaseLpCore is the shared unwind path behind voluntary decreases,
// liquidations and limit-order executions. It withdraws percent of the
// liquidity and leftovers, takes the spec's fee off the top, repays percent
// of the loan shares (swapping across sides when one runs short), applies
// the optional surplus swap and settles the surplus. Minimum-amount bounds
// and proceeds sufficiency are enforced by the pre-flight quote, before the
// first mutation.
func (e *Engine) decreaseLpCore(m *market.Market, adapter AmmAdapter, pos *position.LpPosition, spec lpDecreaseSpec) (LpDecreaseOutcome, error) {
	var out LpDecreaseOutcome

	if spec.percent == 0 || spec.percent > fixedmath.HundredPercent {
		return out, fmt.Errorf("%w: %d", ErrInvalidPercent, spec.percent)
	}
	fullUnwind := full(spec.percent)

	posAcct := tokenledger.PositionAccount(pos.PositionMint)
	e.netLeftovers(pos, posAcct)
	amm := tokenledger.AmmAccount(m.Pool)

	if spec.minA != 0 || spec.minB != 0 || !spec.allowShortfall {
		if err := e.quoteLpUnwind(m, adapter, pos, spec); err != nil {
			return out, err
		}
	}

	liqDelta := pos.Liquidity
	if !fullUnwind {
		var err error
		liqDelta, err = fixedmath.MulDiv(pos.Liquidity, uint64(spec.percent), uint64(fixedmath.HundredPercent), false)
		if err != nil {
			return out, err
		}
	}

	var proceeds [2]uint64
	if liqDelta > 0 {
		outA, outB, err := adapter.DecreaseLiquidity(m.Pool, pos.PositionMint, liqDelta)
		if err != nil {
			return out, err
		}
		if err := e.book.Transfer(amm, posAcct, m.MintA, outA); err != nil {
			return out, err
		}
		if err := e.book.Transfer(amm, posAcct, m.MintB, outB); err != nil {
			return out, err
		}
		pos.Liquidity -= liqDelta
		proceeds[market.SideA] = outA
		proceeds[market.SideB] = outB
	}

	for _, side := range []market.Side{market.SideA, market.SideB} {
		part := pos.Leftovers(side)
		if !fullUnwind {
			var err error
			part, err = fixedmath.MulDiv(part, uint64(spec.percent), uint64(fixedmath.HundredPercent), false)
			if err != nil {
				return out, err
			}
		}
		pos.SetLeftovers(side, pos.Leftovers(side)-part)
		proceeds[side] += part
	}

	if spec.feeRate != 0 {
		feeAcct := tokenledger.FeeRecipientAccount(e.cfg.FeeRecipient)
		for _, side := range []market.Side{market.SideA, market.SideB} {
			cut, err := fixedmath.PercentOf(proceeds[side], spec.feeRate, false)
			if err != nil {
				return out, err
			}
			if err := e.book.Transfer(posAcct, feeAcct, m.Mint(side), cut); err != nil {
				return out, err
			}
			proceeds[side] -= cut
			if side == market.SideA {
				out.feeA = cut
			} else {
				out.feeB = cut
			}
		}
	}

	for _, side := range []market.Side{market.SideA, market.SideB} {
		repaid, badDebt, err := e.repayLpSide(m, adapter, pos, posAcct, side, spec, &proceeds)
		if err != nil {
			return out, err
		}
		if side == market.SideA {
			out.repaidA, out.badDebtA = repaid, badDebt
		} else {
			out.repaidB, out.badDebtB = repaid, badDebt
		}
	}

	switch spec.swapTo {
	case position.SwapTargetTokenA:
		got, err := e.poolSwap(m, adapter, posAcct, market.SideB, proceeds[market.SideB])
		if err != nil {
			return out, err
		}
		proceeds[market.SideB] = 0
		proceeds[market.SideA] += got
	case position.SwapTargetTokenB:
		got, err := e.poolSwap(m, adapter, posAcct, market.SideA, proceeds[market.SideA])
		if err != nil {
			return out, err
		}
		proceeds[market.SideA] = 0
		proceeds[market.SideB] += got
	}

	if spec.payToUser {
		user := tokenledger.UserAccount(pos.Authority)
		if err := e.book.Transfer(posAcct, user, m.MintA, proceeds[market.SideA]); err != nil {
			return out, err
		}
		if err := e.book.Transfer(posAcct, user, m.MintB, proceeds[market.SideB]); err != nil {
			return out, err
		}
	} else {
		pos.LeftoversA += proceeds[market.SideA]
		pos.LeftoversB += proceeds[market.SideB]
	}
	out.returnedA = proceeds[market.SideA]
	out.returnedB = proceeds[market.SideB]

	if fullUnwind && !pos.AmmClosed {
		if err := adapter.ClosePosition(m.Pool, pos.PositionMint); err != nil {
			return out, err
		}
		pos.AmmClosed = true
	}
	return out, nil
}

// repayLpSide repays percent of one side's loan shares out of the unwind
// proceeds, swapping from the opposite side when this one runs short. With
// allowShortfall, shares the proceeds cannot cover become vault bad debt.
func (e *Engine) repayLpSide(m *market.Market, adapter AmmAdapter, pos *position.LpPosition, posAcct tokenledger.Account, side market.Side, spec lpDecreaseSpec, proceeds *[2]uint64) (repaid, badDebtShares uint64, err error) {
	target := pos.LoanShares(side)
	if !full(spec.percent) {
		target, err = fixedmath.MulDiv(target, uint64(spec.percent), uint64(fixedmath.HundredPercent), true)
		if err != nil {
			return 0, 0, err
		}
		if target > pos.LoanShares(side) {
			target = pos.LoanShares(side)
		}
	}
	if target == 0 {
		return 0, 0, nil
	}

	v, err := e.vaultFor(m, side)
	if err != nil {
		return 0, 0, err
	}
	if err := v.AccrueInterest(e.now()); err != nil {
		return 0, 0, err
	}
	owed, err := fixedmath.SharesToFunds(target, v.BorrowedFunds, v.BorrowedShares, true)
	if err != nil {
		return 0, 0, err
	}

	other := side.Opposite()
	if proceeds[side] < owed && proceeds[other] > 0 {
		in, err := e.coverAmountIn(m, side, owed-proceeds[side])
		if err != nil {
			return 0, 0, err
		}
		if in > proceeds[other] {
			in = proceeds[other]
		}
		var got uint64
		if spec.useRouter && e.router != nil {
			got, err = e.routerSwap(posAcct, m.Mint(other), m.Mint(side), in)
		} else {
			got, err = e.poolSwap(m, adapter, posAcct, other, in)
		}
		if err != nil {
			return 0, 0, err
		}
		proceeds[other] -= in
		proceeds[side] += got
	}

	vaultAcct := tokenledger.VaultAccount(v.ID)
	covered := target
	if proceeds[side] < owed {
		covered, err = fixedmath.FundsToShares(proceeds[side], v.BorrowedFunds, v.BorrowedShares, false)
		if err != nil {
			return 0, 0, err
		}
		if covered > target {
			covered = target
		}
		if !spec.allowShortfall {
			return 0, 0, fmt.Errorf("%w: side %s owes %d, proceeds %d",
				ErrInsufficientProceeds, side, owed, proceeds[side])
		}
	}

	if covered > 0 {
		funds, err := v.Repay(covered, e.now())
		if err != nil {
			return 0, 0, err
		}
		if err := e.book.Transfer(posAcct, vaultAcct, m.Mint(side), funds); err != nil {
			return 0, 0, err
		}
		proceeds[side] -= funds
		repaid = funds
		e.emit(event.TypeVaultRepaid, m.Pool, &event.VaultRepaid{
			VaultID: v.ID, Pool: m.Pool, Funds: funds, Shares: covered,
		})
	}

	if uncovered := target - covered; uncovered > 0 {
		lost, err := v.RegisterBadDebt(uncovered, e.now())
		if err != nil {
			return 0, 0, err
		}
		badDebtShares = uncovered
		e.emit(event.TypeBadDebtRegistered, m.Pool, &event.BadDebtRegistered{
			VaultID: v.ID, Pool: m.Pool, Shares: uncovered, Funds: lost,
		})
	}

	pos.SetLoanShares(side, pos.LoanShares(side)-target)
	m.SubBorrowedShares(side, target)
	return repaid, badDebtShares, nil
}

// coverAmountIn estimates the opposite-side input for a swap that must
// produce at least need units of side, padded by the slippage bound.
func (e *Engine) coverAmountIn(m *market.Market, side market.Side, need uint64) (uint64, error) {
	price, err := e.oraclePairPrice(m)
	if err != nil {
		return 0, err
	}
	needValue, err := valueB(side, need, price)
	if err != nil {
		return 0, err
	}
	in, err := amountFromValueB(side.Opposite(), needValue, price)
	if err != nil {
		return 0, err
	}
	in, err = fixedmath.MulDiv(in, uint64(fixedmath.HundredPercent), uint64(fixedmath.HundredPercent-e.maxSwapSlippage(m)), true)
	if err != nil {
		return 0, err
	}
	return fixedmath.CheckedAdd(in, 1)
}

func full(percent uint32) bool { return percent == fixedmath.HundredPercent }
