package engine

import (
	"fmt"

	"github.com/google/uuid"

	"TunaEngine/internal/event"
	"TunaEngine/internal/fixedmath"
	"TunaEngine/internal/market"
	"TunaEngine/internal/position"
	"TunaEngine/internal/tokenledger"
)

// OpenSpotParams describes a new leveraged spot position. One exists per
// (authority, pool); the loan side is always opposite the position token.
type OpenSpotParams struct {
	Pool            string
	PositionToken   market.Side
	CollateralToken market.Side

	Flags           position.Flags
	LowerLimitPrice *uint64
	UpperLimitPrice *uint64
}

// IncreaseSpotParams adds collateral and borrowed funds, both swapped into
// the position token. An Auto borrow matches the value of the net
// collateral at the current price.
type IncreaseSpotParams struct {
	Collateral uint64
	Borrow     Amount
}

// IncreaseSpotResult reports what an increase actually did.
type IncreaseSpotResult struct {
	Borrowed      uint64
	CollateralFee uint64
	BorrowFee     uint64
	SizeAdded     uint64
}

// DecreaseSpotParams sells a fraction of the position, repays the matching
// fraction of the loan and pays the surplus to the owner in the collateral
// token.
type DecreaseSpotParams struct {
	Percent     uint32
	MinReceived uint64
}

// OpenSpot registers an empty spot position.
func (e *Engine) OpenSpot(authority uuid.UUID, params OpenSpotParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, _, err := e.marketFor(params.Pool)
	if err != nil {
		return err
	}
	if m.Disabled {
		return market.ErrMarketDisabled
	}
	if params.LowerLimitPrice != nil && params.UpperLimitPrice != nil &&
		*params.LowerLimitPrice >= *params.UpperLimitPrice {
		return fmt.Errorf("%w: lower limit %d above upper %d",
			ErrInvalidParams, *params.LowerLimitPrice, *params.UpperLimitPrice)
	}
	key := spotKey{authority, params.Pool}
	if _, ok := e.spots[key]; ok {
		return fmt.Errorf("%w: spot position in %s", ErrPositionExists, params.Pool)
	}

	e.spots[key] = &position.SpotPosition{
		Authority:       authority,
		Pool:            params.Pool,
		PositionToken:   params.PositionToken,
		CollateralToken: params.CollateralToken,
		Flags:           params.Flags,
		LowerLimitPrice: params.LowerLimitPrice,
		UpperLimitPrice: params.UpperLimitPrice,
		State:           position.StateOpen,
	}

	e.emit(event.TypePositionOpened, params.Pool, &event.PositionOpened{
		Authority: authority, Pool: params.Pool, Variant: "spot",
	})
	return nil
}

// IncreaseSpot grows the position: collateral and borrow are fee'd, swapped
// into the position token, and folded into the size-weighted entry price.
func (e *Engine) IncreaseSpot(authority uuid.UUID, pool string, params IncreaseSpotParams) (IncreaseSpotResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res IncreaseSpotResult

	pos, m, adapter, err := e.spotOwned(authority, pool)
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
	loanVault := va
	if pos.LoanSide() == market.SideB {
		loanVault = vb
	}

	price, _, err := e.checkedPoolPrice(m, adapter)
	if err != nil {
		return res, err
	}

	borrow, err := e.resolveSpotBorrow(m, pos, params, price)
	if err != nil {
		return res, err
	}
	if params.Collateral == 0 && borrow == 0 {
		return res, ErrZeroAmount
	}

	collFee, err := fixedmath.PercentOf(params.Collateral, m.ProtocolFeeOnCollateral, false)
	if err != nil {
		return res, err
	}
	borrowFee, err := fixedmath.PercentOf(borrow, m.ProtocolFee, false)
	if err != nil {
		return res, err
	}
	netColl := params.Collateral - collFee
	netBorrow := borrow - borrowFee

	// Pre-mutation checks: balance, vault capacity, size limit, leverage.
	// The size and leverage estimates value the incoming amounts at the
	// checked pool price; the executed swaps are bounded by the market's
	// slippage cap.
	user := tokenledger.UserAccount(authority)
	if e.book.Balance(user, m.Mint(pos.CollateralToken)) < params.Collateral {
		return res, fmt.Errorf("%w: collateral %d", tokenledger.ErrInsufficientBalance, params.Collateral)
	}
	if err := checkBorrowCapacity(m, pos.LoanSide(), loanVault, borrow); err != nil {
		return res, err
	}

	addValue, err := valueB(pos.CollateralToken, netColl, price)
	if err != nil {
		return res, err
	}
	borrowValue, err := valueB(pos.LoanSide(), netBorrow, price)
	if err != nil {
		return res, err
	}
	addedEst, err := amountFromValueB(pos.PositionToken, addValue+borrowValue, price)
	if err != nil {
		return res, err
	}
	if limit := m.SpotSizeLimit(pos.PositionToken); limit != 0 && pos.Amount+addedEst > limit {
		return res, fmt.Errorf("%w: size %d > limit %d", ErrPositionSizeLimitExceeded, pos.Amount+addedEst, limit)
	}
	if err := e.spotLeverageCheck(m, pos, price, addValue+borrowValue, borrow); err != nil {
		return res, err
	}

	spotAcct := tokenledger.SpotPositionAccount(authority, pool)
	if err := e.book.Transfer(user, spotAcct, m.Mint(pos.CollateralToken), params.Collateral); err != nil {
		return res, err
	}

	var loanShares uint64
	if borrow > 0 {
		loanShares, err = loanVault.Borrow(borrow, e.now())
		if err != nil {
			return res, err
		}
		if err := m.AddBorrowedShares(pos.LoanSide(), loanShares); err != nil {
			return res, err
		}
		pos.LoanShares += loanShares
		if err := e.book.Transfer(tokenledger.VaultAccount(loanVault.ID), spotAcct, m.Mint(pos.LoanSide()), borrow); err != nil {
			return res, err
		}
		e.emit(event.TypeVaultBorrowed, m.Pool, &event.VaultBorrowed{
			VaultID: loanVault.ID, Pool: m.Pool, Funds: borrow, Shares: loanShares,
		})
	}

	feeAcct := tokenledger.FeeRecipientAccount(e.cfg.FeeRecipient)
	if err := e.book.Transfer(spotAcct, feeAcct, m.Mint(pos.CollateralToken), collFee); err != nil {
		return res, err
	}
	if err := e.book.Transfer(spotAcct, feeAcct, m.Mint(pos.LoanSide()), borrowFee); err != nil {
		return res, err
	}

	added := uint64(0)
	if pos.CollateralToken == pos.PositionToken {
		added += netColl
	} else {
		got, err := e.poolSwap(m, adapter, spotAcct, pos.CollateralToken, netColl)
		if err != nil {
			return res, err
		}
		added += got
	}
	got, err := e.poolSwap(m, adapter, spotAcct, pos.LoanSide(), netBorrow)
	if err != nil {
		return res, err
	}
	added += got

	entry, err := weightedEntryPrice(pos.Amount, pos.EntryPrice, added, price)
	if err != nil {
		return res, err
	}
	pos.EntryPrice = entry
	pos.Amount += added

	res = IncreaseSpotResult{
		Borrowed: borrow, CollateralFee: collFee, BorrowFee: borrowFee, SizeAdded: added,
	}
	collA, collB := sideSplit(pos.CollateralToken, params.Collateral)
	borA, borB := sideSplit(pos.LoanSide(), borrow)
	feeA, feeB := sideSplit(pos.CollateralToken, collFee)
	bfA, bfB := sideSplit(pos.LoanSide(), borrowFee)
	e.emit(event.TypePositionIncreased, m.Pool, &event.PositionIncreased{
		Pool: m.Pool, Variant: "spot",
		CollateralA: collA, CollateralB: collB,
		BorrowA: borA, BorrowB: borB,
		FeeA: feeA + bfA, FeeB: feeB + bfB,
	})
	return res, nil
}

// DecreaseSpot sells a fraction of a healthy position.
func (e *Engine) DecreaseSpot(authority uuid.UUID, pool string, params DecreaseSpotParams) (SpotUnwindOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, m, adapter, err := e.spotOwned(authority, pool)
	if err != nil {
		return SpotUnwindOutcome{}, err
	}

	healthy, err := e.spotIsHealthy(m, pos)
	if err != nil {
		return SpotUnwindOutcome{}, err
	}
	if !healthy {
		return SpotUnwindOutcome{}, ErrPositionIsUnhealthy
	}

	out, err := e.spotUnwind(m, adapter, pos, spotUnwindSpec{
		percent:     params.Percent,
		minReceived: params.MinReceived,
	})
	if err != nil {
		return SpotUnwindOutcome{}, err
	}

	retA, retB := sideSplit(pos.CollateralToken, out.returned)
	repA, repB := sideSplit(pos.LoanSide(), out.repaid)
	e.emit(event.TypePositionDecreased, m.Pool, &event.PositionDecreased{
		Pool: m.Pool, Variant: "spot", Percent: params.Percent,
		RepaidA: repA, RepaidB: repB,
		ReturnedA: retA, ReturnedB: retB,
	})
	return out, nil
}

// SetSpotLimitOrders replaces the trigger prices and flags.
func (e *Engine) SetSpotLimitOrders(authority uuid.UUID, pool string, lower, upper *uint64, flags position.Flags) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, _, _, err := e.spotOwned(authority, pool)
	if err != nil {
		return err
	}
	if lower != nil && upper != nil && *lower >= *upper {
		return fmt.Errorf("%w: lower limit %d above upper %d", ErrInvalidParams, *lower, *upper)
	}
	pos.LowerLimitPrice = lower
	pos.UpperLimitPrice = upper
	pos.Flags = flags
	return nil
}

// ExecuteSpotLimitOrder fully unwinds a position whose trigger price has
// been crossed. Any caller may execute; the proceeds net of the execution
// fee go to the owner.
func (e *Engine) ExecuteSpotLimitOrder(caller, authority uuid.UUID, pool string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, m, adapter, err := e.spotFor(authority, pool)
	if err != nil {
		return err
	}
	price, _, err := e.checkedPoolPrice(m, adapter)
	if err != nil {
		return err
	}

	var swapTo position.SwapTarget
	switch {
	case pos.LowerLimitPrice != nil && price <= *pos.LowerLimitPrice:
		swapTo = pos.Flags.StopLossSwap
	case pos.UpperLimitPrice != nil && price >= *pos.UpperLimitPrice:
		swapTo = pos.Flags.TakeProfitSwap
	default:
		return fmt.Errorf("%w: price %d", ErrLimitOrderNotTriggered, price)
	}
	if !pos.State.CanTransitionTo(position.StateClosedByLimitOrder) {
		return fmt.Errorf("%w: state %s", ErrPositionClosed, pos.State)
	}

	out, err := e.spotUnwind(m, adapter, pos, spotUnwindSpec{
		percent:  fixedmath.HundredPercent,
		feeRate:  m.LimitOrderExecutionFee,
		settleTo: swapTo,
	})
	if err != nil {
		return err
	}
	pos.State = position.StateClosedByLimitOrder

	e.log.Info().Str("pool", pool).Str("owner", authority.String()).
		Str("caller", caller.String()).Uint64("price", price).Msg("spot limit order executed")
	feeA, feeB := sideSplit(pos.LoanSide(), out.fee)
	e.emit(event.TypeLimitOrderExecuted, m.Pool, &event.LimitOrderExecuted{
		Pool: m.Pool, Variant: "spot",
		ExecutionFeeA: feeA, ExecutionFeeB: feeB,
	})
	return nil
}

// CloseSpotPosition destroys an emptied spot position record, returning any
// residual account balances to the owner.
func (e *Engine) CloseSpotPosition(authority uuid.UUID, pool string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := spotKey{authority, pool}
	pos, ok := e.spots[key]
	if !ok {
		return ErrPositionNotFound
	}
	if !pos.IsEmpty() {
		return fmt.Errorf("%w: size=%d loans=%d", ErrPositionNotEmpty, pos.Amount, pos.LoanShares)
	}
	m, _, err := e.marketFor(pool)
	if err != nil {
		return err
	}

	spotAcct := tokenledger.SpotPositionAccount(authority, pool)
	user := tokenledger.UserAccount(authority)
	for _, mint := range []string{m.MintA, m.MintB} {
		if bal := e.book.Balance(spotAcct, mint); bal > 0 {
			if err := e.book.Transfer(spotAcct, user, mint, bal); err != nil {
				return err
			}
		}
	}
	delete(e.spots, key)

	e.emit(event.TypePositionClosed, m.Pool, &event.PositionClosed{
		Pool: m.Pool, Variant: "spot",
	})
	return nil
}

// SpotPosition returns a copy of a spot position record.
func (e *Engine) SpotPosition(authority uuid.UUID, pool string) (position.SpotPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.spots[spotKey{authority, pool}]
	if !ok {
		return position.SpotPosition{}, ErrPositionNotFound
	}
	return *pos, nil
}

// ============================================================================
// Internal machinery
// ============================================================================

func (e *Engine) spotFor(authority uuid.UUID, pool string) (*position.SpotPosition, *market.Market, AmmAdapter, error) {
	pos, ok := e.spots[spotKey{authority, pool}]
	if !ok {
		return nil, nil, nil, ErrPositionNotFound
	}
	if pos.State.IsTerminal() {
		return nil, nil, nil, fmt.Errorf("%w: state %s", ErrPositionClosed, pos.State)
	}
	m, adapter, err := e.marketFor(pool)
	if err != nil {
		return nil, nil, nil, err
	}
	return pos, m, adapter, nil
}

func (e *Engine) spotOwned(authority uuid.UUID, pool string) (*position.SpotPosition, *market.Market, AmmAdapter, error) {
	// Spot positions are keyed by owner, so lookup is the authority check.
	return e.spotFor(authority, pool)
}

// resolveSpotBorrow turns the Amount request into a concrete loan-side
// borrow. Auto matches the value of the net collateral.
func (e *Engine) resolveSpotBorrow(m *market.Market, pos *position.SpotPosition, params IncreaseSpotParams, price uint64) (uint64, error) {
	if !params.Borrow.Auto {
		return params.Borrow.Value, nil
	}
	collFee, err := fixedmath.PercentOf(params.Collateral, m.ProtocolFeeOnCollateral, false)
	if err != nil {
		return 0, err
	}
	collValue, err := valueB(pos.CollateralToken, params.Collateral-collFee, price)
	if err != nil {
		return 0, err
	}
	need, err := amountFromValueB(pos.LoanSide(), collValue, price)
	if err != nil {
		return 0, err
	}
	if need == 0 {
		return 0, nil
	}
	return fixedmath.MulDiv(need, uint64(fixedmath.HundredPercent), uint64(fixedmath.HundredPercent-m.ProtocolFee), true)
}

// spotLeverageCheck rejects an increase that would push leverage past the
// market maximum. addedValue is the token-B value entering the position;
// borrow is the gross new loan.
func (e *Engine) spotLeverageCheck(m *market.Market, pos *position.SpotPosition, price, addedValue, borrow uint64) error {
	v, err := e.vaultFor(m, pos.LoanSide())
	if err != nil {
		return err
	}
	if borrow == 0 && pos.LoanShares == 0 {
		return nil
	}

	sizeValue, err := valueB(pos.PositionToken, pos.Amount, price)
	if err != nil {
		return err
	}
	assetValue := sizeValue + addedValue

	owed, err := debtFunds(v, pos.LoanShares)
	if err != nil {
		return err
	}
	debtValueCur, err := valueB(pos.LoanSide(), owed, price)
	if err != nil {
		return err
	}
	borrowValue, err := valueB(pos.LoanSide(), borrow, price)
	if err != nil {
		return err
	}
	debtValue := debtValueCur + borrowValue

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

// spotValues prices the position's size and debt in token-B units.
func (e *Engine) spotValues(m *market.Market, pos *position.SpotPosition) (assetValue, debtValue uint64, err error) {
	adapter, ok := e.adapters[m.MarketMaker]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownAdapter, m.MarketMaker)
	}
	price, _, err := e.checkedPoolPrice(m, adapter)
	if err != nil {
		return 0, 0, err
	}
	assetValue, err = valueB(pos.PositionToken, pos.Amount, price)
	if err != nil {
		return 0, 0, err
	}

	v, err := e.vaultFor(m, pos.LoanSide())
	if err != nil {
		return 0, 0, err
	}
	if err := v.AccrueInterest(e.now()); err != nil {
		return 0, 0, err
	}
	owed, err := debtFunds(v, pos.LoanShares)
	if err != nil {
		return 0, 0, err
	}
	debtValue, err = valueB(pos.LoanSide(), owed, price)
	if err != nil {
		return 0, 0, err
	}
	return assetValue, debtValue, nil
}

// spotIsHealthy applies the market's liquidation threshold.
func (e *Engine) spotIsHealthy(m *market.Market, pos *position.SpotPosition) (bool, error) {
	asset, debt, err := e.spotValues(m, pos)
	if err != nil {
		return false, err
	}
	return withinThreshold(asset, debt, m.LiquidationThreshold)
}

// weightedEntryPrice folds an acquisition at price into the size-weighted
// average entry price.
func weightedEntryPrice(oldAmount, oldEntry, added, price uint64) (uint64, error) {
	total := oldAmount + added
	if total == 0 {
		return 0, nil
	}
	t1, err := fixedmath.MulDiv(oldAmount, oldEntry, total, false)
	if err != nil {
		return 0, err
	}
	t2, err := fixedmath.MulDiv(added, price, total, false)
	if err != nil {
		return 0, err
	}
	return t1 + t2, nil
}

// sideSplit places an amount into the (A, B) slot for its side.
func sideSplit(side market.Side, amount uint64) (a, b uint64) {
	if side == market.SideA {
		return amount, 0
	}
	return 0, amount
}

type spotUnwindSpec struct {
	percent uint32

	// feeRate comes off the sale proceeds before repayment.
	feeRate uint32

	// allowShortfall converts uncovered loan shares into vault bad debt
	// instead of failing. Liquidation only.
	allowShortfall bool

	// settleTo overrides the collateral-token settlement of the surplus.
	// Limit-order execution sets it from the triggered side's swap flag.
	settleTo position.SwapTarget

	minReceived uint64
}

// settleSide resolves where the surplus lands: the flagged token when the
// spec carries a swap target, the position's collateral token otherwise.
func (s spotUnwindSpec) settleSide(pos *position.SpotPosition) market.Side {
	switch s.settleTo {
	case position.SwapTargetTokenA:
		return market.SideA
	case position.SwapTargetTokenB:
		return market.SideB
	default:
		return pos.CollateralToken
	}
}

type SpotUnwindOutcome struct {
	sold          uint64 // position token sold
	repaid        uint64 // funds returned to the loan vault
	badDebtShares uint64
	fee           uint64 // feeRate cut, in loan-side units
	returned      uint64 // surplus paid to the owner, in settlement-token units
}

// Sold reports the position-token amount sold.
func (o SpotUnwindOutcome) Sold() uint64 { return o.sold }

// Returned reports the surplus paid to the owner.
func (o SpotUnwindOutcome) Returned() uint64 { return o.returned }

// Repaid reports the funds returned to the loan vault.
func (o SpotUnwindOutcome) Repaid() uint64 { return o.repaid }

// Fee reports the fee cut, in loan-side units.
func (o SpotUnwindOutcome) Fee() uint64 { return o.fee }

// BadDebtShares reports the loan shares written off.
func (o SpotUnwindOutcome) BadDebtShares() uint64 { return o.badDebtShares }

// quoteSpotUnwind mirrors the unwind math against read-only pool quotes,
// mutating nothing, and enforces the caller's minimum and proceeds
// sufficiency up front, before the first mutation.
func (e *Engine) quoteSpotUnwind(m *market.Market, adapter AmmAdapter, pos *position.SpotPosition, spec spotUnwindSpec, sell uint64) error {
	proceeds, err := e.swapQuote(m, adapter, pos.PositionToken, sell)
	if err != nil {
		return err
	}
	if spec.feeRate != 0 {
		cut, err := fixedmath.PercentOf(proceeds, spec.feeRate, false)
		if err != nil {
			return err
		}
		proceeds -= cut
	}

	target := pos.LoanShares
	if !full(spec.percent) {
		target, err = fixedmath.MulDiv(target, uint64(spec.percent), uint64(fixedmath.HundredPercent), true)
		if err != nil {
			return err
		}
		if target > pos.LoanShares {
			target = pos.LoanShares
		}
	}
	if target > 0 {
		v, err := e.vaultFor(m, pos.LoanSide())
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
		if proceeds < owed {
			if !spec.allowShortfall {
				return fmt.Errorf("%w: owes %d, proceeds %d", ErrInsufficientProceeds, owed, proceeds)
			}
			proceeds = 0
		} else {
			proceeds -= owed
		}
	}

	surplus := proceeds
	if settle := spec.settleSide(pos); surplus > 0 && settle != pos.LoanSide() {
		surplus, err = e.swapQuote(m, adapter, pos.LoanSide(), surplus)
		if err != nil {
			return err
		}
	}
	if surplus < spec.minReceived {
		return fmt.Errorf("%w: quoted %d, min %d", ErrAmountSlippageExceeded, surplus, spec.minReceived)
	}
	return nil
}

// spotUnwind is the shared unwind path behind voluntary decreases,
// liquidations and limit-order executions. It sells percent of the size
// into the loan token, takes the spec's fee, repays percent of the loan
// shares and pays the surplus to the owner in the settlement token
// (collateral unless the spec overrides it). The minimum-received bound
// and proceeds sufficiency are enforced by the pre-flight quote, before
// the first mutation.
func (e *Engine) spotUnwind(m *market.Market, adapter AmmAdapter, pos *position.SpotPosition, spec spotUnwindSpec) (SpotUnwindOutcome, error) {
	var out SpotUnwindOutcome

	if spec.percent == 0 || spec.percent > fixedmath.HundredPercent {
		return out, fmt.Errorf("%w: %d", ErrInvalidPercent, spec.percent)
	}

	sell := pos.Amount
	if !full(spec.percent) {
		var err error
		sell, err = fixedmath.MulDiv(pos.Amount, uint64(spec.percent), uint64(fixedmath.HundredPercent), false)
		if err != nil {
			return out, err
		}
	}

	if spec.minReceived != 0 || !spec.allowShortfall {
		if err := e.quoteSpotUnwind(m, adapter, pos, spec, sell); err != nil {
			return out, err
		}
	}

	spotAcct := tokenledger.SpotPositionAccount(pos.Authority, pos.Pool)
	proceeds, err := e.poolSwap(m, adapter, spotAcct, pos.PositionToken, sell)
	if err != nil {
		return out, err
	}
	out.sold = sell

	if spec.feeRate != 0 {
		cut, err := fixedmath.PercentOf(proceeds, spec.feeRate, false)
		if err != nil {
			return out, err
		}
		if err := e.book.Transfer(spotAcct, tokenledger.FeeRecipientAccount(e.cfg.FeeRecipient), m.Mint(pos.LoanSide()), cut); err != nil {
			return out, err
		}
		proceeds -= cut
		out.fee = cut
	}

	target := pos.LoanShares
	if !full(spec.percent) {
		target, err = fixedmath.MulDiv(target, uint64(spec.percent), uint64(fixedmath.HundredPercent), true)
		if err != nil {
			return out, err
		}
		if target > pos.LoanShares {
			target = pos.LoanShares
		}
	}

	if target > 0 {
		v, err := e.vaultFor(m, pos.LoanSide())
		if err != nil {
			return out, err
		}
		if err := v.AccrueInterest(e.now()); err != nil {
			return out, err
		}
		owed, err := fixedmath.SharesToFunds(target, v.BorrowedFunds, v.BorrowedShares, true)
		if err != nil {
			return out, err
		}

		covered := target
		if proceeds < owed {
			covered, err = fixedmath.FundsToShares(proceeds, v.BorrowedFunds, v.BorrowedShares, false)
			if err != nil {
				return out, err
			}
			if covered > target {
				covered = target
			}
			if !spec.allowShortfall {
				return out, fmt.Errorf("%w: owes %d, proceeds %d", ErrInsufficientProceeds, owed, proceeds)
			}
		}

		if covered > 0 {
			funds, err := v.Repay(covered, e.now())
			if err != nil {
				return out, err
			}
			if err := e.book.Transfer(spotAcct, tokenledger.VaultAccount(v.ID), m.Mint(pos.LoanSide()), funds); err != nil {
				return out, err
			}
			proceeds -= funds
			out.repaid = funds
			e.emit(event.TypeVaultRepaid, m.Pool, &event.VaultRepaid{
				VaultID: v.ID, Pool: m.Pool, Funds: funds, Shares: covered,
			})
		}
		if uncovered := target - covered; uncovered > 0 {
			lost, err := v.RegisterBadDebt(uncovered, e.now())
			if err != nil {
				return out, err
			}
			out.badDebtShares = uncovered
			e.emit(event.TypeBadDebtRegistered, m.Pool, &event.BadDebtRegistered{
				VaultID: v.ID, Pool: m.Pool, Shares: uncovered, Funds: lost,
			})
		}

		pos.LoanShares -= target
		m.SubBorrowedShares(pos.LoanSide(), target)
	}

	surplus := proceeds
	settle := spec.settleSide(pos)
	if surplus > 0 && settle != pos.LoanSide() {
		surplus, err = e.poolSwap(m, adapter, spotAcct, pos.LoanSide(), surplus)
		if err != nil {
			return out, err
		}
	}
	if surplus > 0 {
		if err := e.book.Transfer(spotAcct, tokenledger.UserAccount(pos.Authority), m.Mint(settle), surplus); err != nil {
			return out, err
		}
	}
	out.returned = surplus

	pos.Amount -= sell
	return out, nil
}
