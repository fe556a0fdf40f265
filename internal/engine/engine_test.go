package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"TunaEngine/internal/event"
	"TunaEngine/internal/fixedmath"
	"TunaEngine/internal/market"
	"TunaEngine/internal/position"
	"TunaEngine/internal/testutil"
	"TunaEngine/internal/tokenledger"
)

const (
	testPool  = "pool-ab"
	testMintA = "mintA"
	testMintB = "mintB"

	// 1 A = 2 B at the pool and oracle alike.
	testPriceA = 2 * fixedmath.PriceScale
	testPriceB = 1 * fixedmath.PriceScale
	testPair   = 2 * fixedmath.PriceScale
)

type testRig struct {
	eng    *Engine
	amm    *testutil.FakeAmm
	oracle *testutil.FakeOracle
	book   *tokenledger.Book

	admin      uuid.UUID
	liquidator uuid.UUID
	feeRcpt    uuid.UUID
	lender     uuid.UUID
	user       uuid.UUID

	now    time.Time
	events []*event.Envelope
}

func (r *testRig) advance(d time.Duration) {
	r.now = r.now.Add(d)
}

func (r *testRig) feeBalance(mint string) uint64 {
	return r.book.Balance(tokenledger.FeeRecipientAccount(r.feeRcpt), mint)
}

func (r *testRig) userBalance(mint string) uint64 {
	return r.book.Balance(tokenledger.UserAccount(r.user), mint)
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	r := &testRig{
		admin:      uuid.New(),
		liquidator: uuid.New(),
		feeRcpt:    uuid.New(),
		lender:     uuid.New(),
		user:       uuid.New(),
		now:        time.Unix(1_700_000_000, 0),
	}
	r.amm = testutil.NewFakeAmm()
	r.amm.AddPool(testPool, testPair, 0)
	r.oracle = testutil.NewFakeOracle()
	r.oracle.Set(testMintA, testPriceA)
	r.oracle.Set(testMintB, testPriceB)
	r.book = tokenledger.NewBook()
	// Swap inventory backing the fake pool's side of trades.
	r.book.Credit(tokenledger.AmmAccount(testPool), testMintA, 100_000_000_000)
	r.book.Credit(tokenledger.AmmAccount(testPool), testMintB, 100_000_000_000)

	cfg := &market.Config{
		AdminAuthority:                  r.admin,
		LiquidatorAuthority:             r.liquidator,
		FeeRecipient:                    r.feeRcpt,
		DefaultProtocolFee:              10_000, // 1%
		DefaultProtocolFeeOnCollateral:  5_000,  // 0.5%
		DefaultMaxSwapSlippage:          50_000, // 5%
		DefaultOracleDeviationThreshold: 100_000,
	}
	eng, err := New(cfg, r.book, r.oracle, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.RegisterAdapter(market.MarketMakerOrca, r.amm)
	eng.SetClock(func() time.Time { return r.now })
	eng.SetEventSink(func(env *event.Envelope) { r.events = append(r.events, env) })
	r.eng = eng

	if err := eng.CreateVault(r.admin, testMintA, testMintA, 0, 0); err != nil {
		t.Fatalf("CreateVault A: %v", err)
	}
	if err := eng.CreateVault(r.admin, testMintB, testMintB, 0, 0); err != nil {
		t.Fatalf("CreateVault B: %v", err)
	}
	if err := eng.CreateMarket(r.admin, testMarket()); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	// Seed lending liquidity.
	fund(t, r, r.lender, testMintA, 10_000_000_000)
	fund(t, r, r.lender, testMintB, 10_000_000_000)
	if _, err := eng.LendingDeposit(r.lender, testMintA, 10_000_000_000); err != nil {
		t.Fatalf("seed deposit A: %v", err)
	}
	if _, err := eng.LendingDeposit(r.lender, testMintB, 10_000_000_000); err != nil {
		t.Fatalf("seed deposit B: %v", err)
	}
	return r
}

func testMarket() *market.Market {
	return &market.Market{
		Pool:                    testPool,
		MintA:                   testMintA,
		MintB:                   testMintB,
		MarketMaker:             market.MarketMakerOrca,
		MaxLeverage:             5 * fixedmath.LeverageOne,
		ProtocolFee:             10_000, // 1%
		ProtocolFeeOnCollateral: 5_000,  // 0.5%
		LiquidationFee:          20_000, // 2%
		LiquidationThreshold:    800_000,
		LimitOrderExecutionFee:  10_000,
		RebalanceProtocolFee:    50_000, // 5% of yield
	}
}

func fund(t *testing.T, r *testRig, who uuid.UUID, mint string, amount uint64) {
	t.Helper()
	if err := r.book.Credit(tokenledger.UserAccount(who), mint, amount); err != nil {
		t.Fatalf("credit %s: %v", mint, err)
	}
}

func openLp(t *testing.T, r *testRig) uuid.UUID {
	t.Helper()
	mint, err := r.eng.OpenLp(r.user, OpenLpParams{
		Pool:           testPool,
		TickLowerIndex: -1000,
		TickUpperIndex: 1000,
	})
	if err != nil {
		t.Fatalf("OpenLp: %v", err)
	}
	return mint
}

// standardIncrease deposits 1e9 collateral and borrows 1e9 on both sides.
func standardIncrease(t *testing.T, r *testRig, mint uuid.UUID) IncreaseLpResult {
	t.Helper()
	fund(t, r, r.user, testMintA, 1_000_000_000)
	fund(t, r, r.user, testMintB, 1_000_000_000)
	res, err := r.eng.IncreaseLp(r.user, mint, IncreaseLpParams{
		CollateralA: 1_000_000_000,
		CollateralB: 1_000_000_000,
		BorrowA:     Exact(1_000_000_000),
		BorrowB:     Exact(1_000_000_000),
	})
	if err != nil {
		t.Fatalf("IncreaseLp: %v", err)
	}
	return res
}

// ============================================================================
// Lending
// ============================================================================

func TestLendingDepositWithdrawRoundTrip(t *testing.T) {
	r := newTestRig(t)

	fund(t, r, r.user, testMintA, 500)
	shares, err := r.eng.LendingDeposit(r.user, testMintA, 500)
	if err != nil {
		t.Fatalf("LendingDeposit: %v", err)
	}
	if shares != 500 {
		t.Errorf("first deposit shares = %d, want 500 (1:1)", shares)
	}

	paid, err := r.eng.LendingWithdraw(r.user, testMintA, 0, shares)
	if err != nil {
		t.Fatalf("LendingWithdraw: %v", err)
	}
	if paid != 500 {
		t.Errorf("withdraw paid = %d, want 500", paid)
	}
	if got := r.userBalance(testMintA); got != 500 {
		t.Errorf("user balance = %d, want 500", got)
	}
	if err := r.eng.CloseLendingPosition(r.user, testMintA); err != nil {
		t.Errorf("CloseLendingPosition: %v", err)
	}
}

func TestLendingInterestAccruesToDepositors(t *testing.T) {
	r := newTestRig(t)

	// 0.01% per second on the A vault.
	if err := r.eng.UpdateVault(r.admin, testMintA, fixedmath.RateScale/10_000, 0); err != nil {
		t.Fatalf("UpdateVault: %v", err)
	}

	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	v0, err := r.eng.Vault(testMintA)
	if err != nil {
		t.Fatalf("Vault: %v", err)
	}
	r.advance(1000 * time.Second)
	v1, err := r.eng.Vault(testMintA)
	if err != nil {
		t.Fatalf("Vault after: %v", err)
	}

	// 1e9 borrowed * 1e-4/s * 1000s = 1e8 interest, on both sides of the
	// balance sheet.
	wantInterest := uint64(100_000_000)
	if got := v1.BorrowedFunds - v0.BorrowedFunds; got != wantInterest {
		t.Errorf("borrowed interest = %d, want %d", got, wantInterest)
	}
	if got := v1.DepositedFunds - v0.DepositedFunds; got != wantInterest {
		t.Errorf("deposited interest = %d, want %d", got, wantInterest)
	}
	if v1.BorrowedShares != v0.BorrowedShares {
		t.Errorf("accrual changed borrowed shares: %d -> %d", v0.BorrowedShares, v1.BorrowedShares)
	}
}

// ============================================================================
// LP lifecycle
// ============================================================================

func TestIncreaseLpFeesExact(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	res := standardIncrease(t, r, mint)

	// Per side: 0.5% of 1e9 collateral + 1% of 1e9 borrow, floored.
	wantFee := uint64(5_000_000 + 10_000_000)
	if res.FeeA != wantFee || res.FeeB != wantFee {
		t.Errorf("fees = %d/%d, want %d each", res.FeeA, res.FeeB, wantFee)
	}
	if got := r.feeBalance(testMintA); got != wantFee {
		t.Errorf("fee recipient A = %d, want %d", got, wantFee)
	}
	if got := r.feeBalance(testMintB); got != wantFee {
		t.Errorf("fee recipient B = %d, want %d", got, wantFee)
	}

	pos, err := r.eng.LpPosition(mint)
	if err != nil {
		t.Fatalf("LpPosition: %v", err)
	}
	if pos.LoanSharesA != 1_000_000_000 || pos.LoanSharesB != 1_000_000_000 {
		t.Errorf("loan shares = %d/%d, want 1e9 each", pos.LoanSharesA, pos.LoanSharesB)
	}

	// At 2 B per A the fake pool is B-bound: it consumes all 1.985e9 B and
	// 992.5e6 A, leaving the rest of the A side as leftovers.
	if pos.LeftoversB != 0 {
		t.Errorf("leftovers B = %d, want 0", pos.LeftoversB)
	}
	if pos.LeftoversA != 992_500_000 {
		t.Errorf("leftovers A = %d, want 992500000", pos.LeftoversA)
	}

	m, err := r.eng.Market(testPool)
	if err != nil {
		t.Fatalf("Market: %v", err)
	}
	if m.BorrowedSharesA != 1_000_000_000 || m.BorrowedSharesB != 1_000_000_000 {
		t.Errorf("market borrowed shares = %d/%d, want 1e9 each", m.BorrowedSharesA, m.BorrowedSharesB)
	}
}

func TestIncreaseLpLeverageRejectionMutatesNothing(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	fund(t, r, r.user, testMintA, 1_000_000_000)

	before, err := r.eng.Vault(testMintA)
	if err != nil {
		t.Fatalf("Vault: %v", err)
	}

	_, err = r.eng.IncreaseLp(r.user, mint, IncreaseLpParams{
		CollateralA: 1_000_000_000,
		BorrowA:     Exact(9_000_000_000), // ~10x on a 5x market
	})
	if !errors.Is(err, ErrLeverageExceeded) {
		t.Fatalf("err = %v, want ErrLeverageExceeded", err)
	}

	after, err := r.eng.Vault(testMintA)
	if err != nil {
		t.Fatalf("Vault after: %v", err)
	}
	if after.BorrowedFunds != before.BorrowedFunds || after.BorrowedShares != before.BorrowedShares {
		t.Errorf("vault mutated on rejected increase: %+v -> %+v", before, after)
	}
	if got := r.userBalance(testMintA); got != 1_000_000_000 {
		t.Errorf("user balance = %d, want untouched 1e9", got)
	}
	pos, err := r.eng.LpPosition(mint)
	if err != nil {
		t.Fatalf("LpPosition: %v", err)
	}
	if pos.LoanSharesA != 0 || pos.Liquidity != 0 {
		t.Errorf("position mutated: %+v", pos)
	}
}

func TestIncreaseLpAutoBothSidesRejected(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	_, err := r.eng.IncreaseLp(r.user, mint, IncreaseLpParams{
		BorrowA: Auto(),
		BorrowB: Auto(),
	})
	if !errors.Is(err, ErrAutoBothSides) {
		t.Errorf("err = %v, want ErrAutoBothSides", err)
	}
}

func TestIncreaseLpAutoBorrowMatchesOppositeSide(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)

	fund(t, r, r.user, testMintA, 1_000_000_000)
	res, err := r.eng.IncreaseLp(r.user, mint, IncreaseLpParams{
		CollateralA: 1_000_000_000,
		BorrowB:     Auto(),
	})
	if err != nil {
		t.Fatalf("IncreaseLp: %v", err)
	}
	if res.BorrowedA != 0 {
		t.Errorf("borrowed A = %d, want 0", res.BorrowedA)
	}
	// Net collateral 995e6 A is worth 1.99e9 B; the borrow is grossed up so
	// it still covers that after its 1% fee.
	wantBorrow := uint64(2_010_101_011)
	if res.BorrowedB != wantBorrow {
		t.Errorf("borrowed B = %d, want %d", res.BorrowedB, wantBorrow)
	}

	pos, err := r.eng.LpPosition(mint)
	if err != nil {
		t.Fatalf("LpPosition: %v", err)
	}
	// Everything should be consumable: leftovers no bigger than rounding.
	if pos.LeftoversA > 2 || pos.LeftoversB > 2 {
		t.Errorf("leftovers = %d/%d, want dust only", pos.LeftoversA, pos.LeftoversB)
	}
}

func TestDecreaseLpHalfRepaysHalf(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	out, err := r.eng.DecreaseLp(r.user, mint, DecreaseLpParams{Percent: fixedmath.HundredPercent / 2})
	if err != nil {
		t.Fatalf("DecreaseLp: %v", err)
	}
	if out.repaidA != 500_000_000 || out.repaidB != 500_000_000 {
		t.Errorf("repaid = %d/%d, want 5e8 each", out.repaidA, out.repaidB)
	}

	pos, err := r.eng.LpPosition(mint)
	if err != nil {
		t.Fatalf("LpPosition: %v", err)
	}
	if pos.LoanSharesA != 500_000_000 || pos.LoanSharesB != 500_000_000 {
		t.Errorf("loan shares = %d/%d, want 5e8 each", pos.LoanSharesA, pos.LoanSharesB)
	}
	if pos.State != position.StateOpen {
		t.Errorf("state = %s, want Open", pos.State)
	}

	// Surplus lands with the user.
	if got := r.userBalance(testMintA); got == 0 {
		t.Error("user received no A surplus")
	}
	if got := r.userBalance(testMintB); got == 0 {
		t.Error("user received no B surplus")
	}
}

func TestDecreaseLpFullZeroesLoansAndCloses(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	if _, err := r.eng.DecreaseLp(r.user, mint, DecreaseLpParams{Percent: fixedmath.HundredPercent}); err != nil {
		t.Fatalf("DecreaseLp 100%%: %v", err)
	}

	pos, err := r.eng.LpPosition(mint)
	if err != nil {
		t.Fatalf("LpPosition: %v", err)
	}
	if pos.LoanSharesA != 0 || pos.LoanSharesB != 0 || pos.Liquidity != 0 {
		t.Errorf("position not emptied: %+v", pos)
	}
	if !pos.AmmClosed {
		t.Error("AMM-side position not closed on full decrease")
	}

	v, err := r.eng.Vault(testMintA)
	if err != nil {
		t.Fatalf("Vault: %v", err)
	}
	if v.BorrowedFunds != 0 || v.BorrowedShares != 0 {
		t.Errorf("vault A still lent out: funds=%d shares=%d", v.BorrowedFunds, v.BorrowedShares)
	}

	if err := r.eng.CloseLpPosition(r.user, mint); err != nil {
		t.Fatalf("CloseLpPosition: %v", err)
	}
	if _, err := r.eng.LpPosition(mint); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("position still exists after close: %v", err)
	}
}

func TestDecreaseLpRejectsWrongAuthority(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	_, err := r.eng.DecreaseLp(uuid.New(), mint, DecreaseLpParams{Percent: fixedmath.HundredPercent})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestDecreaseLpInvalidPercent(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	for _, pct := range []uint32{0, fixedmath.HundredPercent + 1} {
		if _, err := r.eng.DecreaseLp(r.user, mint, DecreaseLpParams{Percent: pct}); !errors.Is(err, ErrInvalidPercent) {
			t.Errorf("percent %d: err = %v, want ErrInvalidPercent", pct, err)
		}
	}
}

func TestCollectAndCompoundFees(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	// Fee income appears at the AMM; fund its account so the transfer is
	// backed.
	r.amm.SetFees(testPool, mint, 10_000_000, 20_000_000)
	r.book.Credit(tokenledger.AmmAccount(testPool), testMintA, 10_000_000)
	r.book.Credit(tokenledger.AmmAccount(testPool), testMintB, 20_000_000)

	before, _ := r.eng.LpPosition(mint)
	feeA, feeB, err := r.eng.CollectLpFees(r.user, mint, false)
	if err != nil {
		t.Fatalf("CollectLpFees: %v", err)
	}
	if feeA != 10_000_000 || feeB != 20_000_000 {
		t.Errorf("collected = %d/%d, want 1e7/2e7", feeA, feeB)
	}
	after, _ := r.eng.LpPosition(mint)
	if after.LeftoversA != before.LeftoversA+10_000_000 {
		t.Errorf("leftovers A = %d, want +1e7", after.LeftoversA)
	}
	if after.LeftoversB != before.LeftoversB+20_000_000 {
		t.Errorf("leftovers B = %d, want +2e7", after.LeftoversB)
	}

	// Compounding pushes the balance back into the range and takes the 5%
	// yield cut.
	r.amm.SetFees(testPool, mint, 0, 100_000_000)
	r.book.Credit(tokenledger.AmmAccount(testPool), testMintB, 100_000_000)
	feeBefore := r.feeBalance(testMintB)
	liqBefore := after.Liquidity

	if _, _, err := r.eng.CollectLpFees(r.user, mint, true); err != nil {
		t.Fatalf("CollectLpFees compound: %v", err)
	}
	if got := r.feeBalance(testMintB) - feeBefore; got != 5_000_000 {
		t.Errorf("yield cut B = %d, want 5e6", got)
	}
	final, _ := r.eng.LpPosition(mint)
	if final.Liquidity <= liqBefore {
		t.Errorf("compound did not add liquidity: %d -> %d", liqBefore, final.Liquidity)
	}
}

func TestRebalancePreservesWidthAndLoans(t *testing.T) {
	r := newTestRig(t)
	mint, err := r.eng.OpenLp(r.user, OpenLpParams{
		Pool:           testPool,
		TickLowerIndex: -1000,
		TickUpperIndex: 1000,
		Flags:          position.Flags{AllowRebalance: true},
	})
	if err != nil {
		t.Fatalf("OpenLp: %v", err)
	}
	standardIncrease(t, r, mint)

	before, _ := r.eng.LpPosition(mint)

	// In range: rejected.
	if err := r.eng.RebalanceLp(r.user, mint); !errors.Is(err, ErrRebalanceConditionsNotMet) {
		t.Fatalf("in-range rebalance err = %v, want ErrRebalanceConditionsNotMet", err)
	}

	r.amm.SetPrice(testPool, testPair, 2500)
	if err := r.eng.RebalanceLp(r.user, mint); err != nil {
		t.Fatalf("RebalanceLp: %v", err)
	}

	after, _ := r.eng.LpPosition(mint)
	if after.RangeWidth() != before.RangeWidth() {
		t.Errorf("width changed: %d -> %d", before.RangeWidth(), after.RangeWidth())
	}
	if after.TickLowerIndex > 2500 || after.TickUpperIndex <= 2500 {
		t.Errorf("new range [%d, %d) does not contain tick 2500", after.TickLowerIndex, after.TickUpperIndex)
	}
	if after.LoanSharesA != before.LoanSharesA || after.LoanSharesB != before.LoanSharesB {
		t.Errorf("rebalance touched loans: %d/%d -> %d/%d",
			before.LoanSharesA, before.LoanSharesB, after.LoanSharesA, after.LoanSharesB)
	}
}

func TestRebalanceRequiresPermissionFlag(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	before, _ := r.eng.LpPosition(mint)
	events := len(r.events)

	// Out of range, but the position never opted in.
	r.amm.SetPrice(testPool, testPair, 2500)
	if err := r.eng.RebalanceLp(r.user, mint); !errors.Is(err, ErrRebalanceConditionsNotMet) {
		t.Fatalf("rebalance without permission err = %v, want ErrRebalanceConditionsNotMet", err)
	}

	after, _ := r.eng.LpPosition(mint)
	if after.TickLowerIndex != before.TickLowerIndex || after.TickUpperIndex != before.TickUpperIndex {
		t.Errorf("range moved: [%d, %d) -> [%d, %d)",
			before.TickLowerIndex, before.TickUpperIndex, after.TickLowerIndex, after.TickUpperIndex)
	}
	if after.Liquidity != before.Liquidity {
		t.Errorf("liquidity changed: %d -> %d", before.Liquidity, after.Liquidity)
	}
	if len(r.events) != events {
		t.Errorf("emitted %d events, want none", len(r.events)-events)
	}

	// Granting the flag makes the same call succeed.
	if err := r.eng.SetLpLimitOrders(r.user, mint, nil, nil, position.Flags{AllowRebalance: true}); err != nil {
		t.Fatalf("SetLpLimitOrders: %v", err)
	}
	if err := r.eng.RebalanceLp(r.user, mint); err != nil {
		t.Fatalf("RebalanceLp: %v", err)
	}
}

// ============================================================================
// Limit orders
// ============================================================================

func TestExecuteLpLimitOrder(t *testing.T) {
	r := newTestRig(t)
	stop := int32(-500)
	mint, err := r.eng.OpenLp(r.user, OpenLpParams{
		Pool:              testPool,
		TickLowerIndex:    -1000,
		TickUpperIndex:    1000,
		TickStopLossIndex: &stop,
	})
	if err != nil {
		t.Fatalf("OpenLp: %v", err)
	}
	standardIncrease(t, r, mint)

	// Above the trigger: nothing to execute.
	if err := r.eng.ExecuteLpLimitOrder(uuid.New(), mint); !errors.Is(err, ErrLimitOrderNotTriggered) {
		t.Fatalf("err = %v, want ErrLimitOrderNotTriggered", err)
	}

	r.amm.SetPrice(testPool, testPair, -600)
	if err := r.eng.ExecuteLpLimitOrder(uuid.New(), mint); err != nil {
		t.Fatalf("ExecuteLpLimitOrder: %v", err)
	}

	pos, err := r.eng.LpPosition(mint)
	if err != nil {
		t.Fatalf("LpPosition: %v", err)
	}
	if pos.State != position.StateClosedByLimitOrder {
		t.Errorf("state = %s, want ClosedByLimitOrder", pos.State)
	}
	if pos.LoanSharesA != 0 || pos.LoanSharesB != 0 {
		t.Errorf("loans remain: %d/%d", pos.LoanSharesA, pos.LoanSharesB)
	}
	// Proceeds stay with the position until the owner claims them.
	if pos.LeftoversA == 0 && pos.LeftoversB == 0 {
		t.Error("no proceeds retained for the owner")
	}

	// Closed positions reject further lifecycle calls.
	if _, err := r.eng.IncreaseLp(r.user, mint, IncreaseLpParams{CollateralA: 1}); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("increase on closed: err = %v, want ErrPositionClosed", err)
	}

	// The owner claims leftovers through close.
	if err := r.eng.CloseLpPosition(r.user, mint); err != nil {
		t.Fatalf("CloseLpPosition: %v", err)
	}
	if r.userBalance(testMintA) == 0 && r.userBalance(testMintB) == 0 {
		t.Error("close paid out nothing")
	}
}

// ============================================================================
// Liquidation
// ============================================================================

func TestLiquidateLpRequiresLiquidatorAndUnhealth(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	params := LiquidateLpParams{Percent: fixedmath.HundredPercent}
	if _, err := r.eng.LiquidateLp(r.user, mint, params); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-liquidator: err = %v, want ErrUnauthorized", err)
	}
	if _, err := r.eng.LiquidateLp(r.liquidator, mint, params); !errors.Is(err, ErrPositionIsHealthy) {
		t.Errorf("healthy: err = %v, want ErrPositionIsHealthy", err)
	}
}

func TestLiquidateLpAbsorbsBadDebt(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	// 0.1% per second on both vaults; after 2000s the debt has tripled and
	// dwarfs the position's assets.
	if err := r.eng.UpdateVault(r.admin, testMintA, fixedmath.RateScale/1000, 0); err != nil {
		t.Fatalf("UpdateVault A: %v", err)
	}
	if err := r.eng.UpdateVault(r.admin, testMintB, fixedmath.RateScale/1000, 0); err != nil {
		t.Fatalf("UpdateVault B: %v", err)
	}
	r.advance(2000 * time.Second)

	// The owner can no longer decrease.
	if _, err := r.eng.DecreaseLp(r.user, mint, DecreaseLpParams{Percent: fixedmath.HundredPercent / 2}); !errors.Is(err, ErrPositionIsUnhealthy) {
		t.Fatalf("decrease on unhealthy: err = %v, want ErrPositionIsUnhealthy", err)
	}

	out, err := r.eng.LiquidateLp(r.liquidator, mint, LiquidateLpParams{Percent: fixedmath.HundredPercent})
	if err != nil {
		t.Fatalf("LiquidateLp: %v", err)
	}
	if out.badDebtA == 0 && out.badDebtB == 0 {
		t.Error("expected a bad-debt shortfall")
	}

	pos, err := r.eng.LpPosition(mint)
	if err != nil {
		t.Fatalf("LpPosition: %v", err)
	}
	if pos.State != position.StateLiquidated {
		t.Errorf("state = %s, want Liquidated", pos.State)
	}
	if pos.LoanSharesA != 0 || pos.LoanSharesB != 0 {
		t.Errorf("loan shares remain: %d/%d", pos.LoanSharesA, pos.LoanSharesB)
	}

	va, _ := r.eng.Vault(testMintA)
	vb, _ := r.eng.Vault(testMintB)
	if va.UnpaidDebtShares+vb.UnpaidDebtShares == 0 {
		t.Error("no unpaid debt registered on either vault")
	}
	if va.BorrowedShares != 0 || vb.BorrowedShares != 0 {
		t.Errorf("borrowed shares remain: %d/%d", va.BorrowedShares, vb.BorrowedShares)
	}

	// Anyone can repay the bad debt and restore backing.
	if va.UnpaidDebtShares > 0 {
		fund(t, r, r.lender, testMintA, 1_000_000_000)
		if err := r.eng.RepayBadDebt(r.lender, testMintA, 1_000_000_000, va.UnpaidDebtShares); err != nil {
			t.Fatalf("RepayBadDebt: %v", err)
		}
		va2, _ := r.eng.Vault(testMintA)
		if va2.UnpaidDebtShares != 0 {
			t.Errorf("unpaid debt = %d, want 0", va2.UnpaidDebtShares)
		}
	}
}

func TestLiquidateLpPartialLeavesOpen(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	if err := r.eng.UpdateVault(r.admin, testMintB, fixedmath.RateScale/1000, 0); err != nil {
		t.Fatalf("UpdateVault B: %v", err)
	}
	r.advance(2000 * time.Second)

	out, err := r.eng.LiquidateLp(r.liquidator, mint, LiquidateLpParams{Percent: fixedmath.HundredPercent / 4})
	if err != nil {
		t.Fatalf("LiquidateLp 25%%: %v", err)
	}
	if out.feeA == 0 && out.feeB == 0 {
		t.Error("no liquidation fee charged")
	}

	pos, err := r.eng.LpPosition(mint)
	if err != nil {
		t.Fatalf("LpPosition: %v", err)
	}
	if pos.State != position.StateOpen {
		t.Errorf("state = %s, want Open after partial liquidation", pos.State)
	}
	if pos.LoanSharesA == 0 && pos.LoanSharesB == 0 {
		t.Error("partial liquidation cleared all loans")
	}
}

// ============================================================================
// Spot lifecycle
// ============================================================================

func openSpot(t *testing.T, r *testRig) {
	t.Helper()
	err := r.eng.OpenSpot(r.user, OpenSpotParams{
		Pool:            testPool,
		PositionToken:   market.SideA,
		CollateralToken: market.SideA,
	})
	if err != nil {
		t.Fatalf("OpenSpot: %v", err)
	}
}

func TestSpotIncreaseAutoBorrow(t *testing.T) {
	r := newTestRig(t)
	openSpot(t, r)

	fund(t, r, r.user, testMintA, 1_000_000_000)
	res, err := r.eng.IncreaseSpot(r.user, testPool, IncreaseSpotParams{
		Collateral: 1_000_000_000,
		Borrow:     Auto(),
	})
	if err != nil {
		t.Fatalf("IncreaseSpot: %v", err)
	}
	// Net collateral 995e6 A is worth 1.99e9 B; grossed up for the 1% fee.
	if res.Borrowed != 2_010_101_011 {
		t.Errorf("borrowed = %d, want 2010101011", res.Borrowed)
	}
	if res.CollateralFee != 5_000_000 {
		t.Errorf("collateral fee = %d, want 5e6", res.CollateralFee)
	}

	pos, err := r.eng.SpotPosition(r.user, testPool)
	if err != nil {
		t.Fatalf("SpotPosition: %v", err)
	}
	if pos.EntryPrice == 0 {
		t.Error("entry price not set")
	}
	// Size: 995e6 from collateral plus ~995e6 from the swapped borrow.
	if pos.Amount < 1_980_000_000 || pos.Amount > 2_000_000_000 {
		t.Errorf("size = %d, want ~1.99e9", pos.Amount)
	}
	if pos.LoanShares == 0 {
		t.Error("no loan shares recorded")
	}
}

func TestSpotDecreaseAndClose(t *testing.T) {
	r := newTestRig(t)
	openSpot(t, r)
	fund(t, r, r.user, testMintA, 1_000_000_000)
	if _, err := r.eng.IncreaseSpot(r.user, testPool, IncreaseSpotParams{
		Collateral: 1_000_000_000,
		Borrow:     Auto(),
	}); err != nil {
		t.Fatalf("IncreaseSpot: %v", err)
	}

	out, err := r.eng.DecreaseSpot(r.user, testPool, DecreaseSpotParams{Percent: fixedmath.HundredPercent})
	if err != nil {
		t.Fatalf("DecreaseSpot: %v", err)
	}
	if out.repaid == 0 {
		t.Error("full decrease repaid nothing")
	}

	pos, err := r.eng.SpotPosition(r.user, testPool)
	if err != nil {
		t.Fatalf("SpotPosition: %v", err)
	}
	if !pos.IsEmpty() {
		t.Errorf("position not empty: size=%d loans=%d", pos.Amount, pos.LoanShares)
	}
	if r.userBalance(testMintA) == 0 {
		t.Error("no surplus returned to the user")
	}

	if err := r.eng.CloseSpotPosition(r.user, testPool); err != nil {
		t.Fatalf("CloseSpotPosition: %v", err)
	}
	if _, err := r.eng.SpotPosition(r.user, testPool); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("record remains after close: %v", err)
	}
}

func TestSpotSizeLimit(t *testing.T) {
	r := newTestRig(t)
	m := testMarket()
	m.SpotPositionSizeLimitA = 1_000_000_000
	if err := r.eng.UpdateMarket(r.admin, m); err != nil {
		t.Fatalf("UpdateMarket: %v", err)
	}
	openSpot(t, r)

	fund(t, r, r.user, testMintA, 1_000_000_000)
	_, err := r.eng.IncreaseSpot(r.user, testPool, IncreaseSpotParams{
		Collateral: 1_000_000_000,
		Borrow:     Auto(),
	})
	if !errors.Is(err, ErrPositionSizeLimitExceeded) {
		t.Errorf("err = %v, want ErrPositionSizeLimitExceeded", err)
	}
}

func TestSpotLimitOrderExecution(t *testing.T) {
	r := newTestRig(t)
	lower := uint64(1_500_000_000) // 1.5 B per A
	if err := r.eng.OpenSpot(r.user, OpenSpotParams{
		Pool:            testPool,
		PositionToken:   market.SideA,
		CollateralToken: market.SideA,
		LowerLimitPrice: &lower,
	}); err != nil {
		t.Fatalf("OpenSpot: %v", err)
	}
	fund(t, r, r.user, testMintA, 1_000_000_000)
	if _, err := r.eng.IncreaseSpot(r.user, testPool, IncreaseSpotParams{
		Collateral: 1_000_000_000,
		Borrow:     Exact(500_000_000),
	}); err != nil {
		t.Fatalf("IncreaseSpot: %v", err)
	}

	if err := r.eng.ExecuteSpotLimitOrder(uuid.New(), r.user, testPool); !errors.Is(err, ErrLimitOrderNotTriggered) {
		t.Fatalf("err = %v, want ErrLimitOrderNotTriggered", err)
	}

	// Price drops through the stop. Keep the oracle in agreement so the
	// deviation gate stays open.
	r.amm.SetPrice(testPool, 1_400_000_000, -3500)
	r.oracle.Set(testMintA, 1_400_000_000)
	if err := r.eng.ExecuteSpotLimitOrder(uuid.New(), r.user, testPool); err != nil {
		t.Fatalf("ExecuteSpotLimitOrder: %v", err)
	}

	pos, err := r.eng.SpotPosition(r.user, testPool)
	if err != nil {
		t.Fatalf("SpotPosition: %v", err)
	}
	if pos.State != position.StateClosedByLimitOrder {
		t.Errorf("state = %s, want ClosedByLimitOrder", pos.State)
	}
	if pos.LoanShares != 0 {
		t.Errorf("loan shares remain: %d", pos.LoanShares)
	}
}

func TestSpotLimitOrderSettlesPerSwapFlag(t *testing.T) {
	r := newTestRig(t)
	lower := uint64(1_500_000_000)
	if err := r.eng.OpenSpot(r.user, OpenSpotParams{
		Pool:            testPool,
		PositionToken:   market.SideA,
		CollateralToken: market.SideA,
		LowerLimitPrice: &lower,
		Flags:           position.Flags{StopLossSwap: position.SwapTargetTokenB},
	}); err != nil {
		t.Fatalf("OpenSpot: %v", err)
	}
	fund(t, r, r.user, testMintA, 1_000_000_000)
	if _, err := r.eng.IncreaseSpot(r.user, testPool, IncreaseSpotParams{
		Collateral: 1_000_000_000,
		Borrow:     Exact(500_000_000),
	}); err != nil {
		t.Fatalf("IncreaseSpot: %v", err)
	}

	r.amm.SetPrice(testPool, 1_400_000_000, -3500)
	r.oracle.Set(testMintA, 1_400_000_000)
	if err := r.eng.ExecuteSpotLimitOrder(uuid.New(), r.user, testPool); err != nil {
		t.Fatalf("ExecuteSpotLimitOrder: %v", err)
	}

	// The stop-loss swap flag keeps the surplus in token B instead of the
	// collateral token.
	if got := r.userBalance(testMintB); got == 0 {
		t.Error("no token B surplus returned to the user")
	}
	if got := r.userBalance(testMintA); got != 0 {
		t.Errorf("surplus swapped back to collateral: %d A", got)
	}
}

func TestSpotLiquidation(t *testing.T) {
	r := newTestRig(t)
	openSpot(t, r)
	fund(t, r, r.user, testMintA, 1_000_000_000)
	if _, err := r.eng.IncreaseSpot(r.user, testPool, IncreaseSpotParams{
		Collateral: 1_000_000_000,
		Borrow:     Auto(),
	}); err != nil {
		t.Fatalf("IncreaseSpot: %v", err)
	}

	if _, err := r.eng.LiquidateSpot(r.liquidator, r.user, testPool, fixedmath.HundredPercent); !errors.Is(err, ErrPositionIsHealthy) {
		t.Fatalf("healthy: err = %v, want ErrPositionIsHealthy", err)
	}

	// Debt grows until the threshold trips.
	if err := r.eng.UpdateVault(r.admin, testMintB, fixedmath.RateScale/1000, 0); err != nil {
		t.Fatalf("UpdateVault B: %v", err)
	}
	r.advance(2000 * time.Second)

	out, err := r.eng.LiquidateSpot(r.liquidator, r.user, testPool, fixedmath.HundredPercent)
	if err != nil {
		t.Fatalf("LiquidateSpot: %v", err)
	}
	if out.repaid == 0 && out.badDebtShares == 0 {
		t.Error("liquidation neither repaid nor wrote off anything")
	}

	pos, err := r.eng.SpotPosition(r.user, testPool)
	if err != nil {
		t.Fatalf("SpotPosition: %v", err)
	}
	if pos.State != position.StateLiquidated {
		t.Errorf("state = %s, want Liquidated", pos.State)
	}
}

// ============================================================================
// Price safety and conservation
// ============================================================================

func TestOracleDeviationBlocksOperations(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)

	// Pool says 2.0, oracle says 3.0: 33% off on a 10% threshold.
	r.oracle.Set(testMintA, 3*fixedmath.PriceScale)

	fund(t, r, r.user, testMintA, 1_000_000_000)
	_, err := r.eng.IncreaseLp(r.user, mint, IncreaseLpParams{
		CollateralA: 1_000_000_000,
		BorrowB:     Exact(500_000_000),
	})
	if !errors.Is(err, ErrOracleDeviation) {
		t.Errorf("err = %v, want ErrOracleDeviation", err)
	}
}

func TestTokenConservationAcrossLifecycle(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	supplyA := r.book.TotalSupply(testMintA)
	supplyB := r.book.TotalSupply(testMintB)

	if _, err := r.eng.DecreaseLp(r.user, mint, DecreaseLpParams{Percent: fixedmath.HundredPercent / 2}); err != nil {
		t.Fatalf("DecreaseLp: %v", err)
	}
	if _, err := r.eng.DecreaseLp(r.user, mint, DecreaseLpParams{Percent: fixedmath.HundredPercent}); err != nil {
		t.Fatalf("DecreaseLp full: %v", err)
	}
	if err := r.eng.CloseLpPosition(r.user, mint); err != nil {
		t.Fatalf("CloseLpPosition: %v", err)
	}

	if got := r.book.TotalSupply(testMintA); got != supplyA {
		t.Errorf("supply A drifted: %d -> %d", supplyA, got)
	}
	if got := r.book.TotalSupply(testMintB); got != supplyB {
		t.Errorf("supply B drifted: %d -> %d", supplyB, got)
	}
}

func TestEventSequenceMonotonic(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)
	if _, err := r.eng.DecreaseLp(r.user, mint, DecreaseLpParams{Percent: fixedmath.HundredPercent}); err != nil {
		t.Fatalf("DecreaseLp: %v", err)
	}

	if len(r.events) == 0 {
		t.Fatal("no events emitted")
	}
	for i := 1; i < len(r.events); i++ {
		if r.events[i].Sequence != r.events[i-1].Sequence+1 {
			t.Fatalf("sequence gap at %d: %d -> %d", i, r.events[i-1].Sequence, r.events[i].Sequence)
		}
	}
	for _, env := range r.events {
		if env.TypeName == "" || env.TypeName == "Unknown" {
			t.Errorf("event %d has bad type name %q", env.Sequence, env.TypeName)
		}
	}
}

// ============================================================================
// Admin
// ============================================================================

func TestAdminAuthorityEnforced(t *testing.T) {
	r := newTestRig(t)
	outsider := uuid.New()

	if err := r.eng.CreateVault(outsider, "x", "x", 0, 0); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("CreateVault: err = %v, want ErrUnauthorized", err)
	}
	if err := r.eng.UpdateVault(outsider, testMintA, 1, 0); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("UpdateVault: err = %v, want ErrUnauthorized", err)
	}
	if err := r.eng.CreateMarket(outsider, testMarket()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("CreateMarket: err = %v, want ErrUnauthorized", err)
	}
	if err := r.eng.UpdateConfig(outsider, &market.Config{}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("UpdateConfig: err = %v, want ErrUnauthorized", err)
	}
}

func TestUpdateMarketPreservesBorrowCounters(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	m := testMarket()
	m.MaxLeverage = 3 * fixedmath.LeverageOne
	if err := r.eng.UpdateMarket(r.admin, m); err != nil {
		t.Fatalf("UpdateMarket: %v", err)
	}
	got, err := r.eng.Market(testPool)
	if err != nil {
		t.Fatalf("Market: %v", err)
	}
	if got.MaxLeverage != 3*fixedmath.LeverageOne {
		t.Errorf("max leverage = %d, want 3x", got.MaxLeverage)
	}
	if got.BorrowedSharesA != 1_000_000_000 || got.BorrowedSharesB != 1_000_000_000 {
		t.Errorf("borrow counters lost: %d/%d", got.BorrowedSharesA, got.BorrowedSharesB)
	}
}

func TestDisabledMarketBlocksEntryNotExit(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	m := testMarket()
	m.Disabled = true
	if err := r.eng.UpdateMarket(r.admin, m); err != nil {
		t.Fatalf("UpdateMarket: %v", err)
	}

	fund(t, r, r.user, testMintA, 100)
	if _, err := r.eng.IncreaseLp(r.user, mint, IncreaseLpParams{CollateralA: 100}); !errors.Is(err, market.ErrMarketDisabled) {
		t.Errorf("increase: err = %v, want ErrMarketDisabled", err)
	}
	if _, err := r.eng.OpenLp(r.user, OpenLpParams{Pool: testPool, TickLowerIndex: -1, TickUpperIndex: 1}); !errors.Is(err, market.ErrMarketDisabled) {
		t.Errorf("open: err = %v, want ErrMarketDisabled", err)
	}
	// Exits stay available.
	if _, err := r.eng.DecreaseLp(r.user, mint, DecreaseLpParams{Percent: fixedmath.HundredPercent}); err != nil {
		t.Errorf("decrease on disabled market: %v", err)
	}
}

// ============================================================================
// Unwind bounds reject before any mutation
// ============================================================================

func TestDecreaseLpMinBoundRejectsUntouched(t *testing.T) {
	r := newTestRig(t)
	mint := openLp(t, r)
	standardIncrease(t, r, mint)

	before, _ := r.eng.LpPosition(mint)
	vaultA, _ := r.eng.Vault(testMintA)
	feeA := r.feeBalance(testMintA)
	userA := r.userBalance(testMintA)
	emitted := len(r.events)

	_, err := r.eng.DecreaseLp(r.user, mint, DecreaseLpParams{
		Percent: fixedmath.HundredPercent / 2,
		MinA:    ^uint64(0),
	})
	if !errors.Is(err, ErrAmountSlippageExceeded) {
		t.Fatalf("err = %v, want ErrAmountSlippageExceeded", err)
	}

	after, _ := r.eng.LpPosition(mint)
	if after.Liquidity != before.Liquidity {
		t.Errorf("liquidity mutated: %d -> %d", before.Liquidity, after.Liquidity)
	}
	if after.LoanSharesA != before.LoanSharesA || after.LoanSharesB != before.LoanSharesB {
		t.Errorf("loan shares mutated: %d/%d -> %d/%d",
			before.LoanSharesA, before.LoanSharesB, after.LoanSharesA, after.LoanSharesB)
	}
	if after.LeftoversA != before.LeftoversA || after.LeftoversB != before.LeftoversB {
		t.Errorf("leftovers mutated: %d/%d -> %d/%d",
			before.LeftoversA, before.LeftoversB, after.LeftoversA, after.LeftoversB)
	}
	vA, _ := r.eng.Vault(testMintA)
	if vA.BorrowedFunds != vaultA.BorrowedFunds || vA.BorrowedShares != vaultA.BorrowedShares {
		t.Errorf("vault A mutated: funds %d -> %d, shares %d -> %d",
			vaultA.BorrowedFunds, vA.BorrowedFunds, vaultA.BorrowedShares, vA.BorrowedShares)
	}
	if got := r.feeBalance(testMintA); got != feeA {
		t.Errorf("fee recipient paid on rejected decrease: %d -> %d", feeA, got)
	}
	if got := r.userBalance(testMintA); got != userA {
		t.Errorf("user balance changed on rejected decrease: %d -> %d", userA, got)
	}
	if len(r.events) != emitted {
		t.Errorf("events emitted on rejected decrease: %d new", len(r.events)-emitted)
	}

	// The same decrease without the bound still goes through.
	if _, err := r.eng.DecreaseLp(r.user, mint, DecreaseLpParams{Percent: fixedmath.HundredPercent / 2}); err != nil {
		t.Fatalf("decrease after rejected bound: %v", err)
	}
}

func TestDecreaseSpotMinBoundRejectsUntouched(t *testing.T) {
	r := newTestRig(t)
	openSpot(t, r)
	fund(t, r, r.user, testMintA, 1_000_000_000)
	if _, err := r.eng.IncreaseSpot(r.user, testPool, IncreaseSpotParams{
		Collateral: 1_000_000_000,
		Borrow:     Auto(),
	}); err != nil {
		t.Fatalf("IncreaseSpot: %v", err)
	}

	before, _ := r.eng.SpotPosition(r.user, testPool)
	vaultB, _ := r.eng.Vault(testMintB)
	feeB := r.feeBalance(testMintB)
	emitted := len(r.events)

	_, err := r.eng.DecreaseSpot(r.user, testPool, DecreaseSpotParams{
		Percent:     fixedmath.HundredPercent,
		MinReceived: ^uint64(0),
	})
	if !errors.Is(err, ErrAmountSlippageExceeded) {
		t.Fatalf("err = %v, want ErrAmountSlippageExceeded", err)
	}

	after, _ := r.eng.SpotPosition(r.user, testPool)
	if after.Amount != before.Amount || after.LoanShares != before.LoanShares {
		t.Errorf("position mutated: size %d -> %d, loans %d -> %d",
			before.Amount, after.Amount, before.LoanShares, after.LoanShares)
	}
	vB, _ := r.eng.Vault(testMintB)
	if vB.BorrowedFunds != vaultB.BorrowedFunds || vB.BorrowedShares != vaultB.BorrowedShares {
		t.Errorf("loan vault mutated: funds %d -> %d, shares %d -> %d",
			vaultB.BorrowedFunds, vB.BorrowedFunds, vaultB.BorrowedShares, vB.BorrowedShares)
	}
	if got := r.feeBalance(testMintB); got != feeB {
		t.Errorf("fee recipient paid on rejected decrease: %d -> %d", feeB, got)
	}
	if len(r.events) != emitted {
		t.Errorf("events emitted on rejected decrease: %d new", len(r.events)-emitted)
	}

	if _, err := r.eng.DecreaseSpot(r.user, testPool, DecreaseSpotParams{Percent: fixedmath.HundredPercent}); err != nil {
		t.Fatalf("decrease after rejected bound: %v", err)
	}
}
