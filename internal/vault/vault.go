package vault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"TunaEngine/internal/fixedmath"
)

var (
	ErrZeroAmount            = errors.New("vault: amount is zero")
	ErrSupplyLimitExceeded   = errors.New("vault: supply limit exceeded")
	ErrInsufficientLiquidity = errors.New("vault: insufficient free liquidity")
	ErrInsufficientShares    = errors.New("vault: insufficient shares")
	ErrBadDebtExceeded       = errors.New("vault: repayment exceeds outstanding bad debt")
	ErrPositionNotEmpty      = errors.New("vault: lending position not empty")
)

// Vault is the per-asset lending pool. Shares exist so that interest accrual
// (which grows DepositedFunds/BorrowedFunds without touching share counts)
// distributes proportionally across holders.
//
// All mutating methods accrue interest first and validate before mutating, so
// a returned error always leaves the vault unchanged.
type Vault struct {
	// ID namespaces the vault. Usually the pool mint itself; isolated vaults
	// append a tag ("mint:tag").
	ID       string
	PoolMint string

	DepositedFunds  uint64
	DepositedShares uint64
	BorrowedFunds   uint64
	BorrowedShares  uint64

	// UnpaidDebtShares is bad debt, denominated like borrowed shares. It is
	// produced exclusively by liquidation shortfalls and carried until repaid.
	UnpaidDebtShares uint64

	// InterestRate is the per-second borrow rate as a fraction of
	// fixedmath.RateScale.
	InterestRate uint64

	// SupplyLimit caps DepositedFunds. Zero means unlimited.
	SupplyLimit uint64

	LastUpdateTimestamp int64
}

// LendingPosition is a single depositor's claim on a vault, denominated in
// shares. One per (authority, vault).
type LendingPosition struct {
	Authority       uuid.UUID
	PoolMint        string
	VaultID         string
	DepositedShares uint64
}

// New creates a vault for an asset. Created once per asset by an admin
// action; never deleted.
func New(id, poolMint string, interestRate, supplyLimit uint64, now int64) *Vault {
	return &Vault{
		ID:                  id,
		PoolMint:            poolMint,
		InterestRate:        interestRate,
		SupplyLimit:         supplyLimit,
		LastUpdateTimestamp: now,
	}
}

// AccrueInterest lazily grows DepositedFunds and BorrowedFunds by
// rate * elapsed without touching share counts. It is a pure function of
// elapsed time, so concurrent operations on the same vault converge to the
// same totals regardless of which one accrues first.
func (v *Vault) AccrueInterest(now int64) error {
	if now <= v.LastUpdateTimestamp {
		return nil
	}
	elapsed := uint64(now - v.LastUpdateTimestamp)
	v.LastUpdateTimestamp = now

	if v.BorrowedFunds == 0 || v.InterestRate == 0 {
		return nil
	}

	rate, err := fixedmath.MulDiv(v.InterestRate, elapsed, 1, false)
	if err != nil {
		return fmt.Errorf("accrue interest: %w", err)
	}
	interest, err := fixedmath.MulDiv(v.BorrowedFunds, rate, fixedmath.RateScale, false)
	if err != nil {
		return fmt.Errorf("accrue interest: %w", err)
	}
	if interest == 0 {
		return nil
	}

	borrowed, err := fixedmath.CheckedAdd(v.BorrowedFunds, interest)
	if err != nil {
		return fmt.Errorf("accrue interest: %w", err)
	}
	deposited, err := fixedmath.CheckedAdd(v.DepositedFunds, interest)
	if err != nil {
		return fmt.Errorf("accrue interest: %w", err)
	}
	v.BorrowedFunds = borrowed
	v.DepositedFunds = deposited
	return nil
}

// FreeFunds is the amount currently available to borrow or withdraw.
func (v *Vault) FreeFunds() uint64 {
	return fixedmath.SaturatingSub(v.DepositedFunds, v.BorrowedFunds)
}

// Deposit mints deposit shares at the current ratio, rounding down so the
// depositor can never mint a claim on more than they put in.
func (v *Vault) Deposit(pos *LendingPosition, funds uint64, now int64) (uint64, error) {
	if funds == 0 {
		return 0, ErrZeroAmount
	}
	if err := v.AccrueInterest(now); err != nil {
		return 0, err
	}

	total, err := fixedmath.CheckedAdd(v.DepositedFunds, funds)
	if err != nil {
		return 0, err
	}
	if v.SupplyLimit != 0 && total > v.SupplyLimit {
		return 0, fmt.Errorf("%w: deposited %d + %d > limit %d",
			ErrSupplyLimitExceeded, v.DepositedFunds, funds, v.SupplyLimit)
	}

	shares, err := fixedmath.FundsToShares(funds, v.DepositedFunds, v.DepositedShares, false)
	if err != nil {
		return 0, err
	}
	if shares == 0 {
		// Pool ratio has drifted so far that the deposit mints nothing.
		return 0, ErrZeroAmount
	}

	newShares, err := fixedmath.CheckedAdd(v.DepositedShares, shares)
	if err != nil {
		return 0, err
	}

	v.DepositedFunds = total
	v.DepositedShares = newShares
	pos.DepositedShares += shares
	return shares, nil
}

// Withdraw burns shares and returns the funds to pay out. Exactly one of
// funds/shares may be given as the request denomination; passing both zero is
// rejected. Funds-denominated requests convert rounding up on the shares to
// burn (the depositor cannot leave dust claims behind), while the paid-out
// amount for share-denominated requests rounds down.
func (v *Vault) Withdraw(pos *LendingPosition, funds, shares uint64, now int64) (paidFunds, burntShares uint64, err error) {
	if funds == 0 && shares == 0 {
		return 0, 0, ErrZeroAmount
	}
	if err := v.AccrueInterest(now); err != nil {
		return 0, 0, err
	}

	burntShares = shares
	if burntShares == 0 {
		burntShares, err = fixedmath.FundsToShares(funds, v.DepositedFunds, v.DepositedShares, true)
		if err != nil {
			return 0, 0, err
		}
	}
	if burntShares > pos.DepositedShares {
		return 0, 0, fmt.Errorf("%w: want %d, have %d", ErrInsufficientShares, burntShares, pos.DepositedShares)
	}

	paidFunds = funds
	if paidFunds == 0 {
		paidFunds, err = fixedmath.SharesToFunds(burntShares, v.DepositedFunds, v.DepositedShares, false)
		if err != nil {
			return 0, 0, err
		}
	}
	if paidFunds > v.FreeFunds() {
		return 0, 0, fmt.Errorf("%w: want %d, free %d", ErrInsufficientLiquidity, paidFunds, v.FreeFunds())
	}

	v.DepositedFunds -= paidFunds
	v.DepositedShares -= burntShares
	pos.DepositedShares -= burntShares
	return paidFunds, burntShares, nil
}

// Borrow mints borrowed shares for the requested amount, rounding up so the
// debt can never be understated. The vault never lends more than it holds.
func (v *Vault) Borrow(amount uint64, now int64) (uint64, error) {
	if amount == 0 {
		return 0, ErrZeroAmount
	}
	if err := v.AccrueInterest(now); err != nil {
		return 0, err
	}

	borrowed, err := fixedmath.CheckedAdd(v.BorrowedFunds, amount)
	if err != nil {
		return 0, err
	}
	if borrowed > v.DepositedFunds {
		return 0, fmt.Errorf("%w: borrow %d would exceed deposits %d",
			ErrInsufficientLiquidity, borrowed, v.DepositedFunds)
	}

	shares, err := fixedmath.FundsToShares(amount, v.BorrowedFunds, v.BorrowedShares, true)
	if err != nil {
		return 0, err
	}
	newShares, err := fixedmath.CheckedAdd(v.BorrowedShares, shares)
	if err != nil {
		return 0, err
	}

	v.BorrowedFunds = borrowed
	v.BorrowedShares = newShares
	return shares, nil
}

// Repay burns borrowed shares and returns the funds owed for them, rounding
// up to protect the vault.
func (v *Vault) Repay(shares uint64, now int64) (uint64, error) {
	if shares == 0 {
		return 0, ErrZeroAmount
	}
	if err := v.AccrueInterest(now); err != nil {
		return 0, err
	}
	if shares > v.BorrowedShares {
		return 0, fmt.Errorf("%w: repay %d shares, outstanding %d", ErrInsufficientShares, shares, v.BorrowedShares)
	}

	funds, err := fixedmath.SharesToFunds(shares, v.BorrowedFunds, v.BorrowedShares, true)
	if err != nil {
		return 0, err
	}
	if funds > v.BorrowedFunds {
		funds = v.BorrowedFunds
	}

	v.BorrowedFunds -= funds
	v.BorrowedShares -= shares
	return funds, nil
}

// RegisterBadDebt converts borrowed shares that liquidation proceeds could
// not cover into unpaid debt. The matching funds are gone, so they leave
// BorrowedFunds without re-entering DepositedFunds backing; growing bad debt
// silently reduces the real backing of deposit shares until repaid.
func (v *Vault) RegisterBadDebt(shares uint64, now int64) (uint64, error) {
	if shares == 0 {
		return 0, nil
	}
	if err := v.AccrueInterest(now); err != nil {
		return 0, err
	}
	if shares > v.BorrowedShares {
		return 0, fmt.Errorf("%w: bad debt %d shares, outstanding %d", ErrInsufficientShares, shares, v.BorrowedShares)
	}

	funds, err := fixedmath.SharesToFunds(shares, v.BorrowedFunds, v.BorrowedShares, true)
	if err != nil {
		return 0, err
	}
	if funds > v.BorrowedFunds {
		funds = v.BorrowedFunds
	}

	v.BorrowedFunds -= funds
	v.BorrowedShares -= shares
	v.DepositedFunds = fixedmath.SaturatingSub(v.DepositedFunds, funds)

	unpaid, err := fixedmath.CheckedAdd(v.UnpaidDebtShares, shares)
	if err != nil {
		return 0, err
	}
	v.UnpaidDebtShares = unpaid
	return funds, nil
}

// RepayBadDebt lets anyone inject funds to cancel unpaid debt shares. The
// injected funds restore deposit backing directly.
func (v *Vault) RepayBadDebt(funds, shares uint64, now int64) error {
	if funds == 0 || shares == 0 {
		return ErrZeroAmount
	}
	if err := v.AccrueInterest(now); err != nil {
		return err
	}
	if shares > v.UnpaidDebtShares {
		return fmt.Errorf("%w: repay %d shares, outstanding %d", ErrBadDebtExceeded, shares, v.UnpaidDebtShares)
	}

	deposited, err := fixedmath.CheckedAdd(v.DepositedFunds, funds)
	if err != nil {
		return err
	}
	v.DepositedFunds = deposited
	v.UnpaidDebtShares -= shares
	return nil
}

// CloseLendingPosition checks that a position can be destroyed.
func CloseLendingPosition(pos *LendingPosition) error {
	if pos.DepositedShares != 0 {
		return fmt.Errorf("%w: %d shares remain", ErrPositionNotEmpty, pos.DepositedShares)
	}
	return nil
}
