package tokenledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"TunaEngine/internal/fixedmath"
)

var ErrInsufficientBalance = errors.New("tokenledger: insufficient balance")

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	ScopeUser AccountScope = iota
	ScopeVault
	ScopePosition
	ScopeAmm
	ScopeFeeRecipient
)

// Account identifies a token holder inside the book.
type Account struct {
	Scope AccountScope
	ID    string
}

func UserAccount(authority uuid.UUID) Account {
	return Account{Scope: ScopeUser, ID: authority.String()}
}

func VaultAccount(vaultID string) Account {
	return Account{Scope: ScopeVault, ID: vaultID}
}

func PositionAccount(positionMint uuid.UUID) Account {
	return Account{Scope: ScopePosition, ID: positionMint.String()}
}

// SpotPositionAccount keys the token account of a spot position, which has
// no mint of its own.
func SpotPositionAccount(authority uuid.UUID, pool string) Account {
	return Account{Scope: ScopePosition, ID: authority.String() + "|" + pool}
}

func AmmAccount(pool string) Account {
	return Account{Scope: ScopeAmm, ID: pool}
}

func FeeRecipientAccount(recipient uuid.UUID) Account {
	return Account{Scope: ScopeFeeRecipient, ID: recipient.String()}
}

// Path returns the string form used in storage and logs.
func (a Account) Path() string {
	switch a.Scope {
	case ScopeUser:
		return "user:" + a.ID
	case ScopeVault:
		return "vault:" + a.ID
	case ScopePosition:
		return "position:" + a.ID
	case ScopeAmm:
		return "amm:" + a.ID
	case ScopeFeeRecipient:
		return "fees:" + a.ID
	}
	return "unknown:" + a.ID
}

type balanceKey struct {
	account Account
	mint    string
}

// Book maintains in-memory token balances per (account, mint). Transfers are
// all-or-nothing: a debit past zero errors and mutates nothing. The book is
// the settlement surface behind the engine; in a deployment it mirrors the
// ledger's token accounts.
type Book struct {
	balances map[balanceKey]uint64
}

func NewBook() *Book {
	return &Book{balances: make(map[balanceKey]uint64)}
}

// Balance returns the current balance; unknown accounts hold zero.
func (b *Book) Balance(account Account, mint string) uint64 {
	return b.balances[balanceKey{account, mint}]
}

// Credit adds tokens arriving from outside the book (external deposits).
func (b *Book) Credit(account Account, mint string, amount uint64) error {
	key := balanceKey{account, mint}
	sum, err := fixedmath.CheckedAdd(b.balances[key], amount)
	if err != nil {
		return fmt.Errorf("credit %s %s: %w", account.Path(), mint, err)
	}
	b.balances[key] = sum
	return nil
}

// Debit removes tokens leaving the book (external withdrawals).
func (b *Book) Debit(account Account, mint string, amount uint64) error {
	key := balanceKey{account, mint}
	have := b.balances[key]
	if amount > have {
		return fmt.Errorf("%w: %s %s have=%d need=%d", ErrInsufficientBalance, account.Path(), mint, have, amount)
	}
	b.balances[key] = have - amount
	return nil
}

// Transfer moves tokens between accounts inside the book.
func (b *Book) Transfer(from, to Account, mint string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := b.Debit(from, mint, amount); err != nil {
		return err
	}
	if err := b.Credit(to, mint, amount); err != nil {
		// Restore the debit; Credit only fails on overflow.
		b.balances[balanceKey{from, mint}] += amount
		return err
	}
	return nil
}

// TotalSupply sums every balance for a mint (conservation checks in tests).
func (b *Book) TotalSupply(mint string) uint64 {
	var total uint64
	for key, bal := range b.balances {
		if key.mint == mint {
			total += bal
		}
	}
	return total
}
