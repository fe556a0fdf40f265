package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminator for event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeVaultDeposited
	TypeVaultWithdrawn
	TypeVaultBorrowed
	TypeVaultRepaid
	TypeBadDebtRegistered
	TypeBadDebtRepaid
	TypePositionOpened
	TypePositionIncreased
	TypePositionDecreased
	TypeFeesCollected
	TypePositionRebalanced
	TypePositionLiquidated
	TypeLimitOrderExecuted
	TypePositionClosed
)

func (t Type) String() string {
	switch t {
	case TypeVaultDeposited:
		return "VaultDeposited"
	case TypeVaultWithdrawn:
		return "VaultWithdrawn"
	case TypeVaultBorrowed:
		return "VaultBorrowed"
	case TypeVaultRepaid:
		return "VaultRepaid"
	case TypeBadDebtRegistered:
		return "BadDebtRegistered"
	case TypeBadDebtRepaid:
		return "BadDebtRepaid"
	case TypePositionOpened:
		return "PositionOpened"
	case TypePositionIncreased:
		return "PositionIncreased"
	case TypePositionDecreased:
		return "PositionDecreased"
	case TypeFeesCollected:
		return "FeesCollected"
	case TypePositionRebalanced:
		return "PositionRebalanced"
	case TypePositionLiquidated:
		return "PositionLiquidated"
	case TypeLimitOrderExecuted:
		return "LimitOrderExecuted"
	case TypePositionClosed:
		return "PositionClosed"
	default:
		return "Unknown"
	}
}

// Envelope wraps every event the engine emits.
type Envelope struct {
	// Sequence is a monotonic counter assigned by the engine.
	Sequence int64 `json:"sequence"`

	EventID uuid.UUID `json:"event_id"`
	Type    Type      `json:"-"`

	TypeName string `json:"event_type"`

	// Pool context; empty for vault-only events.
	Pool string `json:"pool,omitempty"`

	// Engine clock at emission (versioned input, not wall time).
	Timestamp time.Time `json:"timestamp"`

	Payload interface{} `json:"payload"`
}

// Vault flow payloads.

type VaultDeposited struct {
	Authority uuid.UUID `json:"authority"`
	VaultID   string    `json:"vault_id"`
	Funds     uint64    `json:"funds"`
	Shares    uint64    `json:"shares"`
}

type VaultWithdrawn struct {
	Authority uuid.UUID `json:"authority"`
	VaultID   string    `json:"vault_id"`
	Funds     uint64    `json:"funds"`
	Shares    uint64    `json:"shares"`
}

type VaultBorrowed struct {
	VaultID string `json:"vault_id"`
	Pool    string `json:"pool"`
	Funds   uint64 `json:"funds"`
	Shares  uint64 `json:"shares"`
}

type VaultRepaid struct {
	VaultID string `json:"vault_id"`
	Pool    string `json:"pool"`
	Funds   uint64 `json:"funds"`
	Shares  uint64 `json:"shares"`
}

type BadDebtRegistered struct {
	VaultID string `json:"vault_id"`
	Pool    string `json:"pool"`
	Shares  uint64 `json:"shares"`
	Funds   uint64 `json:"funds"`
}

type BadDebtRepaid struct {
	Authority uuid.UUID `json:"authority"`
	VaultID   string    `json:"vault_id"`
	Funds     uint64    `json:"funds"`
	Shares    uint64    `json:"shares"`
}

// Position lifecycle payloads.

type PositionOpened struct {
	Authority    uuid.UUID `json:"authority"`
	Pool         string    `json:"pool"`
	PositionMint uuid.UUID `json:"position_mint,omitempty"`
	Variant      string    `json:"variant"` // "lp" or "spot"
}

type PositionIncreased struct {
	Pool         string    `json:"pool"`
	PositionMint uuid.UUID `json:"position_mint,omitempty"`
	Variant      string    `json:"variant"`
	CollateralA  uint64    `json:"collateral_a"`
	CollateralB  uint64    `json:"collateral_b"`
	BorrowA      uint64    `json:"borrow_a"`
	BorrowB      uint64    `json:"borrow_b"`
	FeeA         uint64    `json:"fee_a"`
	FeeB         uint64    `json:"fee_b"`
}

type PositionDecreased struct {
	Pool         string    `json:"pool"`
	PositionMint uuid.UUID `json:"position_mint,omitempty"`
	Variant      string    `json:"variant"`
	Percent      uint32    `json:"percent"`
	RepaidA      uint64    `json:"repaid_a"`
	RepaidB      uint64    `json:"repaid_b"`
	ReturnedA    uint64    `json:"returned_a"`
	ReturnedB    uint64    `json:"returned_b"`
}

type FeesCollected struct {
	Pool         string    `json:"pool"`
	PositionMint uuid.UUID `json:"position_mint"`
	FeeA         uint64    `json:"fee_a"`
	FeeB         uint64    `json:"fee_b"`
	Compounded   bool      `json:"compounded"`
}

type PositionRebalanced struct {
	Pool         string    `json:"pool"`
	PositionMint uuid.UUID `json:"position_mint"`
	TickLower    int32     `json:"tick_lower"`
	TickUpper    int32     `json:"tick_upper"`
}

type PositionLiquidated struct {
	Pool          string    `json:"pool"`
	PositionMint  uuid.UUID `json:"position_mint,omitempty"`
	Variant       string    `json:"variant"`
	Percent       uint32    `json:"percent"`
	LiquidationFeeA uint64  `json:"liquidation_fee_a"`
	LiquidationFeeB uint64  `json:"liquidation_fee_b"`
	BadDebtSharesA  uint64  `json:"bad_debt_shares_a"`
	BadDebtSharesB  uint64  `json:"bad_debt_shares_b"`
}

type LimitOrderExecuted struct {
	Pool         string    `json:"pool"`
	PositionMint uuid.UUID `json:"position_mint,omitempty"`
	Variant      string    `json:"variant"`
	ExecutionFeeA uint64   `json:"execution_fee_a"`
	ExecutionFeeB uint64   `json:"execution_fee_b"`
}

type PositionClosed struct {
	Pool         string    `json:"pool"`
	PositionMint uuid.UUID `json:"position_mint,omitempty"`
	Variant      string    `json:"variant"`
}
