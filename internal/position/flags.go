package position

import "fmt"

// SwapTarget selects what a triggered limit order swaps the proceeds into.
type SwapTarget uint8

const (
	SwapTargetNone SwapTarget = iota
	SwapTargetTokenA
	SwapTargetTokenB
)

func (t SwapTarget) String() string {
	switch t {
	case SwapTargetNone:
		return "None"
	case SwapTargetTokenA:
		return "TokenA"
	case SwapTargetTokenB:
		return "TokenB"
	default:
		return "Unknown"
	}
}

// CompoundMode controls how collected AMM fees are handled.
type CompoundMode uint8

const (
	CompoundModeOff CompoundMode = iota
	CompoundModeCollateral             // re-deposit fees as extra collateral
	CompoundModeLeveraged              // re-deposit with a matching borrow
)

func (m CompoundMode) String() string {
	switch m {
	case CompoundModeOff:
		return "Off"
	case CompoundModeCollateral:
		return "Collateral"
	case CompoundModeLeveraged:
		return "Leveraged"
	default:
		return "Unknown"
	}
}

// Flags holds the per-position options as named fields. The packed 7-bit
// form exists only at the serialization boundary.
type Flags struct {
	StopLossSwap   SwapTarget
	TakeProfitSwap SwapTarget
	AutoCompound   CompoundMode
	AllowRebalance bool // opt-in permission for the rebalance operation
}

const flagFieldMask = 0b11

// Pack encodes the flags into the wire bitfield: bits 0-1 stop-loss swap,
// bits 2-3 take-profit swap, bits 4-5 compound mode, bit 6 allow-rebalance.
func (f Flags) Pack() uint8 {
	b := uint8(f.StopLossSwap)&flagFieldMask |
		(uint8(f.TakeProfitSwap)&flagFieldMask)<<2 |
		(uint8(f.AutoCompound)&flagFieldMask)<<4
	if f.AllowRebalance {
		b |= 1 << 6
	}
	return b
}

// UnpackFlags decodes the wire bitfield, rejecting reserved values.
func UnpackFlags(b uint8) (Flags, error) {
	if b>>7 != 0 {
		return Flags{}, fmt.Errorf("position: reserved flag bits set: %#x", b)
	}
	f := Flags{
		StopLossSwap:   SwapTarget(b & flagFieldMask),
		TakeProfitSwap: SwapTarget(b >> 2 & flagFieldMask),
		AutoCompound:   CompoundMode(b >> 4 & flagFieldMask),
		AllowRebalance: b>>6&1 != 0,
	}
	if f.StopLossSwap > SwapTargetTokenB || f.TakeProfitSwap > SwapTargetTokenB || f.AutoCompound > CompoundModeLeveraged {
		return Flags{}, fmt.Errorf("position: reserved flag value: %#x", b)
	}
	return f, nil
}
