package position

// State is the lifecycle state of a leveraged position.
type State int32

const (
	StateOpen State = iota
	StateLiquidated
	StateClosedByLimitOrder
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateLiquidated:
		return "Liquidated"
	case StateClosedByLimitOrder:
		return "ClosedByLimitOrder"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates lifecycle transitions. Liquidated and
// ClosedByLimitOrder are terminal with respect to re-opening; remaining
// balances are still withdrawn through the close path before the record is
// destroyed.
func (s State) CanTransitionTo(next State) bool {
	validTransitions := map[State][]State{
		StateOpen: {
			StateLiquidated,
			StateClosedByLimitOrder,
		},
		StateLiquidated:         {},
		StateClosedByLimitOrder: {},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if next == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the position can no longer be increased.
func (s State) IsTerminal() bool {
	return s == StateLiquidated || s == StateClosedByLimitOrder
}
