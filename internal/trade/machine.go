package trade

import "errors"

var (
	ErrInvalidTransition = errors.New("trade: invalid intent state transition")
	ErrLeaseLost         = errors.New("trade: lease lost, aborting transition")
	ErrFillConflict      = errors.New("trade: conflicting fill for natural key")
	ErrIntentHalted      = errors.New("trade: intent halted pending human attention")
	ErrUnknownIntent     = errors.New("trade: intent not found")
)

// transitions is the allowed edge set of the intent lifecycle. Terminal
// states have no outgoing edges.
var transitions = map[IntentState][]IntentState{
	StateNew:             {StateRiskApproved, StateRejected},
	StateRiskApproved:    {StateSubmitting},
	StateSubmitting:      {StateSubmitted, StateSubmitUnknown, StateRejected},
	StateSubmitUnknown:   {StateSubmitting, StateSubmitted, StatePartiallyFilled, StateFilled},
	StateSubmitted:       {StatePartiallyFilled, StateFilled, StateCancelPending},
	StatePartiallyFilled: {StatePartiallyFilled, StateFilled, StateCancelPending},
	StateCancelPending:   {StateCancelled},
}

// IsTerminal reports whether the state admits no further transitions.
func IsTerminal(state IntentState) bool {
	switch state {
	case StateFilled, StateCancelled, StateRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to IntentState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a state change on the intent.
func Transition(intent *Intent, to IntentState) error {
	if !CanTransition(intent.State, to) {
		return ErrInvalidTransition
	}
	intent.State = to
	return nil
}
