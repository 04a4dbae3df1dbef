package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to IntentState }{
		{StateNew, StateRiskApproved},
		{StateNew, StateRejected},
		{StateRiskApproved, StateSubmitting},
		{StateSubmitting, StateSubmitted},
		{StateSubmitting, StateSubmitUnknown},
		{StateSubmitting, StateRejected},
		{StateSubmitUnknown, StateSubmitting},
		{StateSubmitUnknown, StateSubmitted},
		{StateSubmitUnknown, StatePartiallyFilled},
		{StateSubmitUnknown, StateFilled},
		{StateSubmitted, StatePartiallyFilled},
		{StateSubmitted, StateFilled},
		{StateSubmitted, StateCancelPending},
		{StatePartiallyFilled, StatePartiallyFilled},
		{StatePartiallyFilled, StateFilled},
		{StatePartiallyFilled, StateCancelPending},
		{StateCancelPending, StateCancelled},
	}
	for _, tt := range allowed {
		assert.True(t, CanTransition(tt.from, tt.to), "%s -> %s should be allowed", tt.from, tt.to)
	}

	denied := []struct{ from, to IntentState }{
		{StateNew, StateSubmitted},
		{StateRiskApproved, StateFilled},
		{StateSubmitting, StateCancelPending},
		{StateSubmitted, StateRejected},
		{StateCancelPending, StateFilled},
	}
	for _, tt := range denied {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s should be denied", tt.from, tt.to)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []IntentState{
		StateNew, StateRiskApproved, StateSubmitting, StateSubmitted,
		StatePartiallyFilled, StateFilled, StateRejected,
		StateCancelPending, StateCancelled, StateSubmitUnknown,
	}
	for _, terminal := range []IntentState{StateFilled, StateCancelled, StateRejected} {
		assert.True(t, IsTerminal(terminal))
		for _, to := range all {
			assert.False(t, CanTransition(terminal, to), "%s must not leave terminal state", terminal)
		}
	}
}

func TestTransitionMutatesOnlyWhenLegal(t *testing.T) {
	intent := &Intent{IntentID: "i1", State: StateRiskApproved}
	assert.NoError(t, Transition(intent, StateSubmitting))
	assert.Equal(t, StateSubmitting, intent.State)

	err := Transition(intent, StateCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateSubmitting, intent.State)
}

func TestFillNaturalKey(t *testing.T) {
	withID := FillNaturalKey("broker-fill-9", "bo-1", testTime(), 10.5, 100)
	assert.Equal(t, "broker-fill-9", withID)

	composite := FillNaturalKey("", "bo-1", testTime(), 10.5, 100)
	same := FillNaturalKey("", "bo-1", testTime(), 10.5, 100)
	other := FillNaturalKey("", "bo-1", testTime(), 10.5, 200)
	assert.Equal(t, composite, same)
	assert.NotEqual(t, composite, other)
}
