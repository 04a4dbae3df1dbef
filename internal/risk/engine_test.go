package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateApprovesWithinLimits(t *testing.T) {
	e := NewEngine(DefaultConfig())
	d := e.Evaluate(CandidateAction{
		Symbol: "600000.SH", Action: "BUY", Strategy: "trend", TargetPositionFrac: 0.08,
	}, StateView{})

	assert.True(t, d.CanTrade)
	assert.Equal(t, ReasonNone, d.Reason)
	assert.Equal(t, 0.08, d.FinalPositionFrac)
}

func TestEvaluateRejectsPositionBeyondSingleNameCap(t *testing.T) {
	e := NewEngine(Config{MaxSingleNamePositionPct: 0.10})
	d := e.Evaluate(CandidateAction{
		Symbol: "600000.SH", Action: "BUY", TargetPositionFrac: 0.50,
	}, StateView{})

	assert.False(t, d.CanTrade)
	assert.Equal(t, ReasonPositionLimit, d.Reason)
	assert.Zero(t, d.FinalPositionFrac)
}

func TestEvaluateKillSwitchDeniesEverything(t *testing.T) {
	e := NewEngine(Config{KillSwitch: true})
	d := e.Evaluate(CandidateAction{Symbol: "600000.SH", Action: "BUY", TargetPositionFrac: 0.01}, StateView{})

	assert.False(t, d.CanTrade)
	assert.Equal(t, ReasonKillSwitch, d.Reason)
}

func TestEvaluateHoldNeverTrades(t *testing.T) {
	e := NewEngine(DefaultConfig())
	d := e.Evaluate(CandidateAction{Symbol: "600000.SH", Action: "HOLD"}, StateView{})
	assert.False(t, d.CanTrade)
	assert.Equal(t, ReasonHold, d.Reason)
}

func TestEvaluateGrossExposureCap(t *testing.T) {
	e := NewEngine(Config{MaxSingleNamePositionPct: 0.10, MaxGrossExposurePct: 0.50})
	d := e.Evaluate(CandidateAction{
		Symbol: "600000.SH", Action: "BUY", TargetPositionFrac: 0.08,
	}, StateView{GrossExposureFrac: 0.48})

	assert.False(t, d.CanTrade)
	assert.Equal(t, ReasonExposureLimit, d.Reason)
}

func TestEvaluateShortSideUsesAbsoluteCap(t *testing.T) {
	e := NewEngine(DefaultConfig())
	d := e.Evaluate(CandidateAction{Symbol: "600000.SH", Action: "SELL", TargetPositionFrac: -0.5}, StateView{})
	assert.False(t, d.CanTrade)
	assert.Equal(t, ReasonPositionLimit, d.Reason)
}
