// Package risk sizes candidate actions into approved or rejected orders.
// Purely mechanical limit checks; strategy conviction arrives in the
// candidate event and never gets overridden upward here.
package risk

import "fmt"

// Reason is a coarse code for risk decisions.
type Reason string

const (
	ReasonNone          Reason = "OK"
	ReasonKillSwitch    Reason = "KILL_SWITCH"
	ReasonPositionLimit Reason = "POSITION_LIMIT"
	ReasonExposureLimit Reason = "EXPOSURE_LIMIT"
	ReasonHold          Reason = "HOLD"
)

// Config defines the static risk limits.
type Config struct {
	KillSwitch bool `mapstructure:"kill_switch" json:"killSwitch"`
	// MaxSingleNamePositionPct caps the absolute target fraction of NAV
	// in one name. Default 0.10.
	MaxSingleNamePositionPct float64 `mapstructure:"max_single_name_position_pct" json:"maxSingleNamePositionPct"`
	// MaxGrossExposurePct caps total gross exposure after the trade.
	MaxGrossExposurePct float64 `mapstructure:"max_gross_exposure_pct" json:"maxGrossExposurePct"`
	// RiskPerTrade is the fraction of NAV risked per approved order.
	RiskPerTrade float64 `mapstructure:"risk_per_trade" json:"riskPerTrade"`
}

// DefaultConfig mirrors the shipped limits.
func DefaultConfig() Config {
	return Config{
		MaxSingleNamePositionPct: 0.10,
		MaxGrossExposurePct:      1.0,
		RiskPerTrade:             0.01,
	}
}

// CandidateAction is the strategy layer's proposal.
type CandidateAction struct {
	Symbol             string
	Action             string // BUY / SELL / HOLD
	Strategy           string
	TargetPositionFrac float64
	Rationale          string
}

// StateView is the portfolio snapshot the decision is made against.
type StateView struct {
	CurrentPositionFrac float64
	GrossExposureFrac   float64
}

// Decision is the risk outcome for one candidate.
type Decision struct {
	CanTrade          bool
	FinalPositionFrac float64
	RiskPerTrade      float64
	Reason            Reason
	Detail            string
}

// Engine evaluates candidates against static limits.
type Engine struct {
	cfg Config
}

// NewEngine creates a risk engine with the given limits.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxSingleNamePositionPct <= 0 {
		cfg.MaxSingleNamePositionPct = 0.10
	}
	if cfg.MaxGrossExposurePct <= 0 {
		cfg.MaxGrossExposurePct = 1.0
	}
	if cfg.RiskPerTrade <= 0 {
		cfg.RiskPerTrade = 0.01
	}
	return &Engine{cfg: cfg}
}

// Evaluate applies the checks in order and stops at the first denial.
// A requested position beyond the single-name cap is rejected outright
// rather than clamped, so the strategy layer learns its proposal was
// unservable.
func (e *Engine) Evaluate(candidate CandidateAction, state StateView) Decision {
	decision := Decision{
		FinalPositionFrac: candidate.TargetPositionFrac,
		RiskPerTrade:      e.cfg.RiskPerTrade,
		Reason:            ReasonNone,
	}

	if e.cfg.KillSwitch {
		return deny(decision, ReasonKillSwitch, "kill switch engaged")
	}

	if candidate.Action == "HOLD" {
		return deny(decision, ReasonHold, "no trade requested")
	}

	if abs(candidate.TargetPositionFrac) > e.cfg.MaxSingleNamePositionPct {
		return deny(decision, ReasonPositionLimit,
			fmt.Sprintf("target %.4f exceeds single-name cap %.4f",
				candidate.TargetPositionFrac, e.cfg.MaxSingleNamePositionPct))
	}

	delta := abs(candidate.TargetPositionFrac) - abs(state.CurrentPositionFrac)
	if delta > 0 && state.GrossExposureFrac+delta > e.cfg.MaxGrossExposurePct {
		return deny(decision, ReasonExposureLimit,
			fmt.Sprintf("gross exposure %.4f would exceed cap %.4f",
				state.GrossExposureFrac+delta, e.cfg.MaxGrossExposurePct))
	}

	decision.CanTrade = true
	return decision
}

func deny(d Decision, reason Reason, detail string) Decision {
	d.CanTrade = false
	d.FinalPositionFrac = 0
	d.Reason = reason
	d.Detail = detail
	return d
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
