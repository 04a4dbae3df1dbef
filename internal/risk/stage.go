package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/yanun0323/logs"

	"blackjack/internal/bus"
	"blackjack/internal/schema"
	"blackjack/internal/stage"
)

// PositionFunc supplies the current portfolio view for a symbol.
type PositionFunc func(symbol string) StateView

// Binding wires the engine into the stage runtime: consume candidate
// actions, emit approval or rejection. positions may be nil for a flat
// book.
func Binding(engine *Engine, positions PositionFunc) stage.Binding {
	if positions == nil {
		positions = func(string) StateView { return StateView{} }
	}
	return stage.Binding{
		Name:          "risk-service",
		InputStreams:  []string{schema.StrategyCandidateActionGeneratedV1},
		Group:         "risk-group",
		OutputStreams: []string{schema.RiskOrderApprovedV1, schema.RiskOrderRejectedV1},
		Transform:     transform(engine, positions),
	}
}

func transform(engine *Engine, positions PositionFunc) stage.Transform {
	return func(ctx context.Context, sc *stage.Context) bus.Result {
		p := sc.Event.Payload
		candidate := CandidateAction{
			Symbol:             str(p["symbol"]),
			Action:             str(p["action"]),
			Strategy:           str(p["strategy"]),
			TargetPositionFrac: num(p["target_position_frac"]),
			Rationale:          str(p["rationale"]),
		}

		decision := engine.Evaluate(candidate, positions(candidate.Symbol))

		out := schema.RiskOrderApprovedV1
		if !decision.CanTrade {
			out = schema.RiskOrderRejectedV1
		}
		reason := string(decision.Reason)
		if decision.Detail != "" {
			reason = fmt.Sprintf("%s: %s", decision.Reason, decision.Detail)
		}
		payload := map[string]any{
			"symbol":              candidate.Symbol,
			"ts":                  str(p["ts"]),
			"can_trade":           decision.CanTrade,
			"final_position_frac": decision.FinalPositionFrac,
			"risk_per_trade":      decision.RiskPerTrade,
			"reason":              reason,
			"order": map[string]any{
				"intent_id": sc.Event.EventID,
				"symbol":    candidate.Symbol,
				"side":      candidate.Action,
				"strategy":  candidate.Strategy,
				"frac":      decision.FinalPositionFrac,
				"qty":       lotQty(decision.FinalPositionFrac),
			},
		}
		if err := sc.Emit(ctx, out, payload); err != nil {
			logs.Errorf("risk emit %s: %+v", out, err)
			return bus.Retryable(err.Error())
		}
		return bus.Ok()
	}
}

// bookShares is the nominal full-position lot the dry-run book trades
// against; live sizing replaces this with NAV-based allocation.
const bookShares = 10000

func lotQty(frac float64) float64 {
	return math.Round(math.Abs(frac) * bookShares)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
