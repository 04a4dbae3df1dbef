package schema

import "maps"

// registerCore installs the v1 payload rules for every core stream.
// These shapes are frozen; schema evolution goes through v2 streams.
func registerCore(r *Registry) {
	core := map[string]Rules{
		PerceptionHeartbeatV1: {Fields: map[string]FieldRule{
			"status": Str(),
		}},
		PerceptionMarketDataCollectedV1: {Fields: map[string]FieldRule{
			"symbol":    Str(),
			"ts":        Ts(),
			"timeframe": Str(),
			"open":      NumGT(0),
			"high":      NumGT(0),
			"low":       NumGT(0),
			"close":     NumGT(0),
			"volume":    NumMin(0),
			"source":    Str(),
		}},
		SignalsRegimeDetectedV1: {Fields: map[string]FieldRule{
			"symbol": Str(),
			"ts":     Ts(),
			"regime": Str(),
		}},
		SignalsOpportunityScoredV1: {Fields: map[string]FieldRule{
			"symbol":            Str(),
			"ts":                Ts(),
			"opportunity_score": NumRange(0, 100),
			"confidence":        NumRange(0, 100),
			"regime":            Str(),
			"components":        Obj(),
		}},
		StrategyCandidateActionGeneratedV1: {Fields: map[string]FieldRule{
			"symbol":               Str(),
			"ts":                   Ts(),
			"action":               StrEnum("BUY", "SELL", "HOLD"),
			"strategy":             Str(),
			"target_position_frac": NumRange(-1, 1),
			"rationale":            Str(),
		}},
		PostmortemTradeRecordCreatedV1: {Fields: map[string]FieldRule{
			"trade_id":          Str(),
			"symbol":            Str(),
			"ts":                Ts(),
			"status":            StrEnum("EXECUTED", "FAILED", "PARTIAL"),
			"order":             Obj(),
			"decision_snapshot": Obj(),
		}},
		EvolutionBacktestCompletedV1: {Fields: map[string]FieldRule{
			"backtest_id": Str(),
			"strategy":    Str(),
			"start_date":  Str(),
			"end_date":    Str(),
			"metrics":     Obj(),
			"parameters":  Obj(),
		}},
		EvolutionParameterProposedV1: {Fields: map[string]FieldRule{
			"proposal_id":         Str(),
			"strategy":            Str(),
			"current_parameters":  Obj(),
			"proposed_parameters": Obj(),
			"rationale":           Str(),
		}},
	}

	variablesComputed := Rules{Fields: map[string]FieldRule{
		"symbol":    Str(),
		"ts":        Ts(),
		"variables": Obj(),
		"quality":   Obj(),
	}}
	core[VariablesMarketComputedV1] = variablesComputed
	core[VariablesStockComputedV1] = variablesComputed

	riskDecision := Rules{Fields: map[string]FieldRule{
		"symbol":              Str(),
		"ts":                  Ts(),
		"can_trade":           Bool(),
		"final_position_frac": NumRange(-1, 1),
		"risk_per_trade":      NumMin(0),
		"reason":              Str(),
		"order":               Obj(),
	}}
	core[RiskOrderApprovedV1] = riskDecision
	core[RiskOrderRejectedV1] = riskDecision

	executionResult := Rules{Fields: map[string]FieldRule{
		"order_id":   Str(),
		"symbol":     Str(),
		"ts":         Ts(),
		"status":     Str(),
		"filled_qty": NumMin(0),
		"avg_price":  NumMin(0),
		"broker":     Str(),
	}}
	core[ExecutionOrderExecutedV1] = executionResult
	core[ExecutionOrderFailedV1] = executionResult

	maps.Copy(core, tradeLifecycleRules())

	for name, rules := range core {
		if err := r.Register(name, rules); err != nil {
			// Core registrations cannot conflict with themselves.
			panic(err)
		}
	}
}

func tradeLifecycleRules() map[string]Rules {
	return map[string]Rules{
		TradeIntentApprovedV1: {Fields: map[string]FieldRule{
			"intent_id": Str(),
			"symbol":    Str(),
			"ts":        Ts(),
			"state":     Str(),
		}},
		TradeIntentRejectedV1: {Fields: map[string]FieldRule{
			"intent_id": Str(),
			"symbol":    Str(),
			"ts":        Ts(),
			"reason":    Str(),
		}},
		TradeSubmitStartedV1: {Fields: map[string]FieldRule{
			"intent_id":         Str(),
			"ts":                Ts(),
			"submit_attempt_id": Str(),
			"attempt":           Int(),
		}},
		TradeOrderSubmittedV1: {Fields: map[string]FieldRule{
			"intent_id":       Str(),
			"order_id":        Str(),
			"broker_order_id": Str(),
			"ts":              Ts(),
		}},
		TradeSubmitUnknownV1: {Fields: map[string]FieldRule{
			"intent_id":    Str(),
			"ts":           Ts(),
			"request_hash": Str(),
			"attempt":      Int(),
		}},
		TradeOrderRejectedV1: {Fields: map[string]FieldRule{
			"intent_id": Str(),
			"ts":        Ts(),
			"code":      Str(),
			"reason":    Str(),
		}},
		TradeOrderReconciledV1: {Fields: map[string]FieldRule{
			"intent_id":       Str(),
			"broker_order_id": Str(),
			"ts":              Ts(),
			"outcome":         Str(),
		}},
		TradeSubmitRetryV1: {Fields: map[string]FieldRule{
			"intent_id": Str(),
			"ts":        Ts(),
			"attempt":   Int(),
		}},
		TradeFillRecordedV1: {Fields: map[string]FieldRule{
			"intent_id": Str(),
			"order_id":  Str(),
			"fill_key":  Str(),
			"qty":       NumGT(0),
			"price":     NumMin(0),
			"cum_qty":   NumMin(0),
			"ts":        Ts(),
		}},
		TradeOrderFilledV1: {Fields: map[string]FieldRule{
			"intent_id": Str(),
			"order_id":  Str(),
			"cum_qty":   NumMin(0),
			"avg_price": NumMin(0),
			"ts":        Ts(),
		}},
		TradeCancelRequestedV1: {Fields: map[string]FieldRule{
			"intent_id":         Str(),
			"cancel_request_id": Str(),
			"ts":                Ts(),
		}},
		TradeOrderCancelledV1: {Fields: map[string]FieldRule{
			"intent_id": Str(),
			"ts":        Ts(),
		}},
		TradeReconcileAmbiguousV1: {Fields: map[string]FieldRule{
			"intent_id": Str(),
			"ts":        Ts(),
			"detail":    Str(),
		}},
	}
}
