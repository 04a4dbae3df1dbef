package schema

import "strings"

// v1 stream names. A stream carries exactly the schema its name spells;
// v1 field semantics are frozen, changes require a v2 stream.
const (
	PerceptionHeartbeatV1           = "perception.heartbeat.v1"
	PerceptionMarketDataCollectedV1 = "perception.market_data.collected.v1"

	VariablesMarketComputedV1 = "variables.market.computed.v1"
	VariablesStockComputedV1  = "variables.stock.computed.v1"

	SignalsRegimeDetectedV1    = "signals.regime.detected.v1"
	SignalsOpportunityScoredV1 = "signals.opportunity.scored.v1"

	StrategyCandidateActionGeneratedV1 = "strategy.candidate_action.generated.v1"

	RiskOrderApprovedV1 = "risk.order.approved.v1"
	RiskOrderRejectedV1 = "risk.order.rejected.v1"

	ExecutionOrderExecutedV1 = "execution.order.executed.v1"
	ExecutionOrderFailedV1   = "execution.order.failed.v1"

	PostmortemTradeRecordCreatedV1 = "postmortem.trade_record.created.v1"

	EvolutionBacktestCompletedV1 = "evolution.backtest.completed.v1"
	EvolutionParameterProposedV1 = "evolution.parameter.proposed.v1"
)

// Trade-plane lifecycle streams emitted by the submission state machine.
const (
	TradeIntentApprovedV1     = "trade.intent.approved.v1"
	TradeIntentRejectedV1     = "trade.intent.rejected.v1"
	TradeSubmitStartedV1      = "trade.submit.started.v1"
	TradeOrderSubmittedV1     = "trade.order.submitted.v1"
	TradeSubmitUnknownV1      = "trade.submit.unknown.v1"
	TradeOrderRejectedV1      = "trade.order.rejected.v1"
	TradeOrderReconciledV1    = "trade.order.reconciled.v1"
	TradeSubmitRetryV1        = "trade.submit.retry.v1"
	TradeFillRecordedV1       = "trade.fill.recorded.v1"
	TradeOrderFilledV1        = "trade.order.filled.v1"
	TradeCancelRequestedV1    = "trade.cancel.requested.v1"
	TradeOrderCancelledV1     = "trade.order.cancelled.v1"
	TradeReconcileAmbiguousV1 = "trade.reconcile.ambiguous.v1"
)

const dlqPrefix = "dlq."

// DLQStream derives the dead-letter stream name for a base stream.
func DLQStream(base string) string {
	return dlqPrefix + base
}

// IsDLQStream reports whether the stream is a dead-letter stream.
// DLQ streams never have further DLQs; their consumers log and drop.
func IsDLQStream(name string) bool {
	return strings.HasPrefix(name, dlqPrefix)
}

// BaseStream strips the DLQ prefix, returning the origin stream name.
func BaseStream(dlq string) string {
	return strings.TrimPrefix(dlq, dlqPrefix)
}

// CoreStreams lists the pipeline streams of the compute plane.
func CoreStreams() []string {
	return []string{
		PerceptionHeartbeatV1,
		PerceptionMarketDataCollectedV1,
		VariablesMarketComputedV1,
		VariablesStockComputedV1,
		SignalsRegimeDetectedV1,
		SignalsOpportunityScoredV1,
		StrategyCandidateActionGeneratedV1,
		RiskOrderApprovedV1,
		RiskOrderRejectedV1,
		ExecutionOrderExecutedV1,
		ExecutionOrderFailedV1,
		PostmortemTradeRecordCreatedV1,
		EvolutionBacktestCompletedV1,
		EvolutionParameterProposedV1,
	}
}

// TradeStreams lists the lifecycle streams of the trade plane.
func TradeStreams() []string {
	return []string{
		TradeIntentApprovedV1,
		TradeIntentRejectedV1,
		TradeSubmitStartedV1,
		TradeOrderSubmittedV1,
		TradeSubmitUnknownV1,
		TradeOrderRejectedV1,
		TradeOrderReconciledV1,
		TradeSubmitRetryV1,
		TradeFillRecordedV1,
		TradeOrderFilledV1,
		TradeCancelRequestedV1,
		TradeOrderCancelledV1,
		TradeReconcileAmbiguousV1,
	}
}
