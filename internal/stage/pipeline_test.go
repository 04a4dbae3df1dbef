package stage_test

import (
	"context"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blackjack/internal/bridge"
	"blackjack/internal/bus"
	"blackjack/internal/eventlog"
	"blackjack/internal/obs"
	"blackjack/internal/risk"
	"blackjack/internal/schema"
	"blackjack/internal/stage"
	"blackjack/internal/trade"
)

// pipeline wires the full flow over two in-memory planes: perception ->
// variables -> signals -> strategy -> risk on the compute plane, the
// bridge crossing, and the executor with its outbox on the trade plane.
type pipeline struct {
	compute *eventlog.Memory
	trade   *eventlog.Memory

	stages   []*stage.Processor
	bridge   *bridge.Bridge
	executor *bus.Consumer
	svc      *trade.Service
	rec      *trade.Reconciler
	outbox   *trade.Outbox
	metrics  *obs.Metrics
}

func fast(b stage.Binding) stage.Binding {
	b.VisibilityTimeout = time.Nanosecond
	b.Backoff = bus.Backoff{Base: time.Nanosecond, Factor: 1, Cap: time.Nanosecond}
	return b
}

func passThrough(name, in, out string, payload func(p map[string]any) map[string]any) stage.Binding {
	return stage.Binding{
		Name:          name,
		InputStreams:  []string{in},
		Group:         name,
		OutputStreams: []string{out},
		Transform: func(ctx context.Context, sc *stage.Context) bus.Result {
			if err := sc.Emit(ctx, out, payload(sc.Event.Payload)); err != nil {
				return bus.Retryable(err.Error())
			}
			return bus.Ok()
		},
	}
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		compute: eventlog.NewMemory(),
		trade:   eventlog.NewMemory(),
		metrics: obs.NewMetrics(),
	}
	validator := schema.NewValidator(schema.NewCoreRegistry())
	idem := bus.NewMemoryIdempotency()
	attempts := bus.NewMemoryAttempts()

	bindings := []stage.Binding{
		passThrough("variables-service", schema.PerceptionMarketDataCollectedV1, schema.VariablesStockComputedV1,
			func(in map[string]any) map[string]any {
				return map[string]any{
					"symbol":    in["symbol"],
					"ts":        in["ts"],
					"variables": map[string]any{"close": in["close"]},
					"quality":   map[string]any{"complete": true},
				}
			}),
		passThrough("signals-service", schema.VariablesStockComputedV1, schema.SignalsOpportunityScoredV1,
			func(in map[string]any) map[string]any {
				return map[string]any{
					"symbol":            in["symbol"],
					"ts":                in["ts"],
					"opportunity_score": 82.0,
					"confidence":        70.0,
					"regime":            "trending",
					"components":        map[string]any{"volume_price": 0.7},
				}
			}),
		passThrough("strategy-service", schema.SignalsOpportunityScoredV1, schema.StrategyCandidateActionGeneratedV1,
			func(in map[string]any) map[string]any {
				return map[string]any{
					"symbol":               in["symbol"],
					"ts":                   in["ts"],
					"action":               "BUY",
					"strategy":             "trend_following",
					"target_position_frac": 0.08,
					"rationale":            "score above entry threshold",
				}
			}),
		risk.Binding(risk.NewEngine(risk.DefaultConfig()), nil),
	}
	for _, b := range bindings {
		proc, err := stage.New(p.compute, validator, idem, attempts, fast(b))
		require.NoError(t, err)
		p.stages = append(p.stages, proc.WithMetrics(p.metrics))
	}

	br, err := bridge.New(p.compute, p.trade, validator, idem, attempts, bridge.Config{
		VisibilityTimeout: time.Nanosecond,
		Backoff:           bus.Backoff{Base: time.Nanosecond, Factor: 1, Cap: time.Nanosecond},
	})
	require.NoError(t, err)
	p.bridge = br.WithMetrics(p.metrics)

	store := trade.NewMemoryStore()
	broker := trade.NewSimBroker(trade.SimConfig{DryRun: true})
	p.svc = trade.NewService(store, broker, "executor-1").WithMetrics(p.metrics)
	p.rec = trade.NewReconciler(p.svc, time.Second)

	executor, err := bus.NewConsumer(p.trade, validator, idem, attempts, bus.ConsumerConfig{
		Stream:            schema.RiskOrderApprovedV1,
		Group:             "execution",
		Handler:           p.svc.Handler(),
		VisibilityTimeout: time.Nanosecond,
		Backoff:           bus.Backoff{Base: time.Nanosecond, Factor: 1, Cap: time.Nanosecond},
	})
	require.NoError(t, err)
	p.executor = executor.WithMetrics(p.metrics)

	tradeProducer := bus.NewProducer(p.trade, validator, schema.TradeStreams()).WithSource("execution-service")
	computeProducer := bus.NewProducer(p.compute, validator,
		[]string{schema.ExecutionOrderExecutedV1, schema.ExecutionOrderFailedV1}).WithSource("execution-service")
	p.outbox = trade.NewOutbox(store, tradeProducer, computeProducer, time.Millisecond)

	return p
}

// settle runs every component to quiescence.
func (p *pipeline) settle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		for _, s := range p.stages {
			require.NoError(t, s.Drain(ctx))
		}
		require.NoError(t, p.bridge.Drain(ctx))
		require.NoError(t, p.executor.Drain(ctx))
		_, err := p.svc.SubmitApproved(ctx)
		require.NoError(t, err)
		require.NoError(t, p.rec.Sweep(ctx))
		_, err = p.outbox.Flush(ctx)
		require.NoError(t, err)
	}
}

func (p *pipeline) publish(t *testing.T, log *eventlog.Memory, env schema.Envelope) {
	t.Helper()
	data, err := schema.Encode(env)
	require.NoError(t, err)
	_, err = log.Append(context.Background(), env.Schema, data)
	require.NoError(t, err)
}

func decodeAll(t *testing.T, log *eventlog.Memory, stream string) []schema.Envelope {
	t.Helper()
	entries, err := log.ReadRange(context.Background(), stream, "", 0)
	require.NoError(t, err)
	out := make([]schema.Envelope, 0, len(entries))
	for _, e := range entries {
		var env schema.Envelope
		require.NoError(t, sonic.Unmarshal(e.Data, &env))
		out = append(out, env)
	}
	return out
}

func marketData(eventID, traceID string) schema.Envelope {
	return schema.Envelope{
		EventID:       eventID,
		TraceID:       traceID,
		ProducedAt:    "2026-08-05T09:30:00+08:00",
		Schema:        schema.PerceptionMarketDataCollectedV1,
		SchemaVersion: 1,
		Payload: map[string]any{
			"symbol":    "600000.SH",
			"ts":        "2026-08-05T09:30:00+08:00",
			"timeframe": "1m",
			"open":      10.4,
			"high":      10.6,
			"low":       10.3,
			"close":     10.5,
			"volume":    10000.0,
			"source":    "akshare",
		},
	}
}

func TestHappyPathEndToEnd(t *testing.T) {
	p := newPipeline(t)
	p.publish(t, p.compute, marketData("E1", "T1"))
	p.settle(t)

	executed := decodeAll(t, p.compute, schema.ExecutionOrderExecutedV1)
	require.Len(t, executed, 1, "exactly one execution result")
	assert.Equal(t, "T1", executed[0].TraceID, "trace id survives the whole flow")
	assert.Equal(t, "EXECUTED", executed[0].Payload["status"])
	assert.Equal(t, 800.0, executed[0].Payload["filled_qty"])

	for _, s := range append(schema.CoreStreams(), schema.TradeStreams()...) {
		assert.Zero(t, p.compute.Len(schema.DLQStream(s)), "no DLQ on %s", s)
		assert.Zero(t, p.trade.Len(schema.DLQStream(s)), "no trade DLQ on %s", s)
	}
}

func TestRiskRejectionNeverReachesTradePlane(t *testing.T) {
	p := newPipeline(t)
	candidate := schema.Envelope{
		EventID:       "E-reject",
		TraceID:       "T-reject",
		ProducedAt:    "2026-08-05T09:31:00+08:00",
		Schema:        schema.StrategyCandidateActionGeneratedV1,
		SchemaVersion: 1,
		Payload: map[string]any{
			"symbol":               "600000.SH",
			"ts":                   "2026-08-05T09:31:00+08:00",
			"action":               "BUY",
			"strategy":             "trend_following",
			"target_position_frac": 0.50,
			"rationale":            "oversized request",
		},
	}
	p.publish(t, p.compute, candidate)
	p.settle(t)

	rejected := decodeAll(t, p.compute, schema.RiskOrderRejectedV1)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Payload["reason"], "POSITION_LIMIT")

	assert.Zero(t, p.compute.Len(schema.RiskOrderApprovedV1))
	assert.Empty(t, p.trade.Streams(), "no trade-plane traffic on rejection")
}

func TestDuplicateApprovalSubmitsOnce(t *testing.T) {
	p := newPipeline(t)
	env := schema.Envelope{
		EventID:       "E2",
		TraceID:       "T2",
		ProducedAt:    "2026-08-05T09:31:01+08:00",
		Schema:        schema.RiskOrderApprovedV1,
		SchemaVersion: 1,
		Payload: map[string]any{
			"symbol":              "600000.SH",
			"ts":                  "2026-08-05T09:31:01+08:00",
			"can_trade":           true,
			"final_position_frac": 0.08,
			"risk_per_trade":      0.01,
			"reason":              "OK",
			"order": map[string]any{
				"intent_id": "intent-dup",
				"symbol":    "600000.SH",
				"side":      "BUY",
				"qty":       800.0,
				"price":     10.5,
			},
		},
	}
	p.publish(t, p.compute, env)
	p.publish(t, p.compute, env)
	p.settle(t)

	submitted := decodeAll(t, p.trade, schema.TradeOrderSubmittedV1)
	assert.Len(t, submitted, 1, "duplicate approval must submit exactly once")
	assert.Positive(t, p.metrics.Snapshot().IdempotentDrops)
}

func TestDirtyEventRoutesToDLQNotDownstream(t *testing.T) {
	p := newPipeline(t)
	// The envelope lacks trace_id entirely, as a rogue producer would send.
	raw := map[string]any{
		"event_id":       "E-dirty",
		"produced_at":    "2026-08-05T09:30:00+08:00",
		"schema":         schema.PerceptionMarketDataCollectedV1,
		"schema_version": 1,
		"payload":        marketData("E-dirty", "T").Payload,
	}
	data, err := sonic.Marshal(raw)
	require.NoError(t, err)
	_, err = p.compute.Append(context.Background(), schema.PerceptionMarketDataCollectedV1, data)
	require.NoError(t, err)
	p.settle(t)

	assert.Zero(t, p.compute.Len(schema.VariablesStockComputedV1))
	dlq := decodeAll(t, p.compute, schema.DLQStream(schema.PerceptionMarketDataCollectedV1))
	require.Len(t, dlq, 1)
	assert.Equal(t, "MissingField", dlq[0].Payload["error_kind"])
	assert.Contains(t, dlq[0].Payload["error_detail"], "trace_id")
}
