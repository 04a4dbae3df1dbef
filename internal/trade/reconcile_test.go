package trade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"blackjack/internal/schema"
)

func TestReconcileFoundAdvancesToFilled(t *testing.T) {
	svc, store, broker := newTestService(t)
	ctx := context.Background()

	svc.HandleApproved(ctx, approvalEnvelope("E20", "intent-20", 800, true))
	broker.GhostNext()
	_, err := svc.SubmitApproved(ctx)
	require.NoError(t, err)

	intent, _ := store.Intent(ctx, "intent-20")
	require.Equal(t, StateSubmitUnknown, intent.State)

	// The ghost order reached the venue and fully filled there.
	open, err := broker.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	broker.Fill(open[0].BrokerOrderID, 800, 10.5)

	r := NewReconciler(svc, time.Second)
	require.NoError(t, r.Sweep(ctx))

	intent, _ = store.Intent(ctx, "intent-20")
	assert.Equal(t, StateFilled, intent.State)
	assert.Equal(t, 800.0, intent.CumQty)

	streams := outboxStreams(t, store)
	assert.Contains(t, streams, schema.TradeOrderReconciledV1)
	assert.Contains(t, streams, schema.TradeOrderFilledV1)
	assert.NotContains(t, streams, schema.TradeOrderSubmittedV1,
		"reconciled intents must not emit a duplicate submitted event")

	// The emitted sequence ends reconciled -> filled.
	var lifecycle []string
	for _, s := range streams {
		if s == schema.TradeOrderReconciledV1 || s == schema.TradeOrderFilledV1 {
			lifecycle = append(lifecycle, s)
		}
	}
	assert.Equal(t, []string{schema.TradeOrderReconciledV1, schema.TradeOrderFilledV1}, lifecycle)
}

func TestReconcileAbsentRetriesSubmit(t *testing.T) {
	svc, store, broker := newTestService(t)
	ctx := context.Background()

	svc.HandleApproved(ctx, approvalEnvelope("E21", "intent-21", 800, true))
	// Ambiguous send that never reached the venue.
	broker.FailNext(ErrSendAmbiguous)
	_, err := svc.SubmitApproved(ctx)
	require.NoError(t, err)

	intent, _ := store.Intent(ctx, "intent-21")
	require.Equal(t, StateSubmitUnknown, intent.State)
	require.Equal(t, 1, intent.AttemptCounter)

	r := NewReconciler(svc, time.Second)
	require.NoError(t, r.Sweep(ctx))

	intent, _ = store.Intent(ctx, "intent-21")
	assert.Equal(t, StateSubmitted, intent.State)
	assert.Equal(t, 2, intent.AttemptCounter)
	assert.Contains(t, outboxStreams(t, store), schema.TradeSubmitRetryV1)
}

func TestReconcileAmbiguousStaysPutAndEscalates(t *testing.T) {
	svc, store, broker := newTestService(t)
	svc.WithAlarmLimit(rate.NewLimiter(rate.Every(time.Hour), 1))
	ctx := context.Background()

	svc.HandleApproved(ctx, approvalEnvelope("E22", "intent-22", 800, true))
	broker.GhostNext()
	_, err := svc.SubmitApproved(ctx)
	require.NoError(t, err)

	// A second venue order carrying the same remark makes the match
	// ambiguous.
	intent, _ := store.Intent(ctx, "intent-22")
	_, err = broker.Place(ctx, OrderRequest{
		IntentID: "intent-22", Symbol: "600000.SH", Side: "BUY", Qty: 800, Price: 10.5,
		Remark: "intent:intent-22",
	})
	require.NoError(t, err)
	require.Equal(t, StateSubmitUnknown, intent.State)

	r := NewReconciler(svc, time.Second)
	require.NoError(t, r.Sweep(ctx))
	require.NoError(t, r.Sweep(ctx))

	intent, _ = store.Intent(ctx, "intent-22")
	assert.Equal(t, StateSubmitUnknown, intent.State, "ambiguity never auto-resolves")

	ambiguous := 0
	for _, s := range outboxStreams(t, store) {
		if s == schema.TradeReconcileAmbiguousV1 {
			ambiguous++
		}
	}
	assert.Equal(t, 1, ambiguous, "escalation is rate limited")
	assert.Equal(t, uint64(1), svc.metrics.Snapshot().ReconcileAlarm)
}

func TestSweepBackfillsMissedFills(t *testing.T) {
	svc, store, broker := newTestService(t)
	ctx := context.Background()
	order := submitIntent(t, svc, store, "E23", "intent-23", 800)

	// Fills the executor never saw live.
	broker.Fill(order.BrokerOrderID, 500, 10.4)
	broker.Fill(order.BrokerOrderID, 300, 10.6)

	r := NewReconciler(svc, time.Second)
	require.NoError(t, r.Sweep(ctx))

	intent, _ := store.Intent(ctx, "intent-23")
	assert.Equal(t, StateFilled, intent.State)
	assert.Equal(t, 800.0, intent.CumQty)

	// Sweeping again must not double-apply.
	require.NoError(t, r.Sweep(ctx))
	intent, _ = store.Intent(ctx, "intent-23")
	assert.Equal(t, 800.0, intent.CumQty)
}
