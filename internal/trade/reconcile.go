package trade

import (
	"context"
	"strings"
	"time"

	"github.com/yanun0323/logs"

	"blackjack/internal/schema"
)

// DefaultReconcilePeriod is the sweep interval.
const DefaultReconcilePeriod = 30 * time.Second

// Reconciler resolves SUBMIT_UNKNOWN intents against the broker's view
// and backfills fills the executor missed. A time-only heuristic never
// moves an intent out of SUBMIT_UNKNOWN; every exit requires a found or
// confirmed-absent decision.
type Reconciler struct {
	svc    *Service
	period time.Duration
}

// NewReconciler builds the periodic worker.
func NewReconciler(svc *Service, period time.Duration) *Reconciler {
	if period <= 0 {
		period = DefaultReconcilePeriod
	}
	return &Reconciler{svc: svc, period: period}
}

// Run sweeps on the configured period until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				logs.Errorf("reconcile sweep: %+v", err)
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) error {
	unknowns, err := r.svc.store.IntentsByState(ctx, StateSubmitUnknown, 100)
	if err != nil {
		return err
	}

	var open []BrokerOrder
	var fills []BrokerFill
	if len(unknowns) > 0 {
		if open, err = r.svc.broker.OpenOrders(ctx); err != nil {
			return err
		}
		if fills, err = r.svc.broker.Fills(ctx, startOfDay(r.svc.clock())); err != nil {
			return err
		}
		for _, intent := range unknowns {
			if err := r.reconcileOne(ctx, intent, open, fills); err != nil {
				logs.Errorf("reconcile intent %s: %+v", intent.IntentID, err)
			}
		}
	}

	return r.sweepFills(ctx)
}

func (r *Reconciler) reconcileOne(ctx context.Context, intent *Intent, open []BrokerOrder, fills []BrokerFill) error {
	candidates := matchCandidates(intent, open)

	switch len(candidates) {
	case 1:
		return r.found(ctx, intent, candidates[0], fills)
	case 0:
		return r.absent(ctx, intent)
	default:
		// More than one broker order claims this intent. Humans decide.
		if r.svc.alarms.Allow() {
			r.svc.metrics.IncReconcileAlarm()
			err := r.svc.store.InTx(ctx, func(tx Store) error {
				return r.svc.enqueue(ctx, tx, PlaneTrade, schema.TradeReconcileAmbiguousV1, intent.TraceID, map[string]any{
					"intent_id": intent.IntentID,
					"ts":        schema.Now(),
					"detail":    "multiple broker orders match request hash or remark",
				})
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
}

// found backfills the broker mapping and advances by the broker's fills.
func (r *Reconciler) found(ctx context.Context, intent *Intent, match BrokerOrder, fills []BrokerFill) error {
	err := r.svc.store.InTx(ctx, func(tx Store) error {
		fresh, err := tx.Intent(ctx, intent.IntentID)
		if err != nil {
			return err
		}
		if fresh.State != StateSubmitUnknown {
			return nil
		}
		order, err := tx.OrderByBroker(ctx, match.BrokerOrderID)
		if err != nil {
			return err
		}
		if order == nil {
			order = &Order{
				OrderID:       "ord-" + match.BrokerOrderID,
				IntentID:      fresh.IntentID,
				BrokerOrderID: match.BrokerOrderID,
				RequestHash:   fresh.RequestHash,
				State:         StateSubmitted,
				TargetQty:     fresh.TargetQty,
			}
			if err := tx.SaveOrder(ctx, order); err != nil {
				return err
			}
		}
		if err := Transition(fresh, StateSubmitted); err != nil {
			return err
		}
		if err := tx.SaveIntent(ctx, fresh); err != nil {
			return err
		}
		return r.svc.enqueue(ctx, tx, PlaneTrade, schema.TradeOrderReconciledV1, fresh.TraceID, map[string]any{
			"intent_id":       fresh.IntentID,
			"broker_order_id": match.BrokerOrderID,
			"ts":              schema.Now(),
			"outcome":         "found",
		})
	})
	if err != nil {
		return err
	}

	for _, fill := range fills {
		if fill.BrokerOrderID != match.BrokerOrderID {
			continue
		}
		if err := r.svc.ApplyFill(ctx, fill); err != nil {
			return err
		}
	}
	return nil
}

// absent re-submits under a fresh lease after the broker confirmed the
// order never arrived.
func (r *Reconciler) absent(ctx context.Context, intent *Intent) error {
	now := r.svc.clock()
	acquired, err := r.svc.store.AcquireLease(ctx, intent.IntentID, r.svc.owner, r.svc.leaseTTL, now)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	var req OrderRequest
	err = r.svc.store.InTx(ctx, func(tx Store) error {
		fresh, err := r.svc.leased(ctx, tx, intent.IntentID)
		if err != nil {
			return err
		}
		if fresh.State != StateSubmitUnknown {
			return nil
		}
		if err := Transition(fresh, StateSubmitting); err != nil {
			return err
		}
		fresh.AttemptCounter++
		req = OrderRequest{
			IntentID: fresh.IntentID,
			Symbol:   fresh.Symbol,
			Side:     fresh.Side,
			Qty:      fresh.TargetQty,
			Price:    fresh.LimitPrice,
			Remark:   "intent:" + fresh.IntentID,
		}
		fresh.RequestHash = req.Hash()
		if err := tx.SaveIntent(ctx, fresh); err != nil {
			return err
		}
		return r.svc.enqueue(ctx, tx, PlaneTrade, schema.TradeSubmitRetryV1, fresh.TraceID, map[string]any{
			"intent_id": fresh.IntentID,
			"ts":        schema.Now(),
			"attempt":   fresh.AttemptCounter,
		})
	})
	if err != nil || req.IntentID == "" {
		return err
	}

	ack, placeErr := r.svc.broker.Place(ctx, req)
	return r.svc.settleSubmit(ctx, intent.IntentID, req, ack, placeErr)
}

// sweepFills backfills fills the executor missed for working intents.
func (r *Reconciler) sweepFills(ctx context.Context) error {
	working := make([]*Intent, 0)
	for _, state := range []IntentState{StateSubmitted, StatePartiallyFilled} {
		intents, err := r.svc.store.IntentsByState(ctx, state, 100)
		if err != nil {
			return err
		}
		working = append(working, intents...)
	}
	if len(working) == 0 {
		return nil
	}

	fills, err := r.svc.broker.Fills(ctx, startOfDay(r.svc.clock()))
	if err != nil {
		return err
	}
	byBroker := make(map[string][]BrokerFill)
	for _, f := range fills {
		byBroker[f.BrokerOrderID] = append(byBroker[f.BrokerOrderID], f)
	}

	for _, intent := range working {
		order, err := r.svc.store.OrderByIntent(ctx, intent.IntentID)
		if err != nil || order == nil {
			continue
		}
		for _, fill := range byBroker[order.BrokerOrderID] {
			// Duplicate natural keys are discarded inside ApplyFill.
			if err := r.svc.ApplyFill(ctx, fill); err != nil {
				logs.Errorf("backfill %s: %+v", fill.NaturalKey(), err)
			}
		}
	}
	return nil
}

func matchCandidates(intent *Intent, open []BrokerOrder) []BrokerOrder {
	out := make([]BrokerOrder, 0, 1)
	for _, o := range open {
		if o.RequestHash != "" && o.RequestHash == intent.RequestHash {
			out = append(out, o)
			continue
		}
		if strings.Contains(o.Remark, "intent:"+intent.IntentID) {
			out = append(out, o)
		}
	}
	return out
}

func startOfDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
