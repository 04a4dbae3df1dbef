package trade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"

	"blackjack/internal/bus"
	"blackjack/internal/obs"
	"blackjack/internal/schema"
)

// DefaultLeaseTTL bounds how long a submitting worker may hold an intent.
const DefaultLeaseTTL = 10 * time.Second

// Service drives the submission state machine. Every transition persists
// state, inbox, and outbox in one transaction; broker calls happen
// between transactions so a crash leaves the intent in a recoverable
// state (SUBMIT_UNKNOWN at worst).
type Service struct {
	store    Store
	broker   Broker
	owner    string
	leaseTTL time.Duration
	clock    func() time.Time
	metrics  *obs.Metrics
	// alarms bounds trade.reconcile.ambiguous emission.
	alarms *rate.Limiter
}

// NewService builds the executor core.
func NewService(store Store, broker Broker, owner string) *Service {
	if owner == "" {
		owner = "executor-" + uuid.NewString()[:8]
	}
	return &Service{
		store:    store,
		broker:   broker,
		owner:    owner,
		leaseTTL: DefaultLeaseTTL,
		clock:    func() time.Time { return time.Now().UTC() },
		alarms:   rate.NewLimiter(rate.Every(time.Minute), 5),
	}
}

// WithLeaseTTL overrides the submit lease duration.
func (s *Service) WithLeaseTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.leaseTTL = ttl
	}
	return s
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithMetrics attaches counters.
func (s *Service) WithMetrics(m *obs.Metrics) *Service {
	s.metrics = m
	return s
}

// WithAlarmLimit overrides the ambiguity alert rate limiter.
func (s *Service) WithAlarmLimit(l *rate.Limiter) *Service {
	if l != nil {
		s.alarms = l
	}
	return s
}

// Handler adapts HandleApproved into a bus consumer handler for the
// trade-plane risk.order.approved.v1 stream.
func (s *Service) Handler() bus.Handler {
	return func(ctx context.Context, env schema.Envelope) bus.Result {
		return s.HandleApproved(ctx, env)
	}
}

// HandleApproved admits one approval envelope into the state machine.
// Re-delivery of a known intent_id answers from the inbox without
// re-entering the machine.
func (s *Service) HandleApproved(ctx context.Context, env schema.Envelope) bus.Result {
	order, _ := env.Payload["order"].(map[string]any)
	intentID := str(order["intent_id"])
	if intentID == "" {
		intentID = env.EventID
	}
	canTrade, _ := env.Payload["can_trade"].(bool)
	digest := envelopeDigest(env)

	var status IntentState
	err := s.store.InTx(ctx, func(tx Store) error {
		rec, err := tx.Inbox(ctx, intentID)
		if err != nil {
			return err
		}
		if rec != nil {
			// Settled before: surface the recorded outcome, touch nothing.
			status = rec.Status
			digest = rec.ResultDigest
			return nil
		}

		snapshot, err := schema.Encode(env)
		if err != nil {
			return err
		}
		qty := num(order["qty"])
		intent := &Intent{
			IntentID:         intentID,
			Symbol:           str(env.Payload["symbol"]),
			State:            StateNew,
			ApprovalSnapshot: snapshot,
			TraceID:          env.TraceID,
			Side:             str(order["side"]),
			TargetQty:        qty,
			LimitPrice:       num(order["price"]),
		}

		now := schema.Now()
		if canTrade && qty > 0 {
			if err := Transition(intent, StateRiskApproved); err != nil {
				return err
			}
			if err := s.enqueue(ctx, tx, PlaneTrade, schema.TradeIntentApprovedV1, intent.TraceID, map[string]any{
				"intent_id": intentID,
				"symbol":    intent.Symbol,
				"ts":        now,
				"state":     string(intent.State),
			}); err != nil {
				return err
			}
		} else {
			if err := Transition(intent, StateRejected); err != nil {
				return err
			}
			intent.RejectCode = "NOT_APPROVED"
			if canTrade {
				intent.RejectCode = "EMPTY_ORDER"
			}
			if err := s.enqueue(ctx, tx, PlaneTrade, schema.TradeIntentRejectedV1, intent.TraceID, map[string]any{
				"intent_id": intentID,
				"symbol":    intent.Symbol,
				"ts":        now,
				"reason":    intent.RejectCode,
			}); err != nil {
				return err
			}
		}

		if err := tx.SaveIntent(ctx, intent); err != nil {
			return err
		}
		status = intent.State
		return tx.SaveInbox(ctx, &InboxRecord{
			IntentID:     intentID,
			Status:       status,
			ResultDigest: digest,
		})
	})
	if err != nil {
		logs.Errorf("handle approved intent %s: %+v", intentID, err)
		return bus.Retryable(err.Error())
	}
	return bus.OkDigest(digest)
}

// SubmitApproved pushes every RISK_APPROVED intent to the broker under a
// lease. Returns the number of intents it attempted.
func (s *Service) SubmitApproved(ctx context.Context) (int, error) {
	intents, err := s.store.IntentsByState(ctx, StateRiskApproved, 64)
	if err != nil {
		return 0, err
	}
	for _, intent := range intents {
		if err := s.submitOne(ctx, intent.IntentID, schema.TradeSubmitStartedV1); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				continue
			}
			return 0, err
		}
	}
	return len(intents), nil
}

// submitOne runs one leased submit attempt. startStream distinguishes a
// first submit (trade.submit.started.v1) from a reconciler-ordered retry
// (trade.submit.retry.v1).
func (s *Service) submitOne(ctx context.Context, intentID, startStream string) error {
	now := s.clock()
	acquired, err := s.store.AcquireLease(ctx, intentID, s.owner, s.leaseTTL, now)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLeaseLost
	}

	var req OrderRequest
	err = s.store.InTx(ctx, func(tx Store) error {
		intent, err := s.leased(ctx, tx, intentID)
		if err != nil {
			return err
		}
		if err := Transition(intent, StateSubmitting); err != nil {
			return err
		}
		intent.AttemptCounter++
		intent.SubmitAttemptID = uuid.NewString()
		req = OrderRequest{
			IntentID: intent.IntentID,
			Symbol:   intent.Symbol,
			Side:     intent.Side,
			Qty:      intent.TargetQty,
			Price:    intent.LimitPrice,
			Remark:   "intent:" + intent.IntentID,
		}
		intent.RequestHash = req.Hash()
		if err := tx.SaveIntent(ctx, intent); err != nil {
			return err
		}
		payload := map[string]any{
			"intent_id": intent.IntentID,
			"ts":        schema.Now(),
			"attempt":   intent.AttemptCounter,
		}
		if startStream == schema.TradeSubmitStartedV1 {
			payload["submit_attempt_id"] = intent.SubmitAttemptID
		}
		return s.enqueue(ctx, tx, PlaneTrade, startStream, intent.TraceID, payload)
	})
	if err != nil {
		return err
	}

	ack, placeErr := s.broker.Place(ctx, req)
	return s.settleSubmit(ctx, intentID, req, ack, placeErr)
}

// settleSubmit records the broker's answer for a SUBMITTING intent.
func (s *Service) settleSubmit(ctx context.Context, intentID string, req OrderRequest, ack PlaceAck, placeErr error) error {
	return s.store.InTx(ctx, func(tx Store) error {
		intent, err := s.leased(ctx, tx, intentID)
		if err != nil {
			return err
		}

		var reject *RejectError
		switch {
		case placeErr == nil:
			if err := Transition(intent, StateSubmitted); err != nil {
				return err
			}
			order := &Order{
				OrderID:       "ord-" + uuid.NewString()[:12],
				IntentID:      intent.IntentID,
				BrokerOrderID: ack.BrokerOrderID,
				RequestHash:   intent.RequestHash,
				State:         StateSubmitted,
				TargetQty:     intent.TargetQty,
				RawRequest:    []byte(req.Remark),
				RawResponse:   ack.Raw,
			}
			if err := tx.SaveOrder(ctx, order); err != nil {
				return err
			}
			if err := tx.SaveIntent(ctx, intent); err != nil {
				return err
			}
			return s.enqueue(ctx, tx, PlaneTrade, schema.TradeOrderSubmittedV1, intent.TraceID, map[string]any{
				"intent_id":       intent.IntentID,
				"order_id":        order.OrderID,
				"broker_order_id": order.BrokerOrderID,
				"ts":              schema.Now(),
			})

		case errors.As(placeErr, &reject):
			if err := Transition(intent, StateRejected); err != nil {
				return err
			}
			intent.RejectCode = reject.Code
			if err := tx.SaveIntent(ctx, intent); err != nil {
				return err
			}
			if err := s.enqueue(ctx, tx, PlaneTrade, schema.TradeOrderRejectedV1, intent.TraceID, map[string]any{
				"intent_id": intent.IntentID,
				"ts":        schema.Now(),
				"code":      reject.Code,
				"reason":    reject.Message,
			}); err != nil {
				return err
			}
			return s.enqueueResult(ctx, tx, intent, schema.ExecutionOrderFailedV1, "FAILED")

		default:
			// Timeout, connection loss, or anything else the send path
			// cannot classify: the order may exist at the venue. Only a
			// reconciliation decision moves the intent out of this state.
			if err := Transition(intent, StateSubmitUnknown); err != nil {
				return err
			}
			if err := tx.SaveIntent(ctx, intent); err != nil {
				return err
			}
			return s.enqueue(ctx, tx, PlaneTrade, schema.TradeSubmitUnknownV1, intent.TraceID, map[string]any{
				"intent_id":    intent.IntentID,
				"ts":           schema.Now(),
				"request_hash": intent.RequestHash,
				"attempt":      intent.AttemptCounter,
			})
		}
	})
}

// ApplyFill records one broker execution against its intent, dedup by
// natural key. A duplicate key with conflicting qty or price halts the
// intent and escalates.
func (s *Service) ApplyFill(ctx context.Context, fill BrokerFill) error {
	conflict := false
	err := s.store.InTx(ctx, func(tx Store) error {
		order, err := tx.OrderByBroker(ctx, fill.BrokerOrderID)
		if err != nil {
			return err
		}
		if order == nil {
			// Fill for an order this executor has not mapped yet; the
			// reconciler sweep picks it up once the mapping exists.
			return nil
		}
		intent, err := tx.Intent(ctx, order.IntentID)
		if err != nil {
			return err
		}
		if intent.Halted {
			return ErrIntentHalted
		}

		inserted, existing, err := tx.InsertFill(ctx, &Fill{
			NaturalKey: fill.NaturalKey(),
			OrderID:    order.OrderID,
			IntentID:   intent.IntentID,
			Qty:        fill.Qty,
			Price:      fill.Price,
			Ts:         fill.Ts,
		})
		if err != nil {
			return err
		}
		if !inserted {
			if existing.Qty != fill.Qty || existing.Price != fill.Price {
				intent.Halted = true
				if err := tx.SaveIntent(ctx, intent); err != nil {
					return err
				}
				if err := s.enqueue(ctx, tx, PlaneTrade, schema.TradeReconcileAmbiguousV1, intent.TraceID, map[string]any{
					"intent_id": intent.IntentID,
					"ts":        schema.Now(),
					"detail":    "conflicting fill for natural key " + fill.NaturalKey(),
				}); err != nil {
					return err
				}
				s.metrics.IncReconcileAlarm()
				// Commit the halt and the escalation; the conflict is
				// reported after the transaction.
				conflict = true
				return nil
			}
			s.metrics.IncFillDuplicate()
			return nil
		}

		prevCum := intent.CumQty
		intent.CumQty += fill.Qty
		if intent.CumQty > 0 {
			intent.AvgPrice = (intent.AvgPrice*prevCum + fill.Price*fill.Qty) / intent.CumQty
		}
		order.CumQty = intent.CumQty

		final := intent.CumQty >= intent.TargetQty
		switch intent.State {
		case StateSubmitted, StatePartiallyFilled, StateSubmitUnknown:
			to := StatePartiallyFilled
			if final {
				to = StateFilled
			}
			if err := Transition(intent, to); err != nil {
				return err
			}
		default:
			// Late fill in a cancel flow or terminal state: keep the fill,
			// leave the state machine alone.
		}
		order.State = intent.State
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.SaveIntent(ctx, intent); err != nil {
			return err
		}

		if final && intent.State == StateFilled {
			if err := s.enqueue(ctx, tx, PlaneTrade, schema.TradeOrderFilledV1, intent.TraceID, map[string]any{
				"intent_id": intent.IntentID,
				"order_id":  order.OrderID,
				"cum_qty":   intent.CumQty,
				"avg_price": intent.AvgPrice,
				"ts":        schema.Now(),
			}); err != nil {
				return err
			}
			return s.enqueueResult(ctx, tx, intent, schema.ExecutionOrderExecutedV1, "EXECUTED")
		}
		return s.enqueue(ctx, tx, PlaneTrade, schema.TradeFillRecordedV1, intent.TraceID, map[string]any{
			"intent_id": intent.IntentID,
			"order_id":  order.OrderID,
			"fill_key":  fill.NaturalKey(),
			"qty":       fill.Qty,
			"price":     fill.Price,
			"cum_qty":   intent.CumQty,
			"ts":        schema.Now(),
		})
	})
	if err == nil && conflict {
		return ErrFillConflict
	}
	return err
}

// RequestCancel moves a working intent into CANCEL_PENDING and sends the
// broker cancel.
func (s *Service) RequestCancel(ctx context.Context, intentID, cancelRequestID string) error {
	var brokerOrderID string
	err := s.store.InTx(ctx, func(tx Store) error {
		intent, err := tx.Intent(ctx, intentID)
		if err != nil {
			return err
		}
		order, err := tx.OrderByIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if order == nil {
			return ErrInvalidTransition
		}
		if err := Transition(intent, StateCancelPending); err != nil {
			return err
		}
		intent.CancelRequestID = cancelRequestID
		brokerOrderID = order.BrokerOrderID
		if err := tx.SaveIntent(ctx, intent); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, PlaneTrade, schema.TradeCancelRequestedV1, intent.TraceID, map[string]any{
			"intent_id":         intent.IntentID,
			"cancel_request_id": cancelRequestID,
			"ts":                schema.Now(),
		})
	})
	if err != nil {
		return err
	}
	if err := s.broker.Cancel(ctx, brokerOrderID); err != nil {
		return err
	}
	return s.OnCancelAck(ctx, intentID)
}

// OnCancelAck finalizes a cancel confirmed by the broker.
func (s *Service) OnCancelAck(ctx context.Context, intentID string) error {
	return s.store.InTx(ctx, func(tx Store) error {
		intent, err := tx.Intent(ctx, intentID)
		if err != nil {
			return err
		}
		if err := Transition(intent, StateCancelled); err != nil {
			return err
		}
		if err := tx.SaveIntent(ctx, intent); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, PlaneTrade, schema.TradeOrderCancelledV1, intent.TraceID, map[string]any{
			"intent_id": intent.IntentID,
			"ts":        schema.Now(),
		}); err != nil {
			return err
		}
		return s.enqueueResult(ctx, tx, intent, schema.ExecutionOrderFailedV1, "CANCELLED")
	})
}

// leased re-reads an intent and verifies this worker still owns it.
func (s *Service) leased(ctx context.Context, tx Store, intentID string) (*Intent, error) {
	intent, err := tx.Intent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.LeaseOwner != s.owner || intent.LeaseExpiresAt.Before(s.clock()) {
		return nil, ErrLeaseLost
	}
	return intent, nil
}

// enqueue stages one lifecycle event in the outbox inside the current
// transaction.
func (s *Service) enqueue(ctx context.Context, tx Store, plane, stream, traceID string, payload map[string]any) error {
	env := schema.NewEnvelope(stream, traceID, payload)
	env.SourceService = "execution-service"
	data, err := schema.Encode(env)
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, &OutboxRecord{Plane: plane, Stream: stream, Envelope: data})
}

// enqueueResult stages the compute-plane execution result for an intent
// reaching a terminal outcome.
func (s *Service) enqueueResult(ctx context.Context, tx Store, intent *Intent, stream, status string) error {
	orderID := intent.IntentID
	if order, err := tx.OrderByIntent(ctx, intent.IntentID); err == nil && order != nil {
		orderID = order.OrderID
	}
	return s.enqueue(ctx, tx, PlaneCompute, stream, intent.TraceID, map[string]any{
		"order_id":   orderID,
		"symbol":     intent.Symbol,
		"ts":         schema.Now(),
		"status":     status,
		"filled_qty": intent.CumQty,
		"avg_price":  intent.AvgPrice,
		"broker":     s.broker.Name(),
	})
}

func envelopeDigest(env schema.Envelope) string {
	data, err := schema.Encode(env)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
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
	case int64:
		return float64(n)
	default:
		return 0
	}
}
