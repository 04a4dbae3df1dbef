package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"blackjack/internal/eventlog"
	"blackjack/internal/obs"
	"blackjack/internal/schema"
)

var (
	ErrNilHandler    = errors.New("bus: consumer handler is nil")
	ErrMissingStream = errors.New("bus: consumer stream is required")
	ErrMissingGroup  = errors.New("bus: consumer group is required")
)

// ConsumerConfig declares one consumer-group binding.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	Handler  Handler

	// MaxAttempts caps deliveries before dead-lettering. Default 5.
	MaxAttempts int
	// VisibilityTimeout is the pending idle time before another consumer
	// may claim an entry. Default 30s.
	VisibilityTimeout time.Duration
	// HandlerTimeout bounds a single handler invocation. Default 30s.
	HandlerTimeout time.Duration
	// Concurrency is the worker-pool width. Default 1.
	Concurrency int
	// BlockTimeout is the group-read block. Default 1s.
	BlockTimeout time.Duration
	// IdempotencyTTL is how long completed event ids are remembered.
	IdempotencyTTL time.Duration
	// Backoff is the advisory sleep before redelivered attempts.
	Backoff Backoff
	// Start positions a newly created group. Default beginning.
	Start eventlog.Offset
	// DropInvalid logs and drops contract violations instead of routing
	// them to a DLQ. Forced on for DLQ streams, which never have DLQs of
	// their own.
	DropInvalid bool
}

func (c *ConsumerConfig) applyDefaults() error {
	if c.Handler == nil {
		return ErrNilHandler
	}
	if c.Stream == "" {
		return ErrMissingStream
	}
	if c.Group == "" {
		return ErrMissingGroup
	}
	if c.Consumer == "" {
		c.Consumer = fmt.Sprintf("%s-1", c.Group)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.Start == "" {
		c.Start = eventlog.StartBeginning
	}
	if schema.IsDLQStream(c.Stream) {
		c.DropInvalid = true
	}
	return nil
}

// Consumer drives one consumer-group binding: at-least-once delivery,
// idempotent dispatch, bounded retries via claim redelivery, and DLQ
// routing for exhausted or fatal events.
type Consumer struct {
	cfg       ConsumerConfig
	log       eventlog.Log
	validator *schema.Validator
	idem      IdempotencyStore
	attempts  AttemptStore
	metrics   *obs.Metrics

	mu       sync.Mutex
	inflight map[string]bool
}

// NewConsumer validates the binding and builds the runtime.
func NewConsumer(log eventlog.Log, validator *schema.Validator, idem IdempotencyStore, attempts AttemptStore, cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Consumer{
		cfg:       cfg,
		log:       log,
		validator: validator,
		idem:      idem,
		attempts:  attempts,
		inflight:  make(map[string]bool),
	}, nil
}

// WithMetrics attaches counters.
func (c *Consumer) WithMetrics(m *obs.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Run blocks consuming the stream until ctx is done. In-flight handlers
// finish before return; unacked entries stay pending for a future claim.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.log.CreateGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Start); err != nil {
		return err
	}

	entries := make(chan eventlog.Entry)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range entries {
				c.process(ctx, e)
			}
		}()
	}

	claimTicker := time.NewTicker(c.cfg.VisibilityTimeout)
	defer claimTicker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-claimTicker.C:
			claimed, err := c.log.ClaimStale(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.VisibilityTimeout, c.cfg.Concurrency*4)
			if err != nil {
				logs.Errorf("claim stale on %s: %+v", c.cfg.Stream, err)
				continue
			}
			if !dispatch(ctx, entries, claimed) {
				break loop
			}
		default:
			read, err := c.log.GroupRead(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.Concurrency*4, c.cfg.BlockTimeout)
			if err != nil {
				if ctx.Err() != nil {
					break loop
				}
				logs.Errorf("group read on %s: %+v", c.cfg.Stream, err)
				select {
				case <-ctx.Done():
					break loop
				case <-time.After(c.cfg.BlockTimeout):
				}
				continue
			}
			if !dispatch(ctx, entries, read) {
				break loop
			}
		}
	}

	close(entries)
	wg.Wait()
	return ctx.Err()
}

func dispatch(ctx context.Context, entries chan<- eventlog.Entry, batch []eventlog.Entry) bool {
	for _, e := range batch {
		select {
		case <-ctx.Done():
			return false
		case entries <- e:
		}
	}
	return true
}

// Drain synchronously processes everything currently claimable or
// readable until the stream is quiet. Used by tests and batch tooling.
func (c *Consumer) Drain(ctx context.Context) error {
	if err := c.log.CreateGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Start); err != nil {
		return err
	}
	for {
		claimed, err := c.log.ClaimStale(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.VisibilityTimeout, 64)
		if err != nil {
			return err
		}
		read, err := c.log.GroupRead(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, 64, 0)
		if err != nil {
			return err
		}
		if len(claimed) == 0 && len(read) == 0 {
			return nil
		}
		for _, e := range append(claimed, read...) {
			c.process(ctx, e)
		}
	}
}

func (c *Consumer) process(ctx context.Context, entry eventlog.Entry) {
	c.metrics.IncConsumed()

	env, err := c.validator.Validate(entry.Data)
	if err != nil {
		c.metrics.IncValidationFail()
		cv, _ := schema.AsContractViolation(err)
		kind, detail := string(schema.KindMalformed), err.Error()
		if cv != nil {
			kind = string(cv.Kind)
			detail = cv.Error()
			if cv.Field != "" {
				detail = cv.Field + ": " + cv.Reason
			}
		}
		c.deadLetter(ctx, entry, kind, detail, 0)
		return
	}

	seen, err := c.idem.Seen(ctx, c.cfg.Group, env.EventID)
	if err != nil {
		logs.Errorf("idempotency lookup for %s: %+v", env.EventID, err)
		return // stays pending, redelivered later
	}
	if seen {
		c.metrics.IncIdempotentDrop()
		c.ack(ctx, entry.Offset)
		return
	}

	// A concurrent delivery of the same event id to this process yields to
	// the in-flight invocation; the entry stays pending and the
	// idempotency record settles it on redelivery.
	if !c.acquire(env.EventID) {
		return
	}
	defer c.release(env.EventID)

	attempt, err := c.attempts.Next(ctx, c.cfg.Group, env.EventID, c.cfg.IdempotencyTTL)
	if err != nil {
		logs.Errorf("attempt counter for %s: %+v", env.EventID, err)
		return
	}
	if attempt > 1 {
		c.metrics.IncRetried()
		if delay := c.cfg.Backoff.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}

	res := c.invoke(ctx, env)
	switch res.Status {
	case StatusOk:
		c.ack(ctx, entry.Offset)
		if err := c.idem.Mark(ctx, c.cfg.Group, env.EventID, res.Digest, c.cfg.IdempotencyTTL); err != nil {
			logs.Errorf("idempotency mark for %s: %+v", env.EventID, err)
		}
	case StatusRetryable:
		if attempt < c.cfg.MaxAttempts {
			// No ack: visibility timeout expiry redelivers via claim.
			return
		}
		c.deadLetter(ctx, entry, "HandlerRetryable", res.Reason, attempt)
	default:
		c.deadLetter(ctx, entry, "HandlerFatal", res.Reason, attempt)
	}
}

func (c *Consumer) invoke(ctx context.Context, env schema.Envelope) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("handler panic on %s: %v", c.cfg.Stream, r)
			res = Retryable(fmt.Sprintf("panic: %v", r))
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()
	return c.cfg.Handler(hctx, env)
}

func (c *Consumer) deadLetter(ctx context.Context, entry eventlog.Entry, errKind, errDetail string, attempts int) {
	if c.cfg.DropInvalid {
		logs.Warnf("dropping entry %s on %s: %s: %s", entry.Offset, c.cfg.Stream, errKind, errDetail)
		c.ack(ctx, entry.Offset)
		return
	}
	env := wrapDeadLetter(c.cfg.Stream, entry, errKind, errDetail, attempts)
	data, err := schema.Encode(env)
	if err != nil {
		logs.Errorf("encode dead letter for %s: %+v", entry.Offset, err)
		return
	}
	if _, err := c.log.Append(ctx, schema.DLQStream(c.cfg.Stream), data); err != nil {
		// Leave the original pending; the claim loop retries the whole
		// delivery, including this append.
		logs.Errorf("append dead letter for %s: %+v", entry.Offset, err)
		return
	}
	c.metrics.IncDeadLettered()
	c.ack(ctx, entry.Offset)
}

func (c *Consumer) ack(ctx context.Context, offset eventlog.Offset) {
	if err := c.log.Ack(ctx, c.cfg.Stream, c.cfg.Group, offset); err != nil {
		logs.Errorf("ack %s on %s: %+v", offset, c.cfg.Stream, err)
		return
	}
	c.metrics.IncAcked()
}

func (c *Consumer) acquire(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[eventID] {
		return false
	}
	c.inflight[eventID] = true
	return true
}

func (c *Consumer) release(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, eventID)
}
