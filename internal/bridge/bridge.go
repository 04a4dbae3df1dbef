// Package bridge is the one-way forwarder between the compute plane and
// the trade plane. It is the only component holding credentials for both
// stores, and it forwards nothing but whitelisted approval events.
package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"blackjack/internal/bus"
	"blackjack/internal/eventlog"
	"blackjack/internal/obs"
	"blackjack/internal/schema"
)

// Group is the bridge's consumer group on the compute plane.
const Group = "trade-bridge"

// DefaultWhitelist is the hard-coded forwarding set.
var DefaultWhitelist = []string{schema.RiskOrderApprovedV1}

// ErrNotApprovalStream rejects whitelist overrides that name anything but
// an order-approval stream. Configuration bug, fatal at startup.
var ErrNotApprovalStream = errors.New("bridge: whitelist entry is not an approval stream")

// Config tunes the forwarder.
type Config struct {
	// Whitelist overrides DefaultWhitelist. Overrides are logged.
	Whitelist   []string
	Consumer    string
	MaxAttempts int
	// VisibilityTimeout and Backoff follow the bus defaults when zero.
	VisibilityTimeout time.Duration
	Backoff           bus.Backoff
}

// Bridge consumes whitelisted compute-plane streams and re-appends each
// valid envelope, event_id preserved verbatim, to the identically named
// trade-plane stream. It keeps no state beyond its consumer-group cursor.
type Bridge struct {
	compute   eventlog.Log
	trade     eventlog.Log
	validator *schema.Validator
	cfg       Config
	whitelist []string
	metrics   *obs.Metrics
	consumers []*bus.Consumer
}

// New validates the whitelist and builds the bridge.
func New(compute, trade eventlog.Log, validator *schema.Validator, idem bus.IdempotencyStore, attempts bus.AttemptStore, cfg Config) (*Bridge, error) {
	whitelist := cfg.Whitelist
	if len(whitelist) == 0 {
		whitelist = DefaultWhitelist
	} else {
		logs.Warnf("bridge whitelist overridden: %v", whitelist)
	}
	for _, stream := range whitelist {
		if _, err := schema.ParseSchema(stream); err != nil {
			return nil, errors.Wrapf(ErrNotApprovalStream, "%s", stream)
		}
		if !strings.Contains(stream, ".order.approved.") {
			return nil, errors.Wrapf(ErrNotApprovalStream, "%s", stream)
		}
	}

	b := &Bridge{
		compute:   compute,
		trade:     trade,
		validator: validator,
		cfg:       cfg,
		whitelist: whitelist,
	}
	for _, stream := range whitelist {
		c, err := bus.NewConsumer(compute, validator, idem, attempts, bus.ConsumerConfig{
			Stream:            stream,
			Group:             Group,
			Consumer:          cfg.Consumer,
			MaxAttempts:       cfg.MaxAttempts,
			VisibilityTimeout: cfg.VisibilityTimeout,
			Backoff:           cfg.Backoff,
			Handler:           b.forward(stream),
		})
		if err != nil {
			return nil, err
		}
		b.consumers = append(b.consumers, c)
	}
	return b, nil
}

// WithMetrics attaches counters to the bridge and its consumers.
func (b *Bridge) WithMetrics(m *obs.Metrics) *Bridge {
	b.metrics = m
	for _, c := range b.consumers {
		c.WithMetrics(m)
	}
	return b
}

// Whitelist reports the active forwarding set.
func (b *Bridge) Whitelist() []string {
	return append([]string(nil), b.whitelist...)
}

// forward re-validates and appends to the trade plane. The consumer
// machinery already dead-letters invalid envelopes on the compute plane;
// anything reaching here is contract-clean, so the only failure left is
// the trade-plane append, which is retryable.
func (b *Bridge) forward(stream string) bus.Handler {
	return func(ctx context.Context, env schema.Envelope) bus.Result {
		data, err := schema.Encode(env)
		if err != nil {
			return bus.Fatal(err.Error())
		}
		if _, err := b.validator.Validate(data); err != nil {
			b.metrics.IncBridgeDropped()
			return bus.Fatal(err.Error())
		}
		if _, err := b.trade.Append(ctx, stream, data); err != nil {
			return bus.Retryable(err.Error())
		}
		b.metrics.IncBridgeForwarded()
		return bus.Ok()
	}
}

// Run consumes every whitelisted stream until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range b.consumers {
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}

// Drain processes everything currently available. Used by tests.
func (b *Bridge) Drain(ctx context.Context) error {
	for _, c := range b.consumers {
		if err := c.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}
