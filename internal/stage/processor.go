// Package stage hosts pipeline stage processors: a declared binding of
// input streams, a consumer group, whitelisted output streams, and a
// user-supplied transform, wired into the bus runtime.
package stage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"blackjack/internal/bus"
	"blackjack/internal/eventlog"
	"blackjack/internal/obs"
	"blackjack/internal/schema"
)

var (
	ErrNoInputStreams = errors.New("stage: binding declares no input streams")
	ErrNilTransform   = errors.New("stage: binding transform is nil")
)

// Context is the minimal surface a transform sees for one event.
type Context struct {
	Event   schema.Envelope
	TraceID string

	producer *bus.Producer
	source   string
}

// Emit publishes a payload on a declared output stream. The envelope
// inherits the incoming trace and gets fresh identity fields. Emitting to
// an undeclared stream fails with bus.ErrUnauthorizedStream.
func (c *Context) Emit(ctx context.Context, stream string, payload map[string]any) error {
	env := schema.NewEnvelope(stream, c.TraceID, payload)
	env.SourceService = c.source
	_, err := c.producer.Publish(ctx, stream, env)
	return err
}

// Transform is one stage's event function.
type Transform func(ctx context.Context, sc *Context) bus.Result

// Binding declares a stage processor.
type Binding struct {
	Name          string
	InputStreams  []string
	Group         string
	OutputStreams []string
	Transform     Transform

	MaxAttempts       int
	Concurrency       int
	VisibilityTimeout time.Duration
	HandlerTimeout    time.Duration
	Backoff           bus.Backoff
}

// Processor runs one consumer per declared input stream and enforces the
// output whitelist on every emit.
type Processor struct {
	binding   Binding
	producer  *bus.Producer
	consumers []*bus.Consumer
}

// New validates the binding and builds the processor.
func New(log eventlog.Log, validator *schema.Validator, idem bus.IdempotencyStore, attempts bus.AttemptStore, binding Binding) (*Processor, error) {
	if len(binding.InputStreams) == 0 {
		return nil, ErrNoInputStreams
	}
	if binding.Transform == nil {
		return nil, ErrNilTransform
	}
	if binding.Group == "" {
		binding.Group = binding.Name
	}

	producer := bus.NewProducer(log, validator, binding.OutputStreams).WithSource(binding.Name)
	p := &Processor{binding: binding, producer: producer}

	for _, stream := range binding.InputStreams {
		c, err := bus.NewConsumer(log, validator, idem, attempts, bus.ConsumerConfig{
			Stream:            stream,
			Group:             binding.Group,
			Handler:           p.handler(),
			MaxAttempts:       binding.MaxAttempts,
			Concurrency:       binding.Concurrency,
			VisibilityTimeout: binding.VisibilityTimeout,
			HandlerTimeout:    binding.HandlerTimeout,
			Backoff:           binding.Backoff,
		})
		if err != nil {
			return nil, err
		}
		p.consumers = append(p.consumers, c)
	}
	return p, nil
}

// WithMetrics attaches counters to the producer and all consumers.
func (p *Processor) WithMetrics(m *obs.Metrics) *Processor {
	p.producer.WithMetrics(m)
	for _, c := range p.consumers {
		c.WithMetrics(m)
	}
	return p
}

func (p *Processor) handler() bus.Handler {
	return func(ctx context.Context, env schema.Envelope) bus.Result {
		sc := &Context{
			Event:    env,
			TraceID:  env.TraceID,
			producer: p.producer,
			source:   p.binding.Name,
		}
		return p.binding.Transform(ctx, sc)
	}
}

// Run consumes every input stream until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range p.consumers {
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}

// Drain processes everything currently available on every input stream.
// Used by tests and batch tooling.
func (p *Processor) Drain(ctx context.Context) error {
	for _, c := range p.consumers {
		if err := c.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}
