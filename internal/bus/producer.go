package bus

import (
	"context"
	"errors"

	"blackjack/internal/eventlog"
	"blackjack/internal/obs"
	"blackjack/internal/schema"
)

var (
	// ErrUnauthorizedStream is a configuration bug: a producer tried to
	// append to a stream it never declared. Fatal at startup, never retried.
	ErrUnauthorizedStream = errors.New("bus: stream not declared by producer")

	// ErrStreamSchemaMismatch guards the v1 rule that a stream carries
	// exactly the schema its name spells.
	ErrStreamSchemaMismatch = errors.New("bus: envelope schema does not match target stream")
)

// Producer appends validated envelopes to its declared output streams.
// Validation failures surface synchronously as *schema.ContractViolation;
// nothing invalid reaches the log through this path.
type Producer struct {
	log       eventlog.Log
	validator *schema.Validator
	declared  map[string]bool
	source    string
	metrics   *obs.Metrics
}

// NewProducer builds a producer restricted to the declared streams.
func NewProducer(log eventlog.Log, validator *schema.Validator, declared []string) *Producer {
	set := make(map[string]bool, len(declared))
	for _, s := range declared {
		set[s] = true
	}
	return &Producer{log: log, validator: validator, declared: set}
}

// WithSource stamps source_service on published envelopes that lack one.
func (p *Producer) WithSource(service string) *Producer {
	p.source = service
	return p
}

// WithMetrics attaches counters.
func (p *Producer) WithMetrics(m *obs.Metrics) *Producer {
	p.metrics = m
	return p
}

// Declared reports whether the producer may write the stream.
func (p *Producer) Declared(stream string) bool {
	return p.declared[stream]
}

// Publish validates and appends one envelope.
func (p *Producer) Publish(ctx context.Context, stream string, env schema.Envelope) (eventlog.Offset, error) {
	if !p.declared[stream] {
		return "", ErrUnauthorizedStream
	}
	if env.Schema != stream {
		return "", ErrStreamSchemaMismatch
	}
	if env.SourceService == "" {
		env.SourceService = p.source
	}
	data, err := schema.Encode(env)
	if err != nil {
		return "", err
	}
	if _, err := p.validator.Validate(data); err != nil {
		return "", err
	}
	offset, err := p.log.Append(ctx, stream, data)
	if err != nil {
		return "", err
	}
	p.metrics.IncPublished()
	return offset, nil
}

// BatchResult is the per-envelope outcome of PublishBatch.
type BatchResult struct {
	Offset eventlog.Offset
	Err    error
}

// PublishBatch appends each envelope individually. Partial appends can
// occur; the caller inspects each result.
func (p *Producer) PublishBatch(ctx context.Context, stream string, envs []schema.Envelope) []BatchResult {
	out := make([]BatchResult, len(envs))
	for i, env := range envs {
		offset, err := p.Publish(ctx, stream, env)
		out[i] = BatchResult{Offset: offset, Err: err}
	}
	return out
}
