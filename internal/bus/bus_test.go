package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blackjack/internal/eventlog"
	"blackjack/internal/schema"
)

func testValidator() *schema.Validator {
	return schema.NewValidator(schema.NewCoreRegistry())
}

func heartbeat(eventID string) schema.Envelope {
	return schema.Envelope{
		EventID:       eventID,
		TraceID:       "T1",
		ProducedAt:    "2026-08-05T09:30:00+08:00",
		Schema:        schema.PerceptionHeartbeatV1,
		SchemaVersion: 1,
		Payload:       map[string]any{"status": "ok"},
	}
}

func TestPublishValidEnvelope(t *testing.T) {
	log := eventlog.NewMemory()
	p := NewProducer(log, testValidator(), []string{schema.PerceptionHeartbeatV1}).
		WithSource("perception-service")

	offset, err := p.Publish(context.Background(), schema.PerceptionHeartbeatV1, heartbeat("E1"))
	require.NoError(t, err)
	assert.NotEmpty(t, offset)
	assert.Equal(t, 1, log.Len(schema.PerceptionHeartbeatV1))
}

func TestPublishUndeclaredStream(t *testing.T) {
	log := eventlog.NewMemory()
	p := NewProducer(log, testValidator(), []string{schema.PerceptionHeartbeatV1})

	env := heartbeat("E1")
	env.Schema = schema.SignalsRegimeDetectedV1
	_, err := p.Publish(context.Background(), schema.SignalsRegimeDetectedV1, env)
	assert.ErrorIs(t, err, ErrUnauthorizedStream)
	assert.Equal(t, 0, log.Len(schema.SignalsRegimeDetectedV1))
}

func TestPublishSchemaStreamMismatch(t *testing.T) {
	log := eventlog.NewMemory()
	p := NewProducer(log, testValidator(), []string{schema.PerceptionHeartbeatV1, schema.SignalsRegimeDetectedV1})

	_, err := p.Publish(context.Background(), schema.SignalsRegimeDetectedV1, heartbeat("E1"))
	assert.ErrorIs(t, err, ErrStreamSchemaMismatch)
}

func TestPublishInvalidEnvelopeSurfacesViolation(t *testing.T) {
	log := eventlog.NewMemory()
	p := NewProducer(log, testValidator(), []string{schema.PerceptionHeartbeatV1})

	env := heartbeat("E1")
	env.TraceID = ""
	_, err := p.Publish(context.Background(), schema.PerceptionHeartbeatV1, env)
	cv, ok := schema.AsContractViolation(err)
	require.True(t, ok, "expected contract violation, got %v", err)
	assert.Equal(t, schema.KindMissingField, cv.Kind)
	assert.Equal(t, 0, log.Len(schema.PerceptionHeartbeatV1))
}

func TestPublishBatchReturnsPerEnvelopeResults(t *testing.T) {
	log := eventlog.NewMemory()
	p := NewProducer(log, testValidator(), []string{schema.PerceptionHeartbeatV1})

	bad := heartbeat("E2")
	bad.Payload = map[string]any{"status": ""}
	results := p.PublishBatch(context.Background(), schema.PerceptionHeartbeatV1,
		[]schema.Envelope{heartbeat("E1"), bad, heartbeat("E3")})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, 2, log.Len(schema.PerceptionHeartbeatV1))
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Cap: time.Minute}
	assert.Equal(t, time.Duration(0), b.Delay(1))
	assert.Equal(t, time.Second, b.Delay(2))
	assert.Equal(t, 2*time.Second, b.Delay(3))
	assert.Equal(t, 4*time.Second, b.Delay(4))
	assert.Equal(t, time.Minute, b.Delay(12))
}

func TestIdempotencyMarkIsFirstWriteWins(t *testing.T) {
	s := NewMemoryIdempotency()
	ctx := context.Background()

	require.NoError(t, s.Mark(ctx, "g", "E1", "digest-a", time.Hour))
	require.NoError(t, s.Mark(ctx, "g", "E1", "digest-b", time.Hour))

	digest, ok := s.Digest("g", "E1")
	require.True(t, ok)
	assert.Equal(t, "digest-a", digest)

	seen, err := s.Seen(ctx, "g", "E1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.Seen(ctx, "other", "E1")
	require.NoError(t, err)
	assert.False(t, seen, "idempotency is scoped per group")
}
