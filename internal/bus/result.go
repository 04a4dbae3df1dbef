// Package bus is the message runtime over the stream log: validated
// producers, consumer groups with at-least-once delivery, idempotent
// dispatch, bounded retries, and dead-letter routing.
package bus

import (
	"context"

	"blackjack/internal/schema"
)

// Status classifies a handler outcome. The bus never relies on panics or
// error unwinding to tell retryable from fatal.
type Status int

const (
	StatusOk Status = iota
	StatusRetryable
	StatusFatal
)

// Result is the explicit outcome of one handler invocation.
type Result struct {
	Status Status
	Reason string
	// Digest optionally fingerprints the handler's effect; it is stored
	// with the idempotency record and never overwritten afterwards.
	Digest string
}

// Ok reports successful handling.
func Ok() Result {
	return Result{Status: StatusOk}
}

// OkDigest reports success with an effect fingerprint.
func OkDigest(digest string) Result {
	return Result{Status: StatusOk, Digest: digest}
}

// Retryable reports a transient failure worth re-delivering.
func Retryable(reason string) Result {
	return Result{Status: StatusRetryable, Reason: reason}
}

// Fatal reports a permanent failure; the event goes straight to the DLQ.
func Fatal(reason string) Result {
	return Result{Status: StatusFatal, Reason: reason}
}

// Handler processes one validated envelope.
type Handler func(ctx context.Context, env schema.Envelope) Result
