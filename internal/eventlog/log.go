// Package eventlog is the narrow port over a log-structured store with
// consumer-group semantics. Implementations hide the backing store; the
// bus and the bridge only ever speak this interface.
package eventlog

import (
	"context"
	"errors"
	"time"
)

// Offset is an opaque, per-stream orderable entry position.
type Offset = string

// Group start positions for CreateGroup.
const (
	StartBeginning Offset = "0"
	StartEnd       Offset = "$"
)

var (
	ErrNoStream = errors.New("eventlog: stream not found")
	ErrNoGroup  = errors.New("eventlog: consumer group not found")
)

// Entry is a single appended envelope with its assigned offset.
type Entry struct {
	Offset Offset
	Data   []byte
}

// Log is the stream-log port. Append assigns monotonic per-stream offsets;
// GroupRead moves entries into the reading consumer's pending list until
// they are acked or claimed by another consumer.
type Log interface {
	// Append durably appends one entry and returns its offset.
	Append(ctx context.Context, stream string, data []byte) (Offset, error)

	// ReadRange reads up to limit entries starting at from (inclusive),
	// without touching consumer-group state. from=="" reads from the start.
	ReadRange(ctx context.Context, stream string, from Offset, limit int) ([]Entry, error)

	// GroupRead delivers up to count new entries to the consumer, blocking
	// up to block when none are available. Delivered entries become pending
	// for this consumer until acked.
	GroupRead(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)

	// Ack removes an entry from the group's pending state.
	Ack(ctx context.Context, stream, group string, offset Offset) error

	// ClaimStale transfers entries pending longer than minIdle to the
	// calling consumer and re-delivers them.
	ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)

	// CreateGroup creates the consumer group if absent. start is
	// StartBeginning, StartEnd, or a specific offset.
	CreateGroup(ctx context.Context, stream, group string, start Offset) error
}
