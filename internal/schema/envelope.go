package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// SchemaVersion is the current major version of every core stream.
const SchemaVersion = 1

// Envelope is the fixed wrapper around every event. It is immutable after
// append; event_id doubles as the idempotency key.
type Envelope struct {
	EventID       string         `json:"event_id"`
	TraceID       string         `json:"trace_id"`
	ProducedAt    string         `json:"produced_at"`
	Schema        string         `json:"schema"`
	SchemaVersion int            `json:"schema_version"`
	Payload       map[string]any `json:"payload"`
	SourceService string         `json:"source_service,omitempty"`
}

// NewEventID returns a fresh globally unique event identifier.
func NewEventID() string {
	return uuid.NewString()
}

// NewTraceID returns a fresh trace identifier for the root of a flow.
func NewTraceID() string {
	return uuid.NewString()
}

// Now formats the current instant as an RFC3339 timestamp with offset.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewEnvelope builds an envelope for the given schema with fresh identity
// fields. The caller supplies the trace to propagate, or "" for a new root.
func NewEnvelope(schemaName, traceID string, payload map[string]any) Envelope {
	if traceID == "" {
		traceID = NewTraceID()
	}
	major := 0
	if ref, err := ParseSchema(schemaName); err == nil {
		major = ref.Major
	}
	return Envelope{
		EventID:       NewEventID(),
		TraceID:       traceID,
		ProducedAt:    Now(),
		Schema:        schemaName,
		SchemaVersion: major,
		Payload:       payload,
	}
}

// Encode serializes the envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	return sonic.Marshal(env)
}

// Decode parses wire bytes into an envelope. Corrupt bytes yield a
// ContractViolation, never a partial envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ContractViolation{
			Kind:   KindMalformed,
			Reason: err.Error(),
		}
	}
	return env, nil
}

// SchemaRef is a parsed schema string: two or more dot-separated name
// segments followed by a .v<major> suffix.
type SchemaRef struct {
	Name  string
	Major int
}

// ParseSchema checks the schema naming form and extracts the major version.
func ParseSchema(name string) (SchemaRef, error) {
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return SchemaRef{}, fmt.Errorf("schema %q must have at least two name segments and a version suffix", name)
	}
	suffix := parts[len(parts)-1]
	if len(suffix) < 2 || suffix[0] != 'v' {
		return SchemaRef{}, fmt.Errorf("schema %q must end with .v<major>", name)
	}
	major, err := strconv.Atoi(suffix[1:])
	if err != nil || major < 1 {
		return SchemaRef{}, fmt.Errorf("schema %q has invalid major version %q", name, suffix)
	}
	for _, p := range parts[:len(parts)-1] {
		if p == "" {
			return SchemaRef{}, fmt.Errorf("schema %q has an empty name segment", name)
		}
	}
	return SchemaRef{Name: name, Major: major}, nil
}

// ParseTimestamp parses an RFC3339 timestamp and rejects values without an
// explicit timezone offset.
func ParseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q must be RFC3339 with timezone offset", s)
	}
	return ts, nil
}
