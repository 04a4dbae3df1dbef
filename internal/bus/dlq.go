package bus

import (
	"github.com/bytedance/sonic"

	"blackjack/internal/eventlog"
	"blackjack/internal/schema"
)

// maxErrorDetail bounds the diagnostic text carried in a DLQ payload.
const maxErrorDetail = 4096

// wrapDeadLetter builds the DLQ envelope for a failed entry. The original
// bytes ride along as the decoded object, or as a raw string when they do
// not parse. trace_id is inherited when the original carries one.
func wrapDeadLetter(stream string, entry eventlog.Entry, errKind, errDetail string, attempts int) schema.Envelope {
	var original any
	var traceID string
	var decoded map[string]any
	if err := sonic.Unmarshal(entry.Data, &decoded); err == nil {
		original = decoded
		if tid, ok := decoded["trace_id"].(string); ok {
			traceID = tid
		}
	} else {
		original = string(entry.Data)
	}
	if len(errDetail) > maxErrorDetail {
		errDetail = errDetail[:maxErrorDetail]
	}
	return schema.NewEnvelope(schema.DLQStream(stream), traceID, map[string]any{
		"original_stream":   stream,
		"original_offset":   string(entry.Offset),
		"original_envelope": original,
		"error_kind":        errKind,
		"error_detail":      errDetail,
		"attempts":          attempts,
	})
}
