package ops

import (
	"context"

	"github.com/google/uuid"
)

// TraceIDField is the log field carrying the invocation trace id.
const TraceIDField = "traceId"

// NewTraceID returns a sortable, time-embedded identifier for one
// scheduling pass over a task. UUIDv7 keeps ids monotonic-ish across
// the audit log while staying unguessable.
func NewTraceID() string {
	var id, err = uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4
		// rather than aborting the pass.
		return uuid.NewString()
	}
	return id.String()
}

type traceKey struct{}

// WithTrace returns a context carrying |traceID|.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// Trace extracts the trace id from |ctx|, or "" if none was attached.
func Trace(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
