package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/lullaby"

// SubjectKey is the span attribute and log key carrying the monitored
// subject's id.
const SubjectKey = "subject_id"

type subjectCtxKey struct{}

// WithSubject tags ctx with a subject id. [Logger] and [StartSpan] pick it
// up so every log line and span below a connection names its subject.
func WithSubject(ctx context.Context, subjectID string) context.Context {
	if subjectID == "" {
		return ctx
	}
	return context.WithValue(ctx, subjectCtxKey{}, subjectID)
}

// Subject returns the subject id set by [WithSubject], or "".
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectCtxKey{}).(string)
	return s
}

// Tracer returns the lullaby tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. When ctx carries a subject the span
// gets a subject_id attribute. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if s := Subject(ctx); s != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(SubjectKey, s)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID is the trace id of the span in ctx, or "" without one. It
// is echoed to clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the trace ids and subject id found
// in ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if s := Subject(ctx); s != "" {
		attrs = append(attrs, slog.String(SubjectKey, s))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
