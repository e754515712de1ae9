package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer swaps in an in-memory tracer provider for the test.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestSubject_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if got := Subject(ctx); got != "" {
		t.Errorf("Subject(background) = %q", got)
	}
	ctx = WithSubject(ctx, "baby-1")
	if got := Subject(ctx); got != "baby-1" {
		t.Errorf("Subject = %q, want baby-1", got)
	}
	if got := Subject(WithSubject(ctx, "")); got != "baby-1" {
		t.Errorf("empty WithSubject replaced the subject: %q", got)
	}
}

func TestStartSpan_TagsSubject(t *testing.T) {
	exp := installTracer(t)

	ctx, span := StartSpan(WithSubject(context.Background(), "baby-7"), "classify.pipeline")
	if CorrelationID(ctx) == "" {
		t.Error("span has no trace id")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == SubjectKey && a.Value.AsString() == "baby-7" {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v lack subject_id", spans[0].Attributes)
	}
}

func TestCorrelationID(t *testing.T) {
	installTracer(t)
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "op")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation id %q is not 32 hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger(t *testing.T) {
	installTracer(t)
	buf := captureLogs(t, slog.LevelInfo)

	Logger(context.Background()).Info("bare")
	ctx, span := StartSpan(WithSubject(context.Background(), "baby-2"), "op")
	Logger(ctx).Info("enriched")
	span.End()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2:\n%s", len(lines), buf)
	}
	if strings.Contains(lines[0], "trace_id") || strings.Contains(lines[0], "subject_id") {
		t.Errorf("bare logger added attributes: %s", lines[0])
	}
	for _, want := range []string{"trace_id=", "span_id=", "subject_id=baby-2"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("enriched line missing %q: %s", want, lines[1])
		}
	}
}
