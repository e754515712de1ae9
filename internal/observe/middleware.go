package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// quietRoutes are logged at debug level. Probes and scrapes hit the server
// every few seconds.
var quietRoutes = map[string]bool{
	"GET /healthz": true,
	"GET /readyz":  true,
	"GET /metrics": true,
}

// statusRecorder captures the status the downstream handler wrote and
// whether it took over the connection.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	hijacked   bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets websocket upgrades pass through. A hijacked connection is
// recorded as 101 Switching Protocols.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	r.hijacked = true
	return hj.Hijack()
}

// Middleware traces, times and logs every request.
//
// The incoming W3C trace context is continued when present. The span, the
// duration histogram and the log line are keyed by the mux route pattern
// (e.g. "GET /ws/{subjectID}") so subject ids never become label values;
// the subject itself goes into the request context via [WithSubject]. A
// websocket route is logged once when the session ends, with its total
// duration.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			// Before InitProvider the global propagator is a no-op.
			prop := otel.GetTextMapPropagator()
			if len(prop.Fields()) == 0 {
				prop = propagation.TraceContext{}
			}

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			// ServeMux fills in Pattern and path values while routing.
			route := r.Pattern
			if route == "" {
				route = r.Method + " " + r.URL.Path
			}
			if sub := r.PathValue("subjectID"); sub != "" {
				ctx = WithSubject(ctx, sub)
				span.SetAttributes(attribute.String(SubjectKey, sub))
			}
			span.SetName(route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(rec.statusCode),
			)

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
				),
			)

			level, msg := slog.LevelInfo, "request completed"
			switch {
			case rec.hijacked:
				msg = "websocket session ended"
			case quietRoutes[route]:
				level = slog.LevelDebug
			case rec.statusCode >= http.StatusInternalServerError:
				level = slog.LevelWarn
			}
			Logger(ctx).LogAttrs(ctx, level, msg,
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
