package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// quietRoutes are polled by orchestrators and scrapers; their completion is
// logged at debug level only.
var quietRoutes = map[string]bool{
	"/healthz":     true,
	"/readyz":      true,
	"/metrics":     true,
	"GET /healthz": true,
	"GET /readyz":  true,
	"GET /metrics": true,
}

// statusRecorder captures the status written by the wrapped handler. It
// forwards Hijack so the WebSocket upgrade on /ws works behind the
// middleware.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack implements [http.Hijacker]. A successful hijack is recorded as 101.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		r.statusCode = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware traces and measures every request served by the relay.
//
// It continues an incoming W3C trace context (or starts a trace), echoes the
// trace ID as X-Correlation-ID and records intervox.http.request.duration
// labelled with method, route pattern and status. For an upgraded /ws
// request the duration, span and log line cover the whole relay session.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

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

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			// ServeMux stores the matched pattern on the request, which keeps
			// /api/sessions/{id}/answers at a single label.
			route := r.URL.Path
			if r.Pattern != "" {
				route = r.Pattern
				span.SetName("HTTP " + route)
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
					attribute.String("status", strconv.Itoa(rec.statusCode)),
				),
			)

			level, msg := slog.LevelInfo, "request completed"
			switch {
			case rec.statusCode == http.StatusSwitchingProtocols:
				msg = "relay connection closed"
			case quietRoutes[route]:
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, msg,
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
