package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the relay tracer.
const tracerName = "github.com/MrWong99/intervox"

// Span attribute keys shared by relay spans and log lines.
const (
	KeySessionID   = attribute.Key("intervox.session_id")
	KeyTurnID      = attribute.Key("intervox.turn_id")
	KeyCloseReason = attribute.Key("intervox.close_reason")
	KeyFollowups   = attribute.Key("intervox.followups")
)

// Tracer returns the relay's [trace.Tracer] from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTurnSpan opens the span covering one interview question, from
// start_question until the turn is handed off or discarded.
func StartTurnSpan(ctx context.Context, sessionID, turnID string) trace.Span {
	_, span := StartSpan(ctx, "relay.turn", trace.WithAttributes(
		KeySessionID.String(sessionID),
		KeyTurnID.String(turnID),
	))
	return span
}

// EndTurnSpan records how the turn ended and closes span. A nil span is
// ignored. Discarded turns are marked as errors so they stand out in traces.
func EndTurnSpan(span trace.Span, reason string, followups int) {
	if span == nil {
		return
	}
	span.SetAttributes(KeyCloseReason.String(reason), KeyFollowups.Int(followups))
	if reason == "discarded" {
		span.SetStatus(codes.Error, "turn discarded before hand-off")
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. It is echoed to clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] enriched with trace_id and span_id
// from ctx. Without an active span it is the default logger unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// SessionLogger is [Logger] with the relay session ID attached.
func SessionLogger(ctx context.Context, sessionID string) *slog.Logger {
	return Logger(ctx).With(slog.String("session_id", sessionID))
}
