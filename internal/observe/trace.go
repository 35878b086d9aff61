package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxloop"

// Span attribute keys shared by the turn pipeline.
const (
	AttrSessionID = attribute.Key("voxloop.session_id")
	AttrTurnID    = attribute.Key("voxloop.turn_id")
	AttrStage     = attribute.Key("voxloop.stage")
)

// StartSpan starts a span on the global tracer provider. The caller must end
// it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartTurnSpan starts the root span of one conversation turn.
func StartTurnSpan(ctx context.Context, sessionID, turnID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "voxloop.turn",
		trace.WithAttributes(AttrSessionID.String(sessionID), AttrTurnID.String(turnID)),
	)
}

// FailSpan marks span as failed at stage. A nil err is ignored.
func FailSpan(span trace.Span, stage string, err error) {
	if err == nil {
		return
	}
	span.RecordError(err, trace.WithAttributes(AttrStage.String(stage)))
	span.SetStatus(codes.Error, stage+": "+err.Error())
}

// CorrelationID returns the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
