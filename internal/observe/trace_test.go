package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider for the duration of
// the test. Tests using it must not run in parallel.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
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

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	useTestTracer(t)
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	cid := CorrelationID(ctx)
	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 hex characters", cid)
	}
}

func TestStartTurnSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartTurnSpan(context.Background(), "sess-1", "turn-7")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := map[string]string{}
	for _, kv := range spans[0].Attributes {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got[string(AttrSessionID)] != "sess-1" || got[string(AttrTurnID)] != "turn-7" {
		t.Errorf("attributes = %v", got)
	}
}

func TestFailSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	FailSpan(ok, StageAnalysis, nil)
	ok.End()

	_, bad := StartSpan(context.Background(), "bad")
	FailSpan(bad, StageAnalysis, errors.New("backend busy"))
	bad.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("nil error changed status to %v", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[1].Status.Code)
	}
	if !strings.Contains(spans[1].Status.Description, "analysis: backend busy") {
		t.Errorf("description = %q", spans[1].Status.Description)
	}
	if len(spans[1].Events) != 1 {
		t.Errorf("recorded %d events, want 1 exception event", len(spans[1].Events))
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("logger without span added trace_id: %s", buf.String())
	}

	buf.Reset()
	useTestTracer(t)
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	Logger(ctx).Info("traced")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing span context: %s", out)
	}
}
