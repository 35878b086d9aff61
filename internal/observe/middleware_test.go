package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// middlewareSetup wraps a small control-API-like mux in the middleware and
// returns it with its metric reader and span exporter.
func middlewareSetup(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	exp := useTestTracer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{id}/turns", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /session/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {})
	return Middleware(m)(mux), reader, exp
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, _ := middlewareSetup(t)

	t.Run("new trace", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if got := rec.Header().Get("X-Correlation-ID"); len(got) != 32 {
			t.Errorf("X-Correlation-ID = %q, want a 32 character trace id", got)
		}
	})

	t.Run("continues incoming trace", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("X-Correlation-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
			t.Errorf("X-Correlation-ID = %q, want the incoming trace id", got)
		}
	})
}

func TestMiddleware_SpanUsesRoutePattern(t *testing.T) {
	h, _, exp := middlewareSetup(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/session/start", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "POST /session/start" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	var route string
	for _, kv := range spans[0].Attributes {
		switch kv.Key {
		case "http.response.status_code":
			status = kv.Value.AsInt64()
		case "http.route":
			route = kv.Value.AsString()
		}
	}
	if status != http.StatusConflict || route != "/session/start" {
		t.Errorf("span attributes: status=%d route=%q", status, route)
	}
}

func TestMiddleware_DurationLabels(t *testing.T) {
	h, reader, _ := middlewareSetup(t)

	for _, id := range []string{"a", "b", "c"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/turns", nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxloop.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value(attribute.Key("path"))
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		counts[path.AsString()+" "+status.Emit()] += dp.Count
	}
	if got := counts["/sessions/{id}/turns 200"]; got != 3 {
		t.Errorf("pattern series count = %d, want 3 (series: %v)", got, counts)
	}
	if got := counts["/nope 404"]; got != 1 {
		t.Errorf("unmatched series count = %d, want 1 (series: %v)", got, counts)
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    string
	}{
		{pattern: "GET /sessions/{id}/turns", path: "/sessions/x/turns", want: "/sessions/{id}/turns"},
		{pattern: "/metrics", path: "/metrics", want: "/metrics"},
		{pattern: "", path: "/raw", want: "/raw"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.path, nil)
			r.Pattern = tc.pattern
			if got := route(r); got != tc.want {
				t.Errorf("route() = %q, want %q", got, tc.want)
			}
		})
	}
}
