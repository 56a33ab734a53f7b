package observe

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func newTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// operatorMux builds the middleware around a mux shaped like the one in
// cmd/chati.
func operatorMux(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := newTracer(t)
	m, reader := newTestMetrics(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})
	return Middleware(m)(mux), reader, exp
}

func histogramPoint(t *testing.T, rm metricdata.ResourceMetrics, route string) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(rm, "chati.http.request.duration")
	if met == nil {
		t.Fatal("chati.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data = %T, want histogram", met.Data)
	}
	for _, dp := range hist.DataPoints {
		if v, ok := dp.Attributes.Value("route"); ok && v.AsString() == route {
			return dp
		}
	}
	t.Fatalf("no sample for route %q", route)
	return metricdata.HistogramDataPoint[float64]{}
}

func TestMiddleware_RecordsRouteAndStatus(t *testing.T) {
	h, reader, _ := operatorMux(t)

	for _, path := range []string{"/healthz", "/healthz", "/readyz"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	rm := collect(t, reader)
	healthz := histogramPoint(t, rm, "/healthz")
	if healthz.Count != 2 {
		t.Errorf("/healthz samples = %d, want 2", healthz.Count)
	}
	readyz := histogramPoint(t, rm, "/readyz")
	if v, _ := readyz.Attributes.Value("status"); v.AsInt64() != http.StatusServiceUnavailable {
		t.Errorf("/readyz status attribute = %d, want 503", v.AsInt64())
	}
	if v, _ := readyz.Attributes.Value("method"); v.AsString() != http.MethodGet {
		t.Errorf("method attribute = %q", v.AsString())
	}
}

func TestMiddleware_UnknownPathsCollapse(t *testing.T) {
	h, reader, _ := operatorMux(t)

	for _, path := range []string{"/a", "/b/c", "/wp-login.php"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}

	if dp := histogramPoint(t, collect(t, reader), "unmatched"); dp.Count != 3 {
		t.Errorf("unmatched samples = %d, want 3", dp.Count)
	}
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	h, _, exp := operatorMux(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if got := rec.Header().Get(TraceHeader); got != spans[0].SpanContext.TraceID().String() {
		t.Errorf("%s = %q, want the span's trace id", TraceHeader, got)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h, _, _ := operatorMux(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(TraceHeader); got != traceID {
		t.Errorf("%s = %q, want %q", TraceHeader, got, traceID)
	}
}

func TestRequestLogLevel(t *testing.T) {
	tests := []struct {
		route  string
		status int
		want   slog.Level
	}{
		{"unmatched", http.StatusNotFound, slog.LevelInfo},
		{"/healthz", http.StatusOK, slog.LevelDebug},
		{"/metrics", http.StatusOK, slog.LevelDebug},
		{"/readyz", http.StatusServiceUnavailable, slog.LevelWarn},
		{"/metrics", http.StatusInternalServerError, slog.LevelWarn},
	}
	for _, tt := range tests {
		if got := requestLogLevel(tt.route, tt.status); got != tt.want {
			t.Errorf("requestLogLevel(%q, %d) = %v, want %v", tt.route, tt.status, got, tt.want)
		}
	}
}
