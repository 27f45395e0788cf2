package observe

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMiddleware(t *testing.T) {
	m, reader := newTestMetrics(t)
	exp := useTestTracer(t)
	buf := captureLogs(t)

	var inner string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = TraceID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	if inner == "" || rec.Header().Get("X-Trace-ID") != inner {
		t.Errorf("X-Trace-ID = %q, handler saw %q", rec.Header().Get("X-Trace-ID"), inner)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /metrics" {
		t.Fatalf("spans = %v", spans)
	}

	met := findMetric(collect(t, reader), "contentid.http.request.duration")
	if met == nil {
		t.Fatal("http duration metric not found")
	}
	if hist := met.Data.(metricdata.Histogram[float64]); len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("unexpected histogram %+v", hist)
	}
	if !strings.Contains(buf.String(), "status=418") {
		t.Errorf("log line missing status: %s", buf.String())
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	m, _ := newTestMetrics(t)
	useTestTracer(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var got string
	h := Middleware(m)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = TraceID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != traceID {
		t.Errorf("trace ID = %q, want %q", got, traceID)
	}
}

func TestMetricsHandler(t *testing.T) {
	m, _ := newTestMetrics(t)
	rec := httptest.NewRecorder()
	MetricsHandler(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output misses default Go collector")
	}
}
