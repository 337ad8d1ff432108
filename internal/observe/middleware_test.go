package observe

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

// newRouter serves a few routes behind Middleware, recording metrics to a
// manual reader.
func newRouter(t *testing.T) (http.Handler, *sdkmetric.ManualReader) {
	t.Helper()
	m, reader := newTestMetrics(t)
	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {})
	r.Get("/v1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-CID", CorrelationID(r.Context()))
	})
	r.Post("/v1/messages", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	return r, reader
}

func serve(h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(collect(t, reader), "brewhaven.http.request.duration")
	if met == nil {
		t.Fatal("brewhaven.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data = %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func TestMiddleware_CorrelationID(t *testing.T) {
	useTracer(t)
	h, _ := newRouter(t)

	rec := serve(h, http.MethodGet, "/v1/orders/1", nil)
	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q", cid)
	}
	if seen := rec.Header().Get("X-Seen-CID"); seen != cid {
		t.Errorf("handler saw %q, response carries %q", seen, cid)
	}

	rec = serve(h, http.MethodGet, "/v1/orders/2", map[string]string{
		"traceparent": "00-" + incomingTraceID + "-00f067aa0ba902b7-01",
	})
	if got := rec.Header().Get("X-Correlation-ID"); got != incomingTraceID {
		t.Errorf("continued trace id = %q, want %q", got, incomingTraceID)
	}
	if tp := rec.Header().Get("traceparent"); !strings.Contains(tp, incomingTraceID) {
		t.Errorf("traceparent = %q, want injected trace context", tp)
	}
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	exp := useTracer(t)
	h, _ := newRouter(t)

	serve(h, http.MethodPost, "/v1/messages", nil)
	serve(h, http.MethodGet, "/v1/orders/7", nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "HTTP POST /v1/messages" {
		t.Errorf("span[0] = %q", spans[0].Name)
	}
	if spans[1].Name != "HTTP GET /v1/orders/{id}" {
		t.Errorf("span[1] = %q", spans[1].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusConflict {
		t.Errorf("status attribute = %d, want 409", status)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	useTracer(t)
	h, reader := newRouter(t)

	serve(h, http.MethodGet, "/v1/orders/1", nil)
	serve(h, http.MethodGet, "/v1/orders/2", nil)
	serve(h, http.MethodPost, "/v1/messages", nil)

	points := durationPoints(t, reader)
	if len(points) != 2 {
		t.Fatalf("data points = %d, want one per route", len(points))
	}
	for _, dp := range points {
		r, _ := dp.Attributes.Value("route")
		s, _ := dp.Attributes.Value("status")
		switch r.AsString() {
		case "/v1/orders/{id}":
			if dp.Count != 2 || s.AsString() != "2xx" {
				t.Errorf("orders point count=%d status=%s", dp.Count, s.AsString())
			}
		case "/v1/messages":
			if dp.Count != 1 || s.AsString() != "4xx" {
				t.Errorf("messages point count=%d status=%s", dp.Count, s.AsString())
			}
		default:
			t.Errorf("unexpected route %q", r.AsString())
		}
	}
}

func TestMiddleware_ProbesLogAtDebug(t *testing.T) {
	useTracer(t)
	h, _ := newRouter(t)
	buf := captureLogs(t)

	serve(h, http.MethodGet, "/healthz", nil)
	serve(h, http.MethodGet, "/v1/orders/3", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "level=DEBUG") || !strings.Contains(lines[0], "route=/healthz") {
		t.Errorf("probe line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "level=INFO") || !strings.Contains(lines[1], "status=200") {
		t.Errorf("request line = %q", lines[1])
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()
	for code, want := range map[int]string{200: "2xx", 204: "2xx", 101: "1xx", 409: "4xx", 502: "5xx"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestResponseWriter_Unwrap(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}
	if http.NewResponseController(rw).Flush() != nil {
		t.Error("Flush through wrapper failed")
	}
	if _, _, err := rw.Hijack(); err == nil {
		t.Error("Hijack on a recorder should fail")
	}
}
