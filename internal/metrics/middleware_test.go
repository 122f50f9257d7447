package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func TestStatusWriter_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	sw.WriteHeader(http.StatusTooManyRequests)
	sw.WriteHeader(http.StatusOK)
	if sw.status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", sw.status)
	}
}

func TestStatusWriter_WriteDefaultsTo200(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	n, err := sw.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if sw.status != http.StatusOK || sw.n != 5 {
		t.Fatalf("status=%d n=%d", sw.status, sw.n)
	}
}

func TestMiddleware_ChiRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Post("/api/images", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/images", http.NoBody))

	if got := value(t, m.reqTotal.WithLabelValues("POST", "/api/images", "201")); got != 1 {
		t.Fatalf("requests{POST,/api/images,201} = %v, want 1", got)
	}
	if got := value(t, m.inflight); got != 0 {
		t.Fatalf("inflight after request = %v", got)
	}
}

func TestMiddleware_UnroutedPathIsNotALabel(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/some/random/path", http.NoBody))

	if got := value(t, m.reqTotal.WithLabelValues("GET", "unmatched", "200")); got != 1 {
		t.Fatalf("requests{GET,unmatched,200} = %v, want 1", got)
	}
}

func TestMiddleware_ErrorCounter(t *testing.T) {
	tests := []struct {
		code int
		want float64
	}{
		{http.StatusOK, 0},
		{http.StatusTooManyRequests, 0},
		{http.StatusBadGateway, 1},
	}
	for _, tt := range tests {
		m := New()
		h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.code)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", http.NoBody))
		if got := value(t, m.errors.WithLabelValues("POST", "unmatched")); got != tt.want {
			t.Errorf("code %d: errors = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestMiddleware_ObservesSizeAndDuration(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	f := gatherMetric(t, m.reg, "http_response_size_bytes")
	if f == nil {
		t.Fatal("response size not found")
	}
	if got := f.GetMetric()[0].GetHistogram().GetSampleSum(); got != 11 {
		t.Fatalf("size sum = %v, want 11", got)
	}
	f = gatherMetric(t, m.reg, "http_request_duration_seconds")
	if f == nil || f.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatal("duration not observed")
	}
}

func TestTraceExemplar(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")

	sampled := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ex := traceExemplar(trace.ContextWithSpanContext(context.Background(), sampled))
	if ex["trace_id"] != tid.String() {
		t.Fatalf("exemplar = %v", ex)
	}

	unsampled := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid})
	if ex := traceExemplar(trace.ContextWithSpanContext(context.Background(), unsampled)); ex != nil {
		t.Fatalf("unsampled exemplar = %v, want nil", ex)
	}
	if ex := traceExemplar(context.Background()); ex != nil {
		t.Fatalf("no-trace exemplar = %v, want nil", ex)
	}
}
