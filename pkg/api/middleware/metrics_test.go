package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

type mockMetricsRecorder struct {
	requests    int
	activeConns int
	lastStatus  string
	lastPath    string
	traceID     string
	spanID      string
}

func (m *mockMetricsRecorder) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	m.requests++
	m.lastStatus = status
	m.lastPath = path
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		m.traceID = spanCtx.TraceID().String()
		m.spanID = spanCtx.SpanID().String()
	}
}

func (m *mockMetricsRecorder) IncActiveConnections() {
	m.activeConns++
}

func (m *mockMetricsRecorder) DecActiveConnections() {
	m.activeConns--
}

// newMetricsRouter mounts the hearth API shapes behind the metrics middleware.
func newMetricsRouter(rec MetricsRecorder, status int) chi.Router {
	r := chi.NewRouter()
	r.Use(Metrics(rec))
	h := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(status) }
	r.Get("/metrics", h)
	r.Get("/api/v1/memories", h)
	r.Get("/api/v1/memories/{id}", h)
	r.Post("/api/v1/patterns/{id}/disable-auto-apply", h)
	r.Get("/api/v1/panic", func(http.ResponseWriter, *http.Request) { panic("handler failed") })
	return r
}

func TestMetrics_RouteLabels(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		target   string
		wantPath string
	}{
		{"memory by caller id", http.MethodGet, "/api/v1/memories/deploy-notes-7", "/api/v1/memories/{id}"},
		{"memory by uuid", http.MethodGet, "/api/v1/memories/550e8400-e29b-41d4-a716-446655440000", "/api/v1/memories/{id}"},
		{"metadata lookup", http.MethodGet, "/api/v1/memories?project_id=p&meta.tool=git", "/api/v1/memories"},
		{"pattern action", http.MethodPost, "/api/v1/patterns/pat-abc/disable-auto-apply", "/api/v1/patterns/{id}/disable-auto-apply"},
		{"unknown path", http.MethodGet, "/api/v1/nothing/here", "unmatched"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockMetricsRecorder{}
			w := httptest.NewRecorder()
			newMetricsRouter(mock, http.StatusOK).ServeHTTP(w, httptest.NewRequest(tt.method, tt.target, nil))

			if mock.requests != 1 {
				t.Fatalf("expected 1 request recorded, got %d", mock.requests)
			}
			if mock.lastPath != tt.wantPath {
				t.Errorf("path label = %q, want %q", mock.lastPath, tt.wantPath)
			}
			if mock.activeConns != 0 {
				t.Errorf("active connections = %d after request, want 0", mock.activeConns)
			}
		})
	}
}

func TestMetrics_SkipScrapeEndpoint(t *testing.T) {
	mock := &mockMetricsRecorder{}
	w := httptest.NewRecorder()
	newMetricsRouter(mock, http.StatusOK).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if mock.requests != 0 {
		t.Errorf("expected /metrics to be unrecorded, got %d", mock.requests)
	}
}

func TestMetrics_CaptureStatusCode(t *testing.T) {
	mock := &mockMetricsRecorder{}
	w := httptest.NewRecorder()
	newMetricsRouter(mock, http.StatusNotFound).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/memories/gone", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if mock.lastStatus != "404" {
		t.Errorf("status label = %q, want 404", mock.lastStatus)
	}
}

func TestMetrics_HandlePanic(t *testing.T) {
	mock := &mockMetricsRecorder{}
	router := newMetricsRouter(mock, http.StatusOK)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic to be propagated")
		}
		if mock.requests != 1 {
			t.Errorf("expected 1 request recorded after panic, got %d", mock.requests)
		}
		if mock.lastStatus != "500" {
			t.Errorf("status label = %q, want 500", mock.lastStatus)
		}
		if mock.lastPath != "/api/v1/panic" {
			t.Errorf("path label = %q, want /api/v1/panic", mock.lastPath)
		}
	}()

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/panic", nil))
}

func TestStatusWriter(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}

	sw.WriteHeader(http.StatusCreated)
	sw.WriteHeader(http.StatusBadRequest)
	if sw.statusCode != http.StatusCreated {
		t.Errorf("status = %d, want first written 201", sw.statusCode)
	}

	body := &statusWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	n, err := body.Write([]byte("test data"))
	if err != nil || n != len("test data") {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if !body.written || body.statusCode != http.StatusOK {
		t.Errorf("implicit write: written=%v status=%d, want true 200", body.written, body.statusCode)
	}
}

func TestMetrics_PassesTraceContext(t *testing.T) {
	mock := &mockMetricsRecorder{}
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		SpanID:     trace.SpanID{2, 2, 2, 2, 2, 2, 2, 2},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/memories/m-1", nil).WithContext(ctx)

	newMetricsRouter(mock, http.StatusOK).ServeHTTP(httptest.NewRecorder(), req)

	if mock.traceID != spanCtx.TraceID().String() {
		t.Fatalf("trace_id = %s, want %s", mock.traceID, spanCtx.TraceID().String())
	}
	if mock.spanID != spanCtx.SpanID().String() {
		t.Fatalf("span_id = %s, want %s", mock.spanID, spanCtx.SpanID().String())
	}
}

func TestMetrics_WithoutTraceContext(t *testing.T) {
	mock := &mockMetricsRecorder{}
	newMetricsRouter(mock, http.StatusOK).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/memories/m-1", nil))

	if mock.traceID != "" || mock.spanID != "" {
		t.Fatalf("expected no trace correlation, got trace_id=%q span_id=%q", mock.traceID, mock.spanID)
	}
}
