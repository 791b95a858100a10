package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "hearth.http"

// Span attribute keys shared with the engine's spans so a request span and
// the memory.* spans under it can be joined on the same keys.
const (
	attrProjectID = "project.id"
	attrMemoryID  = "memory.id"
	attrPatternID = "pattern.id"
	attrRequestID = "hearth.request_id"
)

// TracingOptions defines HTTP tracing middleware behavior.
type TracingOptions struct {
	// SkipPaths are health and scrape endpoints that should not create spans.
	SkipPaths map[string]struct{}
}

// DefaultTracingOptions skips the health, readiness and scrape endpoints.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{
		SkipPaths: map[string]struct{}{
			"/health":  {},
			"/ready":   {},
			"/metrics": {},
		},
	}
}

// Tracing creates a server span per API request. The span is renamed to the
// matched chi route once the handler returns and carries the project, memory
// and pattern the request addressed.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := opts.SkipPaths[strings.TrimSpace(r.URL.Path)]; skip {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(httpTracerName).Start(ctx, "hearth "+r.Method, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			)
			if id := GetRequestID(ctx); id != "" {
				span.SetAttributes(attribute.String(attrRequestID, id))
			}

			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			req := r.WithContext(ctx)
			next.ServeHTTP(sw, req)

			route := routePattern(req)
			span.SetName("hearth " + r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", sw.statusCode),
			)
			span.SetAttributes(resourceAttributes(req, route)...)

			if sw.statusCode >= http.StatusBadRequest {
				span.SetStatus(otelcodes.Error, http.StatusText(sw.statusCode))
			} else {
				span.SetStatus(otelcodes.Ok, "")
			}
		})
	}
}

// resourceAttributes names what the request addressed. Memory and pattern IDs
// come from the {id} route parameter; the project comes from the query string
// because request bodies are not read here.
func resourceAttributes(r *http.Request, route string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if project := r.URL.Query().Get("project_id"); project != "" {
		attrs = append(attrs, attribute.String(attrProjectID, project))
	}

	id := urlParam(r, "id")
	if id == "" {
		return attrs
	}
	switch {
	case strings.HasPrefix(route, "/api/v1/memories/"):
		attrs = append(attrs, attribute.String(attrMemoryID, id))
	case strings.HasPrefix(route, "/api/v1/patterns/"):
		attrs = append(attrs, attribute.String(attrPatternID, id))
	}
	return attrs
}

func urlParam(r *http.Request, key string) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.URLParam(key)
	}
	return ""
}

// routePattern returns the matched chi route, or "unmatched" when no route
// handled the request, so raw paths never become span names or metric labels.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := strings.TrimSpace(rc.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// statusWriter remembers the first status code written.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}
