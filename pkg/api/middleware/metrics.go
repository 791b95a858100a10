package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// scrapePath is served by the metrics handler and never counted.
const scrapePath = "/metrics"

// MetricsRecorder defines the interface for recording HTTP metrics.
type MetricsRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// Metrics records one observation per request labelled by the matched chi
// route. Memory and pattern IDs are caller-chosen strings, so the route
// pattern is the only bounded label; requests no route matched share the
// "unmatched" label.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == scrapePath {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			record := func() {
				recorder.RecordHTTPRequest(r.Context(), r.Method, routePattern(r), strconv.Itoa(sw.statusCode), time.Since(start))
			}

			defer func() {
				if err := recover(); err != nil {
					sw.statusCode = http.StatusInternalServerError
					record()
					panic(err)
				}
			}()

			next.ServeHTTP(sw, r)
			record()
		})
	}
}
