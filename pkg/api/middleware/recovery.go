package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/hearth/hearth/pkg/api/response"
	"github.com/hearth/hearth/pkg/logger"
)

// Recovery returns a middleware that recovers from panics. The panic value is
// logged but never returned to the client.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					log.ErrorContext(r.Context(), "Panic recovered",
						"error", err,
						"path", r.URL.Path,
						"method", r.Method,
						"stack", string(debug.Stack()),
					)

					response.Error(w,
						http.StatusInternalServerError,
						response.ErrCodeInternalServer,
						"internal server error",
						requestIDOrUnknown(r),
					)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func requestIDOrUnknown(r *http.Request) string {
	if id := GetRequestID(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get(RequestIDHeader); id != "" {
		return id
	}
	return "unknown"
}
