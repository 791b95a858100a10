package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/hearth/hearth/config"
)

// CORS lets browser tools on the allowed origins call the API. Header values
// are joined once when the middleware is built. A preflight (OPTIONS with
// Access-Control-Request-Method) is answered here with 204, or 403 when the
// origin is not allowed; every other request reaches the router.
func CORS(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	if cfg == nil || !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	wildcard := slices.Contains(cfg.AllowedOrigins, "*")
	fixed := map[string]string{}
	if len(cfg.AllowedMethods) > 0 {
		fixed["Access-Control-Allow-Methods"] = strings.Join(cfg.AllowedMethods, ", ")
	}
	if len(cfg.AllowedHeaders) > 0 {
		fixed["Access-Control-Allow-Headers"] = strings.Join(cfg.AllowedHeaders, ", ")
	}
	if cfg.MaxAge > 0 {
		fixed["Access-Control-Max-Age"] = strconv.Itoa(cfg.MaxAge)
	}
	exposed := strings.Join(cfg.ExposedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			if !wildcard && !slices.Contains(cfg.AllowedOrigins, origin) {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", origin)
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if preflight {
				for k, v := range fixed {
					h.Set(k, v)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if exposed != "" {
				h.Set("Access-Control-Expose-Headers", exposed)
			}
			next.ServeHTTP(w, r)
		})
	}
}
