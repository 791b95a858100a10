// Package api provides the HTTP API server.
package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/hearth/hearth/config"
	"github.com/hearth/hearth/pkg/api/handlers"
	"github.com/hearth/hearth/pkg/api/middleware"
	"github.com/hearth/hearth/pkg/engine"
	"github.com/hearth/hearth/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Memory handles store, fetch and search
	Memory *handlers.MemoryHandler

	// Patterns handles pattern listing and auto-apply control
	Patterns *handlers.PatternHandler

	// Sync handles sync status and forced cycles
	Sync *handlers.SyncHandler

	// Stats handles component statistics
	Stats *handlers.StatsHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewHandlers builds every handler on top of eng. recorder may be nil.
func NewHandlers(eng *engine.Engine, recorder middleware.MetricsRecorder) *Handlers {
	return &Handlers{
		Memory:   handlers.NewMemoryHandler(eng),
		Patterns: handlers.NewPatternHandler(eng),
		Sync:     handlers.NewSyncHandler(eng),
		Stats:    handlers.NewStatsHandler(eng),
		Health:   handlers.NewHealthHandler(eng),
		Metrics:  recorder,
	}
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.BodyLimit(cfg.Server.HTTP.MaxBodyBytes))
	r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

	RegisterRoutes(r, h)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.Memory != nil {
			r.Post("/memories", h.Memory.StoreMemory)
			r.Get("/memories", h.Memory.FindMemories)
			r.Get("/memories/{id}", h.Memory.GetMemory)
			r.Post("/search", h.Memory.Search)
		}

		if h.Patterns != nil {
			r.Get("/patterns", h.Patterns.ListPatterns)
			r.Post("/patterns/{id}/disable-auto-apply", h.Patterns.DisableAutoApply)
		}

		if h.Sync != nil {
			r.Post("/sync", h.Sync.ForceSync)
			r.Get("/sync/status", h.Sync.Status)
			r.Get("/sync/failed", h.Sync.FailedItems)
			r.Post("/sync/retry", h.Sync.RetryFailed)
		}

		if h.Stats != nil {
			r.Get("/stats", h.Stats.Stats)
		}
	})

	// Health check routes (not versioned)
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}
}
