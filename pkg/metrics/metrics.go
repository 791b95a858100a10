// Package metrics provides Prometheus metrics instrumentation for hearth.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace prefixes every metric name.
const namespace = "hearth"

// Manager manages all Prometheus metrics for hearth. A disabled Manager
// accepts every call and records nothing.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Cache metrics
	cacheLookups       *prometheus.CounterVec
	cacheEvictions     *prometheus.CounterVec
	cacheInvalidations prometheus.Counter
	pruned             prometheus.Counter
	searchDuration     *prometheus.HistogramVec
	searchResults      *prometheus.HistogramVec

	// Embedding metrics
	embeddingRequests      *prometheus.CounterVec
	embeddingBatchSize     prometheus.Histogram
	embeddingBatchDuration *prometheus.HistogramVec
	embeddingRetries       prometheus.Counter

	// Pattern metrics
	patternObservations *prometheus.CounterVec
	patternPromotions   prometheus.Counter
	patternWindow       prometheus.Gauge

	// Sync metrics
	syncCycles    *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	syncItems     *prometheus.CounterVec
	syncConflicts *prometheus.CounterVec
	syncQueue     *prometheus.GaugeVec
	syncOnline    prometheus.Gauge

	// Event metrics
	eventPublishes *prometheus.CounterVec
	eventRetries   prometheus.Counter
	eventDegraded  prometheus.Gauge

	// HTTP metrics
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	SearchDurationBuckets    []float64
	EmbeddingDurationBuckets []float64
	SyncDurationBuckets      []float64
	HTTPDurationBuckets      []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		Port:                     9421,
		Path:                     "/metrics",
		SearchDurationBuckets:    []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		EmbeddingDurationBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		SyncDurationBuckets:      []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		HTTPDurationBuckets:      []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager. Unset bucket slices use the
// defaults.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	def := DefaultConfig()
	if len(cfg.SearchDurationBuckets) == 0 {
		cfg.SearchDurationBuckets = def.SearchDurationBuckets
	}
	if len(cfg.EmbeddingDurationBuckets) == 0 {
		cfg.EmbeddingDurationBuckets = def.EmbeddingDurationBuckets
	}
	if len(cfg.SyncDurationBuckets) == 0 {
		cfg.SyncDurationBuckets = def.SyncDurationBuckets
	}
	if len(cfg.HTTPDurationBuckets) == 0 {
		cfg.HTTPDurationBuckets = def.HTTPDurationBuckets
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initCacheMetrics(cfg)
	m.initEmbeddingMetrics(cfg)
	m.initPatternMetrics()
	m.initSyncMetrics(cfg)
	m.initEventMetrics()
	m.initHTTPMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer serves the metrics endpoint on port until ctx is cancelled.
// It returns nil after a clean shutdown.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}
