package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initEmbeddingMetrics initializes embedding service metrics.
func (m *Manager) initEmbeddingMetrics(cfg Config) {
	m.embeddingRequests = counterVec("embedding_requests_total",
		"Embedding requests by cache outcome", "cached")
	m.embeddingBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "embedding_batch_size",
		Help:      "Texts sent to the provider per call",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	})
	m.embeddingBatchDuration = histogramVec("embedding_batch_duration_seconds",
		"Provider call latency by outcome", cfg.EmbeddingDurationBuckets, "status")
	m.embeddingRetries = counter("embedding_retries_total",
		"Provider calls retried after a transient failure")

	m.registry.MustRegister(m.embeddingRequests, m.embeddingBatchSize,
		m.embeddingBatchDuration, m.embeddingRetries)
}

// RecordEmbeddingRequest records one Embed or EmbedBatch item.
func (m *Manager) RecordEmbeddingRequest(cached bool) {
	if !m.enabled {
		return
	}
	m.embeddingRequests.WithLabelValues(boolLabel(cached)).Inc()
}

// RecordEmbeddingBatch records one provider call.
func (m *Manager) RecordEmbeddingBatch(size int, duration time.Duration, err error) {
	if !m.enabled {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.embeddingBatchSize.Observe(float64(size))
	m.embeddingBatchDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordEmbeddingRetry records a retried provider call.
func (m *Manager) RecordEmbeddingRetry() {
	if !m.enabled {
		return
	}
	m.embeddingRetries.Inc()
}
