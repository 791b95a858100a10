package metrics

import "time"

// initCacheMetrics initializes memory cache metrics.
func (m *Manager) initCacheMetrics(cfg Config) {
	m.cacheLookups = counterVec("cache_lookups_total",
		"Cache lookups by level and outcome", "level", "hit")
	m.cacheEvictions = counterVec("cache_evictions_total",
		"Entries evicted from a cache level", "level")
	m.cacheInvalidations = counter("cache_invalidations_total",
		"Result cache invalidations")
	m.pruned = counter("memories_pruned_total",
		"Memory records removed by retention pruning")
	m.searchDuration = histogramVec("search_duration_seconds",
		"Search latency by mode", cfg.SearchDurationBuckets, "mode")
	m.searchResults = histogramVec("search_results",
		"Number of results returned by a search", []float64{0, 1, 2, 5, 10, 20, 50, 100}, "mode")

	m.registry.MustRegister(m.cacheLookups, m.cacheEvictions, m.cacheInvalidations,
		m.pruned, m.searchDuration, m.searchResults)
}

// RecordCacheLookup records a lookup against one cache level.
func (m *Manager) RecordCacheLookup(level string, hit bool) {
	if !m.enabled {
		return
	}
	m.cacheLookups.WithLabelValues(level, boolLabel(hit)).Inc()
}

// RecordCacheEviction records an entry leaving a bounded cache level.
func (m *Manager) RecordCacheEviction(level string) {
	if !m.enabled {
		return
	}
	m.cacheEvictions.WithLabelValues(level).Inc()
}

// RecordCacheInvalidation records a result cache flush.
func (m *Manager) RecordCacheInvalidation() {
	if !m.enabled {
		return
	}
	m.cacheInvalidations.Inc()
}

// RecordPrune records records removed by a prune pass.
func (m *Manager) RecordPrune(deleted int) {
	if !m.enabled || deleted <= 0 {
		return
	}
	m.pruned.Add(float64(deleted))
}

// RecordSearch records one completed search.
func (m *Manager) RecordSearch(mode string, results int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.searchDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.searchResults.WithLabelValues(mode).Observe(float64(results))
}
