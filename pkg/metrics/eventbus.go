package metrics

// initEventMetrics initializes event publisher metrics.
func (m *Manager) initEventMetrics() {
	m.eventPublishes = counterVec("event_publish_total",
		"Event publish attempts by status", "status")
	m.eventRetries = counter("event_publish_retries_total",
		"Event publish retries")
	m.eventDegraded = gauge("event_publish_degraded",
		"1 while the publisher is in degraded mode")

	m.registry.MustRegister(m.eventPublishes, m.eventRetries, m.eventDegraded)
}

// RecordPublish records one publish outcome.
func (m *Manager) RecordPublish(status string) {
	if !m.enabled {
		return
	}
	m.eventPublishes.WithLabelValues(status).Inc()
}

// RecordRetry records a publish retry.
func (m *Manager) RecordRetry() {
	if !m.enabled {
		return
	}
	m.eventRetries.Inc()
}

// SetDegradedMode records whether publishing is degraded.
func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	m.eventDegraded.Set(boolGauge(active))
}
