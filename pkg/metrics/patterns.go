package metrics

// initPatternMetrics initializes pattern detector metrics.
func (m *Manager) initPatternMetrics() {
	m.patternObservations = counterVec("pattern_observations_total",
		"Observed events by outcome", "outcome")
	m.patternPromotions = counter("pattern_promotions_total",
		"Patterns that became eligible for auto-apply")
	m.patternWindow = gauge("pattern_window_size",
		"Events held in the detector window")

	m.registry.MustRegister(m.patternObservations, m.patternPromotions, m.patternWindow)
}

// RecordPatternObservation records how an observed event was handled.
func (m *Manager) RecordPatternObservation(outcome string) {
	if !m.enabled {
		return
	}
	m.patternObservations.WithLabelValues(outcome).Inc()
}

// RecordPatternPromotion records a pattern crossing the auto-apply bar.
func (m *Manager) RecordPatternPromotion() {
	if !m.enabled {
		return
	}
	m.patternPromotions.Inc()
}

// SetPatternWindowSize sets the current detector window size.
func (m *Manager) SetPatternWindowSize(n int) {
	if !m.enabled {
		return
	}
	m.patternWindow.Set(float64(n))
}
