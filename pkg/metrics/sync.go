package metrics

import "time"

// initSyncMetrics initializes sync engine metrics.
func (m *Manager) initSyncMetrics(cfg Config) {
	m.syncCycles = counterVec("sync_cycles_total",
		"Sync cycles by outcome", "outcome")
	m.syncDuration = histogramVec("sync_cycle_duration_seconds",
		"Sync cycle duration by outcome", cfg.SyncDurationBuckets, "outcome")
	m.syncItems = counterVec("sync_items_total",
		"Records moved by sync", "direction")
	m.syncConflicts = counterVec("sync_conflicts_total",
		"Conflicts resolved by table and winning side", "table", "winner")
	m.syncQueue = gaugeVec("sync_queue_depth",
		"Sync queue entries by status", "status")
	m.syncOnline = gauge("sync_remote_online",
		"1 when the remote store is reachable")

	m.registry.MustRegister(m.syncCycles, m.syncDuration, m.syncItems,
		m.syncConflicts, m.syncQueue, m.syncOnline)
}

// RecordSyncCycle records one completed sync cycle.
func (m *Manager) RecordSyncCycle(outcome string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.syncCycles.WithLabelValues(outcome).Inc()
	m.syncDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordSyncItems records records pushed or pulled.
func (m *Manager) RecordSyncItems(direction string, n int) {
	if !m.enabled || n <= 0 {
		return
	}
	m.syncItems.WithLabelValues(direction).Add(float64(n))
}

// RecordSyncConflict records a resolved conflict.
func (m *Manager) RecordSyncConflict(table string, winner string) {
	if !m.enabled {
		return
	}
	m.syncConflicts.WithLabelValues(table, winner).Inc()
}

// SetSyncQueueDepth sets the number of queue entries in a status.
func (m *Manager) SetSyncQueueDepth(status string, n int) {
	if !m.enabled {
		return
	}
	m.syncQueue.WithLabelValues(status).Set(float64(n))
}

// SetSyncOnline records remote reachability.
func (m *Manager) SetSyncOnline(online bool) {
	if !m.enabled {
		return
	}
	m.syncOnline.Set(boolGauge(online))
}
