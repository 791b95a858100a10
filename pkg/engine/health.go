package engine

import (
	"context"
	"time"

	"github.com/hearth/hearth/pkg/embedding"
	"github.com/hearth/hearth/pkg/memory"
	"github.com/hearth/hearth/pkg/version"
)

// Stats aggregates component counters.
type Stats struct {
	Cache     memory.Stats    `json:"cache"`
	Embedding embedding.Stats `json:"embedding"`
	Patterns  *PatternStats   `json:"patterns,omitempty"`
	Sync      *SyncStatus     `json:"sync,omitempty"`
	Events    EventStats      `json:"events"`
}

// PatternStats describes the detector's working set.
type PatternStats struct {
	Window  int `json:"window"`
	Unsaved int `json:"unsaved"`
}

// EventStats describes the in-process event bus.
type EventStats struct {
	Subscribers int   `json:"subscribers"`
	Dropped     int64 `json:"dropped"`
	Degraded    bool  `json:"degraded"`
}

// Stats returns counters from every component.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	if err := e.running(); err != nil {
		return Stats{}, err
	}
	st := Stats{
		Cache:     e.cache.GetStats(ctx),
		Embedding: e.embedder.Stats(),
		Events: EventStats{
			Subscribers: e.bus.SubscriberCount(),
			Dropped:     e.bus.Dropped(),
			Degraded:    e.publisher.Degraded(),
		},
	}
	if e.detector != nil {
		st.Patterns = &PatternStats{
			Window:  len(e.detector.Window()),
			Unsaved: e.detector.Unsaved(),
		}
	}
	if e.sync != nil {
		st.Sync = &SyncStatus{Enabled: true, Status: e.sync.Status(ctx)}
	}
	return st, nil
}

// Status is the detailed status reported by /status.
type Status struct {
	State      string    `json:"state"`
	Version    string    `json:"version"`
	Uptime     string    `json:"uptime"`
	DeviceID   string    `json:"device_id,omitempty"`
	Remote     string    `json:"remote"`
	Embedding  string    `json:"embedding_model"`
	Patterns   bool      `json:"patterns_enabled"`
	Sync       bool      `json:"sync_enabled"`
	Online     bool      `json:"online"`
	Degraded   bool      `json:"degraded"`
	ReportedAt time.Time `json:"reported_at"`
}

// IsHealthy reports liveness: the engine has not failed.
func (e *Engine) IsHealthy() bool {
	st := e.State()
	return st == StateIdle || st == StateRunning
}

// IsReady reports whether the engine accepts operations. An offline remote
// does not make the engine unready; local operations keep working.
func (e *Engine) IsReady() bool {
	return e.State() == StateRunning
}

// GetStatus returns a snapshot for operators.
func (e *Engine) GetStatus() Status {
	up := e.uptime()
	st := Status{
		State:      e.State().String(),
		Version:    version.Short(),
		Uptime:     up.Round(time.Second).String(),
		DeviceID:   e.cfg.App.DeviceID,
		Remote:     e.cfg.Remote.Type,
		Embedding:  e.embedder.Model(),
		Patterns:   e.detector != nil,
		Sync:       e.sync != nil,
		Degraded:   e.publisher.Degraded(),
		ReportedAt: time.Now().UTC(),
	}
	if e.sync != nil {
		st.Online = e.sync.Online()
	}
	return st
}
