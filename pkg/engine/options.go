package engine

import (
	"github.com/hearth/hearth/pkg/embedding"
	"github.com/hearth/hearth/pkg/eventbus"
	"github.com/hearth/hearth/pkg/memory"
	"github.com/hearth/hearth/pkg/patterns"
	"github.com/hearth/hearth/pkg/remote"
	"github.com/hearth/hearth/pkg/storage"
	"github.com/hearth/hearth/pkg/syncer"
)

// MetricsRecorder receives metrics from every component the engine builds.
// *metrics.Manager implements it.
type MetricsRecorder interface {
	memory.MetricsRecorder
	embedding.MetricsRecorder
	patterns.MetricsRecorder
	syncer.MetricsRecorder
	eventbus.Telemetry
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithStore uses store instead of opening the configured Badger database.
// The caller keeps ownership and closes it.
func WithStore(store storage.Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithRemote uses rs as the remote store regardless of remote.type.
func WithRemote(rs remote.Store) Option {
	return func(e *Engine) {
		if rs != nil {
			e.remote = rs
		}
	}
}

// WithProvider sets the embedding provider instead of the configured one.
func WithProvider(p embedding.Provider) Option {
	return func(e *Engine) {
		if p != nil {
			e.provider = p
		}
	}
}

// WithMetrics sets the metrics recorder for the engine.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}
