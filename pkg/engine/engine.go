// Package engine wires the memory substrate together and exposes the
// operations the API and CLI use: store, search, pattern listing, sync status
// and forced sync.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hearth/hearth/config"
	"github.com/hearth/hearth/pkg/embedding"
	"github.com/hearth/hearth/pkg/eventbus"
	"github.com/hearth/hearth/pkg/logger"
	"github.com/hearth/hearth/pkg/memory"
	"github.com/hearth/hearth/pkg/patterns"
	"github.com/hearth/hearth/pkg/remote"
	"github.com/hearth/hearth/pkg/storage"
	badgerstore "github.com/hearth/hearth/pkg/storage/badger"
	"github.com/hearth/hearth/pkg/syncer"
)

// State represents the lifecycle state of the engine.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Engine owns every component of the substrate. Operations are safe for
// concurrent use once Start has returned.
type Engine struct {
	cfg    *config.Config
	logger logger.Logger

	store     storage.Store
	ownsStore bool

	remote      remote.Store
	redisClient *redis.Client

	provider  embedding.Provider
	embedder  *embedding.Service
	cache     *memory.Cache
	detector  *patterns.Detector
	sync      *syncer.Engine
	bus       *eventbus.MemoryBus
	publisher *eventbus.Publisher
	metrics   MetricsRecorder

	runMu     sync.Mutex
	state     State
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds an engine from cfg. Components not supplied through options are
// created from configuration; a store opened here is closed by Stop.
func New(cfg *config.Config, log logger.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	if log == nil {
		log = logger.Nop()
	}

	e := &Engine{
		cfg:    cfg,
		logger: log.Named("engine"),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		store, err := badgerstore.NewBadgerStorage(cfg.Storage.Badger.ToBadgerConfig(log.Named("badger")))
		if err != nil {
			return nil, fmt.Errorf("engine: open local store: %w", err)
		}
		e.store = store
		e.ownsStore = true
	}

	if e.remote == nil {
		rs, client := buildRemote(cfg)
		e.remote = rs
		e.redisClient = client
	}

	nodeID := cfg.App.DeviceID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	if nodeID == "" {
		nodeID = "hearth"
	}

	e.bus = eventbus.NewMemoryBus(eventbus.WithBusLogger(log.Named("eventbus")))
	var telemetry eventbus.Telemetry
	if e.metrics != nil {
		telemetry = e.metrics
	}
	publisher, err := eventbus.NewPublisher(nodeID, e.bus, eventbus.DefaultRetryConfig(), telemetry)
	if err != nil {
		e.closeOwned()
		return nil, fmt.Errorf("engine: event publisher: %w", err)
	}
	e.publisher = publisher

	if e.provider == nil {
		e.provider = cfg.Embedding.NewProvider()
	}
	embedOpts := []embedding.Option{embedding.WithLogger(log.Named("embedding"))}
	if e.metrics != nil {
		embedOpts = append(embedOpts, embedding.WithMetrics(e.metrics))
	}
	e.embedder = embedding.NewService(e.provider, cfg.Embedding.ToServiceConfig(), embedOpts...)

	cacheOpts := []memory.Option{
		memory.WithLogger(log.Named("memory")),
		memory.WithPublisher(e.publisher),
	}
	if e.metrics != nil {
		cacheOpts = append(cacheOpts, memory.WithMetrics(e.metrics))
	}
	if cfg.Cache.RemoteFallback && e.remote != nil {
		cacheOpts = append(cacheOpts, memory.WithRemote(e.remote))
	}
	e.cache = memory.NewCache(e.store, cfg.Cache.ToCacheConfig(cfg.Sync), cacheOpts...)

	if cfg.Patterns.Enabled {
		detectorOpts := []patterns.Option{
			patterns.WithEmbedder(e.embedder),
			patterns.WithLogger(log.Named("patterns")),
			patterns.WithPublisher(e.publisher),
		}
		if e.metrics != nil {
			detectorOpts = append(detectorOpts, patterns.WithMetrics(e.metrics))
		}
		e.detector = patterns.NewDetector(e.store, cfg.Patterns.ToDetectorConfig(), detectorOpts...)
	}

	if cfg.Sync.Enabled && e.remote != nil {
		syncOpts := []syncer.Option{
			syncer.WithApplier(e.cache),
			syncer.WithLogger(log.Named("syncer")),
			syncer.WithPublisher(e.publisher),
		}
		if e.metrics != nil {
			syncOpts = append(syncOpts, syncer.WithMetrics(e.metrics))
		}
		e.sync = syncer.New(e.store, e.remote, cfg.Sync.ToSyncConfig(), syncOpts...)
	}

	return e, nil
}

// buildRemote creates the configured remote store. A nil store means the
// engine runs local-only.
func buildRemote(cfg *config.Config) (remote.Store, *redis.Client) {
	switch cfg.Remote.Type {
	case "memory":
		return remote.NewInProcessStore(), nil
	case "redis":
		rcfg := cfg.Remote.Redis.ToRedisConfig()
		client := remote.NewRedisClient(rcfg)
		return remote.NewRedisStore(client, rcfg), client
	default:
		return nil, nil
	}
}

// Start starts background work: cache pruning, pattern detection and sync.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.state == StateRunning {
		return ErrAlreadyRunning
	}
	if e.state == StateStopped {
		return ErrStopped
	}

	if err := e.cache.Start(ctx); err != nil {
		e.state = StateError
		return fmt.Errorf("engine: start cache: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	// Subscribe before returning so no write after Start goes unobserved.
	if e.detector != nil {
		subscription, err := e.detector.Subscribe(e.bus)
		if err != nil {
			cancel()
			_ = e.cache.Stop(ctx)
			e.state = StateError
			return fmt.Errorf("engine: start pattern detector: %w", err)
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.detector.Consume(runCtx, subscription); err != nil {
				e.logger.Error("pattern detector exited", "error", err)
			}
		}()
	}

	if e.sync != nil {
		if err := e.sync.Start(runCtx); err != nil {
			cancel()
			e.wg.Wait()
			_ = e.cache.Stop(ctx)
			e.state = StateError
			return fmt.Errorf("engine: start sync: %w", err)
		}
	}

	e.state = StateRunning
	e.startedAt = time.Now()
	e.logger.Info("engine started",
		"remote", e.cfg.Remote.Type,
		"embedding_provider", e.cfg.Embedding.Provider,
		"patterns", e.detector != nil,
		"sync", e.sync != nil,
	)
	return nil
}

// Stop stops background work and releases owned resources. Pending embedding
// requests are failed.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.state != StateRunning {
		if e.state == StateIdle {
			e.state = StateStopped
			e.embedder.Stop()
			return e.closeOwned()
		}
		return nil
	}

	var errs []error
	if e.sync != nil {
		if err := e.sync.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop sync: %w", err))
		}
	}
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for detector: %w", ctx.Err()))
	}

	if err := e.cache.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop cache: %w", err))
	}
	e.embedder.Stop()

	if err := e.closeOwned(); err != nil {
		errs = append(errs, err)
	}

	e.state = StateStopped
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) closeOwned() error {
	var errs []error
	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		e.redisClient = nil
	}
	if e.ownsStore && e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close local store: %w", err))
		}
		e.ownsStore = false
	}
	return errors.Join(errs...)
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.state
}

func (e *Engine) running() error {
	if e.State() != StateRunning {
		return &NotRunningError{State: e.State()}
	}
	return nil
}

// Events returns the in-process bus memory, cache, pattern and sync events
// are published on.
func (e *Engine) Events() *eventbus.MemoryBus {
	return e.bus
}

// Cache returns the memory cache.
func (e *Engine) Cache() *memory.Cache {
	return e.cache
}
