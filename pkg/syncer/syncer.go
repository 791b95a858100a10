// Package syncer reconciles the local store with the shared remote store.
//
// A cycle probes the remote, drains the local outbox, pushes records that are
// still pending without an outbox item, then pulls remote changes past the
// last checkpoint. Cycles are mutually exclusive; a cycle always ends idle,
// including on error or cancellation.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearth/hearth/pkg/eventbus"
	"github.com/hearth/hearth/pkg/remote"
	"github.com/hearth/hearth/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrSyncInProgress is returned by SyncNow while another cycle runs.
	ErrSyncInProgress = errors.New("syncer: sync already in progress")
	// ErrAlreadyStarted is returned by Start on a running engine.
	ErrAlreadyStarted = errors.New("syncer: already started")
)

// CheckpointPull names the checkpoint of the last fully applied pull page.
const CheckpointPull = "remote.pull"

const tracerName = "hearth.syncer"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// State is the engine-level state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// Cycle outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeOffline   = "offline"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Config controls scheduling, batching and retries.
type Config struct {
	Interval      time.Duration
	ProbeInterval time.Duration
	// RemoteTimeout bounds every remote call.
	RemoteTimeout time.Duration
	CycleTimeout  time.Duration

	// MaxRetries is how many failed pushes an outbox item gets before it is
	// marked failed.
	MaxRetries     int
	DrainBatchSize int
	PushBatchSize  int
	PullBatchSize  int
	MaxPullPages   int
	// PullOverlap re-reads changes that arrived shortly before the
	// checkpoint, covering writes that were indexed out of order.
	PullOverlap    time.Duration
	QueueRetention time.Duration

	Policy Policy
}

// DefaultConfig returns the default sync configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		ProbeInterval:  10 * time.Second,
		RemoteTimeout:  5 * time.Second,
		CycleTimeout:   2 * time.Minute,
		MaxRetries:     5,
		DrainBatchSize: 100,
		PushBatchSize:  100,
		PullBatchSize:  100,
		MaxPullPages:   10,
		PullOverlap:    5 * time.Second,
		QueueRetention: 24 * time.Hour,
		Policy:         PolicyLocalWinsIfNewer,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = def.RemoteTimeout
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = def.CycleTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = def.DrainBatchSize
	}
	if c.PushBatchSize <= 0 {
		c.PushBatchSize = def.PushBatchSize
	}
	if c.PullBatchSize <= 0 {
		c.PullBatchSize = def.PullBatchSize
	}
	if c.MaxPullPages <= 0 {
		c.MaxPullPages = def.MaxPullPages
	}
	if c.PullOverlap < 0 {
		c.PullOverlap = 0
	}
	if c.QueueRetention <= 0 {
		c.QueueRetention = def.QueueRetention
	}
	if c.Policy == "" {
		c.Policy = def.Policy
	}
}

// MemoryApplier writes remote memories locally. The cache implements it so
// pulled records reach the hot cache and invalidate cached results.
type MemoryApplier interface {
	ApplyRemote(ctx context.Context, m *storage.Memory) error
}

// storeApplier writes pulled memories straight to the store.
type storeApplier struct {
	store storage.MemoryStore
}

func (a storeApplier) ApplyRemote(ctx context.Context, m *storage.Memory) error {
	rec := m.Clone()
	rec.SyncState = storage.SyncSynced
	if existing, err := a.store.GetMemory(ctx, rec.ID); err == nil {
		rec.LastAccessedAt = existing.LastAccessedAt
	} else if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = time.Now().UTC()
	}
	return a.store.PutMemory(ctx, rec)
}

// MetricsRecorder receives sync events.
type MetricsRecorder interface {
	RecordSyncCycle(outcome string, d time.Duration)
	RecordSyncItems(direction string, n int)
	RecordSyncConflict(table string, winner string)
	SetSyncQueueDepth(status string, n int)
	SetSyncOnline(online bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordSyncCycle(string, time.Duration) {}
func (nopMetrics) RecordSyncItems(string, int)           {}
func (nopMetrics) RecordSyncConflict(string, string)     {}
func (nopMetrics) SetSyncQueueDepth(string, int)         {}
func (nopMetrics) SetSyncOnline(bool)                    {}

type syncLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type eventPublisher interface {
	Publish(ctx context.Context, event eventbus.Event) (eventbus.Envelope, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithApplier routes pulled memories through a.
func WithApplier(a MemoryApplier) Option {
	return func(e *Engine) {
		if a != nil {
			e.applier = a
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l syncLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithPublisher publishes a sync.completed event after every cycle.
func WithPublisher(p eventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// Report summarizes one cycle.
type Report struct {
	Outcome   string        `json:"outcome"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	// Failed counts outbox items that ran out of retries this cycle.
	Failed int    `json:"failed"`
	Pruned int    `json:"pruned"`
	Error  string `json:"error,omitempty"`
}

// Status is the engine state exposed to health checks.
type Status struct {
	State  State  `json:"state"`
	Online bool   `json:"online"`
	Policy Policy `json:"policy"`

	LastCycle     *Report   `json:"last_cycle,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`

	Cycles            int64 `json:"cycles"`
	Successes         int64 `json:"successes"`
	Failures          int64 `json:"failures"`
	ConflictsResolved int64 `json:"conflicts_resolved"`
	Pushed            int64 `json:"pushed"`
	Pulled            int64 `json:"pulled"`

	Queue storage.QueueDepth `json:"queue"`
}

// Engine runs sync cycles between a local store and a remote store.
type Engine struct {
	cfg       Config
	store     storage.Store
	remote    remote.Store
	applier   MemoryApplier
	logger    syncLogger
	metrics   MetricsRecorder
	publisher eventPublisher

	syncing atomic.Bool
	online  atomic.Bool
	trigger chan struct{}

	statsMu       sync.Mutex
	lastCycle     *Report
	lastSuccessAt time.Time
	cycles        int64
	successes     int64
	failures      int64
	conflicts     int64
	pushed        int64
	pulled        int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine over a local and a remote store.
func New(store storage.Store, rs remote.Store, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:     cfg,
		store:   store,
		remote:  rs,
		applier: storeApplier{store: store},
		logger:  nopLogger{},
		metrics: nopMetrics{},
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Online reports the result of the last connectivity probe.
func (e *Engine) Online() bool { return e.online.Load() }

// Start launches the background loop: scheduled cycles, connectivity probes
// and, when the remote pushes change notifications, feed-triggered cycles.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx)

	e.logger.Info("sync engine started", "interval", e.cfg.Interval, "policy", e.cfg.Policy)
	return nil
}

// Stop cancels the loop, including a cycle in flight, and waits for it to
// exit or ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		e.logger.Info("sync engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	syncTicker := time.NewTicker(e.cfg.Interval)
	defer syncTicker.Stop()
	probeTicker := time.NewTicker(e.cfg.ProbeInterval)
	defer probeTicker.Stop()

	var feed <-chan remote.Change
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	if online, _ := e.probe(ctx); online {
		feed = e.subscribe(feedCtx)
		e.requestCycle()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			e.scheduled(ctx, "interval")
		case <-e.trigger:
			e.scheduled(ctx, "trigger")
		case <-probeTicker.C:
			online, recovered := e.probe(ctx)
			if recovered {
				e.requestCycle()
			}
			if feed == nil && online {
				feed = e.subscribe(feedCtx)
			}
		case change, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			e.logger.Debug("remote change notified", "table", change.Table, "key", change.Key)
			e.scheduled(ctx, "feed")
		}
	}
}

func (e *Engine) subscribe(ctx context.Context) <-chan remote.Change {
	f, ok := e.remote.(remote.Feed)
	if !ok {
		return nil
	}
	ch, err := f.Subscribe(ctx)
	if err != nil {
		e.logger.Debug("remote change feed unavailable", "error", err)
		return nil
	}
	return ch
}

func (e *Engine) scheduled(ctx context.Context, reason string) {
	report, err := e.SyncNow(ctx)
	if errors.Is(err, ErrSyncInProgress) {
		return
	}
	if err != nil {
		e.logger.Debug("sync cycle did not complete", "reason", reason, "outcome", report.Outcome, "error", err)
	}
}

// requestCycle asks the loop for a cycle without blocking.
func (e *Engine) requestCycle() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// probe pings the remote and records connectivity. recovered is set when
// the remote went from unreachable to reachable.
func (e *Engine) probe(ctx context.Context) (online, recovered bool) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()

	err := e.remote.Ping(pctx)
	online = err == nil
	was := e.online.Swap(online)
	e.metrics.SetSyncOnline(online)

	switch {
	case online && !was:
		e.logger.Info("remote store reachable")
	case !online && was:
		e.logger.Warn("remote store unreachable", "error", err)
	}
	return online, online && !was
}

func (e *Engine) markOffline(err error) {
	if e.online.Swap(false) {
		e.metrics.SetSyncOnline(false)
		e.logger.Warn("remote store unreachable", "error", err)
	}
}

// SyncNow runs one cycle in the caller's goroutine and returns its report.
// It returns ErrSyncInProgress when a cycle is already running.
func (e *Engine) SyncNow(ctx context.Context) (Report, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return Report{}, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.CycleTimeout)
	defer cancel()
	ctx, span := tracer().Start(ctx, "sync.cycle")
	defer span.End()

	report, err := e.cycle(ctx)
	if err != nil {
		span.RecordError(err)
	}
	e.record(report)
	e.refreshQueueDepth(ctx)
	e.publish(ctx, report)
	return report, err
}

func (e *Engine) record(report Report) {
	e.metrics.RecordSyncCycle(report.Outcome, report.Duration)
	e.metrics.RecordSyncItems("push", report.Pushed)
	e.metrics.RecordSyncItems("pull", report.Pulled)

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	r := report
	e.lastCycle = &r
	e.cycles++
	e.conflicts += int64(report.Conflicts)
	e.pushed += int64(report.Pushed)
	e.pulled += int64(report.Pulled)
	if report.Outcome == OutcomeSuccess {
		e.successes++
		e.lastSuccessAt = report.StartedAt.Add(report.Duration)
	} else {
		e.failures++
	}
}

func (e *Engine) refreshQueueDepth(ctx context.Context) {
	depth, err := e.store.QueueDepth(context.WithoutCancel(ctx))
	if err != nil {
		return
	}
	e.metrics.SetSyncQueueDepth(string(storage.QueuePending), depth.Pending)
	e.metrics.SetSyncQueueDepth(string(storage.QueueCompleted), depth.Completed)
	e.metrics.SetSyncQueueDepth(string(storage.QueueFailed), depth.Failed)
}

func (e *Engine) publish(ctx context.Context, report Report) {
	if e.publisher == nil {
		return
	}
	_, err := e.publisher.Publish(context.WithoutCancel(ctx), eventbus.Event{
		Domain:    eventbus.DomainSync,
		EventType: eventbus.EventSyncCompleted,
		Payload: eventbus.SyncCompleted{
			Outcome:   report.Outcome,
			Pushed:    report.Pushed,
			Pulled:    report.Pulled,
			Conflicts: report.Conflicts,
			Duration:  report.Duration,
		},
	})
	if err != nil {
		e.logger.Debug("publish sync event failed", "error", err)
	}
}

// Status returns the engine state and counters. The queue depth is read from
// the store; a failed read leaves it zero.
func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		State:  StateIdle,
		Online: e.online.Load(),
		Policy: e.cfg.Policy,
	}
	if e.syncing.Load() {
		st.State = StateSyncing
	}

	e.statsMu.Lock()
	if e.lastCycle != nil {
		r := *e.lastCycle
		st.LastCycle = &r
	}
	st.LastSuccessAt = e.lastSuccessAt
	st.Cycles = e.cycles
	st.Successes = e.successes
	st.Failures = e.failures
	st.ConflictsResolved = e.conflicts
	st.Pushed = e.pushed
	st.Pulled = e.pulled
	e.statsMu.Unlock()

	depth, err := e.store.QueueDepth(ctx)
	if err != nil {
		e.logger.Warn("reading sync queue depth failed", "error", err)
	} else {
		st.Queue = depth
	}
	return st
}

// FailedItems returns outbox items that ran out of retries.
func (e *Engine) FailedItems(ctx context.Context) ([]*storage.SyncQueueItem, error) {
	items, err := e.store.ListQueue(ctx, storage.QueueFailed, 0)
	if err != nil {
		return nil, fmt.Errorf("syncer: list failed items: %w", err)
	}
	return items, nil
}

// RetryFailed moves failed items back to pending with a fresh retry budget
// and requests a cycle. It returns how many items were requeued.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	items, err := e.FailedItems(ctx)
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		item.Status = storage.QueuePending
		item.RetryCount = 0
		item.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateQueueItem(ctx, item); err != nil {
			return i, fmt.Errorf("syncer: requeue %s: %w", item.ID, err)
		}
	}
	if len(items) > 0 {
		e.logger.Info("failed sync items requeued", "count", len(items))
		e.requestCycle()
	}
	return len(items), nil
}
