// Package memory implements the multi-level cache that owns local memory
// records: an in-process hot LRU of records, an in-process result cache, a
// persisted result cache, and a scan of the local store's most recently
// accessed window.
package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hearth/hearth/pkg/eventbus"
	"github.com/hearth/hearth/pkg/similarity"
	"github.com/hearth/hearth/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Sentinel errors for the cache.
var (
	ErrInvalidMemory    = errors.New("memory: content is required")
	ErrInvalidProject   = errors.New("memory: project id is required")
	ErrContentImmutable = errors.New("memory: content of an existing memory cannot change")
	ErrNoEmbedding      = errors.New("memory: query has no embedding")
	ErrAlreadyStarted   = errors.New("memory: cache already started")
)

const tracerName = "hearth.memory"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Cache levels as reported by metrics.
const (
	LevelHot    = "hot"
	LevelL1     = "l1"
	LevelL2     = "l2"
	LevelScan   = "scan"
	LevelRemote = "remote"
)

// Config controls cache sizing, search defaults and pruning.
type Config struct {
	HotCacheSize    int
	ResultCacheSize int
	ResultCacheTTL  time.Duration
	QueryCacheTTL   time.Duration

	// ScanWindow is how many most recently accessed records a search scans.
	ScanWindow          int
	SimilarityThreshold float64
	DefaultLimit        int

	Retention     time.Duration
	MaxRecords    int
	PruneInterval time.Duration

	RemoteFallback bool
	RemoteTimeout  time.Duration

	BM25K1 float64
	BM25B  float64
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		HotCacheSize:        1000,
		ResultCacheSize:     256,
		ResultCacheTTL:      5 * time.Minute,
		QueryCacheTTL:       time.Hour,
		ScanWindow:          1000,
		SimilarityThreshold: 0.7,
		DefaultLimit:        10,
		Retention:           30 * 24 * time.Hour,
		MaxRecords:          10000,
		PruneInterval:       time.Hour,
		RemoteTimeout:       5 * time.Second,
		BM25K1:              1.5,
		BM25B:               0.75,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HotCacheSize <= 0 {
		c.HotCacheSize = def.HotCacheSize
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = def.ResultCacheSize
	}
	if c.ResultCacheTTL <= 0 {
		c.ResultCacheTTL = def.ResultCacheTTL
	}
	if c.QueryCacheTTL <= 0 {
		c.QueryCacheTTL = def.QueryCacheTTL
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = def.ScanWindow
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = def.DefaultLimit
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = def.MaxRecords
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = def.PruneInterval
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = def.RemoteTimeout
	}
	if c.BM25K1 <= 0 {
		c.BM25K1 = def.BM25K1
	}
	if c.BM25B <= 0 {
		c.BM25B = def.BM25B
	}
}

// RemoteSource is the subset of the remote store used for search fallback.
type RemoteSource interface {
	QuerySimilar(ctx context.Context, vec []float32, projectID string, threshold float64, limit int) ([]storage.ScoredRef, error)
	GetMemories(ctx context.Context, ids []string) ([]*storage.Memory, error)
}

// MetricsRecorder receives cache events.
type MetricsRecorder interface {
	RecordCacheLookup(level string, hit bool)
	RecordCacheEviction(level string)
	RecordCacheInvalidation()
	RecordPrune(deleted int)
	RecordSearch(mode string, results int, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordCacheLookup(string, bool) {}
func (nopMetrics) RecordCacheEviction(string) {}
func (nopMetrics) RecordCacheInvalidation() {}
func (nopMetrics) RecordPrune(int) {}
func (nopMetrics) RecordSearch(string, int, time.Duration) {}

// cacheLogger is the minimal logger interface used by Cache.
type cacheLogger interface {
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

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(l cacheLogger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithPublisher publishes memory.stored and cache.invalidated events.
func WithPublisher(p eventPublisher) Option {
	return func(c *Cache) {
		c.publisher = p
	}
}

// WithRemote enables the remote fallback source.
func WithRemote(r RemoteSource) Option {
	return func(c *Cache) {
		c.remote = r
	}
}

// SearchOptions scope and bound a search.
type SearchOptions struct {
	ProjectID string
	Limit     int
	// Threshold is the minimum similarity. Zero or less uses the configured
	// default.
	Threshold float64
}

// Result is a ranked search hit.
type Result struct {
	Memory *storage.Memory `json:"memory"`
	Score  float64         `json:"score"`
}

// InvalidateFunc is called with the project whose cached results were
// dropped.
type InvalidateFunc func(projectID string)

type resultEntry struct {
	projectID string
	refs      []storage.ScoredRef
}

// Cache is the multi-level memory cache. It is safe for concurrent use.
type Cache struct {
	cfg       Config
	store     storage.Store
	hot       *HotCache
	results   *expirable.LRU[string, *resultEntry]
	keywords  *BM25Index
	remote    RemoteSource
	publisher eventPublisher
	logger    cacheLogger
	metrics   MetricsRecorder

	// genMu orders result-cache population against invalidation: a search
	// only caches its result if no invalidation of its scope happened since
	// it started scanning.
	genMu sync.RWMutex
	gens  map[string]uint64

	subMu       sync.RWMutex
	subscribers map[uint64]InvalidateFunc
	nextSub     uint64

	warmMu sync.Mutex
	warmed bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	l1Hits, l1Misses atomic.Int64
	l2Hits, l2Misses atomic.Int64
	searches         atomic.Int64
	invalidations    atomic.Int64
	pruned           atomic.Int64
	remoteFallbacks  atomic.Int64
	degraded         atomic.Int64
}

// NewCache creates a cache over store.
func NewCache(store storage.Store, cfg Config, opts ...Option) *Cache {
	cfg.applyDefaults()
	c := &Cache{
		cfg:         cfg,
		store:       store,
		hot:         NewHotCache(cfg.HotCacheSize),
		keywords:    NewBM25Index(cfg.BM25K1, cfg.BM25B),
		logger:      nopLogger{},
		metrics:     nopMetrics{},
		gens:        make(map[string]uint64),
		subscribers: make(map[uint64]InvalidateFunc),
	}
	c.results = expirable.NewLRU[string, *resultEntry](cfg.ResultCacheSize, func(string, *resultEntry) {
		c.metrics.RecordCacheEviction(LevelL1)
	}, cfg.ResultCacheTTL)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Cache) Config() Config { return c.cfg }

// Store writes m to the hot cache and the local store together with an
// outbox item, then invalidates every cached result of m's project. Storing
// an existing id with the same content updates its mutable fields; a
// different content is rejected.
func (c *Cache) Store(ctx context.Context, m *storage.Memory) (string, error) {
	ctx, span := tracer().Start(ctx, "memory.store")
	defer span.End()

	if m == nil || strings.TrimSpace(m.Content) == "" {
		return "", ErrInvalidMemory
	}
	if m.ProjectID == "" {
		return "", ErrInvalidProject
	}

	rec := m.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.SuccessScore = clampScore(rec.SuccessScore)
	now := time.Now().UTC()
	span.SetAttributes(attribute.String("memory.id", rec.ID), attribute.String("project.id", rec.ProjectID))

	op := storage.OpInsert
	existing, err := c.store.GetMemory(ctx, rec.ID)
	switch {
	case err == nil:
		if existing.Content != rec.Content || existing.ProjectID != rec.ProjectID {
			return "", fmt.Errorf("%w: %s", ErrContentImmutable, rec.ID)
		}
		merged := mergeMutable(existing, rec)
		if merged.Fingerprint() == existing.Fingerprint() {
			c.hot.Put(existing)
			return existing.ID, nil
		}
		rec = merged
		rec.UpdatedAt = now
		if !rec.UpdatedAt.After(existing.ModifiedAt()) {
			rec.UpdatedAt = existing.ModifiedAt().Add(time.Nanosecond)
		}
		op = storage.OpUpdate
	case storage.IsNotFound(err):
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		rec.LastAccessedAt = now
	default:
		return "", fmt.Errorf("memory: load %s: %w", rec.ID, err)
	}
	rec.SyncState = storage.SyncPending

	item, err := storage.NewQueueItem(storage.TableMemories, rec.ID, op, rec)
	if err != nil {
		return "", fmt.Errorf("memory: store %s: %w", rec.ID, err)
	}
	if err := c.store.PutMemory(ctx, rec, item); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("memory: store %s: %w", rec.ID, err)
	}

	c.cacheRecord(rec)
	c.invalidate(ctx, rec.ProjectID, "store")
	c.publish(ctx, eventbus.Event{
		Domain:    eventbus.DomainMemory,
		EventType: eventbus.EventMemoryStored,
		ProjectID: rec.ProjectID,
		Payload:   eventbus.MemoryStored{MemoryID: rec.ID, ProjectID: rec.ProjectID},
	})

	c.logger.Debug("memory stored", "memory_id", rec.ID, "project_id", rec.ProjectID, "operation", op)
	return rec.ID, nil
}

// ApplyRemote writes a remote version of a memory locally as synced, without
// an outbox item, and invalidates the project's cached results. The local
// LastAccessedAt is preserved.
func (c *Cache) ApplyRemote(ctx context.Context, m *storage.Memory) error {
	if m == nil || m.ID == "" || m.ProjectID == "" {
		return ErrInvalidMemory
	}

	rec := m.Clone()
	rec.SyncState = storage.SyncSynced
	existing, err := c.store.GetMemory(ctx, rec.ID)
	switch {
	case err == nil:
		rec.LastAccessedAt = existing.LastAccessedAt
		if existing.ProjectID != rec.ProjectID {
			c.invalidate(ctx, existing.ProjectID, "remote")
		}
	case storage.IsNotFound(err):
		rec.LastAccessedAt = time.Now().UTC()
	default:
		return fmt.Errorf("memory: load %s: %w", rec.ID, err)
	}

	if err := c.store.PutMemory(ctx, rec); err != nil {
		return fmt.Errorf("memory: apply remote %s: %w", rec.ID, err)
	}

	c.cacheRecord(rec)
	c.invalidate(ctx, rec.ProjectID, "remote")
	c.publish(ctx, eventbus.Event{
		Domain:    eventbus.DomainMemory,
		EventType: eventbus.EventMemoryStored,
		ProjectID: rec.ProjectID,
		Payload:   eventbus.MemoryStored{MemoryID: rec.ID, ProjectID: rec.ProjectID, Remote: true},
	})
	return nil
}

// Get returns a memory by id, touching its access time.
func (c *Cache) Get(ctx context.Context, id string) (*storage.Memory, error) {
	m, ok := c.hot.Get(id)
	c.metrics.RecordCacheLookup(LevelHot, ok)
	if !ok {
		var err error
		m, err = c.store.GetMemory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("memory: get %s: %w", id, err)
		}
		c.hot.Put(m)
	}

	c.touch(ctx, []*storage.Memory{m})
	return m, nil
}

func (c *Cache) cacheRecord(m *storage.Memory) {
	if c.hot.Put(m) {
		c.metrics.RecordCacheEviction(LevelHot)
	}
	c.keywords.IndexDocument(m.ID, m.ProjectID, m.Content)
}

// Search returns memories of opts.ProjectID ranked by cosine similarity to
// query. A failing local store yields an empty result, not an error.
func (c *Cache) Search(ctx context.Context, query []float32, opts SearchOptions) ([]Result, error) {
	ctx, span := tracer().Start(ctx, "memory.search")
	defer span.End()

	if !similarity.HasEmbedding(query) {
		return nil, ErrNoEmbedding
	}
	start := time.Now()
	opts = c.normalize(opts)
	hash := QueryHash(query, opts)
	c.searches.Add(1)
	span.SetAttributes(attribute.String("project.id", opts.ProjectID), attribute.Int("search.limit", opts.Limit))

	if entry, ok := c.results.Get(hash); ok {
		c.l1Hits.Add(1)
		c.metrics.RecordCacheLookup(LevelL1, true)
		results := c.resolve(ctx, entry.refs)
		c.metrics.RecordSearch(LevelL1, len(results), time.Since(start))
		span.SetAttributes(attribute.String("cache.level", LevelL1))
		return results, nil
	}
	c.l1Misses.Add(1)
	c.metrics.RecordCacheLookup(LevelL1, false)

	gen := c.generation(opts.ProjectID)

	cached, err := c.store.GetCachedQuery(ctx, hash)
	if err == nil {
		c.l2Hits.Add(1)
		c.metrics.RecordCacheLookup(LevelL2, true)
		c.fill(ctx, hash, opts.ProjectID, cached.Results, gen, false)
		if err := c.store.TouchCachedQuery(ctx, hash, time.Now().UTC()); err != nil && !storage.IsNotFound(err) {
			c.logger.Debug("touch cached query failed", "query_hash", hash, "error", err)
		}
		results := c.resolve(ctx, cached.Results)
		c.metrics.RecordSearch(LevelL2, len(results), time.Since(start))
		span.SetAttributes(attribute.String("cache.level", LevelL2))
		return results, nil
	}
	c.l2Misses.Add(1)
	c.metrics.RecordCacheLookup(LevelL2, false)
	if !storage.IsNotFound(err) {
		c.logger.Debug("persisted query cache unavailable", "error", err)
	}

	results, err := c.scan(ctx, query, opts)
	if err != nil {
		c.degraded.Add(1)
		span.RecordError(err)
		c.logger.Warn("local store unavailable, returning empty search result", "project_id", opts.ProjectID, "error", err)
		return []Result{}, nil
	}

	level := LevelScan
	if len(results) < opts.Limit && c.cfg.RemoteFallback && c.remote != nil {
		var added int
		results, added = c.remoteFallback(ctx, query, opts, results)
		if added > 0 {
			level = LevelRemote
		}
	}

	c.fill(ctx, hash, opts.ProjectID, toRefs(results), gen, true)
	c.touch(ctx, memoriesOf(results))
	c.metrics.RecordSearch(level, len(results), time.Since(start))
	span.SetAttributes(attribute.String("cache.level", level), attribute.Int("search.results", len(results)))
	return results, nil
}

// scan scores the most recently accessed window of the project.
func (c *Cache) scan(ctx context.Context, query []float32, opts SearchOptions) ([]Result, error) {
	window, err := c.store.ScanRecent(ctx, opts.ProjectID, c.cfg.ScanWindow)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*storage.Memory, len(window))
	cands := make([]similarity.Candidate, 0, len(window))
	for _, m := range window {
		if !similarity.HasEmbedding(m.Embedding) {
			continue
		}
		byID[m.ID] = m
		cands = append(cands, similarity.Candidate{
			ID:           m.ID,
			Score:        similarity.Cosine(query, m.Embedding),
			LastAccessed: m.LastAccessedAt,
		})
	}

	top := similarity.TopK(cands, opts.Threshold, opts.Limit)
	results := make([]Result, 0, len(top))
	for _, cand := range top {
		results = append(results, Result{Memory: byID[cand.ID], Score: cand.Score})
	}
	return results, nil
}

// remoteFallback asks the remote store for more candidates, stores the new
// ones locally as synced and merges them into results.
func (c *Cache) remoteFallback(ctx context.Context, query []float32, opts SearchOptions, results []Result) ([]Result, int) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	defer cancel()

	refs, err := c.remote.QuerySimilar(rctx, query, opts.ProjectID, opts.Threshold, opts.Limit)
	if err != nil {
		c.logger.Debug("remote fallback unavailable", "project_id", opts.ProjectID, "error", err)
		return results, 0
	}

	have := make(map[string]struct{}, len(results))
	for _, r := range results {
		have[r.Memory.ID] = struct{}{}
	}
	var missing []string
	for _, ref := range refs {
		if _, ok := have[ref.MemoryID]; !ok {
			missing = append(missing, ref.MemoryID)
		}
	}
	if len(missing) == 0 {
		return results, 0
	}

	fetched, err := c.remote.GetMemories(rctx, missing)
	if err != nil {
		c.logger.Debug("remote fallback fetch failed", "error", err)
		return results, 0
	}

	added := 0
	for _, m := range fetched {
		if m == nil {
			continue
		}
		if opts.ProjectID != "" && m.ProjectID != opts.ProjectID {
			continue
		}
		if _, err := c.store.GetMemory(ctx, m.ID); err == nil {
			// A local copy exists; the sync engine owns reconciling it.
			continue
		}
		if err := c.ApplyRemote(ctx, m); err != nil {
			c.logger.Warn("storing remote fallback record failed", "memory_id", m.ID, "error", err)
			continue
		}
		score := similarity.Cosine(query, m.Embedding)
		if score < opts.Threshold {
			continue
		}
		results = append(results, Result{Memory: m, Score: score})
		added++
	}
	if added == 0 {
		return results, 0
	}
	c.remoteFallbacks.Add(1)

	cands := make([]similarity.Candidate, len(results))
	byID := make(map[string]Result, len(results))
	for i, r := range results {
		cands[i] = similarity.Candidate{ID: r.Memory.ID, Score: r.Score, LastAccessed: r.Memory.LastAccessedAt}
		byID[r.Memory.ID] = r
	}
	similarity.Rank(cands)
	if len(cands) > opts.Limit {
		cands = cands[:opts.Limit]
	}
	merged := make([]Result, len(cands))
	for i, cand := range cands {
		merged[i] = byID[cand.ID]
	}
	return merged, added
}

// Find returns the project's memories whose metadata holds every pair in
// meta, most recently accessed first. It does not need embeddings. A failing
// local store yields an empty result, not an error.
func (c *Cache) Find(ctx context.Context, projectID string, meta map[string]string, limit int) ([]*storage.Memory, error) {
	ctx, span := tracer().Start(ctx, "memory.find")
	defer span.End()

	if limit <= 0 {
		limit = c.cfg.DefaultLimit
	}
	span.SetAttributes(attribute.String("project.id", projectID), attribute.Int("find.pairs", len(meta)))

	found, err := c.store.ListMemories(ctx, storage.MemoryFilter{
		ProjectID: projectID,
		Metadata:  meta,
		Limit:     limit,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.degraded.Add(1)
		c.logger.Warn("metadata lookup failed, returning empty result", "project_id", projectID, "error", err)
		return []*storage.Memory{}, nil
	}
	c.touch(ctx, found)
	return found, nil
}

// SearchKeyword ranks memories by BM25 over their content. It serves
// queries and records without embeddings.
func (c *Cache) SearchKeyword(ctx context.Context, text string, opts SearchOptions) ([]Result, error) {
	ctx, span := tracer().Start(ctx, "memory.search_keyword")
	defer span.End()

	start := time.Now()
	opts = c.normalize(opts)
	if err := c.warm(ctx); err != nil {
		c.degraded.Add(1)
		c.logger.Warn("keyword index warm-up failed, returning empty result", "error", err)
		return []Result{}, nil
	}

	ids, scores := c.keywords.Search(text, opts.Limit, opts.ProjectID)
	refs := make([]storage.ScoredRef, len(ids))
	for i := range ids {
		refs[i] = storage.ScoredRef{MemoryID: ids[i], Score: scores[i]}
	}
	results := c.resolve(ctx, refs)
	c.metrics.RecordSearch("keyword", len(results), time.Since(start))
	return results, nil
}

// resolve loads the referenced memories in order, skipping ones that no
// longer exist, and touches them.
func (c *Cache) resolve(ctx context.Context, refs []storage.ScoredRef) []Result {
	results := make([]Result, 0, len(refs))
	for _, ref := range refs {
		m, ok := c.hot.Get(ref.MemoryID)
		c.metrics.RecordCacheLookup(LevelHot, ok)
		if !ok {
			var err error
			m, err = c.store.GetMemory(ctx, ref.MemoryID)
			if err != nil {
				if !storage.IsNotFound(err) {
					c.degraded.Add(1)
					c.logger.Warn("local store unavailable while resolving results", "memory_id", ref.MemoryID, "error", err)
					return []Result{}
				}
				c.keywords.RemoveDocument(ref.MemoryID)
				continue
			}
			c.hot.Put(m)
		}
		results = append(results, Result{Memory: m, Score: ref.Score})
	}
	c.touch(ctx, memoriesOf(results))
	return results
}

// touch records an access for every memory in one batched write.
func (c *Cache) touch(ctx context.Context, ms []*storage.Memory) {
	if len(ms) == 0 {
		return
	}
	now := time.Now().UTC()
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
		m.LastAccessedAt = now
	}
	if err := c.store.TouchMemories(ctx, ids, now); err != nil {
		c.logger.Debug("touch memories failed", "count", len(ids), "error", err)
		return
	}
	c.hot.Touch(ids, now)
}

func (c *Cache) generation(projectID string) uint64 {
	c.genMu.RLock()
	defer c.genMu.RUnlock()
	return c.gens[projectID]
}

// fill stores refs in the result caches unless the scope was invalidated
// after gen was read.
func (c *Cache) fill(ctx context.Context, hash, projectID string, refs []storage.ScoredRef, gen uint64, persist bool) {
	c.genMu.RLock()
	defer c.genMu.RUnlock()

	if c.gens[projectID] != gen {
		return
	}
	c.results.Add(hash, &resultEntry{projectID: projectID, refs: refs})
	if !persist {
		return
	}

	now := time.Now().UTC()
	err := c.store.PutCachedQuery(ctx, &storage.CachedQuery{
		QueryHash:      hash,
		ProjectID:      projectID,
		Results:        refs,
		CreatedAt:      now,
		LastAccessedAt: now,
	}, c.cfg.QueryCacheTTL)
	if err != nil {
		c.logger.Debug("persisting query result failed", "query_hash", hash, "error", err)
	}
}

// Invalidate drops every cached result scoped to projectID and notifies
// subscribers. Writers other than the cache (the sync engine) call it after
// changing a project's records.
func (c *Cache) Invalidate(ctx context.Context, projectID string) {
	c.invalidate(ctx, projectID, "external")
}

func (c *Cache) invalidate(ctx context.Context, projectID, reason string) {
	c.genMu.Lock()
	c.gens[projectID]++
	// Unscoped searches see every project.
	if projectID != "" {
		c.gens[""]++
	}

	for _, key := range c.results.Keys() {
		entry, ok := c.results.Peek(key)
		if ok && (entry.projectID == projectID || entry.projectID == "") {
			c.results.Remove(key)
		}
	}

	scopes := []string{projectID}
	if projectID != "" {
		scopes = append(scopes, "")
	}
	for _, scope := range scopes {
		if _, err := c.store.DeleteCachedQueries(ctx, scope); err != nil {
			c.logger.Warn("dropping persisted query results failed", "project_id", scope, "error", err)
		}
	}
	c.genMu.Unlock()

	c.invalidations.Add(1)
	c.metrics.RecordCacheInvalidation()

	c.subMu.RLock()
	subs := make([]InvalidateFunc, 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(projectID)
	}

	c.publish(ctx, eventbus.Event{
		Domain:    eventbus.DomainCache,
		EventType: eventbus.EventCacheInvalidated,
		ProjectID: projectID,
		Payload:   eventbus.CacheInvalidated{ProjectID: projectID, Reason: reason},
	})
}

// OnInvalidate registers fn to run after every invalidation and returns a
// function that unregisters it.
func (c *Cache) OnInvalidate(fn InvalidateFunc) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *Cache) publish(ctx context.Context, event eventbus.Event) {
	if c.publisher == nil {
		return
	}
	if _, err := c.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Debug("publish event failed", "domain", event.Domain, "event_type", event.EventType, "error", err)
	}
}

// warm loads the keyword index from the store once.
func (c *Cache) warm(ctx context.Context) error {
	c.warmMu.Lock()
	defer c.warmMu.Unlock()

	if c.warmed {
		return nil
	}
	recent, err := c.store.ScanRecent(ctx, "", c.cfg.MaxRecords)
	if err != nil {
		return err
	}
	for _, m := range recent {
		if !c.keywords.Contains(m.ID) {
			c.keywords.IndexDocument(m.ID, m.ProjectID, m.Content)
		}
	}
	c.warmed = true
	return nil
}

func (c *Cache) normalize(opts SearchOptions) SearchOptions {
	if opts.Limit <= 0 {
		opts.Limit = c.cfg.DefaultLimit
	}
	if opts.Threshold <= 0 {
		opts.Threshold = c.cfg.SimilarityThreshold
	}
	return opts
}

// QueryHash identifies a search by its embedding and parameters.
func QueryHash(query []float32, opts SearchOptions) string {
	d := xxhash.New()
	var buf [8]byte
	for _, v := range query {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		_, _ = d.Write(buf[:4])
	}
	_, _ = d.WriteString("\x00" + opts.ProjectID + "\x00")
	binary.LittleEndian.PutUint64(buf[:], uint64(opts.Limit))
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(opts.Threshold))
	_, _ = d.Write(buf[:])
	return fmt.Sprintf("%016x", d.Sum64())
}

func mergeMutable(existing, in *storage.Memory) *storage.Memory {
	out := existing.Clone()
	out.SuccessScore = in.SuccessScore
	if in.Metadata != nil {
		out.Metadata = in.Metadata
	}
	if similarity.HasEmbedding(in.Embedding) {
		out.Embedding = in.Embedding
	}
	if in.SessionID != "" {
		out.SessionID = in.SessionID
	}
	if in.UserID != "" {
		out.UserID = in.UserID
	}
	return out
}

func clampScore(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func toRefs(results []Result) []storage.ScoredRef {
	refs := make([]storage.ScoredRef, len(results))
	for i, r := range results {
		refs[i] = storage.ScoredRef{MemoryID: r.Memory.ID, Score: r.Score}
	}
	return refs
}

func memoriesOf(results []Result) []*storage.Memory {
	ms := make([]*storage.Memory, len(results))
	for i, r := range results {
		ms[i] = r.Memory
	}
	return ms
}
