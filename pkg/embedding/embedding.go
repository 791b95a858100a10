// Package embedding turns text into vectors. The Service in front of a
// Provider coalesces concurrent requests into batches, deduplicates them,
// caches results for a bounded time and retries provider failures with
// exponential backoff.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Sentinel errors for the embedding service.
var (
	// ErrEmbeddingUnavailable is returned once retries are exhausted or the
	// provider cannot produce a usable vector. Callers degrade to storing and
	// searching without vectors.
	ErrEmbeddingUnavailable = errors.New("embedding: unavailable")

	ErrEmptyText         = errors.New("embedding: empty text")
	ErrDimensionMismatch = errors.New("embedding: vector dimension mismatch")
	ErrStopped           = errors.New("embedding: service stopped")
)

// EmbeddingError reports a failed provider call.
type EmbeddingError struct {
	Model    string
	Attempts int
	Cause    error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding unavailable after %d attempt(s) (model %s): %v", e.Attempts, e.Model, e.Cause)
}

func (e *EmbeddingError) Unwrap() []error { return []error{ErrEmbeddingUnavailable, e.Cause} }

// PermanentError marks a provider failure that must not be retried.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return e.Cause.Error() }

func (e *PermanentError) Unwrap() error { return e.Cause }

// Config controls batching, caching and retries.
type Config struct {
	Model     string
	Dimension int // 0 disables the dimension check

	BatchSize int
	Debounce  time.Duration

	CacheSize int
	CacheTTL  time.Duration

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration

	RateLimit float64 // provider calls per second, 0 means unlimited
	RateBurst int
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		Model:          "text-embedding-3-small",
		BatchSize:      32,
		Debounce:       20 * time.Millisecond,
		CacheSize:      1000,
		CacheTTL:       15 * time.Minute,
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Timeout:        10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
}

// MetricsRecorder receives embedding service events.
type MetricsRecorder interface {
	RecordEmbeddingRequest(cached bool)
	RecordEmbeddingBatch(size int, duration time.Duration, err error)
	RecordEmbeddingRetry()
}

type nopMetrics struct{}

func (nopMetrics) RecordEmbeddingRequest(bool)                     {}
func (nopMetrics) RecordEmbeddingBatch(int, time.Duration, error) {}
func (nopMetrics) RecordEmbeddingRetry()                           {}

type serviceLogger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l serviceLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Stats is a point-in-time view of service counters.
type Stats struct {
	Requests      int64 `json:"requests"`
	CacheHits     int64 `json:"cache_hits"`
	Batches       int64 `json:"batches"`
	ProviderCalls int64 `json:"provider_calls"`
	Retries       int64 `json:"retries"`
	Failures      int64 `json:"failures"`
	CacheEntries  int   `json:"cache_entries"`
	Queued        int   `json:"queued"`
}

// call is one in-flight text shared by every caller waiting on it.
type call struct {
	key  uint64
	text string
	done chan struct{}
	vec  []float32
	err  error
}

// Service is the batching, caching embedding front end.
type Service struct {
	cfg      Config
	provider Provider
	cache    *expirable.LRU[uint64, []float32]
	limiter  *rate.Limiter
	logger   serviceLogger
	metrics  MetricsRecorder

	mu       sync.Mutex
	queue    []*call
	inflight map[uint64]*call
	timer    *time.Timer
	baseCtx  context.Context
	cancel   context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup

	requests      atomic.Int64
	cacheHits     atomic.Int64
	batches       atomic.Int64
	providerCalls atomic.Int64
	retries       atomic.Int64
	failures      atomic.Int64
}

// NewService creates an embedding service in front of provider.
func NewService(provider Provider, cfg Config, opts ...Option) *Service {
	cfg.applyDefaults()

	limit := rate.Inf
	burst := cfg.RateBurst
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if burst <= 0 {
			burst = 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		provider: provider,
		cache:    expirable.NewLRU[uint64, []float32](cfg.CacheSize, nil, cfg.CacheTTL),
		limiter:  rate.NewLimiter(limit, burst),
		logger:   nopLogger{},
		metrics:  nopMetrics{},
		inflight: make(map[uint64]*call),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model returns the configured model identifier.
func (s *Service) Model() string { return s.cfg.Model }

// Stop fails queued requests with ErrStopped, cancels in-flight provider calls
// and waits for them to return.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.queue
	s.queue = nil
	for _, c := range pending {
		delete(s.inflight, c.key)
	}
	s.mu.Unlock()

	for _, c := range pending {
		c.err = ErrStopped
		close(c.done)
	}
	s.cancel()
	s.wg.Wait()
}

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text in input order. Identical texts are
// embedded once, cached texts skip the provider, and the rest join the
// pending batch shared with concurrent callers.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	waits := make(map[int]*call)
	byKey := make(map[uint64]*call)

	for i, text := range texts {
		if text == "" {
			return nil, ErrEmptyText
		}
		s.requests.Add(1)
		key := s.cacheKey(text)
		if vec, ok := s.cache.Get(key); ok {
			s.cacheHits.Add(1)
			s.metrics.RecordEmbeddingRequest(true)
			out[i] = slices.Clone(vec)
			continue
		}
		s.metrics.RecordEmbeddingRequest(false)

		c, ok := byKey[key]
		if !ok {
			var err error
			c, err = s.enqueue(key, text)
			if err != nil {
				return nil, err
			}
			byKey[key] = c
		}
		waits[i] = c
	}

	for i, c := range waits {
		select {
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if c.err != nil {
			return nil, c.err
		}
		out[i] = slices.Clone(c.vec)
	}
	return out, nil
}

func (s *Service) cacheKey(text string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(s.cfg.Model)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(text)
	return d.Sum64()
}

// enqueue joins an in-flight call for key or queues a new one, arming the
// debounce timer or flushing immediately when the batch is full.
func (s *Service) enqueue(key uint64, text string) (*call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}
	if c, ok := s.inflight[key]; ok {
		return c, nil
	}

	c := &call{key: key, text: text, done: make(chan struct{})}
	s.inflight[key] = c
	s.queue = append(s.queue, c)

	switch {
	case len(s.queue) >= s.cfg.BatchSize || s.cfg.Debounce == 0:
		s.flushLocked()
	case s.timer == nil:
		s.timer = time.AfterFunc(s.cfg.Debounce, s.flush)
	}
	return c, nil
}

func (s *Service) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// flushLocked hands the queue to a worker goroutine in batch-size chunks.
// s.mu must be held.
func (s *Service) flushLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for len(s.queue) > 0 {
		n := min(len(s.queue), s.cfg.BatchSize)
		batch := s.queue[:n:n]
		s.queue = s.queue[n:]
		s.wg.Add(1)
		go s.run(batch)
	}
	s.queue = nil
}

func (s *Service) run(batch []*call) {
	defer s.wg.Done()

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.text
	}

	start := time.Now()
	vecs, err := s.embedWithRetry(s.baseCtx, texts)
	s.batches.Add(1)
	s.metrics.RecordEmbeddingBatch(len(batch), time.Since(start), err)
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("embedding batch failed", "batch_size", len(batch), "model", s.cfg.Model, "error", err)
	}

	s.mu.Lock()
	for _, c := range batch {
		delete(s.inflight, c.key)
	}
	s.mu.Unlock()

	for i, c := range batch {
		if err != nil {
			c.err = err
		} else {
			c.vec = vecs[i]
			s.cache.Add(c.key, vecs[i])
		}
		close(c.done)
	}
}

func (s *Service) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	attempts := 0
	op := func() ([][]float32, error) {
		attempts++
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		s.providerCalls.Add(1)
		vecs, err := s.provider.EmbedBatch(callCtx, texts, s.cfg.Model)
		if err != nil {
			var perm *PermanentError
			if errors.As(err, &perm) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if err := s.checkVectors(texts, vecs); err != nil {
			return nil, backoff.Permanent(err)
		}
		return vecs, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	vecs, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.retries.Add(1)
			s.metrics.RecordEmbeddingRetry()
			s.logger.Debug("retrying embedding batch", "error", err, "backoff", wait)
		}),
	)
	if err != nil {
		return nil, &EmbeddingError{Model: s.cfg.Model, Attempts: attempts, Cause: err}
	}
	return vecs, nil
}

func (s *Service) checkVectors(texts []string, vecs [][]float32) error {
	if len(vecs) != len(texts) {
		return fmt.Errorf("%w: provider returned %d vectors for %d texts", ErrDimensionMismatch, len(vecs), len(texts))
	}
	for i, vec := range vecs {
		if len(vec) == 0 {
			return fmt.Errorf("%w: empty vector at index %d", ErrDimensionMismatch, i)
		}
		if s.cfg.Dimension > 0 && len(vec) != s.cfg.Dimension {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.cfg.Dimension)
		}
	}
	return nil
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()

	return Stats{
		Requests:      s.requests.Load(),
		CacheHits:     s.cacheHits.Load(),
		Batches:       s.batches.Load(),
		ProviderCalls: s.providerCalls.Load(),
		Retries:       s.retries.Load(),
		Failures:      s.failures.Load(),
		CacheEntries:  s.cache.Len(),
		Queued:        queued,
	}
}
