// Package patterns detects recurring interactions and promotes them to
// patterns that can be applied automatically.
//
// A pattern moves one way through three stages: observed (below the minimum
// occurrence count), established (count reached, auto-apply off) and trusted
// (auto-apply on). Only DisableAutoApply takes trusted status away.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearth/hearth/pkg/eventbus"
	"github.com/hearth/hearth/pkg/similarity"
	"github.com/hearth/hearth/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrAlreadyRunning is returned by Run when the detector is already
// consuming events.
var ErrAlreadyRunning = errors.New("patterns: detector already running")

// Observation outcomes.
const (
	OutcomeMatched  = "matched"
	OutcomeBuffered = "buffered"
	OutcomeCreated  = "created"
	OutcomeSkipped  = "skipped"
)

// Config controls matching, promotion and the clustering window.
type Config struct {
	SimilarityThreshold float64
	MinOccurrences      int
	// AutoApplySuccessRate is the success rate at or above which an
	// established pattern becomes trusted.
	AutoApplySuccessRate float64
	CommonElementRatio   float64

	WindowSize int
	WindowTTL  time.Duration

	ReclusterInterval time.Duration
	EventBuffer       int
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:  0.7,
		MinOccurrences:       5,
		AutoApplySuccessRate: 0.9,
		CommonElementRatio:   0.7,
		WindowSize:           200,
		WindowTTL:            7 * 24 * time.Hour,
		ReclusterInterval:    time.Minute,
		EventBuffer:          256,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = def.SimilarityThreshold
	}
	if c.MinOccurrences <= 0 {
		c.MinOccurrences = def.MinOccurrences
	}
	if c.AutoApplySuccessRate <= 0 {
		c.AutoApplySuccessRate = def.AutoApplySuccessRate
	}
	if c.CommonElementRatio <= 0 {
		c.CommonElementRatio = def.CommonElementRatio
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.WindowTTL <= 0 {
		c.WindowTTL = def.WindowTTL
	}
	if c.ReclusterInterval <= 0 {
		c.ReclusterInterval = def.ReclusterInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
}

// Embedder computes embeddings for interactions stored without one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MetricsRecorder receives detector events.
type MetricsRecorder interface {
	RecordPatternObservation(outcome string)
	RecordPatternPromotion()
	SetPatternWindowSize(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordPatternObservation(string) {}
func (nopMetrics) RecordPatternPromotion()         {}
func (nopMetrics) SetPatternWindowSize(int)        {}

type detectorLogger interface {
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

// Subscriber is the event source Run consumes memory.stored events from.
type Subscriber interface {
	Subscribe(pattern string, buffer int) (*eventbus.Subscription, error)
}

// Option configures a Detector.
type Option func(*Detector)

// WithEmbedder sets the embedder used for interactions without a vector.
func WithEmbedder(e Embedder) Option {
	return func(d *Detector) { d.embedder = e }
}

// WithLogger sets the detector logger.
func WithLogger(l detectorLogger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(d *Detector) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithPublisher publishes pattern.created/updated/promoted events.
func WithPublisher(p eventPublisher) Option {
	return func(d *Detector) { d.publisher = p }
}

// Result describes what one observation did.
type Result struct {
	Outcome  string           `json:"outcome"`
	Pattern  *storage.Pattern `json:"pattern,omitempty"`
	Promoted bool             `json:"promoted"`
}

// Detector matches interactions against known patterns and clusters the
// unmatched ones into new patterns.
type Detector struct {
	cfg       Config
	store     storage.Store
	embedder  Embedder
	publisher eventPublisher
	logger    detectorLogger
	metrics   MetricsRecorder

	// mu serializes observations, reclustering and retries so pattern
	// read-modify-write cycles do not interleave.
	mu     sync.Mutex
	window []Interaction
	// unsaved holds patterns whose local write failed, keyed by hash.
	unsaved map[string]*storage.Pattern

	runMu   sync.Mutex
	running bool

	now func() time.Time
}

// NewDetector creates a detector persisting patterns to store.
func NewDetector(store storage.Store, cfg Config, opts ...Option) *Detector {
	cfg.applyDefaults()
	d := &Detector{
		cfg:     cfg,
		store:   store,
		logger:  nopLogger{},
		metrics: nopMetrics{},
		unsaved: make(map[string]*storage.Pattern),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe processes one interaction. It never fails the caller's write path:
// an interaction that cannot be embedded is skipped, and a pattern that
// cannot be persisted is retained and retried later.
func (d *Detector) Observe(ctx context.Context, m *storage.Memory) (Result, error) {
	ctx, span := otel.Tracer("hearth.patterns").Start(ctx, "patterns.observe")
	defer span.End()

	if m == nil || m.Content == "" {
		return Result{Outcome: OutcomeSkipped}, nil
	}

	vec := m.Embedding
	if !similarity.HasEmbedding(vec) {
		var err error
		vec, err = d.embed(ctx, m.Content)
		if err != nil {
			d.logger.Warn("skipping interaction for pattern detection", "memory_id", m.ID, "error", err)
			d.metrics.RecordPatternObservation(OutcomeSkipped)
			return Result{Outcome: OutcomeSkipped}, nil
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.retryUnsavedLocked(ctx)
	now := d.now()
	in := interactionFrom(m, vec, now)

	known, err := d.allPatterns(ctx)
	if err != nil {
		// Matching needs the known patterns; buffer and try again later.
		d.logger.Warn("listing patterns failed", "error", err)
	}
	if p := d.bestMatch(known, vec); p != nil {
		res := d.applyMatchLocked(ctx, p, in)
		span.SetAttributes(attribute.String("pattern.id", p.ID), attribute.String("pattern.outcome", res.Outcome))
		d.metrics.RecordPatternObservation(res.Outcome)
		return res, nil
	}

	d.window = append(d.window, in)
	d.trimWindowLocked(now)
	res := Result{Outcome: OutcomeBuffered}
	if created := d.reclusterLocked(ctx); len(created) > 0 {
		res = created[len(created)-1]
	}
	span.SetAttributes(attribute.String("pattern.outcome", res.Outcome))
	d.metrics.RecordPatternObservation(res.Outcome)
	return res, nil
}

func (d *Detector) embed(ctx context.Context, text string) ([]float32, error) {
	if d.embedder == nil {
		return nil, errors.New("no embedding and no embedder configured")
	}
	vec, err := d.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if !similarity.HasEmbedding(vec) {
		return nil, errors.New("embedder returned an empty vector")
	}
	return vec, nil
}

// allPatterns returns the stored patterns plus any not yet persisted.
func (d *Detector) allPatterns(ctx context.Context) ([]*storage.Pattern, error) {
	stored, err := d.store.ListPatterns(ctx, storage.PatternFilter{})
	byHash := make(map[string]int, len(stored))
	for i, p := range stored {
		byHash[p.PatternHash] = i
	}
	for hash, p := range d.unsaved {
		if i, ok := byHash[hash]; ok {
			stored[i] = p
			continue
		}
		stored = append(stored, p)
	}
	return stored, err
}

// bestMatch returns the pattern whose trigger is most similar to vec, if any
// reaches the threshold.
func (d *Detector) bestMatch(known []*storage.Pattern, vec []float32) *storage.Pattern {
	var best *storage.Pattern
	bestScore := 0.0
	for _, p := range known {
		score := similarity.Cosine(vec, p.TriggerEmbedding)
		if score < d.cfg.SimilarityThreshold {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && p.ID < best.ID) {
			best, bestScore = p, score
		}
	}
	return best
}

func (d *Detector) applyMatchLocked(ctx context.Context, p *storage.Pattern, in Interaction) Result {
	updated := p.Clone()
	n := updated.OccurrenceCount + 1
	success := 0.0
	if in.Success {
		success = 1
	}
	updated.SuccessRate = (updated.SuccessRate*float64(n-1) + success) / float64(n)
	updated.OccurrenceCount = n
	updated.LastUsedAt = in.ObservedAt
	updated.AddProjectContext(in.ProjectID)

	promoted := d.promote(updated)
	d.save(ctx, updated, storage.OpUpdate)

	eventType := eventbus.EventPatternUpdated
	if promoted {
		eventType = eventbus.EventPatternPromoted
	}
	d.publish(ctx, eventType, in.ProjectID, updated)
	return Result{Outcome: OutcomeMatched, Pattern: updated, Promoted: promoted}
}

// promote sets auto-apply once the pattern qualifies. It never clears it.
func (d *Detector) promote(p *storage.Pattern) bool {
	if p.AutoApply || p.AutoApplyDisabled {
		return false
	}
	if p.OccurrenceCount < d.cfg.MinOccurrences || p.SuccessRate < d.cfg.AutoApplySuccessRate {
		return false
	}
	p.AutoApply = true
	d.metrics.RecordPatternPromotion()
	d.logger.Info("pattern promoted to auto-apply", "pattern_id", p.ID, "occurrences", p.OccurrenceCount, "success_rate", p.SuccessRate)
	return true
}

// reclusterLocked materializes every cluster in the window that reached the
// minimum size and removes its members from the window.
func (d *Detector) reclusterLocked(ctx context.Context) []Result {
	clusters := cluster(d.window, d.cfg.SimilarityThreshold, d.cfg.MinOccurrences)
	if len(clusters) == 0 {
		return nil
	}

	consumed := make(map[int]struct{})
	var results []Result
	for _, members := range clusters {
		res := d.materializeLocked(ctx, members)
		results = append(results, res)
		for _, idx := range members {
			consumed[idx] = struct{}{}
		}
	}

	kept := d.window[:0]
	for i, in := range d.window {
		if _, ok := consumed[i]; !ok {
			kept = append(kept, in)
		}
	}
	d.window = kept
	d.metrics.SetPatternWindowSize(len(d.window))
	return results
}

func (d *Detector) materializeLocked(ctx context.Context, members []int) Result {
	seed := d.window[members[0]]
	tools := make([][]string, len(members))
	paths := make([][]string, len(members))
	successes := 0
	var projects []string
	lastUsed := seed.ObservedAt
	for i, idx := range members {
		in := d.window[idx]
		tools[i] = in.Tools
		paths[i] = in.Paths
		if in.Success {
			successes++
		}
		projects = append(projects, in.ProjectID)
		if in.ObservedAt.After(lastUsed) {
			lastUsed = in.ObservedAt
		}
	}

	action := storage.ActionSequence{
		Tools:    commonElements(tools, d.cfg.CommonElementRatio),
		Paths:    commonElements(paths, d.cfg.CommonElementRatio),
		Template: seed.Content,
	}
	hash := PatternHash(seed.Content, action.Tools)
	now := d.now()

	candidate := &storage.Pattern{
		ID:               uuid.NewString(),
		PatternHash:      hash,
		TriggerContent:   seed.Content,
		TriggerEmbedding: append([]float32(nil), seed.Embedding...),
		ActionSequence:   action,
		OccurrenceCount:  len(members),
		SuccessRate:      float64(successes) / float64(len(members)),
		LastUsedAt:       lastUsed,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, p := range projects {
		candidate.AddProjectContext(p)
	}

	op := storage.OpInsert
	existing := d.unsaved[hash]
	if existing == nil {
		if found, err := d.store.GetPatternByHash(ctx, hash); err == nil {
			existing = found
		} else if !storage.IsNotFound(err) {
			d.logger.Warn("pattern lookup by hash failed", "pattern_hash", hash, "error", err)
		}
	}
	if existing != nil {
		// Reprocessing a cluster never inflates the count.
		merged := existing.Clone()
		if candidate.OccurrenceCount > merged.OccurrenceCount {
			merged.OccurrenceCount = candidate.OccurrenceCount
			merged.SuccessRate = candidate.SuccessRate
		}
		for _, p := range candidate.ProjectContexts {
			merged.AddProjectContext(p)
		}
		if candidate.LastUsedAt.After(merged.LastUsedAt) {
			merged.LastUsedAt = candidate.LastUsedAt
		}
		candidate = merged
		op = storage.OpUpdate
	}

	promoted := d.promote(candidate)
	d.save(ctx, candidate, op)

	eventType := eventbus.EventPatternCreated
	if promoted {
		eventType = eventbus.EventPatternPromoted
	}
	d.publish(ctx, eventType, seed.ProjectID, candidate)
	d.logger.Info("pattern materialized", "pattern_id", candidate.ID, "pattern_hash", hash, "occurrences", candidate.OccurrenceCount)
	return Result{Outcome: OutcomeCreated, Pattern: candidate, Promoted: promoted}
}

// save writes p with an outbox item. Failed writes are kept in memory and
// retried on the next observation or recluster.
func (d *Detector) save(ctx context.Context, p *storage.Pattern, op storage.Operation) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = d.now()
	}
	p.UpdatedAt = d.now()
	if p.UpdatedAt.Before(p.CreatedAt) {
		p.UpdatedAt = p.CreatedAt
	}
	p.SyncState = storage.SyncPending

	item, err := storage.NewQueueItem(storage.TablePatterns, p.ID, op, p)
	if err == nil {
		err = d.store.PutPattern(ctx, p, item)
	}
	var dup *storage.DuplicateKeyError
	if errors.As(err, &dup) {
		// Another id owns the hash; fold into it on the next pass.
		d.logger.Warn("pattern hash owned by another id", "pattern_id", p.ID, "pattern_hash", p.PatternHash)
	}
	if err != nil {
		d.unsaved[p.PatternHash] = p.Clone()
		d.logger.Warn("persisting pattern failed, will retry", "pattern_id", p.ID, "error", err)
		return
	}
	delete(d.unsaved, p.PatternHash)
}

func (d *Detector) retryUnsavedLocked(ctx context.Context) {
	for hash, p := range d.unsaved {
		if existing, err := d.store.GetPatternByHash(ctx, hash); err == nil && existing.ID != p.ID {
			p.ID = existing.ID
			if existing.OccurrenceCount > p.OccurrenceCount {
				p.OccurrenceCount = existing.OccurrenceCount
				p.SuccessRate = existing.SuccessRate
			}
		}
		d.save(ctx, p, storage.OpUpdate)
	}
}

func (d *Detector) trimWindowLocked(now time.Time) {
	cutoff := now.Add(-d.cfg.WindowTTL)
	start := 0
	for start < len(d.window) && d.window[start].ObservedAt.Before(cutoff) {
		start++
	}
	if over := len(d.window) - start - d.cfg.WindowSize; over > 0 {
		start += over
	}
	if start > 0 {
		d.window = append([]Interaction(nil), d.window[start:]...)
	}
	d.metrics.SetPatternWindowSize(len(d.window))
}

// Recluster trims the window, retries unsaved patterns and materializes any
// cluster that reached the minimum size.
func (d *Detector) Recluster(ctx context.Context) []Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.retryUnsavedLocked(ctx)
	d.trimWindowLocked(d.now())
	return d.reclusterLocked(ctx)
}

// Patterns returns stored patterns matching filter.
func (d *Detector) Patterns(ctx context.Context, filter storage.PatternFilter) ([]*storage.Pattern, error) {
	patterns, err := d.store.ListPatterns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("patterns: list: %w", err)
	}
	return patterns, nil
}

// Window returns a snapshot of the buffered interactions, oldest first.
func (d *Detector) Window() []Interaction {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Interaction, len(d.window))
	copy(out, d.window)
	return out
}

// Unsaved returns how many patterns are waiting for a successful local write.
func (d *Detector) Unsaved() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.unsaved)
}

// DisableAutoApply switches auto-apply off for a pattern and keeps it off.
func (d *Detector) DisableAutoApply(ctx context.Context, id string) (*storage.Pattern, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.store.GetPattern(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("patterns: get %s: %w", id, err)
	}
	if !p.AutoApply && p.AutoApplyDisabled {
		return p, nil
	}
	p.AutoApply = false
	p.AutoApplyDisabled = true
	p.UpdatedAt = d.now()
	p.SyncState = storage.SyncPending

	item, err := storage.NewQueueItem(storage.TablePatterns, p.ID, storage.OpUpdate, p)
	if err != nil {
		return nil, err
	}
	if err := d.store.PutPattern(ctx, p, item); err != nil {
		return nil, fmt.Errorf("patterns: disable %s: %w", id, err)
	}
	d.publish(ctx, eventbus.EventPatternUpdated, "", p)
	return p, nil
}

// Subscribe registers for memory.stored events. Events published after it
// returns are buffered until Consume drains them.
func (d *Detector) Subscribe(sub Subscriber) (*eventbus.Subscription, error) {
	subscription, err := sub.Subscribe(eventbus.EventWildcardSubject(eventbus.DomainMemory, eventbus.EventMemoryStored), d.cfg.EventBuffer)
	if err != nil {
		return nil, fmt.Errorf("patterns: subscribe: %w", err)
	}
	return subscription, nil
}

// Run subscribes and consumes until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, sub Subscriber) error {
	subscription, err := d.Subscribe(sub)
	if err != nil {
		return err
	}
	return d.Consume(ctx, subscription)
}

// Consume handles memory.stored events from subscription and reclusters
// periodically until ctx is cancelled. Events for writes that came from the
// sync engine are ignored. The subscription is closed on return.
func (d *Detector) Consume(ctx context.Context, subscription *eventbus.Subscription) error {
	defer subscription.Close()

	d.runMu.Lock()
	if d.running {
		d.runMu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.runMu.Unlock()
	defer func() {
		d.runMu.Lock()
		d.running = false
		d.runMu.Unlock()
	}()

	consumer := eventbus.NewEnvelopeConsumer(0)
	ticker := time.NewTicker(d.cfg.ReclusterInterval)
	defer ticker.Stop()

	d.logger.Info("pattern detector started", "recluster_interval", d.cfg.ReclusterInterval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("pattern detector stopped")
			return nil
		case <-ticker.C:
			d.Recluster(ctx)
		case msg, ok := <-subscription.C():
			if !ok {
				return nil
			}
			d.handleMessage(ctx, consumer, msg)
		}
	}
}

func (d *Detector) handleMessage(ctx context.Context, consumer *eventbus.EnvelopeConsumer, msg eventbus.Message) {
	envelope, duplicate, err := consumer.Decode(msg.Payload)
	if err != nil {
		d.logger.Warn("dropping undecodable event", "subject", msg.Subject, "error", err)
		return
	}
	if duplicate {
		return
	}

	var stored eventbus.MemoryStored
	if err := envelope.Decode(&stored); err != nil {
		d.logger.Warn("dropping malformed memory.stored event", "event_id", envelope.EventID, "error", err)
		return
	}
	if stored.Remote {
		return
	}

	m, err := d.store.GetMemory(ctx, stored.MemoryID)
	if err != nil {
		d.logger.Debug("memory for event not found", "memory_id", stored.MemoryID, "error", err)
		return
	}
	if _, err := d.Observe(ctx, m); err != nil {
		d.logger.Warn("observing interaction failed", "memory_id", m.ID, "error", err)
	}
}

func (d *Detector) publish(ctx context.Context, eventType, projectID string, p *storage.Pattern) {
	if d.publisher == nil {
		return
	}
	_, err := d.publisher.Publish(context.WithoutCancel(ctx), eventbus.Event{
		Domain:      eventbus.DomainPattern,
		EventType:   eventType,
		ProjectID:   projectID,
		OrderingKey: p.PatternHash,
		Payload: eventbus.PatternChanged{
			PatternID:       p.ID,
			PatternHash:     p.PatternHash,
			Stage:           string(p.Stage(d.cfg.MinOccurrences)),
			OccurrenceCount: p.OccurrenceCount,
			SuccessRate:     p.SuccessRate,
			AutoApply:       p.AutoApply,
		},
	})
	if err != nil {
		d.logger.Debug("publish pattern event failed", "pattern_id", p.ID, "error", err)
	}
}
