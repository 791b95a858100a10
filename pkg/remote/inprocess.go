package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearth/hearth/pkg/storage"
)

var errOffline = errors.New("store offline")

// InProcessStore is a map-backed remote store shared by several local stores
// in one process. It can be switched offline to simulate network loss.
type InProcessStore struct {
	mu       sync.RWMutex
	memories map[string]*storage.Memory
	patterns map[string]*storage.Pattern
	// indexed holds the arrival time per change index member.
	indexed map[string]time.Time
	last    time.Time
	clock   func() time.Time

	online atomic.Bool
	writes atomic.Int64

	subMu sync.Mutex
	subs  map[chan Change]struct{}
}

// NewInProcessStore creates an empty, online store.
func NewInProcessStore() *InProcessStore {
	s := &InProcessStore{
		memories: make(map[string]*storage.Memory),
		patterns: make(map[string]*storage.Pattern),
		indexed:  make(map[string]time.Time),
		clock:    time.Now,
		subs:     make(map[chan Change]struct{}),
	}
	s.online.Store(true)
	return s
}

// SetOnline switches availability.
func (s *InProcessStore) SetOnline(online bool) {
	s.online.Store(online)
}

// Writes returns how many upserts succeeded.
func (s *InProcessStore) Writes() int64 {
	return s.writes.Load()
}

// stampLocked returns a strictly increasing arrival time at microsecond
// precision, the resolution of the Redis change index.
func (s *InProcessStore) stampLocked(member string) time.Time {
	now := s.clock().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	s.indexed[member] = now
	return now
}

func (s *InProcessStore) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	if !s.online.Load() {
		return unavailable(op, errOffline)
	}
	return nil
}

// Ping implements Store.
func (s *InProcessStore) Ping(ctx context.Context) error {
	return s.check(ctx, "ping")
}

// UpsertMemory implements Store.
func (s *InProcessStore) UpsertMemory(ctx context.Context, m *storage.Memory) error {
	if err := s.check(ctx, "set memory"); err != nil {
		return err
	}
	rec := remoteMemory(m)

	s.mu.Lock()
	s.memories[rec.ID] = rec
	at := s.stampLocked(memberMemory + rec.ID)
	s.mu.Unlock()

	s.writes.Add(1)
	s.notify(Change{Table: storage.TableMemories, Key: rec.ID, ModifiedAt: rec.ModifiedAt(), IndexedAt: at})
	return nil
}

// GetMemory implements Store.
func (s *InProcessStore) GetMemory(ctx context.Context, id string) (*storage.Memory, error) {
	if err := s.check(ctx, "get memory"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memories[id]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

// GetMemories implements Store.
func (s *InProcessStore) GetMemories(ctx context.Context, ids []string) ([]*storage.Memory, error) {
	if err := s.check(ctx, "mget"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.memories[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

// UpsertPattern implements Store.
func (s *InProcessStore) UpsertPattern(ctx context.Context, p *storage.Pattern) error {
	if err := s.check(ctx, "set pattern"); err != nil {
		return err
	}
	rec := remotePattern(p)

	s.mu.Lock()
	s.patterns[rec.PatternHash] = rec
	at := s.stampLocked(memberPattern + rec.PatternHash)
	s.mu.Unlock()

	s.writes.Add(1)
	s.notify(Change{Table: storage.TablePatterns, Key: rec.PatternHash, ModifiedAt: rec.ModifiedAt(), IndexedAt: at})
	return nil
}

// GetPattern implements Store.
func (s *InProcessStore) GetPattern(ctx context.Context, hash string) (*storage.Pattern, error) {
	if err := s.check(ctx, "get pattern"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[hash]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", hash, ErrNotFound)
	}
	return p.Clone(), nil
}

// QuerySimilar implements Store.
func (s *InProcessStore) QuerySimilar(ctx context.Context, vec []float32, projectID string, threshold float64, limit int) ([]storage.ScoredRef, error) {
	if err := s.check(ctx, "list project"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var memories []*storage.Memory
	for _, m := range s.memories {
		if projectID == "" || m.ProjectID == projectID {
			memories = append(memories, m)
		}
	}
	s.mu.RUnlock()

	return rankMemories(memories, vec, threshold, limit), nil
}

// ChangesSince implements Store. Ordering matches the Redis change index:
// arrival time, then index member.
func (s *InProcessStore) ChangesSince(ctx context.Context, since time.Time, limit int) ([]Change, error) {
	if err := s.check(ctx, "range changes"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	floor := since.Truncate(time.Microsecond)

	s.mu.RLock()
	var changes []Change
	for id, m := range s.memories {
		at := s.indexed[memberMemory+id]
		if since.IsZero() || !at.Before(floor) {
			changes = append(changes, Change{Table: storage.TableMemories, Key: id, ModifiedAt: m.ModifiedAt(), IndexedAt: at, Memory: m.Clone()})
		}
	}
	for hash, p := range s.patterns {
		at := s.indexed[memberPattern+hash]
		if since.IsZero() || !at.Before(floor) {
			changes = append(changes, Change{Table: storage.TablePatterns, Key: hash, ModifiedAt: p.ModifiedAt(), IndexedAt: at, Pattern: p.Clone()})
		}
	}
	s.mu.RUnlock()

	sort.Slice(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if !a.IndexedAt.Equal(b.IndexedAt) {
			return a.IndexedAt.Before(b.IndexedAt)
		}
		return changeMember(a) < changeMember(b)
	})
	if len(changes) > limit {
		changes = changes[:limit]
	}
	return changes, nil
}

func changeMember(c Change) string {
	if c.Table == storage.TablePatterns {
		return memberPattern + c.Key
	}
	return memberMemory + c.Key
}

// Subscribe implements Feed.
func (s *InProcessStore) Subscribe(ctx context.Context) (<-chan Change, error) {
	if err := s.check(ctx, "subscribe"); err != nil {
		return nil, err
	}
	ch := make(chan Change, 16)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subMu.Unlock()
	}()
	return ch, nil
}

func (s *InProcessStore) notify(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

var (
	_ Store = (*InProcessStore)(nil)
	_ Feed  = (*InProcessStore)(nil)
)
