package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// StoreTestSuite defines a test suite that can be run against any Store implementation.
type StoreTestSuite struct {
	NewStore func(t *testing.T) Store
}

// RunAllTests runs all store tests against the provided implementation.
func (s *StoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("MemoryCRUD", s.TestMemoryCRUD)
	t.Run("ScanRecentOrdering", s.TestScanRecentOrdering)
	t.Run("TouchMemories", s.TestTouchMemories)
	t.Run("ListMemoriesFilter", s.TestListMemoriesFilter)
	t.Run("ListMemoriesByMetadata", s.TestListMemoriesByMetadata)
	t.Run("DeleteMemoryIf", s.TestDeleteMemoryIf)
	t.Run("PutMemoryWithOutbox", s.TestPutMemoryWithOutbox)
	t.Run("PatternHashUnique", s.TestPatternHashUnique)
	t.Run("QueueLifecycle", s.TestQueueLifecycle)
	t.Run("CompleteSkipsModifiedEntity", s.TestCompleteSkipsModifiedEntity)
	t.Run("CachedQueries", s.TestCachedQueries)
	t.Run("Checkpoints", s.TestCheckpoints)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
	t.Run("MemoryNotFound", s.TestMemoryNotFound)
}

func testMemory(id, projectID string, accessed time.Time) *Memory {
	return &Memory{
		ID:             id,
		Content:        "content " + id,
		Embedding:      []float32{1, 0, 0},
		Metadata:       map[string]string{"source": "test"},
		SuccessScore:   1,
		ProjectID:      projectID,
		CreatedAt:      accessed,
		UpdatedAt:      accessed,
		LastAccessedAt: accessed,
		SyncState:      SyncPending,
	}
}

// TestMemoryCRUD tests basic memory CRUD operations.
func (s *StoreTestSuite) TestMemoryCRUD(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	m := testMemory("mem-1", "home", now)
	if err := store.PutMemory(ctx, m); err != nil {
		t.Fatalf("PutMemory failed: %v", err)
	}

	got, err := store.GetMemory(ctx, "mem-1")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Content != m.Content {
		t.Errorf("expected Content %q, got %q", m.Content, got.Content)
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("expected metadata to round-trip, got %v", got.Metadata)
	}
	if len(got.Embedding) != 3 {
		t.Errorf("expected 3-dim embedding, got %d", len(got.Embedding))
	}

	got.SuccessScore = 0.5
	if err := store.PutMemory(ctx, got); err != nil {
		t.Fatalf("PutMemory (update) failed: %v", err)
	}
	updated, err := store.GetMemory(ctx, "mem-1")
	if err != nil {
		t.Fatalf("GetMemory (after update) failed: %v", err)
	}
	if updated.SuccessScore != 0.5 {
		t.Errorf("expected SuccessScore 0.5, got %v", updated.SuccessScore)
	}

	count, err := store.CountMemories(ctx)
	if err != nil {
		t.Fatalf("CountMemories failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 memory, got %d", count)
	}

	if err := store.DeleteMemory(ctx, "mem-1"); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}
	if _, err := store.GetMemory(ctx, "mem-1"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError after delete, got %v", err)
	}
	recent, err := store.ScanRecent(ctx, "home", 10)
	if err != nil {
		t.Fatalf("ScanRecent failed: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("expected no index entries after delete, got %d", len(recent))
	}
}

// TestScanRecentOrdering tests that scans return most recently accessed first.
func (s *StoreTestSuite) TestScanRecentOrdering(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		project := "a"
		if i%2 == 1 {
			project = "b"
		}
		m := testMemory(fmt.Sprintf("mem-%d", i), project, base.Add(time.Duration(i)*time.Minute))
		if err := store.PutMemory(ctx, m); err != nil {
			t.Fatalf("PutMemory failed: %v", err)
		}
	}

	all, err := store.ScanRecent(ctx, "", 0)
	if err != nil {
		t.Fatalf("ScanRecent failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 memories, got %d", len(all))
	}
	for i, m := range all {
		want := fmt.Sprintf("mem-%d", 4-i)
		if m.ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, m.ID)
		}
	}

	scoped, err := store.ScanRecent(ctx, "a", 2)
	if err != nil {
		t.Fatalf("ScanRecent (project) failed: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("expected 2 memories, got %d", len(scoped))
	}
	if scoped[0].ID != "mem-4" || scoped[1].ID != "mem-2" {
		t.Errorf("unexpected project scan order: %s, %s", scoped[0].ID, scoped[1].ID)
	}
}

// TestTouchMemories tests that touching moves memories to the front.
func (s *StoreTestSuite) TestTouchMemories(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		if err := store.PutMemory(ctx, testMemory(fmt.Sprintf("mem-%d", i), "p", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("PutMemory failed: %v", err)
		}
	}

	now := time.Now().UTC()
	if err := store.TouchMemories(ctx, []string{"mem-0", "missing"}, now); err != nil {
		t.Fatalf("TouchMemories failed: %v", err)
	}

	recent, err := store.ScanRecent(ctx, "p", 0)
	if err != nil {
		t.Fatalf("ScanRecent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 memories, got %d", len(recent))
	}
	if recent[0].ID != "mem-0" {
		t.Errorf("expected touched memory first, got %s", recent[0].ID)
	}
	if !recent[0].LastAccessedAt.Equal(now) {
		t.Errorf("expected LastAccessedAt %v, got %v", now, recent[0].LastAccessedAt)
	}
	if !recent[0].UpdatedAt.Equal(base) {
		t.Errorf("touch must not change UpdatedAt, got %v", recent[0].UpdatedAt)
	}
}

// TestListMemoriesFilter tests filtering and ordering of ListMemories.
func (s *StoreTestSuite) TestListMemoriesFilter(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		m := testMemory(fmt.Sprintf("mem-%d", i), "p", base.Add(time.Duration(i)*time.Minute))
		if i < 2 {
			m.SyncState = SyncSynced
		}
		if err := store.PutMemory(ctx, m); err != nil {
			t.Fatalf("PutMemory failed: %v", err)
		}
	}

	synced, err := store.ListMemories(ctx, MemoryFilter{SyncState: SyncSynced, OldestAccessFirst: true})
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(synced) != 2 {
		t.Fatalf("expected 2 synced memories, got %d", len(synced))
	}
	if synced[0].ID != "mem-0" {
		t.Errorf("expected oldest first, got %s", synced[0].ID)
	}

	pending, err := store.ListMemories(ctx, MemoryFilter{SyncState: SyncPending, Limit: 1})
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "mem-3" {
		t.Errorf("expected newest pending memory mem-3, got %v", pending)
	}

	old, err := store.ListMemories(ctx, MemoryFilter{CreatedBefore: base.Add(90 * time.Second)})
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(old) != 2 {
		t.Errorf("expected 2 memories created before cutoff, got %d", len(old))
	}
}

// TestListMemoriesByMetadata tests exact metadata matching, including records
// stored without an embedding.
func (s *StoreTestSuite) TestListMemoriesByMetadata(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC()

	plain := testMemory("mem-plain", "p", base)
	plain.Embedding = nil
	plain.Metadata = map[string]string{"tool": "git", "source": "cli"}
	other := testMemory("mem-other", "p", base.Add(time.Second))
	other.Metadata = map[string]string{"tool": "make"}
	elsewhere := testMemory("mem-elsewhere", "q", base.Add(2*time.Second))
	elsewhere.Metadata = map[string]string{"tool": "git"}

	for _, m := range []*Memory{plain, other, elsewhere} {
		if err := store.PutMemory(ctx, m); err != nil {
			t.Fatalf("PutMemory failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter MemoryFilter
		want   []string
	}{
		{"single pair", MemoryFilter{ProjectID: "p", Metadata: map[string]string{"tool": "git"}}, []string{"mem-plain"}},
		{"every pair must match", MemoryFilter{Metadata: map[string]string{"tool": "git", "source": "cli"}}, []string{"mem-plain"}},
		{"across projects", MemoryFilter{Metadata: map[string]string{"tool": "git"}}, []string{"mem-elsewhere", "mem-plain"}},
		{"value mismatch", MemoryFilter{Metadata: map[string]string{"tool": "npm"}}, nil},
		{"missing key", MemoryFilter{Metadata: map[string]string{"branch": "main"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListMemories(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListMemories failed: %v", err)
			}
			var ids []string
			for _, m := range got {
				ids = append(ids, m.ID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, ids)
			}
		})
	}
}

// TestDeleteMemoryIf tests that a conditional delete re-checks the sync state.
func (s *StoreTestSuite) TestDeleteMemoryIf(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	m := testMemory("mem-1", "p", time.Now().UTC())
	if err := store.PutMemory(ctx, m); err != nil {
		t.Fatalf("PutMemory failed: %v", err)
	}

	deleted, err := store.DeleteMemoryIf(ctx, "mem-1", SyncSynced)
	if err != nil {
		t.Fatalf("DeleteMemoryIf failed: %v", err)
	}
	if deleted {
		t.Fatal("expected a pending memory to be kept")
	}
	if _, err := store.GetMemory(ctx, "mem-1"); err != nil {
		t.Fatalf("expected memory to survive, got %v", err)
	}

	m.SyncState = SyncSynced
	if err := store.PutMemory(ctx, m); err != nil {
		t.Fatalf("PutMemory failed: %v", err)
	}
	deleted, err = store.DeleteMemoryIf(ctx, "mem-1", SyncSynced)
	if err != nil {
		t.Fatalf("DeleteMemoryIf failed: %v", err)
	}
	if !deleted {
		t.Fatal("expected a synced memory to be deleted")
	}
	if _, err := store.GetMemory(ctx, "mem-1"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError after delete, got %v", err)
	}
	recent, err := store.ScanRecent(ctx, "p", 10)
	if err != nil {
		t.Fatalf("ScanRecent failed: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("expected no index entries after delete, got %d", len(recent))
	}

	if _, err := store.DeleteMemoryIf(ctx, "mem-1", SyncSynced); !IsNotFound(err) {
		t.Errorf("expected NotFoundError for missing memory, got %v", err)
	}
}

// TestPutMemoryWithOutbox tests that the outbox item is written with the memory.
func (s *StoreTestSuite) TestPutMemoryWithOutbox(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	m := NewMemory("p", "buy milk")
	item, err := NewQueueItem(TableMemories, m.ID, OpInsert, m)
	if err != nil {
		t.Fatalf("NewQueueItem failed: %v", err)
	}

	if err := store.PutMemory(ctx, m, item); err != nil {
		t.Fatalf("PutMemory failed: %v", err)
	}

	items, err := store.ListQueue(ctx, QueuePending, 10)
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 queued item, got %d", len(items))
	}
	if items[0].EntityID != m.ID || items[0].EntityTable != TableMemories {
		t.Errorf("unexpected queue item: %+v", items[0])
	}
}

// TestPatternHashUnique tests the pattern hash index.
func (s *StoreTestSuite) TestPatternHashUnique(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	p := &Pattern{
		ID:              "pat-1",
		PatternHash:     "hash-1",
		TriggerContent:  "deploy",
		OccurrenceCount: 3,
		SuccessRate:     1,
		ProjectContexts: []string{"p"},
		CreatedAt:       now,
		UpdatedAt:       now,
		SyncState:       SyncPending,
	}
	if err := store.PutPattern(ctx, p); err != nil {
		t.Fatalf("PutPattern failed: %v", err)
	}

	byHash, err := store.GetPatternByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetPatternByHash failed: %v", err)
	}
	if byHash.ID != "pat-1" {
		t.Errorf("expected pat-1, got %s", byHash.ID)
	}

	dup := p.Clone()
	dup.ID = "pat-2"
	var dupErr *DuplicateKeyError
	if err := store.PutPattern(ctx, dup); !errors.As(err, &dupErr) {
		t.Errorf("expected DuplicateKeyError, got %v", err)
	}

	other := p.Clone()
	other.ID = "pat-3"
	other.PatternHash = "hash-3"
	other.OccurrenceCount = 7
	other.AutoApply = true
	if err := store.PutPattern(ctx, other); err != nil {
		t.Fatalf("PutPattern failed: %v", err)
	}

	list, err := store.ListPatterns(ctx, PatternFilter{ProjectID: "p"})
	if err != nil {
		t.Fatalf("ListPatterns failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "pat-3" {
		t.Errorf("expected pat-3 first by occurrence count, got %v", list)
	}

	auto, err := store.ListPatterns(ctx, PatternFilter{AutoApplyOnly: true})
	if err != nil {
		t.Fatalf("ListPatterns failed: %v", err)
	}
	if len(auto) != 1 {
		t.Errorf("expected 1 auto-apply pattern, got %d", len(auto))
	}

	if err := store.DeletePattern(ctx, "pat-1"); err != nil {
		t.Fatalf("DeletePattern failed: %v", err)
	}
	if _, err := store.GetPatternByHash(ctx, "hash-1"); !IsNotFound(err) {
		t.Errorf("expected hash index removed, got %v", err)
	}
}

// TestQueueLifecycle tests enqueue, update, completion and pruning.
func (s *StoreTestSuite) TestQueueLifecycle(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	m := NewMemory("p", "first")
	if err := store.PutMemory(ctx, m); err != nil {
		t.Fatalf("PutMemory failed: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		item, err := NewQueueItem(TableMemories, m.ID, OpUpdate, nil)
		if err != nil {
			t.Fatalf("NewQueueItem failed: %v", err)
		}
		if err := store.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, item.ID)
	}

	items, err := store.ListQueue(ctx, QueuePending, 0)
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, item := range items {
		if item.ID != ids[i] {
			t.Errorf("expected FIFO order, position %d got %s", i, item.ID)
		}
	}

	items[1].Status = QueueFailed
	items[1].RetryCount = 5
	items[1].LastError = "boom"
	if err := store.UpdateQueueItem(ctx, items[1]); err != nil {
		t.Fatalf("UpdateQueueItem failed: %v", err)
	}

	if err := store.CompleteQueueItem(ctx, items[0], m.ModifiedAt()); err != nil {
		t.Fatalf("CompleteQueueItem failed: %v", err)
	}
	synced, err := store.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if synced.SyncState != SyncSynced {
		t.Errorf("expected memory synced, got %s", synced.SyncState)
	}

	depth, err := store.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != (QueueDepth{Pending: 1, Completed: 1, Failed: 1}) {
		t.Errorf("unexpected depth: %+v", depth)
	}

	pruned, err := store.PruneQueue(ctx, QueueCompleted, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneQueue failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned item, got %d", pruned)
	}

	if err := store.DeleteQueueItem(ctx, items[2].ID); err != nil {
		t.Fatalf("DeleteQueueItem failed: %v", err)
	}
	depth, err = store.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != (QueueDepth{Failed: 1}) {
		t.Errorf("unexpected depth after prune: %+v", depth)
	}
}

// TestCompleteSkipsModifiedEntity tests that a newer local edit stays pending.
func (s *StoreTestSuite) TestCompleteSkipsModifiedEntity(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	m := NewMemory("p", "edit me")
	pushedAt := m.ModifiedAt()
	m.UpdatedAt = pushedAt.Add(time.Second)
	item, err := NewQueueItem(TableMemories, m.ID, OpInsert, nil)
	if err != nil {
		t.Fatalf("NewQueueItem failed: %v", err)
	}
	if err := store.PutMemory(ctx, m, item); err != nil {
		t.Fatalf("PutMemory failed: %v", err)
	}

	if err := store.CompleteQueueItem(ctx, item, pushedAt); err != nil {
		t.Fatalf("CompleteQueueItem failed: %v", err)
	}
	got, err := store.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.SyncState != SyncPending {
		t.Errorf("expected memory to remain pending, got %s", got.SyncState)
	}
}

// TestCachedQueries tests query cache storage and project invalidation.
func (s *StoreTestSuite) TestCachedQueries(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	for _, q := range []*CachedQuery{
		{QueryHash: "q1", ProjectID: "a", Results: []ScoredRef{{MemoryID: "m1", Score: 0.9}}, CreatedAt: now},
		{QueryHash: "q2", ProjectID: "a", CreatedAt: now},
		{QueryHash: "q3", ProjectID: "b", CreatedAt: now},
	} {
		if err := store.PutCachedQuery(ctx, q, time.Hour); err != nil {
			t.Fatalf("PutCachedQuery failed: %v", err)
		}
	}

	got, err := store.GetCachedQuery(ctx, "q1")
	if err != nil {
		t.Fatalf("GetCachedQuery failed: %v", err)
	}
	if len(got.Results) != 1 || got.Results[0].MemoryID != "m1" {
		t.Errorf("unexpected results: %+v", got.Results)
	}

	if err := store.TouchCachedQuery(ctx, "q1", now.Add(time.Second)); err != nil {
		t.Fatalf("TouchCachedQuery failed: %v", err)
	}
	got, err = store.GetCachedQuery(ctx, "q1")
	if err != nil {
		t.Fatalf("GetCachedQuery failed: %v", err)
	}
	if got.HitCount != 1 {
		t.Errorf("expected HitCount 1, got %d", got.HitCount)
	}

	removed, err := store.DeleteCachedQueries(ctx, "a")
	if err != nil {
		t.Fatalf("DeleteCachedQueries failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if _, err := store.GetCachedQuery(ctx, "q1"); !IsNotFound(err) {
		t.Errorf("expected q1 removed, got %v", err)
	}
	if _, err := store.GetCachedQuery(ctx, "q3"); err != nil {
		t.Errorf("expected q3 to survive, got %v", err)
	}
}

// TestCheckpoints tests checkpoint persistence.
func (s *StoreTestSuite) TestCheckpoints(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()

	zero, err := store.GetCheckpoint(ctx, "remote.pull")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if !zero.IsZero() {
		t.Errorf("expected zero checkpoint, got %v", zero)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	if err := store.PutCheckpoint(ctx, "remote.pull", at); err != nil {
		t.Fatalf("PutCheckpoint failed: %v", err)
	}
	got, err := store.GetCheckpoint(ctx, "remote.pull")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("expected %v, got %v", at, got)
	}
}

// TestConcurrentAccess tests concurrent writers against the same store.
func (s *StoreTestSuite) TestConcurrentAccess(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	errCh := make(chan error, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := NewMemory("p", fmt.Sprintf("memory %d", i))
			if err := store.PutMemory(ctx, m); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent PutMemory failed: %v", err)
	}

	count, err := store.CountMemories(ctx)
	if err != nil {
		t.Fatalf("CountMemories failed: %v", err)
	}
	if count != 20 {
		t.Errorf("expected 20 memories, got %d", count)
	}
}

// TestMemoryNotFound tests error handling for missing entities.
func (s *StoreTestSuite) TestMemoryNotFound(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()

	_, err := store.GetMemory(ctx, "nope")
	if !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	if err := store.DeleteMemory(ctx, "nope"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError on delete, got %v", err)
	}
	if _, err := store.GetPattern(ctx, "nope"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError for pattern, got %v", err)
	}
	if err := store.UpdateQueueItem(ctx, &SyncQueueItem{ID: "nope"}); !IsNotFound(err) {
		t.Errorf("expected NotFoundError for queue item, got %v", err)
	}
}
