package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hearth/hearth/pkg/eventbus"
	"github.com/hearth/hearth/pkg/memory"
	"github.com/hearth/hearth/pkg/remote"
	"github.com/hearth/hearth/pkg/storage"
	badgerstore "github.com/hearth/hearth/pkg/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *badgerstore.BadgerStorage {
	t.Helper()
	db, err := badgerstore.NewBadgerStorage(&badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RemoteTimeout = time.Second
	cfg.Interval = time.Hour
	cfg.ProbeInterval = time.Hour
	return cfg
}

// putPending writes m locally together with its outbox item, the way the
// cache does on store.
func putPending(t *testing.T, s storage.Store, m *storage.Memory) {
	t.Helper()
	m.SyncState = storage.SyncPending
	item, err := storage.NewQueueItem(storage.TableMemories, m.ID, storage.OpInsert, m)
	require.NoError(t, err)
	require.NoError(t, s.PutMemory(context.Background(), m, item))
}

func putPendingPattern(t *testing.T, s storage.Store, p *storage.Pattern) {
	t.Helper()
	p.SyncState = storage.SyncPending
	item, err := storage.NewQueueItem(storage.TablePatterns, p.ID, storage.OpInsert, p)
	require.NoError(t, err)
	require.NoError(t, s.PutPattern(context.Background(), p, item))
}

func memoryAt(id, project, content string, at time.Time) *storage.Memory {
	return &storage.Memory{
		ID:             id,
		Content:        content,
		Embedding:      []float32{1, 0},
		SuccessScore:   1,
		ProjectID:      project,
		CreatedAt:      at,
		UpdatedAt:      at,
		LastAccessedAt: at,
	}
}

func fingerprints(t *testing.T, s storage.Store) map[string]string {
	t.Helper()
	all, err := s.ListMemories(context.Background(), storage.MemoryFilter{})
	require.NoError(t, err)
	out := make(map[string]string, len(all))
	for _, m := range all {
		out[m.ID] = m.Fingerprint()
	}
	return out
}

func pendingCount(t *testing.T, s storage.Store) int {
	t.Helper()
	depth, err := s.QueueDepth(context.Background())
	require.NoError(t, err)
	return depth.Pending
}

func TestSyncNow_OfflineDurability(t *testing.T) {
	ctx := context.Background()
	local := newTestStore(t)
	rs := remote.NewInProcessStore()
	rs.SetOnline(false)
	e := New(local, rs, testConfig())

	now := time.Now().UTC()
	putPending(t, local, memoryAt("m1", "home", "buy milk", now))
	putPending(t, local, memoryAt("m2", "home", "call dentist", now))

	report, err := e.SyncNow(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrRemoteUnavailable)
	assert.Equal(t, OutcomeOffline, report.Outcome)
	assert.Equal(t, 2, pendingCount(t, local))
	assert.Zero(t, rs.Writes())
	assert.False(t, e.Online())

	rs.SetOnline(true)
	report, err = e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, report.Outcome)
	assert.Equal(t, 2, report.Pushed)
	assert.Zero(t, pendingCount(t, local))

	for _, id := range []string{"m1", "m2"} {
		_, err := rs.GetMemory(ctx, id)
		require.NoError(t, err)
		m, err := local.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, storage.SyncSynced, m.SyncState)
	}

	st := e.Status(ctx)
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, st.Online)
	assert.Equal(t, int64(2), st.Cycles)
	assert.Equal(t, int64(1), st.Successes)
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, 2, st.Queue.Completed)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, OutcomeSuccess, st.LastCycle.Outcome)
}

func TestSync_DisjointWritesConverge(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewInProcessStore()
	storeA, storeB := newTestStore(t), newTestStore(t)
	a := New(storeA, rs, testConfig())
	b := New(storeB, rs, testConfig())

	now := time.Now().UTC()
	// B's records are older than A's but reach the remote later.
	putPending(t, storeA, memoryAt("a1", "home", "a one", now))
	putPending(t, storeA, memoryAt("a2", "work", "a two", now.Add(time.Second)))
	putPending(t, storeB, memoryAt("b1", "home", "b one", now.Add(-time.Hour)))
	putPending(t, storeB, memoryAt("b2", "home", "b two", now.Add(-2*time.Hour)))

	_, err := a.SyncNow(ctx)
	require.NoError(t, err)
	_, err = b.SyncNow(ctx)
	require.NoError(t, err)
	report, err := a.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pulled)

	fa, fb := fingerprints(t, storeA), fingerprints(t, storeB)
	assert.Len(t, fa, 4)
	assert.Equal(t, fa, fb)
	assert.Zero(t, pendingCount(t, storeA))
	assert.Zero(t, pendingCount(t, storeB))

	synced, err := storeA.ListMemories(ctx, storage.MemoryFilter{SyncState: storage.SyncPending})
	require.NoError(t, err)
	assert.Empty(t, synced)
}

func TestSync_LaterWriteWinsRegardlessOfInitiator(t *testing.T) {
	for _, newerFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("newer_syncs_first=%v", newerFirst), func(t *testing.T) {
			ctx := context.Background()
			rs := remote.NewInProcessStore()
			older, newer := newTestStore(t), newTestStore(t)

			t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			base := memoryAt("shared", "home", "water the plants", t0)

			o := base.Clone()
			o.SuccessScore = 0.2
			o.UpdatedAt = t0.Add(time.Minute)
			putPending(t, older, o)

			n := base.Clone()
			n.SuccessScore = 0.9
			n.Metadata = map[string]string{"note": "done"}
			n.UpdatedAt = t0.Add(time.Hour)
			putPending(t, newer, n)

			eo := New(older, rs, testConfig())
			en := New(newer, rs, testConfig())
			first, second := eo, en
			if newerFirst {
				first, second = en, eo
			}

			_, err := first.SyncNow(ctx)
			require.NoError(t, err)
			report, err := second.SyncNow(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Conflicts)
			_, err = first.SyncNow(ctx)
			require.NoError(t, err)

			want := n.Fingerprint()
			for name, s := range map[string]storage.Store{"older": older, "newer": newer} {
				got, err := s.GetMemory(ctx, "shared")
				require.NoError(t, err)
				assert.Equal(t, want, got.Fingerprint(), name)
				assert.Equal(t, storage.SyncSynced, got.SyncState, name)
			}
			rc, err := rs.GetMemory(ctx, "shared")
			require.NoError(t, err)
			assert.Equal(t, want, rc.Fingerprint())
		})
	}
}

func TestSync_RemoteWinsPolicy(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewInProcessStore()
	local := newTestStore(t)

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rc := memoryAt("shared", "home", "water the plants", t0)
	rc.SuccessScore = 0.1
	require.NoError(t, rs.UpsertMemory(ctx, rc))

	mine := rc.Clone()
	mine.SuccessScore = 1
	mine.UpdatedAt = t0.Add(time.Hour)
	putPending(t, local, mine)

	cfg := testConfig()
	cfg.Policy = PolicyRemoteWins
	report, err := New(local, rs, cfg).SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Zero(t, report.Pushed)

	got, err := local.GetMemory(ctx, "shared")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, got.SuccessScore, 1e-9)
	assert.Zero(t, pendingCount(t, local))
}

func TestSync_PatternsMergeByHash(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewInProcessStore()
	storeA, storeB := newTestStore(t), newTestStore(t)
	a := New(storeA, rs, testConfig())
	b := New(storeB, rs, testConfig())

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	putPendingPattern(t, storeA, &storage.Pattern{
		ID: "pa", PatternHash: "h", TriggerContent: "run tests",
		OccurrenceCount: 5, SuccessRate: 1, AutoApply: true,
		ProjectContexts: []string{"home"}, CreatedAt: t0, UpdatedAt: t0,
	})
	putPendingPattern(t, storeB, &storage.Pattern{
		ID: "pb", PatternHash: "h", TriggerContent: "run tests",
		OccurrenceCount: 3, SuccessRate: 2.0 / 3,
		ProjectContexts: []string{"work"}, CreatedAt: t0, UpdatedAt: t0.Add(time.Minute),
	})

	_, err := a.SyncNow(ctx)
	require.NoError(t, err)
	_, err = b.SyncNow(ctx)
	require.NoError(t, err)
	_, err = a.SyncNow(ctx)
	require.NoError(t, err)

	pa, err := storeA.GetPatternByHash(ctx, "h")
	require.NoError(t, err)
	pb, err := storeB.GetPatternByHash(ctx, "h")
	require.NoError(t, err)

	assert.Equal(t, "pa", pa.ID)
	assert.Equal(t, "pb", pb.ID)
	assert.Equal(t, pa.Fingerprint(), pb.Fingerprint())
	assert.Equal(t, 5, pa.OccurrenceCount, "counts never decrease")
	assert.True(t, pa.AutoApply, "auto-apply never reverts on its own")
	assert.Equal(t, []string{"home", "work"}, pa.ProjectContexts)
	assert.Equal(t, storage.SyncSynced, pa.SyncState)
	assert.Equal(t, storage.SyncSynced, pb.SyncState)

	rc, err := rs.GetPattern(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, pa.Fingerprint(), rc.Fingerprint())
}

func TestSync_ExhaustedItemsFailAndRetry(t *testing.T) {
	ctx := context.Background()
	local := newTestStore(t)
	rs := remote.NewInProcessStore()

	ghost, err := storage.NewQueueItem(storage.TableMemories, "ghost", storage.OpInsert, nil)
	require.NoError(t, err)
	require.NoError(t, local.Enqueue(ctx, ghost))

	cfg := testConfig()
	cfg.MaxRetries = 2
	e := New(local, rs, cfg)

	report, err := e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, pendingCount(t, local))

	report, err = e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, pendingCount(t, local))

	failed, err := e.FailedItems(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "ghost", failed[0].EntityID)
	assert.Equal(t, 2, failed[0].RetryCount)
	assert.NotEmpty(t, failed[0].LastError)

	n, err := e.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, pendingCount(t, local))
	assert.Len(t, e.trigger, 1, "retry requests a cycle")
}

// blockingRemote holds Ping until released.
type blockingRemote struct {
	remote.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRemote) Ping(ctx context.Context) error {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Store.Ping(ctx)
}

func TestSyncNow_RejectsConcurrentCycle(t *testing.T) {
	ctx := context.Background()
	rs := &blockingRemote{Store: remote.NewInProcessStore(), entered: make(chan struct{}), release: make(chan struct{})}
	e := New(newTestStore(t), rs, testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := e.SyncNow(ctx)
		done <- err
	}()
	<-rs.entered

	_, err := e.SyncNow(ctx)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Equal(t, StateSyncing, e.Status(ctx).State)

	close(rs.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, e.Status(ctx).State)
}

func TestSyncNow_CancelledCycleEndsIdle(t *testing.T) {
	rs := &blockingRemote{Store: remote.NewInProcessStore(), entered: make(chan struct{}), release: make(chan struct{})}
	local := newTestStore(t)
	putPending(t, local, memoryAt("m1", "home", "x", time.Now().UTC()))
	e := New(local, rs, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-rs.entered
		cancel()
	}()
	report, err := e.SyncNow(ctx)
	require.Error(t, err)
	assert.Equal(t, OutcomeCancelled, report.Outcome)
	assert.Equal(t, StateIdle, e.Status(context.Background()).State)
	assert.Equal(t, 1, pendingCount(t, local))
}

func TestSync_PullPages(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewInProcessStore()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, rs.UpsertMemory(ctx, memoryAt(fmt.Sprintf("r%d", i), "home", fmt.Sprintf("remote %d", i), now)))
	}

	t.Run("all pages", func(t *testing.T) {
		local := newTestStore(t)
		cfg := testConfig()
		cfg.PullBatchSize = 2
		e := New(local, rs, cfg)

		report, err := e.SyncNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, report.Pulled)
		assert.Len(t, fingerprints(t, local), 5)

		checkpoint, err := local.GetCheckpoint(ctx, CheckpointPull)
		require.NoError(t, err)
		assert.False(t, checkpoint.IsZero())

		report, err = e.SyncNow(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Pulled, "re-read overlap is a no-op")
	})

	t.Run("page limit defers the rest", func(t *testing.T) {
		local := newTestStore(t)
		cfg := testConfig()
		cfg.PullBatchSize = 2
		cfg.MaxPullPages = 1
		e := New(local, rs, cfg)

		report, err := e.SyncNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Pulled)
		assert.Len(t, e.trigger, 1)

		for i := 0; i < 3; i++ {
			_, err = e.SyncNow(ctx)
			require.NoError(t, err)
		}
		assert.Len(t, fingerprints(t, local), 5)
	})
}

// unreadableRemote serves changes for the listed keys without a payload.
type unreadableRemote struct {
	*remote.InProcessStore
	unreadable map[string]bool
}

func (u *unreadableRemote) ChangesSince(ctx context.Context, since time.Time, limit int) ([]remote.Change, error) {
	changes, err := u.InProcessStore.ChangesSince(ctx, since, limit)
	for i := range changes {
		if u.unreadable[changes[i].Key] {
			changes[i].Memory = nil
		}
	}
	return changes, err
}

func TestSync_PullMovesPastUnreadableChanges(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewInProcessStore()
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		require.NoError(t, rs.UpsertMemory(ctx, memoryAt(fmt.Sprintf("r%d", i), "home", fmt.Sprintf("remote %d", i), now)))
		time.Sleep(time.Millisecond)
	}
	wrapped := &unreadableRemote{InProcessStore: rs, unreadable: map[string]bool{"r0": true, "r1": true}}

	local := newTestStore(t)
	cfg := testConfig()
	cfg.PullBatchSize = 2
	e := New(local, wrapped, cfg)

	report, err := e.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pulled)

	got := fingerprints(t, local)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "r2")
	assert.Contains(t, got, "r3")

	checkpoint, err := local.GetCheckpoint(ctx, CheckpointPull)
	require.NoError(t, err)
	assert.False(t, checkpoint.IsZero())
}

func TestSync_PulledMemoriesInvalidateCache(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewInProcessStore()
	storeA, storeB := newTestStore(t), newTestStore(t)

	cacheB := memory.NewCache(storeB, memory.DefaultConfig())
	var invalidated []string
	cacheB.OnInvalidate(func(projectID string) { invalidated = append(invalidated, projectID) })

	putPending(t, storeA, memoryAt("a1", "home", "buy milk", time.Now().UTC()))
	_, err := New(storeA, rs, testConfig()).SyncNow(ctx)
	require.NoError(t, err)

	report, err := New(storeB, rs, testConfig(), WithApplier(cacheB)).SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pulled)
	assert.Contains(t, invalidated, "home")

	got, err := cacheB.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, storage.SyncSynced, got.SyncState)
}

func TestSync_PublishesCompletion(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.NewMemoryBus()
	sub, err := bus.Subscribe(eventbus.EventWildcardSubject(eventbus.DomainSync, eventbus.EventSyncCompleted), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	pub, err := eventbus.NewPublisher("test", bus, eventbus.DefaultRetryConfig(), nil)
	require.NoError(t, err)

	_, err = New(newTestStore(t), remote.NewInProcessStore(), testConfig(), WithPublisher(pub)).SyncNow(ctx)
	require.NoError(t, err)

	select {
	case msg := <-sub.C():
		assert.Contains(t, msg.Subject, "sync.completed")
	case <-time.After(time.Second):
		t.Fatal("no sync.completed event")
	}
}

func TestEngine_ReconnectTriggersCycle(t *testing.T) {
	local := newTestStore(t)
	rs := remote.NewInProcessStore()
	rs.SetOnline(false)
	putPending(t, local, memoryAt("m1", "home", "offline write", time.Now().UTC()))

	cfg := testConfig()
	cfg.ProbeInterval = 10 * time.Millisecond
	e := New(local, rs, cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, pendingCount(t, local))

	rs.SetOnline(true)
	require.Eventually(t, func() bool {
		return pendingCount(t, local) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := rs.GetMemory(context.Background(), "m1")
	assert.NoError(t, err)
}

func TestEngine_FeedTriggersPull(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewInProcessStore()
	storeA, storeB := newTestStore(t), newTestStore(t)

	b := New(storeB, rs, testConfig())
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	// Let the start-up cycle finish so the feed is the only trigger left.
	require.Eventually(t, func() bool {
		return b.Status(ctx).Cycles >= 1
	}, 2*time.Second, 5*time.Millisecond)

	putPending(t, storeA, memoryAt("a1", "home", "from a", time.Now().UTC()))
	_, err := New(storeA, rs, testConfig()).SyncNow(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := storeB.GetMemory(ctx, "a1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_StopWithoutStart(t *testing.T) {
	e := New(newTestStore(t), remote.NewInProcessStore(), testConfig())
	assert.NoError(t, e.Stop(context.Background()))
}

func TestOutcomeOf(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, OutcomeSuccess, outcomeOf(context.Background(), nil))
	assert.Equal(t, OutcomeCancelled, outcomeOf(cancelled, errors.New("x")))
	assert.Equal(t, OutcomeOffline, outcomeOf(context.Background(), &remote.UnavailableError{Op: "ping", Cause: errors.New("down")}))
	assert.Equal(t, OutcomeFailed, outcomeOf(context.Background(), errors.New("boom")))
}
