package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hearth/hearth/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contractStore is a Store whose availability tests can toggle.
type contractStore struct {
	Store
	setOnline func(bool)
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) contractStore) {
	t.Run("MemoryRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		m := storage.NewMemory("home", "buy milk")
		m.Embedding = []float32{1, 0}
		m.Metadata = map[string]string{"k": "v"}
		require.NoError(t, s.UpsertMemory(ctx, m))

		got, err := s.GetMemory(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.Content, got.Content)
		assert.Equal(t, m.Metadata, got.Metadata)
		assert.Equal(t, storage.SyncSynced, got.SyncState)
		assert.True(t, got.LastAccessedAt.IsZero(), "access time is local only")
		assert.Equal(t, m.Fingerprint(), got.Fingerprint())

		_, err = s.GetMemory(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		many, err := s.GetMemories(ctx, []string{"missing", m.ID})
		require.NoError(t, err)
		require.Len(t, many, 1)
		assert.Equal(t, m.ID, many[0].ID)
	})

	t.Run("PatternKeyedByHash", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		now := time.Now().UTC()
		p := &storage.Pattern{ID: "local-1", PatternHash: "h1", TriggerContent: "run tests", OccurrenceCount: 5, CreatedAt: now}
		require.NoError(t, s.UpsertPattern(ctx, p))

		other := p.Clone()
		other.ID = "local-2"
		other.OccurrenceCount = 7
		other.UpdatedAt = now.Add(time.Second)
		require.NoError(t, s.UpsertPattern(ctx, other))

		got, err := s.GetPattern(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, 7, got.OccurrenceCount)

		_, err = s.GetPattern(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("QuerySimilar", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		vectors := map[string][]float32{
			"exact":   {1, 0},
			"close":   {0.9, 0.1},
			"far":     {0, 1},
			"novec":   nil,
			"otherpj": {1, 0},
		}
		for id, vec := range vectors {
			project := "home"
			if id == "otherpj" {
				project = "work"
			}
			m := storage.NewMemory(project, id)
			m.ID = id
			m.Embedding = vec
			require.NoError(t, s.UpsertMemory(ctx, m))
		}

		refs, err := s.QuerySimilar(ctx, []float32{1, 0}, "home", 0.5, 10)
		require.NoError(t, err)
		require.Len(t, refs, 2)
		assert.Equal(t, "exact", refs[0].MemoryID)
		assert.Equal(t, "close", refs[1].MemoryID)

		refs, err = s.QuerySimilar(ctx, []float32{1, 0}, "home", 0.5, 1)
		require.NoError(t, err)
		assert.Len(t, refs, 1)
	})

	t.Run("ChangesSincePages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			m := storage.NewMemory("home", fmt.Sprintf("m%d", i))
			m.ID = fmt.Sprintf("m%d", i)
			m.CreatedAt = base.Add(time.Duration(i) * time.Second)
			m.UpdatedAt = m.CreatedAt
			require.NoError(t, s.UpsertMemory(ctx, m))
		}
		p := &storage.Pattern{ID: "p", PatternHash: "hash", CreatedAt: base.Add(10 * time.Second)}
		require.NoError(t, s.UpsertPattern(ctx, p))

		page, err := s.ChangesSince(ctx, time.Time{}, 3)
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, []string{"m0", "m1", "m2"}, []string{page[0].Key, page[1].Key, page[2].Key})
		require.NotNil(t, page[0].Memory)

		assert.Equal(t, base.Add(2*time.Second), page[2].ModifiedAt.UTC())

		page, err = s.ChangesSince(ctx, page[2].IndexedAt, 10)
		require.NoError(t, err)
		require.Len(t, page, 4, "the boundary change is returned again")
		assert.Equal(t, "m2", page[0].Key)
		last := page[3]
		assert.Equal(t, storage.TablePatterns, last.Table)
		assert.Equal(t, "hash", last.Key)
		require.NotNil(t, last.Pattern)
	})

	t.Run("LateWriteWithOldTimestamp", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		fresh := storage.NewMemory("home", "fresh")
		require.NoError(t, s.UpsertMemory(ctx, fresh))
		page, err := s.ChangesSince(ctx, time.Time{}, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		checkpoint := page[0].IndexedAt

		stale := storage.NewMemory("home", "written offline last week")
		stale.CreatedAt = time.Now().Add(-7 * 24 * time.Hour)
		stale.UpdatedAt = stale.CreatedAt
		require.NoError(t, s.UpsertMemory(ctx, stale))

		page, err = s.ChangesSince(ctx, checkpoint, 10)
		require.NoError(t, err)
		keys := make([]string, len(page))
		for i, c := range page {
			keys[i] = c.Key
		}
		assert.Contains(t, keys, stale.ID)
	})

	t.Run("Unavailable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.setOnline(false)

		err := s.Ping(ctx)
		assert.ErrorIs(t, err, ErrRemoteUnavailable)
		var unavailable *UnavailableError
		assert.True(t, errors.As(err, &unavailable))

		assert.ErrorIs(t, s.UpsertMemory(ctx, storage.NewMemory("home", "x")), ErrRemoteUnavailable)
		_, err = s.GetMemory(ctx, "x")
		assert.ErrorIs(t, err, ErrRemoteUnavailable)
		_, err = s.ChangesSince(ctx, time.Time{}, 10)
		assert.ErrorIs(t, err, ErrRemoteUnavailable)

		s.setOnline(true)
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestInProcessStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) contractStore {
		s := NewInProcessStore()
		return contractStore{Store: s, setOnline: s.SetOnline}
	})
}

func TestRedisStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) contractStore {
		client := newMockRedisClient(t)
		s := NewRedisStore(client, RedisConfig{KeyPrefix: "test:"})
		return contractStore{Store: s, setOnline: func(online bool) { client.SetDown(!online) }}
	})
}

func TestInProcessStore_Feed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewInProcessStore()
	feed, err := s.Subscribe(ctx)
	require.NoError(t, err)

	m := storage.NewMemory("home", "x")
	require.NoError(t, s.UpsertMemory(ctx, m))

	select {
	case c := <-feed:
		assert.Equal(t, storage.TableMemories, c.Table)
		assert.Equal(t, m.ID, c.Key)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	assert.Equal(t, int64(1), s.Writes())

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-feed
		return !open
	}, time.Second, time.Millisecond)
}

func TestRedisStore_PublishesChanges(t *testing.T) {
	client := newMockRedisClient(t)
	s := NewRedisStore(client, RedisConfig{KeyPrefix: "test:"})

	m := storage.NewMemory("home", "x")
	require.NoError(t, s.UpsertMemory(context.Background(), m))

	msgs := client.published("test:changes")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], m.ID)
	assert.Contains(t, client.members("test:project:home"), m.ID)
}

func TestRedisStoreContract_Live(t *testing.T) {
	addr := os.Getenv("HEARTH_REDIS_ADDR")
	if addr == "" {
		t.Skip("HEARTH_REDIS_ADDR not set")
	}

	client := NewRedisClient(RedisConfig{Addr: addr, DialTimeout: time.Second})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	runStoreContract(t, func(t *testing.T) contractStore {
		prefix := fmt.Sprintf("hearth-test:%d:", time.Now().UnixNano())
		s := NewRedisStore(client, RedisConfig{KeyPrefix: prefix})
		return contractStore{Store: s, setOnline: func(online bool) {
			if !online {
				t.Skip("live redis cannot be taken offline")
			}
		}}
	})
}

func TestRedisStore_ChangesSinceKeepsUnreadableEntries(t *testing.T) {
	ctx := context.Background()
	client := newMockRedisClient(t)
	s := NewRedisStore(client, RedisConfig{KeyPrefix: "test:"})

	var ids []string
	for i := 0; i < 3; i++ {
		m := storage.NewMemory("home", fmt.Sprintf("m%d", i))
		require.NoError(t, s.UpsertMemory(ctx, m))
		ids = append(ids, m.ID)
	}

	client.mu.Lock()
	client.strings["test:memory:"+ids[0]] = "{not json"
	delete(client.strings, "test:memory:"+ids[1])
	client.mu.Unlock()

	page, err := s.ChangesSince(ctx, time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, page, 3, "a full page stays full so the reader keeps paging")

	byKey := make(map[string]Change, len(page))
	for _, c := range page {
		assert.False(t, c.IndexedAt.IsZero())
		byKey[c.Key] = c
	}
	assert.Nil(t, byKey[ids[0]].Memory)
	assert.Nil(t, byKey[ids[1]].Memory)
	require.NotNil(t, byKey[ids[2]].Memory)
	assert.Equal(t, "m2", byKey[ids[2]].Memory.Content)
}
