package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hearth/hearth/pkg/similarity"
	"github.com/hearth/hearth/pkg/storage"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection and key settings for RedisStore.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// FeedBuffer sizes the change notification channel.
	FeedBuffer int
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "hearth:",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		FeedBuffer:   64,
	}
}

// NewRedisClient creates a Redis client from cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// mgetChunk bounds the keys of one MGET.
const mgetChunk = 256

// Change index members are "<table>:<key>".
const (
	memberMemory  = "m:"
	memberPattern = "p:"
)

// RedisStore keeps memories and patterns as JSON strings, per-project
// membership sets, a sorted set ordering every entity by the server time of
// its last write, and a pub/sub channel announcing changes.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	feedBuffer int
}

// NewRedisStore creates a store over client.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = DefaultRedisConfig().FeedBuffer
	}
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, feedBuffer: cfg.FeedBuffer}
}

func (s *RedisStore) memoryKey(id string) string { return s.prefix + "memory:" + id }
func (s *RedisStore) patternKey(hash string) string { return s.prefix + "pattern:" + hash }
func (s *RedisStore) projectKey(project string) string { return s.prefix + "project:" + project }
func (s *RedisStore) allMemoriesKey() string { return s.prefix + "memories" }
func (s *RedisStore) modifiedKey() string { return s.prefix + "modified" }
func (s *RedisStore) channel() string { return s.prefix + "changes" }

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// UpsertMemory writes m and indexes it.
func (s *RedisStore) UpsertMemory(ctx context.Context, m *storage.Memory) error {
	rec := remoteMemory(m)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("remote: encode: %w", err)
	}

	if err := s.client.Set(ctx, s.memoryKey(rec.ID), data, 0).Err(); err != nil {
		return unavailable("set memory", err)
	}
	if err := s.client.SAdd(ctx, s.projectKey(rec.ProjectID), rec.ID).Err(); err != nil {
		return unavailable("index memory project", err)
	}
	if err := s.client.SAdd(ctx, s.allMemoriesKey(), rec.ID).Err(); err != nil {
		return unavailable("index memory", err)
	}
	return s.markModified(ctx, storage.TableMemories, memberMemory+rec.ID, rec.ID, rec.ModifiedAt())
}

// UpsertPattern writes p keyed by its hash.
func (s *RedisStore) UpsertPattern(ctx context.Context, p *storage.Pattern) error {
	rec := remotePattern(p)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("remote: encode: %w", err)
	}

	if err := s.client.Set(ctx, s.patternKey(rec.PatternHash), data, 0).Err(); err != nil {
		return unavailable("set pattern", err)
	}
	return s.markModified(ctx, storage.TablePatterns, memberPattern+rec.PatternHash, rec.PatternHash, rec.ModifiedAt())
}

func (s *RedisStore) markModified(ctx context.Context, table storage.EntityTable, member, key string, at time.Time) error {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return unavailable("server time", err)
	}
	if err := s.client.ZAdd(ctx, s.modifiedKey(), redis.Z{Score: indexScore(now), Member: member}).Err(); err != nil {
		return unavailable("index change", err)
	}

	note, err := json.Marshal(Change{Table: table, Key: key, ModifiedAt: at, IndexedAt: now.UTC()})
	if err != nil {
		return fmt.Errorf("remote: encode: %w", err)
	}
	// Notifications are best effort; pollers still see the change.
	_ = s.client.Publish(ctx, s.channel(), note).Err()
	return nil
}

// GetMemory returns the remote copy of a memory or ErrNotFound.
func (s *RedisStore) GetMemory(ctx context.Context, id string) (*storage.Memory, error) {
	data, err := s.client.Get(ctx, s.memoryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get memory", err)
	}
	var m storage.Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("remote: decode: %w", err)
	}
	return &m, nil
}

// GetMemories loads memories by id with chunked MGET.
func (s *RedisStore) GetMemories(ctx context.Context, ids []string) ([]*storage.Memory, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.memoryKey(id)
	}
	raw, err := s.mget(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make([]*storage.Memory, 0, len(raw))
	for _, data := range raw {
		if data == nil {
			continue
		}
		var m storage.Memory
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("remote: decode: %w", err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// GetPattern returns the remote copy of a pattern or ErrNotFound.
func (s *RedisStore) GetPattern(ctx context.Context, hash string) (*storage.Pattern, error) {
	data, err := s.client.Get(ctx, s.patternKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pattern %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get pattern", err)
	}
	var p storage.Pattern
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("remote: decode: %w", err)
	}
	return &p, nil
}

// mget returns one entry per key; missing keys are nil.
func (s *RedisStore) mget(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, 0, len(keys))
	for start := 0; start < len(keys); start += mgetChunk {
		end := min(start+mgetChunk, len(keys))
		vals, err := s.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, unavailable("mget", err)
		}
		for _, v := range vals {
			switch val := v.(type) {
			case string:
				out = append(out, []byte(val))
			case []byte:
				out = append(out, val)
			default:
				out = append(out, nil)
			}
		}
	}
	return out, nil
}

// QuerySimilar loads the project's memories and ranks them client-side.
func (s *RedisStore) QuerySimilar(ctx context.Context, vec []float32, projectID string, threshold float64, limit int) ([]storage.ScoredRef, error) {
	setKey := s.allMemoriesKey()
	if projectID != "" {
		setKey = s.projectKey(projectID)
	}
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, unavailable("list project", err)
	}

	memories, err := s.GetMemories(ctx, ids)
	if err != nil {
		return nil, err
	}
	return rankMemories(memories, vec, threshold, limit), nil
}

func rankMemories(memories []*storage.Memory, vec []float32, threshold float64, limit int) []storage.ScoredRef {
	cands := make([]similarity.Candidate, 0, len(memories))
	for _, m := range memories {
		if !similarity.HasEmbedding(m.Embedding) {
			continue
		}
		cands = append(cands, similarity.Candidate{
			ID:           m.ID,
			Score:        similarity.Cosine(vec, m.Embedding),
			LastAccessed: m.ModifiedAt(),
		})
	}
	top := similarity.TopK(cands, threshold, limit)
	refs := make([]storage.ScoredRef, len(top))
	for i, c := range top {
		refs[i] = storage.ScoredRef{MemoryID: c.ID, Score: c.Score}
	}
	return refs
}

// ChangesSince pages through the modification index.
func (s *RedisStore) ChangesSince(ctx context.Context, since time.Time, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	lower := "-inf"
	if !since.IsZero() {
		lower = strconv.FormatInt(since.UnixMicro(), 10)
	}
	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.modifiedKey(), &redis.ZRangeBy{
		Min:   lower,
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable("range changes", err)
	}

	keys := make([]string, len(entries))
	changes := make([]Change, len(entries))
	for i, z := range entries {
		member := fmt.Sprint(z.Member)
		switch {
		case strings.HasPrefix(member, memberPattern):
			changes[i] = Change{Table: storage.TablePatterns, Key: strings.TrimPrefix(member, memberPattern)}
			keys[i] = s.patternKey(changes[i].Key)
		default:
			changes[i] = Change{Table: storage.TableMemories, Key: strings.TrimPrefix(member, memberMemory)}
			keys[i] = s.memoryKey(changes[i].Key)
		}
		changes[i].IndexedAt = fromIndexScore(z.Score)
	}

	raw, err := s.mget(ctx, keys)
	if err != nil {
		return nil, err
	}
	// Missing or corrupt records stay in the page without a payload so the
	// reader's checkpoint still moves past them.
	for i, data := range raw {
		if data == nil {
			continue
		}
		c := &changes[i]
		switch c.Table {
		case storage.TablePatterns:
			var p storage.Pattern
			if err := json.Unmarshal(data, &p); err != nil {
				continue
			}
			c.Pattern = &p
			c.ModifiedAt = p.ModifiedAt()
		default:
			var m storage.Memory
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			c.Memory = &m
			c.ModifiedAt = m.ModifiedAt()
		}
	}
	return changes, nil
}

// Subscribe forwards change notifications published by any device.
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan Change, error) {
	pubsub := s.client.Subscribe(ctx, s.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("subscribe", err)
	}

	out := make(chan Change, s.feedBuffer)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					continue
				}
				select {
				case out <- c:
				default:
					// A pending notification already triggers a pull.
				}
			}
		}
	}()
	return out, nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Feed  = (*RedisStore)(nil)
)
