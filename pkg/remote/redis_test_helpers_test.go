package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

var errMockRedisUnavailable = errors.New("mock redis unavailable")

type mockZMember struct {
	member string
	score  float64
}

// mockRedisClient implements the subset of redis.UniversalClient RedisStore
// uses. Calls outside that subset panic on the nil embedded client.
type mockRedisClient struct {
	redis.UniversalClient

	mu        sync.Mutex
	strings   map[string]string
	sets      map[string]map[string]struct{}
	zsets     map[string][]mockZMember
	publishes map[string][]string
	lastTime  time.Time
	down      atomic.Bool
}

func newMockRedisClient(t *testing.T) *mockRedisClient {
	t.Helper()

	return &mockRedisClient{
		strings:   make(map[string]string),
		sets:      make(map[string]map[string]struct{}),
		zsets:     make(map[string][]mockZMember),
		publishes: make(map[string][]string),
	}
}

func (m *mockRedisClient) SetDown(down bool) {
	m.down.Store(down)
}

func (m *mockRedisClient) published(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.publishes[channel]...)
}

func (m *mockRedisClient) members(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}

func (m *mockRedisClient) Ping(_ context.Context) *redis.StatusCmd {
	if m.down.Load() {
		return redis.NewStatusResult("", errMockRedisUnavailable)
	}
	return redis.NewStatusResult("PONG", nil)
}

// Time returns a strictly increasing server time.
func (m *mockRedisClient) Time(_ context.Context) *redis.TimeCmd {
	if m.down.Load() {
		return redis.NewTimeCmdResult(time.Time{}, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Truncate(time.Microsecond)
	if !now.After(m.lastTime) {
		now = m.lastTime.Add(time.Microsecond)
	}
	m.lastTime = now
	return redis.NewTimeCmdResult(now, nil)
}

func (m *mockRedisClient) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if m.down.Load() {
		return redis.NewStatusResult("", errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = normalizeRedisValue(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *mockRedisClient) Get(_ context.Context, key string) *redis.StringCmd {
	if m.down.Load() {
		return redis.NewStringResult("", errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.strings[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (m *mockRedisClient) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	if m.down.Load() {
		return redis.NewSliceResult(nil, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]interface{}, len(keys))
	for i, key := range keys {
		if val, ok := m.strings[key]; ok {
			out[i] = val
		}
	}
	return redis.NewSliceResult(out, nil)
}

func (m *mockRedisClient) SAdd(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	if m.down.Load() {
		return redis.NewIntResult(0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	var added int64
	for _, member := range members {
		val := normalizeRedisValue(member)
		if _, ok := set[val]; !ok {
			set[val] = struct{}{}
			added++
		}
	}
	return redis.NewIntResult(added, nil)
}

func (m *mockRedisClient) SMembers(_ context.Context, key string) *redis.StringSliceCmd {
	if m.down.Load() {
		return redis.NewStringSliceResult(nil, errMockRedisUnavailable)
	}
	return redis.NewStringSliceResult(m.members(key), nil)
}

func (m *mockRedisClient) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	if m.down.Load() {
		return redis.NewIntResult(0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	zset := m.zsets[key]
	var added int64
	for _, z := range members {
		member := normalizeRedisValue(z.Member)
		found := false
		for i := range zset {
			if zset[i].member == member {
				zset[i].score = z.Score
				found = true
				break
			}
		}
		if !found {
			zset = append(zset, mockZMember{member: member, score: z.Score})
			added++
		}
	}
	sort.Slice(zset, func(i, j int) bool {
		if zset[i].score != zset[j].score {
			return zset[i].score < zset[j].score
		}
		return zset[i].member < zset[j].member
	})
	m.zsets[key] = zset
	return redis.NewIntResult(added, nil)
}

func (m *mockRedisClient) ZRangeByScoreWithScores(_ context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd {
	if m.down.Load() {
		return redis.NewZSliceCmdResult(nil, errMockRedisUnavailable)
	}
	lower, err := parseScoreBound(opt.Min)
	if err != nil {
		return redis.NewZSliceCmdResult(nil, err)
	}
	upper, err := parseScoreBound(opt.Max)
	if err != nil {
		return redis.NewZSliceCmdResult(nil, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []redis.Z
	skipped := int64(0)
	for _, z := range m.zsets[key] {
		if z.score < lower || z.score > upper {
			continue
		}
		if skipped < opt.Offset {
			skipped++
			continue
		}
		out = append(out, redis.Z{Score: z.score, Member: z.member})
		if opt.Count > 0 && int64(len(out)) == opt.Count {
			break
		}
	}
	return redis.NewZSliceCmdResult(out, nil)
}

func (m *mockRedisClient) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if m.down.Load() {
		return redis.NewIntResult(0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishes[channel] = append(m.publishes[channel], normalizeRedisValue(message))
	return redis.NewIntResult(0, nil)
}

func parseScoreBound(s string) (float64, error) {
	switch s {
	case "-inf":
		return math.Inf(-1), nil
	case "+inf", "inf":
		return math.Inf(1), nil
	}
	return strconv.ParseFloat(s, 64)
}

func normalizeRedisValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
