package config

import (
	"github.com/hearth/hearth/pkg/embedding"
	"github.com/hearth/hearth/pkg/memory"
	"github.com/hearth/hearth/pkg/patterns"
	"github.com/hearth/hearth/pkg/remote"
	"github.com/hearth/hearth/pkg/storage/badger"
	"github.com/hearth/hearth/pkg/syncer"
)

// ToBadgerConfig converts the storage section to the Badger store config.
func (b *BadgerConfig) ToBadgerConfig(log badger.Logger) *badger.Config {
	return &badger.Config{
		Path:              b.Path,
		InMemory:          b.InMemory,
		SyncWrites:        b.SyncWrites,
		ValueLogFileSize:  b.ValueLogFileSize,
		NumVersionsToKeep: b.NumVersionsToKeep,
		Logger:            log,
	}
}

// ToRedisConfig converts the Redis section to the remote store config.
func (r *RedisConfig) ToRedisConfig() remote.RedisConfig {
	cfg := remote.DefaultRedisConfig()
	cfg.Addr = r.Address
	cfg.Password = r.Password
	cfg.DB = r.DB
	if r.KeyPrefix != "" {
		cfg.KeyPrefix = r.KeyPrefix
	}
	if r.PoolSize > 0 {
		cfg.PoolSize = r.PoolSize
	}
	if r.DialTimeout > 0 {
		cfg.DialTimeout = r.DialTimeout
	}
	if r.ReadTimeout > 0 {
		cfg.ReadTimeout = r.ReadTimeout
	}
	if r.WriteTimeout > 0 {
		cfg.WriteTimeout = r.WriteTimeout
	}
	if r.FeedBuffer > 0 {
		cfg.FeedBuffer = r.FeedBuffer
	}
	return cfg
}

// ToServiceConfig converts the embedding section to the service config.
func (e *EmbeddingConfig) ToServiceConfig() embedding.Config {
	return embedding.Config{
		Model:          e.Model,
		Dimension:      e.Dimension,
		BatchSize:      e.BatchSize,
		Debounce:       e.Debounce,
		CacheSize:      e.CacheSize,
		CacheTTL:       e.CacheTTL,
		MaxAttempts:    e.MaxAttempts,
		InitialBackoff: e.InitialBackoff,
		MaxBackoff:     e.MaxBackoff,
		Timeout:        e.Timeout,
		RateLimit:      e.RateLimit,
		RateBurst:      e.RateBurst,
	}
}

// NewProvider builds the configured embedding provider.
func (e *EmbeddingConfig) NewProvider() embedding.Provider {
	if e.Provider == "openai" {
		return embedding.NewOpenAIProvider(e.APIKey, e.BaseURL)
	}
	return embedding.NewHashingProvider(e.Dimension)
}

// ToCacheConfig converts the cache section. The remote timeout is shared
// with the sync engine.
func (c *CacheConfig) ToCacheConfig(sync SyncConfig) memory.Config {
	return memory.Config{
		HotCacheSize:        c.HotCacheSize,
		ResultCacheSize:     c.ResultCacheSize,
		ResultCacheTTL:      c.ResultCacheTTL,
		QueryCacheTTL:       c.QueryCacheTTL,
		ScanWindow:          c.ScanWindow,
		SimilarityThreshold: c.SimilarityThreshold,
		DefaultLimit:        c.DefaultLimit,
		Retention:           c.Retention,
		MaxRecords:          c.MaxRecords,
		PruneInterval:       c.PruneInterval,
		RemoteFallback:      c.RemoteFallback,
		RemoteTimeout:       sync.RemoteTimeout,
		BM25K1:              c.BM25K1,
		BM25B:               c.BM25B,
	}
}

// ToDetectorConfig converts the patterns section.
func (p *PatternsConfig) ToDetectorConfig() patterns.Config {
	return patterns.Config{
		SimilarityThreshold:  p.SimilarityThreshold,
		MinOccurrences:       p.MinOccurrences,
		AutoApplySuccessRate: p.AutoApplySuccessRate,
		CommonElementRatio:   p.CommonElementRatio,
		WindowSize:           p.WindowSize,
		WindowTTL:            p.WindowTTL,
		ReclusterInterval:    p.ReclusterInterval,
		EventBuffer:          p.EventBuffer,
	}
}

// ToSyncConfig converts the sync section. An unknown policy falls back to
// the default; validation rejects it before this point.
func (s *SyncConfig) ToSyncConfig() syncer.Config {
	policy, err := syncer.ParsePolicy(s.Policy)
	if err != nil {
		policy = syncer.PolicyLocalWinsIfNewer
	}
	return syncer.Config{
		Interval:       s.Interval,
		ProbeInterval:  s.ProbeInterval,
		RemoteTimeout:  s.RemoteTimeout,
		CycleTimeout:   s.CycleTimeout,
		MaxRetries:     s.MaxRetries,
		DrainBatchSize: s.DrainBatchSize,
		PushBatchSize:  s.PushBatchSize,
		PullBatchSize:  s.PullBatchSize,
		MaxPullPages:   s.MaxPullPages,
		PullOverlap:    s.PullOverlap,
		QueueRetention: s.QueueRetention,
		Policy:         policy,
	}
}
