package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "hearth",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7420,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				RequestTimeout:  20 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
				MaxBodyBytes:    4 << 20, // 4MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"http://localhost"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
				ExposedHeaders: []string{"X-Request-ID"},
				MaxAge:         600,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  256 << 20, // 256MB
				NumVersionsToKeep: 1,
			},
		},
		Remote: RemoteConfig{
			Type: "none",
			Redis: RedisConfig{
				Address:      "localhost:6379",
				KeyPrefix:    "hearth:",
				PoolSize:     10,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				FeedBuffer:   64,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:       "hashing",
			BaseURL:        "",
			Model:          "text-embedding-3-small",
			Dimension:      0,
			BatchSize:      32,
			Debounce:       20 * time.Millisecond,
			CacheSize:      1000,
			CacheTTL:       15 * time.Minute,
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Timeout:        10 * time.Second,
		},
		Cache: CacheConfig{
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
			RemoteFallback:      false,
			BM25K1:              1.5,
			BM25B:               0.75,
		},
		Patterns: PatternsConfig{
			Enabled:              true,
			SimilarityThreshold:  0.7,
			MinOccurrences:       5,
			AutoApplySuccessRate: 0.9,
			CommonElementRatio:   0.7,
			WindowSize:           200,
			WindowTTL:            7 * 24 * time.Hour,
			ReclusterInterval:    time.Minute,
			EventBuffer:          256,
		},
		Sync: SyncConfig{
			Enabled:        true,
			Interval:       30 * time.Second,
			ProbeInterval:  10 * time.Second,
			RemoteTimeout:  5 * time.Second,
			CycleTimeout:   2 * time.Minute,
			MaxRetries:     5,
			DrainBatchSize: 100,
			PushBatchSize:  100,
			PullBatchSize:  100,
			MaxPullPages:   10,
			PullOverlap:    5 * time.Second,
			QueueRetention: 24 * time.Hour,
			Policy:         "local_wins_if_newer",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9421,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
