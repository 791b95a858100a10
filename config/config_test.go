package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hearth/hearth/pkg/syncer"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "hearth" {
		t.Errorf("expected app name 'hearth', got %s", cfg.App.Name)
	}
	if cfg.App.Environment != "development" {
		t.Errorf("expected environment 'development', got %s", cfg.App.Environment)
	}
	if cfg.Server.Port != 7420 {
		t.Errorf("expected server port 7420, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Remote.Type != "none" {
		t.Errorf("expected remote type 'none', got %s", cfg.Remote.Type)
	}
	if cfg.Embedding.Provider != "hashing" {
		t.Errorf("expected embedding provider 'hashing', got %s", cfg.Embedding.Provider)
	}
	if cfg.Cache.SimilarityThreshold != 0.7 {
		t.Errorf("expected similarity threshold 0.7, got %v", cfg.Cache.SimilarityThreshold)
	}
	if cfg.Cache.Retention != 30*24*time.Hour {
		t.Errorf("expected retention 30d, got %v", cfg.Cache.Retention)
	}
	if cfg.Patterns.MinOccurrences != 5 {
		t.Errorf("expected min occurrences 5, got %d", cfg.Patterns.MinOccurrences)
	}
	if cfg.Sync.Policy != "local_wins_if_newer" {
		t.Errorf("expected policy local_wins_if_newer, got %s", cfg.Sync.Policy)
	}
	if cfg.Tracing.Enabled {
		t.Error("expected tracing to be disabled")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing app name",
			mutate:  func(c *Config) { c.App.Name = "" },
			wantErr: true,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 99999 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
		},
		{
			name:    "invalid environment",
			mutate:  func(c *Config) { c.App.Environment = "invalid" },
			wantErr: true,
		},
		{
			name:    "unknown remote type",
			mutate:  func(c *Config) { c.Remote.Type = "etcd" },
			wantErr: true,
		},
		{
			name: "redis remote without address",
			mutate: func(c *Config) {
				c.Remote.Type = "redis"
				c.Remote.Redis.Enabled = true
				c.Remote.Redis.Address = ""
			},
			wantErr: true,
		},
		{
			name: "address may be empty when redis is unused",
			mutate: func(c *Config) {
				c.Remote.Redis.Address = ""
			},
			wantErr: false,
		},
		{
			name:    "unknown sync policy",
			mutate:  func(c *Config) { c.Sync.Policy = "last_writer" },
			wantErr: true,
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.Cache.SimilarityThreshold = 1.5 },
			wantErr: true,
		},
		{
			name:    "zero bm25 k1",
			mutate:  func(c *Config) { c.Cache.BM25K1 = 0 },
			wantErr: true,
		},
		{
			name:    "unknown embedding provider",
			mutate:  func(c *Config) { c.Embedding.Provider = "cohere" },
			wantErr: true,
		},
		{
			name: "in-memory storage needs no path",
			mutate: func(c *Config) {
				c.Storage.Badger.Path = ""
				c.Storage.Badger.InMemory = true
			},
			wantErr: false,
		},
		{
			name:    "disk storage needs a path",
			mutate:  func(c *Config) { c.Storage.Badger.Path = "" },
			wantErr: true,
		},
		{
			name:    "unknown sampler",
			mutate:  func(c *Config) { c.Tracing.Sampler = "sometimes" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "server.port", Message: "must be at most 65535", Value: 99999},
		{Field: "log.level", Message: "must be one of [debug info warn error]", Value: "trace"},
	}

	errMsg := errs.Error()
	if !strings.Contains(errMsg, "server.port") || !strings.Contains(errMsg, "log.level") {
		t.Errorf("expected both fields in message, got %q", errMsg)
	}

	if ValidationErrors(nil).Error() != "no validation errors" {
		t.Error("expected empty message for no errors")
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.APIKey = "sk-secret"

	s := cfg.String()
	if s == "" {
		t.Error("expected non-empty string representation")
	}
	if strings.Contains(s, "sk-secret") {
		t.Error("string representation must not contain the API key")
	}
}

func TestDurationParsing(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTP.ReadTimeout != 30*time.Second {
		t.Errorf("expected read timeout 30s, got %v", cfg.Server.HTTP.ReadTimeout)
	}
	if cfg.Sync.PullOverlap != 5*time.Second {
		t.Errorf("expected pull overlap 5s, got %v", cfg.Sync.PullOverlap)
	}
}

func TestLoader_Get(t *testing.T) {
	loader := NewLoader()
	if _, err := loader.Load("", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if loader.Get("app.name") == nil {
		t.Error("expected non-nil value for app.name")
	}
	if str := loader.GetString("app.name"); str != "hearth" {
		t.Errorf("expected 'hearth', got '%s'", str)
	}
	if port := loader.GetInt("server.port"); port != 7420 {
		t.Errorf("expected 7420, got %d", port)
	}
	if !loader.GetBool("sync.enabled") {
		t.Error("expected sync.enabled to be true")
	}
	if s := loader.GetString("sync.pull_overlap"); s != "5s" {
		t.Errorf("expected durations to be flattened as strings, got %q", s)
	}
}

func TestLoader_Set(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil)

	if err := loader.Set("app.name", "custom-app"); err != nil {
		t.Errorf("unexpected error setting value: %v", err)
	}
	if loader.GetString("app.name") != "custom-app" {
		t.Errorf("expected 'custom-app', got '%s'", loader.GetString("app.name"))
	}
}

func TestLoader_Print(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil)

	if loader.Print() == "" {
		t.Error("expected non-empty print output")
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.Remote.Redis.Enabled {
		t.Error("redis must not be enabled for remote type none")
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load("", map[string]interface{}{
		"server.port": 8123,
		"log.level":   "debug",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("expected port 8123, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected default host to survive overrides, got %s", cfg.Server.Host)
	}
}

func TestLoadOrDie(t *testing.T) {
	if cfg := LoadOrDie("", nil); cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoadOrDie_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for invalid config file")
		}
	}()

	LoadOrDie("/nonexistent/path/config.yaml", nil)
}

func TestLoader_LoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
app:
  name: yaml-test
  environment: production
  device_id: laptop-1
server:
  port: 9999
log:
  level: debug
  format: text
storage:
  badger:
    in_memory: true
remote:
  type: redis
  redis:
    address: redis.internal:6379
    key_prefix: "team:"
cache:
  similarity_threshold: 0.8
  retention: 72h
patterns:
  min_occurrences: 3
sync:
  interval: 1m
  pull_batch_size: 25
  policy: remote_wins
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "yaml-test" {
		t.Errorf("expected 'yaml-test', got '%s'", cfg.App.Name)
	}
	if cfg.App.DeviceID != "laptop-1" {
		t.Errorf("expected device id 'laptop-1', got '%s'", cfg.App.DeviceID)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected 9999, got %d", cfg.Server.Port)
	}
	if cfg.Server.HTTP.RequestTimeout != 20*time.Second {
		t.Errorf("expected untouched request timeout to keep its default, got %v", cfg.Server.HTTP.RequestTimeout)
	}
	if !cfg.Storage.Badger.InMemory {
		t.Error("expected storage.badger.in_memory to be true")
	}
	if !cfg.Remote.Redis.Enabled {
		t.Error("expected redis to be enabled for remote type redis")
	}
	if cfg.Remote.Redis.Address != "redis.internal:6379" {
		t.Errorf("expected redis address, got %s", cfg.Remote.Redis.Address)
	}
	if cfg.Remote.Redis.PoolSize != 10 {
		t.Errorf("expected default pool size 10, got %d", cfg.Remote.Redis.PoolSize)
	}
	if cfg.Cache.SimilarityThreshold != 0.8 {
		t.Errorf("expected threshold 0.8, got %v", cfg.Cache.SimilarityThreshold)
	}
	if cfg.Cache.Retention != 72*time.Hour {
		t.Errorf("expected retention 72h, got %v", cfg.Cache.Retention)
	}
	if cfg.Patterns.MinOccurrences != 3 {
		t.Errorf("expected min occurrences 3, got %d", cfg.Patterns.MinOccurrences)
	}
	if cfg.Sync.Interval != time.Minute {
		t.Errorf("expected sync interval 1m, got %v", cfg.Sync.Interval)
	}
	if cfg.Sync.PullBatchSize != 25 {
		t.Errorf("expected pull batch size 25, got %d", cfg.Sync.PullBatchSize)
	}
	if cfg.Sync.Policy != "remote_wins" {
		t.Errorf("expected policy remote_wins, got %s", cfg.Sync.Policy)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	jsonContent := `{
		"app": {
			"name": "json-test",
			"environment": "staging"
		},
		"server": {
			"port": 8888
		},
		"log": {
			"level": "warn",
			"format": "json"
		},
		"embedding": {
			"provider": "openai",
			"base_url": "http://localhost:11434/v1",
			"model": "nomic-embed-text",
			"dimension": 768
		}
	}`
	if err := os.WriteFile(configPath, []byte(jsonContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "json-test" {
		t.Errorf("expected 'json-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("expected 8888, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected 'warn', got '%s'", cfg.Log.Level)
	}
	if cfg.Embedding.Provider != "openai" || cfg.Embedding.Dimension != 768 {
		t.Errorf("unexpected embedding section: %+v", cfg.Embedding)
	}
	if cfg.Embedding.BatchSize != 32 {
		t.Errorf("expected default batch size 32, got %d", cfg.Embedding.BatchSize)
	}
}

func TestLoader_LoadInvalidFile(t *testing.T) {
	loader := NewLoader()

	if _, err := loader.Load("/nonexistent/config.yaml", nil); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoader_LoadUnsupportedFormat(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	if err := os.WriteFile(configPath, []byte("app = 'test'"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if _, err := loader.Load(configPath, nil); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoader_LoadInvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("remote:\n  type: redis\n  redis:\n    address: \"\"\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := NewLoader().Load(configPath, nil)
	if err == nil {
		t.Fatal("expected validation error for redis without address")
	}
	var details ValidationErrors
	if !asValidationErrors(err, &details) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if !strings.Contains(details.Error(), "Address") {
		t.Errorf("expected address in error, got %q", details.Error())
	}
}

func asValidationErrors(err error, target *ValidationErrors) bool {
	v, ok := err.(ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}

func TestLoader_EnvVars(t *testing.T) {
	t.Setenv("HEARTH_APP_NAME", "env-test")
	t.Setenv("HEARTH_SERVER_PORT", "7777")
	t.Setenv("HEARTH_LOG_LEVEL", "error")
	t.Setenv("HEARTH_SYNC_PULL_BATCH_SIZE", "50")
	t.Setenv("HEARTH_CACHE_SIMILARITY_THRESHOLD", "0.55")
	t.Setenv("HEARTH_REMOTE_TYPE", "memory")

	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "env-test" {
		t.Errorf("expected 'env-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("expected 7777, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("expected 'error', got '%s'", cfg.Log.Level)
	}
	if cfg.Sync.PullBatchSize != 50 {
		t.Errorf("expected pull batch size 50, got %d", cfg.Sync.PullBatchSize)
	}
	if cfg.Cache.SimilarityThreshold != 0.55 {
		t.Errorf("expected threshold 0.55, got %v", cfg.Cache.SimilarityThreshold)
	}
	if cfg.Remote.Type != "memory" {
		t.Errorf("expected remote type memory, got %s", cfg.Remote.Type)
	}
}

func TestComponentConversions(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("badger", func(t *testing.T) {
		cfg.Storage.Badger.InMemory = true
		bc := cfg.Storage.Badger.ToBadgerConfig(nil)
		if !bc.InMemory || bc.Path != cfg.Storage.Badger.Path {
			t.Errorf("unexpected badger config: %+v", bc)
		}
	})

	t.Run("redis keeps defaults for zero values", func(t *testing.T) {
		rc := cfg.Remote.Redis
		rc.PoolSize = 0
		rc.KeyPrefix = ""
		out := rc.ToRedisConfig()
		if out.Addr != "localhost:6379" {
			t.Errorf("expected address, got %s", out.Addr)
		}
		if out.PoolSize <= 0 {
			t.Errorf("expected default pool size, got %d", out.PoolSize)
		}
		if out.KeyPrefix == "" {
			t.Error("expected default key prefix")
		}
	})

	t.Run("cache takes the remote timeout from sync", func(t *testing.T) {
		cfg.Sync.RemoteTimeout = 7 * time.Second
		mc := cfg.Cache.ToCacheConfig(cfg.Sync)
		if mc.RemoteTimeout != 7*time.Second {
			t.Errorf("expected remote timeout 7s, got %v", mc.RemoteTimeout)
		}
		if mc.SimilarityThreshold != cfg.Cache.SimilarityThreshold {
			t.Errorf("threshold not carried over")
		}
	})

	t.Run("sync policy", func(t *testing.T) {
		cfg.Sync.Policy = "remote_wins"
		if got := cfg.Sync.ToSyncConfig().Policy; got != syncer.PolicyRemoteWins {
			t.Errorf("expected remote wins, got %v", got)
		}
		cfg.Sync.Policy = "bogus"
		if got := cfg.Sync.ToSyncConfig().Policy; got != syncer.PolicyLocalWinsIfNewer {
			t.Errorf("expected fallback to local wins if newer, got %v", got)
		}
	})

	t.Run("patterns", func(t *testing.T) {
		dc := cfg.Patterns.ToDetectorConfig()
		if dc.MinOccurrences != cfg.Patterns.MinOccurrences || dc.WindowSize != cfg.Patterns.WindowSize {
			t.Errorf("unexpected detector config: %+v", dc)
		}
	})

	t.Run("embedding provider", func(t *testing.T) {
		if cfg.Embedding.NewProvider() == nil {
			t.Error("expected a provider")
		}
		sc := cfg.Embedding.ToServiceConfig()
		if sc.Model != cfg.Embedding.Model || sc.BatchSize != cfg.Embedding.BatchSize {
			t.Errorf("unexpected service config: %+v", sc)
		}
	})
}
