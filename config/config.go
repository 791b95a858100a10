// Package config provides configuration management for hearth.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for hearth.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage is the local persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Remote selects and configures the shared remote store.
	Remote RemoteConfig `mapstructure:"remote"`

	// Embedding configures the embedding provider and service.
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Cache configures the multi-level memory cache.
	Cache CacheConfig `mapstructure:"cache"`

	// Patterns configures the pattern detector.
	Patterns PatternsConfig `mapstructure:"patterns"`

	// Sync configures the sync engine.
	Sync SyncConfig `mapstructure:"sync"`

	// Metrics is the Prometheus configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the OpenTelemetry configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`

	// DeviceID identifies this installation in published events. Empty uses
	// the host name.
	DeviceID string `mapstructure:"device_id"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// RequestTimeout bounds handler execution.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes" validate:"min=0"`

	// MaxBodyBytes limits the size of request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"min=0"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StorageConfig holds local persistence settings.
type StorageConfig struct {
	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path" validate:"required_without=InMemory"`

	// InMemory keeps everything in memory; nothing survives a restart.
	InMemory bool `mapstructure:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size" validate:"min=0"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep" validate:"min=0"`
}

// RemoteConfig selects the shared remote store.
type RemoteConfig struct {
	// Type is none (local only), memory (in-process, for development) or redis.
	Type string `mapstructure:"type" validate:"oneof=none memory redis"`

	// Redis is the Redis remote configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Address      string        `mapstructure:"address" validate:"required_if=Enabled true"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"min=0"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	PoolSize     int           `mapstructure:"pool_size" validate:"min=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	FeedBuffer   int           `mapstructure:"feed_buffer" validate:"min=0"`

	// Enabled is derived from remote.type and is not read from sources.
	Enabled bool `mapstructure:"-"`
}

// EmbeddingConfig configures the embedding provider and the batching service
// in front of it.
type EmbeddingConfig struct {
	// Provider is openai (any OpenAI-compatible endpoint) or hashing
	// (deterministic local embedder).
	Provider string `mapstructure:"provider" validate:"oneof=openai hashing"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model" validate:"required"`

	// Dimension is the expected vector length; 0 disables the check.
	Dimension int `mapstructure:"dimension" validate:"min=0"`

	BatchSize int           `mapstructure:"batch_size" validate:"min=1"`
	Debounce  time.Duration `mapstructure:"debounce"`
	CacheSize int           `mapstructure:"cache_size" validate:"min=1"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`

	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Timeout        time.Duration `mapstructure:"timeout"`

	// RateLimit is provider calls per second; 0 means unlimited.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"min=0"`
}

// CacheConfig configures the multi-level cache.
type CacheConfig struct {
	HotCacheSize    int           `mapstructure:"hot_cache_size" validate:"min=1"`
	ResultCacheSize int           `mapstructure:"result_cache_size" validate:"min=1"`
	ResultCacheTTL  time.Duration `mapstructure:"result_cache_ttl"`
	QueryCacheTTL   time.Duration `mapstructure:"query_cache_ttl"`

	ScanWindow          int     `mapstructure:"scan_window" validate:"min=1"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" validate:"min=0,max=1"`
	DefaultLimit        int     `mapstructure:"default_limit" validate:"min=1"`

	Retention     time.Duration `mapstructure:"retention"`
	MaxRecords    int           `mapstructure:"max_records" validate:"min=1"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`

	// RemoteFallback asks the remote store when a local search comes up short.
	RemoteFallback bool `mapstructure:"remote_fallback"`

	BM25K1 float64 `mapstructure:"bm25_k1" validate:"gt=0"`
	BM25B  float64 `mapstructure:"bm25_b" validate:"min=0,max=1"`
}

// PatternsConfig configures the pattern detector.
type PatternsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	SimilarityThreshold  float64 `mapstructure:"similarity_threshold" validate:"min=0,max=1"`
	MinOccurrences       int     `mapstructure:"min_occurrences" validate:"min=1"`
	AutoApplySuccessRate float64 `mapstructure:"auto_apply_success_rate" validate:"min=0,max=1"`
	CommonElementRatio   float64 `mapstructure:"common_element_ratio" validate:"min=0,max=1"`

	WindowSize int           `mapstructure:"window_size" validate:"min=1"`
	WindowTTL  time.Duration `mapstructure:"window_ttl"`

	ReclusterInterval time.Duration `mapstructure:"recluster_interval"`
	EventBuffer       int           `mapstructure:"event_buffer" validate:"min=1"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	Enabled bool `mapstructure:"enabled"`

	Interval      time.Duration `mapstructure:"interval"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
	CycleTimeout  time.Duration `mapstructure:"cycle_timeout"`

	MaxRetries     int           `mapstructure:"max_retries" validate:"min=1"`
	DrainBatchSize int           `mapstructure:"drain_batch_size" validate:"min=1"`
	PushBatchSize  int           `mapstructure:"push_batch_size" validate:"min=1"`
	PullBatchSize  int           `mapstructure:"pull_batch_size" validate:"min=1"`
	MaxPullPages   int           `mapstructure:"max_pull_pages" validate:"min=1"`
	PullOverlap    time.Duration `mapstructure:"pull_overlap"`
	QueueRetention time.Duration `mapstructure:"queue_retention"`

	// Policy is local_wins_if_newer or remote_wins.
	Policy string `mapstructure:"policy" validate:"oneof=local_wins_if_newer remote_wins"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	// Enabled enables trace export.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the exporter kind; only otlpgrpc is supported.
	Exporter string `mapstructure:"exporter" validate:"oneof=otlpgrpc"`

	// Endpoint is the collector endpoint (host:port or URL).
	Endpoint string `mapstructure:"endpoint"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Timeout bounds one export call.
	Timeout time.Duration `mapstructure:"timeout"`

	// Sampler is always_on, always_off or ratio.
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off ratio"`

	// SampleRate is the fraction of root traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Remote: %s, Embedding: %s/%s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Remote.Type, c.Embedding.Provider, c.Embedding.Model)
}
