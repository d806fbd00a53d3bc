// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Clusters  ClustersConfig  `mapstructure:"clusters"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	// Seeds are enqueued at startup alongside any URLs given on the command line.
	Seeds []string `mapstructure:"seeds"`
}

// SchedulerConfig governs the worker pool and queue.
type SchedulerConfig struct {
	WorkerCount int `mapstructure:"worker_count"`
	// GlobalRPS caps dequeues across all workers; 0 means unlimited.
	GlobalRPS      float64       `mapstructure:"global_rps"`
	GlobalBurst    int           `mapstructure:"global_burst"`
	IdlePoll       time.Duration `mapstructure:"idle_poll"`
	AttemptCeiling int           `mapstructure:"attempt_ceiling"`
	RetryPenalty   float64       `mapstructure:"retry_penalty"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	ExitWhenIdle   bool          `mapstructure:"exit_when_idle"`
	// DefaultPolicy applies to requests enqueued without one.
	DefaultPolicy string `mapstructure:"default_policy"`
	// ShutdownGrace bounds how long in-flight fetches may finish after a stop signal.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// ThrottleConfig controls per-host politeness and backoff.
type ThrottleConfig struct {
	PerHostConcurrency int           `mapstructure:"per_host_concurrency"`
	MinInterval        time.Duration `mapstructure:"min_interval"`
	// HostIntervals is a list rather than a map because Viper splits keys on dots.
	HostIntervals    []HostInterval `mapstructure:"host_intervals"`
	MaxInterval      time.Duration  `mapstructure:"max_interval"`
	FailureThreshold int            `mapstructure:"failure_threshold"`
	BackoffBase      time.Duration  `mapstructure:"backoff_base"`
	BackoffCap       time.Duration  `mapstructure:"backoff_cap"`
	MaxHosts         int            `mapstructure:"max_hosts"`
	// BlockedHosts are never fetched; requests for them are rejected at enqueue.
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// HostInterval overrides the politeness interval for one host.
type HostInterval struct {
	Host     string        `mapstructure:"host"`
	Interval time.Duration `mapstructure:"interval"`
}

// IntervalMap returns the host overrides keyed by lower-cased host.
func (t ThrottleConfig) IntervalMap() map[string]time.Duration {
	if len(t.HostIntervals) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(t.HostIntervals))
	for _, hi := range t.HostIntervals {
		out[strings.ToLower(strings.TrimSpace(hi.Host))] = hi.Interval
	}
	return out
}

// CacheConfig selects and tunes the fetch cache.
type CacheConfig struct {
	Provider string        `mapstructure:"provider"`
	MaxAge   time.Duration `mapstructure:"max_age"`
	// FirstRequestMaxAge lets seeds be served from cache; 0 always refetches them.
	FirstRequestMaxAge time.Duration  `mapstructure:"first_request_max_age"`
	WriteTimeout       time.Duration  `mapstructure:"write_timeout"`
	Postgres           PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds the cache index database settings.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig sets where cached bodies are written.
type StorageConfig struct {
	Provider    string      `mapstructure:"provider"`
	Prefix      string      `mapstructure:"prefix"`
	ContentType string      `mapstructure:"content_type"`
	Local       LocalConfig `mapstructure:"local"`
	GCS         GCSConfig   `mapstructure:"gcs"`
}

// LocalConfig configures the filesystem blob store.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig configures the Cloud Storage blob store.
type GCSConfig struct {
	Bucket       string `mapstructure:"bucket"`
	CacheControl string `mapstructure:"cache_control"`
}

// ClustersConfig tunes problem clustering.
type ClustersConfig struct {
	Window          time.Duration `mapstructure:"window"`
	EscalationCount int           `mapstructure:"escalation_count"`
	DrainInterval   time.Duration `mapstructure:"drain_interval"`
}

// FetcherConfig selects the network fetcher.
type FetcherConfig struct {
	Kind          string            `mapstructure:"kind"`
	UserAgent     string            `mapstructure:"user_agent"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Headers       map[string]string `mapstructure:"headers"`
	// MaxBodyBytes truncates larger HTTP bodies; zero keeps the collector default.
	MaxBodyBytes int            `mapstructure:"max_body_bytes"`
	Headless     HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	// PromotionThreshold and PromotionMarkers tune when kind "auto" re-renders a page.
	PromotionThreshold int      `mapstructure:"promotion_threshold"`
	PromotionMarkers   []string `mapstructure:"promotion_markers"`
}

// ScoringConfig feeds the weighted scorer.
type ScoringConfig struct {
	Weights     map[string]float64 `mapstructure:"weights"`
	SeedBonus   float64            `mapstructure:"seed_bonus"`
	HostPenalty float64            `mapstructure:"host_penalty"`
}

// TelemetryConfig controls the progress event pipeline and tracing.
type TelemetryConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	BatchEvents int           `mapstructure:"batch_events"`
	BatchWait   time.Duration `mapstructure:"batch_wait"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	LogEvents   bool          `mapstructure:"log_events"`
	PubSub      PubSubConfig  `mapstructure:"pubsub"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// PubSubConfig holds the event export topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// TracingConfig controls OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ServerConfig controls the ops HTTP surface.
type ServerConfig struct {
	// Port 0 disables the server.
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLSCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.worker_count", 8)
	v.SetDefault("scheduler.global_rps", 0)
	v.SetDefault("scheduler.global_burst", 1)
	v.SetDefault("scheduler.idle_poll", time.Second)
	v.SetDefault("scheduler.attempt_ceiling", 3)
	v.SetDefault("scheduler.retry_penalty", 1.0)
	v.SetDefault("scheduler.fetch_timeout", 15*time.Second)
	v.SetDefault("scheduler.exit_when_idle", true)
	v.SetDefault("scheduler.default_policy", "cache-preferred")
	v.SetDefault("scheduler.shutdown_grace", 10*time.Second)
	v.SetDefault("throttle.per_host_concurrency", 1)
	v.SetDefault("throttle.min_interval", time.Second)
	v.SetDefault("throttle.max_interval", time.Minute)
	v.SetDefault("throttle.failure_threshold", 3)
	v.SetDefault("throttle.backoff_base", time.Second)
	v.SetDefault("throttle.backoff_cap", 10*time.Minute)
	v.SetDefault("throttle.max_hosts", 10000)
	v.SetDefault("cache.provider", "memory")
	v.SetDefault("cache.max_age", 10*time.Minute)
	v.SetDefault("cache.first_request_max_age", 0)
	v.SetDefault("cache.write_timeout", 5*time.Second)
	v.SetDefault("cache.postgres.table", "cache_entries")
	v.SetDefault("cache.postgres.max_conns", 8)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "bodies")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("clusters.window", 30*time.Minute)
	v.SetDefault("clusters.escalation_count", 5)
	v.SetDefault("clusters.drain_interval", time.Minute)
	v.SetDefault("fetcher.kind", "http")
	v.SetDefault("fetcher.user_agent", "crawlsched/0.1")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.max_body_bytes", 10<<20)
	v.SetDefault("fetcher.headless.max_parallel", 2)
	v.SetDefault("fetcher.headless.navigation_timeout", 45*time.Second)
	v.SetDefault("fetcher.headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("fetcher.headless.promotion_threshold", 2048)
	v.SetDefault("scoring.seed_bonus", 10.0)
	v.SetDefault("scoring.host_penalty", 0.0)
	v.SetDefault("telemetry.buffer_size", 4096)
	v.SetDefault("telemetry.batch_events", 200)
	v.SetDefault("telemetry.batch_wait", time.Second)
	v.SetDefault("telemetry.sink_timeout", 5*time.Second)
	v.SetDefault("telemetry.log_events", false)
	v.SetDefault("telemetry.tracing.sample_ratio", 1.0)
	v.SetDefault("server.port", 9090)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Scheduler.WorkerCount <= 0 {
		return fmt.Errorf("scheduler.worker_count must be > 0")
	}
	if c.Scheduler.GlobalRPS < 0 {
		return fmt.Errorf("scheduler.global_rps must be >= 0")
	}
	if c.Scheduler.AttemptCeiling <= 0 {
		return fmt.Errorf("scheduler.attempt_ceiling must be > 0")
	}
	if c.Scheduler.FetchTimeout <= 0 {
		return fmt.Errorf("scheduler.fetch_timeout must be > 0")
	}
	switch c.Scheduler.DefaultPolicy {
	case "cache-preferred", "network-first", "cache-only":
	default:
		return fmt.Errorf("scheduler.default_policy %q is not a known policy", c.Scheduler.DefaultPolicy)
	}
	if c.Throttle.PerHostConcurrency <= 0 {
		return fmt.Errorf("throttle.per_host_concurrency must be > 0")
	}
	if c.Throttle.MinInterval < 0 {
		return fmt.Errorf("throttle.min_interval must be >= 0")
	}
	for _, hi := range c.Throttle.HostIntervals {
		if strings.TrimSpace(hi.Host) == "" || hi.Interval < 0 {
			return fmt.Errorf("throttle.host_intervals entries need a host and a non-negative interval")
		}
	}
	if c.Throttle.FailureThreshold <= 0 {
		return fmt.Errorf("throttle.failure_threshold must be > 0")
	}
	if c.Throttle.BackoffCap < c.Throttle.BackoffBase {
		return fmt.Errorf("throttle.backoff_cap must be >= throttle.backoff_base")
	}
	switch c.Cache.Provider {
	case "memory":
	case "postgres":
		if c.Cache.Postgres.DSN == "" {
			return fmt.Errorf("cache.postgres.dsn must be set when cache.provider is postgres")
		}
	default:
		return fmt.Errorf("cache.provider %q must be memory or postgres", c.Cache.Provider)
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set when storage.provider is local")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set when storage.provider is gcs")
		}
	default:
		return fmt.Errorf("storage.provider %q must be memory, local, or gcs", c.Storage.Provider)
	}
	if c.Clusters.Window <= 0 || c.Clusters.EscalationCount <= 0 {
		return fmt.Errorf("clusters.window and clusters.escalation_count must be > 0")
	}
	switch c.Fetcher.Kind {
	case "http":
	case "headless", "auto":
		if c.Fetcher.Headless.MaxParallel <= 0 {
			return fmt.Errorf("fetcher.headless.max_parallel must be > 0 when fetcher.kind is %s", c.Fetcher.Kind)
		}
	default:
		return fmt.Errorf("fetcher.kind %q must be http, headless, or auto", c.Fetcher.Kind)
	}
	if c.Fetcher.MaxBodyBytes < 0 {
		return fmt.Errorf("fetcher.max_body_bytes must be >= 0")
	}
	if (c.Telemetry.PubSub.ProjectID == "") != (c.Telemetry.PubSub.TopicID == "") {
		return fmt.Errorf("telemetry.pubsub.project_id and telemetry.pubsub.topic_id must be set together")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	return nil
}
