// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig selects and tunes the persistence backend.
type DBConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig identifies the Google Cloud project shared by the queue and events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// QueueConfig controls the run queue and its worker pool.
type QueueConfig struct {
	// Backend is memory or pubsub.
	Backend        string        `mapstructure:"backend"`
	Capacity       int           `mapstructure:"capacity"`
	Workers        int           `mapstructure:"workers"`
	ErrorBackoff   time.Duration `mapstructure:"error_backoff"`
	Topic          string        `mapstructure:"topic"`
	Subscription   string        `mapstructure:"subscription"`
	MaxOutstanding int           `mapstructure:"max_outstanding"`
}

// PipelineConfig bounds orchestrator retries.
type PipelineConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// IngestConfig covers the HTTP client, pacing, and per-source settings.
type IngestConfig struct {
	UserAgent       string                    `mapstructure:"user_agent"`
	Timeout         time.Duration             `mapstructure:"timeout"`
	MaxAttempts     int                       `mapstructure:"max_attempts"`
	BackoffInitial  time.Duration             `mapstructure:"backoff_initial"`
	BackoffMax      time.Duration             `mapstructure:"backoff_max"`
	BatchPause      time.Duration             `mapstructure:"batch_pause"`
	SubstepPause    time.Duration             `mapstructure:"substep_pause"`
	MaxStaleBatches int                       `mapstructure:"max_stale_batches"`
	RateLimit       RateLimitConfig           `mapstructure:"rate_limit"`
	Sources         map[string]SourceSettings `mapstructure:"sources"`
	AppStore        AppStoreConfig            `mapstructure:"app_store"`
	GooglePlay      GooglePlayConfig          `mapstructure:"google_play"`
	Reddit          RedditConfig              `mapstructure:"reddit"`
	Trustpilot      TrustpilotConfig          `mapstructure:"trustpilot"`
	Twitter         TwitterConfig             `mapstructure:"twitter"`
}

// RateLimitConfig configures the per-host token buckets.
type RateLimitConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	HostRPS      map[string]float64 `mapstructure:"host_rps"`
}

// SourceSettings overrides target and batch size for one source.
type SourceSettings struct {
	Target    int `mapstructure:"target"`
	BatchSize int `mapstructure:"batch_size"`
}

// AppStoreConfig configures the App Store RSS adapter.
type AppStoreConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	MaxPages int    `mapstructure:"max_pages"`
}

// GooglePlayConfig configures the Google Play adapter.
type GooglePlayConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Sort    int    `mapstructure:"sort"`
}

// RedditConfig holds OAuth credentials for the Reddit adapter.
type RedditConfig struct {
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
	AuthURL       string `mapstructure:"auth_url"`
	APIURL        string `mapstructure:"api_url"`
	FetchComments bool   `mapstructure:"fetch_comments"`
	CommentLimit  int    `mapstructure:"comment_limit"`
}

// TrustpilotConfig configures the Trustpilot scraper.
type TrustpilotConfig struct {
	BaseURL       string         `mapstructure:"base_url"`
	RespectRobots bool           `mapstructure:"respect_robots"`
	Headless      HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig controls promotion of Trustpilot pages to a headless
// Chrome render when the plain fetch comes back without review data.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// TwitterConfig configures the Twitter search adapter.
type TwitterConfig struct {
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`
	QueryType   string `mapstructure:"query_type"`
	QuerySuffix string `mapstructure:"query_suffix"`
}

// EnrichmentConfig selects the classifier and embedder.
type EnrichmentConfig struct {
	// Classifier is csv or anthropic.
	Classifier       string          `mapstructure:"classifier"`
	ClassifierURL    string          `mapstructure:"classifier_url"`
	MaxBatch         int             `mapstructure:"max_batch"`
	BatchSize        int             `mapstructure:"batch_size"`
	MaxStalledPasses int             `mapstructure:"max_stalled_passes"`
	EmbedURL         string          `mapstructure:"embed_url"`
	EmbedBatchSize   int             `mapstructure:"embed_batch_size"`
	Dimension        int             `mapstructure:"dimension"`
	Anthropic        AnthropicConfig `mapstructure:"anthropic"`
}

// AnthropicConfig configures the model-backed classifier.
type AnthropicConfig struct {
	APIKey     string   `mapstructure:"api_key"`
	BaseURL    string   `mapstructure:"base_url"`
	Model      string   `mapstructure:"model"`
	MaxTokens  int64    `mapstructure:"max_tokens"`
	Categories []string `mapstructure:"categories"`
}

// ArchiveConfig controls the raw batch landing zone.
type ArchiveConfig struct {
	// Backend is none, memory, local, or gcs.
	Backend  string `mapstructure:"backend"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
}

// EventsConfig controls the progress hub and its sinks.
type EventsConfig struct {
	Topic          string        `mapstructure:"topic"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEEDBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "data/feedback.db")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.error_backoff", "1s")
	v.SetDefault("queue.max_outstanding", 4)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.retry_delay", "300s")
	v.SetDefault("ingest.user_agent", "feedback-pipeline/0.1")
	v.SetDefault("ingest.timeout", "30s")
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.backoff_initial", "500ms")
	v.SetDefault("ingest.backoff_max", "10s")
	v.SetDefault("ingest.batch_pause", "1s")
	v.SetDefault("ingest.substep_pause", "1s")
	v.SetDefault("ingest.max_stale_batches", 3)
	v.SetDefault("ingest.rate_limit.default_rps", 2.0)
	v.SetDefault("ingest.rate_limit.default_burst", 2)
	v.SetDefault("ingest.sources.twitter.target", 1000)
	v.SetDefault("ingest.app_store.max_pages", 10)
	v.SetDefault("ingest.google_play.sort", 2)
	v.SetDefault("ingest.reddit.comment_limit", 50)
	v.SetDefault("ingest.trustpilot.respect_robots", true)
	v.SetDefault("ingest.trustpilot.headless.enabled", false)
	v.SetDefault("ingest.trustpilot.headless.max_parallel", 1)
	v.SetDefault("ingest.trustpilot.headless.navigation_timeout", 45*time.Second)
	v.SetDefault("ingest.trustpilot.headless.promotion_threshold", 2048)
	v.SetDefault("ingest.twitter.query_type", "Latest")
	v.SetDefault("enrichment.classifier", "csv")
	v.SetDefault("enrichment.classifier_url", "http://localhost:8000/analyze_csv")
	v.SetDefault("enrichment.max_batch", 500)
	v.SetDefault("enrichment.batch_size", 1500)
	v.SetDefault("enrichment.max_stalled_passes", 3)
	v.SetDefault("enrichment.embed_batch_size", 100)
	v.SetDefault("enrichment.dimension", 384)
	v.SetDefault("enrichment.anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("enrichment.anthropic.max_tokens", 4096)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "landing")
	v.SetDefault("archive.local_dir", "data/landing")
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait", "250ms")
	v.SetDefault("events.sink_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.tracing_enabled", true)
	v.SetDefault("telemetry.service_name", "feedbackd")
}

// bindEnv registers keys without defaults so environment overrides still
// reach Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"auth.api_key",
		"db.dsn",
		"pubsub.project_id",
		"queue.topic",
		"queue.subscription",
		"ingest.reddit.client_id",
		"ingest.reddit.client_secret",
		"ingest.twitter.api_key",
		"enrichment.embed_url",
		"enrichment.anthropic.api_key",
		"archive.bucket",
		"events.topic",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocognit // a flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.DB.Driver {
	case "memory":
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("db.path is required for the sqlite driver")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	switch c.Queue.Backend {
	case "memory":
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0")
		}
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.Queue.Topic == "" || c.Queue.Subscription == "" {
			return fmt.Errorf("pubsub.project_id, queue.topic, and queue.subscription are required for the pubsub queue")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0")
	}
	if c.Pipeline.RetryDelay <= 0 {
		return fmt.Errorf("pipeline.retry_delay must be > 0")
	}
	for name, s := range c.Ingest.Sources {
		if _, err := feedback.ParseSource(name); err != nil {
			return fmt.Errorf("ingest.sources: %w", err)
		}
		if s.Target < 0 || s.BatchSize < 0 {
			return fmt.Errorf("ingest.sources.%s: target and batch_size must be >= 0", name)
		}
	}
	switch c.Enrichment.Classifier {
	case "csv":
		if c.Enrichment.ClassifierURL == "" {
			return fmt.Errorf("enrichment.classifier_url is required for the csv classifier")
		}
	case "anthropic":
		if c.Enrichment.Anthropic.APIKey == "" {
			return fmt.Errorf("enrichment.anthropic.api_key is required for the anthropic classifier")
		}
	default:
		return fmt.Errorf("unknown enrichment.classifier %q", c.Enrichment.Classifier)
	}
	if c.Enrichment.Dimension <= 0 {
		return fmt.Errorf("enrichment.dimension must be > 0")
	}
	if c.Ingest.Trustpilot.Headless.MaxParallel < 0 {
		return fmt.Errorf("ingest.trustpilot.headless.max_parallel must be >= 0")
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local archive")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if c.Telemetry.TracingEnabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name is required when tracing is enabled")
	}
	return nil
}

// SourceSettings returns the per-source overrides keyed by Source.
func (c IngestConfig) SourceSettings() map[feedback.Source]SourceSettings {
	out := make(map[feedback.Source]SourceSettings, len(c.Sources))
	for name, s := range c.Sources {
		src, err := feedback.ParseSource(name)
		if err != nil {
			continue
		}
		out[src] = s
	}
	return out
}
