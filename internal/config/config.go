// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/ygrebnov/errorc"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/pipeline"
)

// ErrInvalidConfig marks a configuration that failed validation.
var ErrInvalidConfig = errors.New(crawler.Namespace + ": invalid configuration")

// Backlog kinds.
const (
	BacklogMemory   = "memory"
	BacklogFile     = "file"
	BacklogPostgres = "postgres"
)

// Sink kinds.
const (
	SinkConsole  = "console"
	SinkMemory   = "memory"
	SinkFile     = "file"
	SinkPostgres = "postgres"
	SinkGCS      = "gcs"
	SinkPubSub   = "pubsub"
	SinkRabbitMQ = "rabbitmq"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Backlog   BacklogConfig   `mapstructure:"backlog"`
	Sinks     []SinkConfig    `mapstructure:"sinks"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// PipelineConfig mirrors pipeline.Config with file-friendly names.
type PipelineConfig struct {
	SeedQueueCapacity  int               `mapstructure:"seed_queue_capacity"`
	RefillThreshold    int               `mapstructure:"scheduler_refill_threshold"`
	SchedulerBatchSize int               `mapstructure:"scheduler_batch_size"`
	SpiderWorkers      int               `mapstructure:"spider_worker_count"`
	MaxRetries         int               `mapstructure:"max_retries"`
	RequireItems       bool              `mapstructure:"require_items"`
	PollInterval       time.Duration     `mapstructure:"poll_interval"`
	Grace              time.Duration     `mapstructure:"grace"`
	Idle               time.Duration     `mapstructure:"idle"`
	DefaultSink        SinkQueueSettings `mapstructure:"default_sink"`
}

// SinkQueueSettings sizes one sink's queue and storer pool.
type SinkQueueSettings struct {
	BatchLength   int           `mapstructure:"batch_length"`
	Workers       int           `mapstructure:"worker_count"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	MaxBatchWait  time.Duration `mapstructure:"max_batch_wait"`
}

// BacklogConfig selects where seeds come from.
type BacklogConfig struct {
	Kind string `mapstructure:"kind"`
	// Path is the JSONL (or one URL per line) file for the file backlog.
	Path string `mapstructure:"path"`
	// Table is the postgres backlog table.
	Table string `mapstructure:"table"`
	// Seeds preloads the memory backlog.
	Seeds []string `mapstructure:"seeds"`
}

// SinkConfig declares one named sink and its backend settings.
type SinkConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`

	SinkQueueSettings `mapstructure:",squash"`

	// file
	Dir string `mapstructure:"dir"`
	// postgres
	Table string `mapstructure:"table"`
	// gcs
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	// pubsub
	Project string `mapstructure:"project"`
	Topic   string `mapstructure:"topic"`
	// rabbitmq
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Exchange string `mapstructure:"exchange"`
}

// FetcherConfig configures the built-in HTTP fetch routine.
type FetcherConfig struct {
	UserAgent     string            `mapstructure:"user_agent"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	MaxDepth      int               `mapstructure:"max_depth"`
	SameHost      bool              `mapstructure:"same_host"`
	Sink          string            `mapstructure:"sink"`
	Headers       map[string]string `mapstructure:"headers"`
	RobotsTTL     time.Duration     `mapstructure:"robots_ttl"`
	BlockedHosts  []string          `mapstructure:"blocked_hosts"`

	// RenderThreshold bounds the body size checked for script-heavy pages.
	RenderThreshold int `mapstructure:"render_threshold"`
}

// RateLimitConfig throttles fetches per host.
type RateLimitConfig struct {
	Enabled      bool               `mapstructure:"enabled"`
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	HostRPS      map[string]float64 `mapstructure:"host_rps"`
}

// PostgresConfig controls the shared connection pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// ProgressConfig tunes the progress hub and picks where run totals go.
type ProgressConfig struct {
	// Store is "none", "memory", or "postgres".
	Store          string        `mapstructure:"store"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Addr    string        `mapstructure:"addr"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig toggles zap development features and the rotating file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// TracingConfig enables the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. An empty path searches for
// cobweb.{yaml,json,toml} in the working directory, /etc/cobweb, and
// $HOME/.cobweb; finding none is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COBWEB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("cobweb")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cobweb/")
		v.AddConfigPath("$HOME/.cobweb")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	def := pipeline.DefaultConfig()
	v.SetDefault("pipeline.seed_queue_capacity", def.SeedQueueCapacity)
	v.SetDefault("pipeline.scheduler_refill_threshold", def.RefillThreshold)
	v.SetDefault("pipeline.scheduler_batch_size", def.SchedulerBatchSize)
	v.SetDefault("pipeline.spider_worker_count", def.SpiderWorkers)
	v.SetDefault("pipeline.max_retries", def.MaxRetries)
	v.SetDefault("pipeline.require_items", def.RequireItems)
	v.SetDefault("pipeline.poll_interval", def.PollInterval)
	v.SetDefault("pipeline.grace", def.Grace)
	v.SetDefault("pipeline.idle", def.Idle)
	v.SetDefault("pipeline.default_sink.batch_length", def.DefaultSink.BatchLength)
	v.SetDefault("pipeline.default_sink.worker_count", def.DefaultSink.Workers)
	v.SetDefault("pipeline.default_sink.queue_capacity", def.DefaultSink.QueueCapacity)
	v.SetDefault("backlog.kind", BacklogMemory)
	v.SetDefault("fetcher.user_agent", "cobweb-launcher/0.1")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.timeout", 15*time.Second)
	v.SetDefault("fetcher.max_depth", 1)
	v.SetDefault("fetcher.same_host", true)
	v.SetDefault("fetcher.robots_ttl", 10*time.Minute)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("progress.store", "memory")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", time.Second)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.timeout", 60*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.service_name", "cobweb-launcher")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	fail := func(key, msg string) {
		errs = append(errs, errorc.With(ErrInvalidConfig, errorc.String(key, msg)))
	}

	switch c.Backlog.Kind {
	case BacklogMemory:
	case BacklogFile:
		if c.Backlog.Path == "" {
			fail("backlog.path", "required for the file backlog")
		}
	case BacklogPostgres:
		if c.Postgres.DSN == "" {
			fail("postgres.dsn", "required for the postgres backlog")
		}
	default:
		fail("backlog.kind", fmt.Sprintf("unknown kind %q", c.Backlog.Kind))
	}

	seen := make(map[string]struct{}, len(c.Sinks))
	for i, s := range c.Sinks {
		key := fmt.Sprintf("sinks[%d]", i)
		if s.Name == "" {
			fail(key+".name", "required")
			continue
		}
		if _, dup := seen[s.Name]; dup {
			fail(key+".name", fmt.Sprintf("duplicate sink %q", s.Name))
		}
		seen[s.Name] = struct{}{}
		switch s.Kind {
		case SinkConsole, SinkMemory:
		case SinkFile:
			if s.Dir == "" {
				fail(key+".dir", "required for file sinks")
			}
		case SinkPostgres:
			if c.Postgres.DSN == "" {
				fail("postgres.dsn", "required for postgres sinks")
			}
		case SinkGCS:
			if s.Bucket == "" {
				fail(key+".bucket", "required for gcs sinks")
			}
		case SinkPubSub:
			if s.Project == "" || s.Topic == "" {
				fail(key+".topic", "project and topic are required for pubsub sinks")
			}
		case SinkRabbitMQ:
			if s.URL == "" {
				fail(key+".url", "required for rabbitmq sinks")
			}
		default:
			fail(key+".kind", fmt.Sprintf("unknown kind %q", s.Kind))
		}
	}
	if c.Fetcher.Sink != "" {
		if _, ok := seen[c.Fetcher.Sink]; !ok {
			fail("fetcher.sink", fmt.Sprintf("sink %q is not declared", c.Fetcher.Sink))
		}
	}

	switch c.Progress.Store {
	case "", "none", "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			fail("postgres.dsn", "required for the postgres progress store")
		}
	default:
		fail("progress.store", fmt.Sprintf("unknown store %q", c.Progress.Store))
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0 {
		fail("ratelimit.default_rps", "must be > 0 when enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		fail("tracing.sample_ratio", "must be within [0,1]")
	}

	if err := c.PipelineConfig().Validate(c.SinkNames()...); err != nil {
		errs = append(errs, errorc.With(ErrInvalidConfig, errorc.String("pipeline", err.Error())))
	}
	return errors.Join(errs...)
}

// SinkNames lists declared sinks in order.
func (c Config) SinkNames() []string {
	names := make([]string, 0, len(c.Sinks))
	for _, s := range c.Sinks {
		names = append(names, s.Name)
	}
	return names
}

// PipelineConfig converts the file layout into pipeline.Config, attaching
// per-sink overrides for every declared sink.
func (c Config) PipelineConfig() pipeline.Config {
	p := c.Pipeline
	out := pipeline.Config{
		SeedQueueCapacity:  p.SeedQueueCapacity,
		RefillThreshold:    p.RefillThreshold,
		SchedulerBatchSize: p.SchedulerBatchSize,
		SpiderWorkers:      p.SpiderWorkers,
		MaxRetries:         p.MaxRetries,
		RequireItems:       p.RequireItems,
		PollInterval:       p.PollInterval,
		Grace:              p.Grace,
		Idle:               p.Idle,
		DefaultSink:        p.DefaultSink.toPipeline(),
	}
	if len(c.Sinks) > 0 {
		out.Sinks = make(map[string]pipeline.SinkConfig, len(c.Sinks))
		for _, s := range c.Sinks {
			if s.Name == "" {
				continue
			}
			out.Sinks[s.Name] = s.SinkQueueSettings.toPipeline()
		}
	}
	return out
}

func (s SinkQueueSettings) toPipeline() pipeline.SinkConfig {
	return pipeline.SinkConfig{
		BatchLength:   s.BatchLength,
		Workers:       s.Workers,
		QueueCapacity: s.QueueCapacity,
		MaxBatchWait:  s.MaxBatchWait,
	}
}
