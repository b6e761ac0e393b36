// Package config loads and validates worker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
	Admission AdmissionConfig `mapstructure:"admission"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Server    ServerConfig    `mapstructure:"server"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StoreConfig selects the shared counter store backend.
type StoreConfig struct {
	Provider string `mapstructure:"provider"`
}

// RedisConfig controls the connection to the shared counter store and queue.
type RedisConfig struct {
	Addr              string `mapstructure:"addr"`
	Password          string `mapstructure:"password"`
	DB                int    `mapstructure:"db"`
	QueueKey          string `mapstructure:"queue_key"`
	DeadLetterKey     string `mapstructure:"dead_letter_key"`
	PopTimeoutSeconds int    `mapstructure:"pop_timeout_seconds"`
}

// DownloadsConfig sets the output layout and per-job fan-out.
type DownloadsConfig struct {
	OutputDir   string `mapstructure:"output_dir"`
	FanoutLimit int    `mapstructure:"fanout_limit"`
}

// AdmissionConfig governs the per-source concurrency controller.
type AdmissionConfig struct {
	DefaultLimit          int `mapstructure:"default_limit"`
	PollIntervalMs        int `mapstructure:"poll_interval_ms"`
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
}

// HTTPConfig configures the asset fetch client and its retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	UserAgent        string `mapstructure:"user_agent"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PubSubConfig holds metadata for job outcome notifications. Publishing is
// disabled when the topic name is empty.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// WorkersConfig sets how many consumer loops run in this process.
type WorkersConfig struct {
	Count int `mapstructure:"count"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from the provided Viper instance.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("MANGADL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SetDefaults registers every default on the Viper instance. Constants match
// the original deployment of this pipeline.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.provider", "redis")
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_key", "download_jobs")
	v.SetDefault("redis.dead_letter_key", "download_jobs:dead")
	v.SetDefault("redis.pop_timeout_seconds", 5)
	v.SetDefault("downloads.output_dir", "./downloads")
	v.SetDefault("downloads.fanout_limit", 8)
	v.SetDefault("admission.default_limit", 3)
	v.SetDefault("admission.poll_interval_ms", 1000)
	v.SetDefault("admission.acquire_timeout_seconds", 0)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "mangadl/2.0")
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 2000)
	v.SetDefault("http.backoff_max_ms", 30000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("workers.count", 2)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Provider {
	case "redis", "memory":
	default:
		return fmt.Errorf("store.provider must be redis or memory, got %q", c.Store.Provider)
	}
	if c.Store.Provider == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if c.Redis.QueueKey == "" {
		return fmt.Errorf("redis.queue_key must be set")
	}
	if c.Downloads.OutputDir == "" {
		return fmt.Errorf("downloads.output_dir must be set")
	}
	if c.Downloads.FanoutLimit <= 0 {
		return fmt.Errorf("downloads.fanout_limit must be > 0")
	}
	if c.Admission.DefaultLimit < 1 || c.Admission.DefaultLimit > 10 {
		return fmt.Errorf("admission.default_limit must be in [1,10]")
	}
	if c.Admission.PollIntervalMs <= 0 {
		return fmt.Errorf("admission.poll_interval_ms must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// PopTimeout returns the queue blocking-pop timeout as a duration.
func (c Config) PopTimeout() time.Duration {
	return time.Duration(c.Redis.PopTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request fetch timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// PollInterval returns the admission poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Admission.PollIntervalMs) * time.Millisecond
}

// AcquireTimeout returns the admission acquire bound; zero means no bound.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Admission.AcquireTimeoutSeconds) * time.Second
}
