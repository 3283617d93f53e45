// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Robots  RobotsConfig  `mapstructure:"robots"`
	Journal JournalConfig `mapstructure:"journal"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the frontier, rate limiter, and worker pool.
type CrawlerConfig struct {
	Workers              int     `mapstructure:"workers"`
	UserAgent            string  `mapstructure:"user_agent"`
	MaxDepthDefault      int     `mapstructure:"max_depth_default"`
	MaxPagesDefault      int     `mapstructure:"max_pages_default"`
	DefaultRPS           float64 `mapstructure:"default_rps"`
	PerDomainConcurrency int     `mapstructure:"per_domain_concurrency"`
	MinDelayMs           int     `mapstructure:"min_delay_ms"`
	ErrorThreshold       int     `mapstructure:"error_threshold"`
	CooldownSeconds      int     `mapstructure:"cooldown_seconds"`
	PollIntervalMs       int     `mapstructure:"poll_interval_ms"`
	DeferredAgingSeconds int     `mapstructure:"deferred_aging_seconds"`
	MaxRetries           int     `mapstructure:"max_retries"`
	BackoffBaseMs        int     `mapstructure:"backoff_base_ms"`
	BackoffMaxMs         int     `mapstructure:"backoff_max_ms"`
	FetchTimeoutSeconds  int     `mapstructure:"fetch_timeout_seconds"`
	DedupFPRate          float64 `mapstructure:"dedup_fp_rate"`
}

// RobotsConfig governs the robots.txt cache.
type RobotsConfig struct {
	TTLSeconds          int `mapstructure:"ttl_seconds"`
	ErrorTTLSeconds     int `mapstructure:"error_ttl_seconds"`
	MaxBodyBytes        int `mapstructure:"max_body_bytes"`
	FetchTimeoutSeconds int `mapstructure:"fetch_timeout_seconds"`
}

// JournalConfig sets the frontier journal location.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// SinkConfig selects where fetched documents are forwarded.
type SinkConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STRIDER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.workers", 8)
	v.SetDefault("crawler.user_agent", "strider-bot/0.1")
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.max_pages_default", 100)
	v.SetDefault("crawler.default_rps", 1)
	v.SetDefault("crawler.per_domain_concurrency", 2)
	v.SetDefault("crawler.min_delay_ms", 500)
	v.SetDefault("crawler.error_threshold", 5)
	v.SetDefault("crawler.cooldown_seconds", 60)
	v.SetDefault("crawler.poll_interval_ms", 100)
	v.SetDefault("crawler.deferred_aging_seconds", 120)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.backoff_base_ms", 500)
	v.SetDefault("crawler.backoff_max_ms", 30000)
	v.SetDefault("crawler.fetch_timeout_seconds", 20)
	v.SetDefault("crawler.dedup_fp_rate", 0.001)
	v.SetDefault("robots.ttl_seconds", 3600)
	v.SetDefault("robots.error_ttl_seconds", 300)
	v.SetDefault("robots.max_body_bytes", 512*1024)
	v.SetDefault("robots.fetch_timeout_seconds", 10)
	v.SetDefault("journal.path", "strider.db")
	v.SetDefault("sink.provider", "log")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.PerDomainConcurrency <= 0 {
		return fmt.Errorf("crawler.per_domain_concurrency must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Crawler.DedupFPRate <= 0 || c.Crawler.DedupFPRate >= 1 {
		return fmt.Errorf("crawler.dedup_fp_rate must be in (0, 1)")
	}
	if c.Crawler.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.fetch_timeout_seconds must be > 0")
	}
	if c.Journal.Path == "" {
		return fmt.Errorf("journal.path must be set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Sink.Provider {
	case "", "log":
	case "pubsub":
		if c.Sink.ProjectID == "" || c.Sink.TopicID == "" {
			return fmt.Errorf("sink.project_id and sink.topic_id must be set for the pubsub sink")
		}
	default:
		return fmt.Errorf("unknown sink.provider %q", c.Sink.Provider)
	}
	return nil
}

// MinDelay returns the configured per-domain politeness floor.
func (c CrawlerConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMs) * time.Millisecond
}

// Cooldown returns the domain suspension window.
func (c CrawlerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// PollInterval returns the frontier wake interval for blocked workers.
func (c CrawlerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// DeferredAging returns how long a deferred task waits before aging up.
func (c CrawlerConfig) DeferredAging() time.Duration {
	return time.Duration(c.DeferredAgingSeconds) * time.Second
}

// BackoffBase returns the base retry backoff.
func (c CrawlerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the retry backoff cap.
func (c CrawlerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// FetchTimeout returns the per-fetch deadline.
func (c CrawlerConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// TTL returns how long a parsed robots record is trusted.
func (c RobotsConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ErrorTTL returns the short TTL applied to unreachable robots records.
func (c RobotsConfig) ErrorTTL() time.Duration {
	return time.Duration(c.ErrorTTLSeconds) * time.Second
}

// FetchTimeout returns the robots.txt fetch deadline.
func (c RobotsConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}
