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
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// BrowserConfig governs the headless browser process pool.
type BrowserConfig struct {
	PoolSize              int    `mapstructure:"pool_size"`
	AcquireTimeoutSeconds int    `mapstructure:"acquire_timeout_seconds"`
	NavTimeoutSeconds     int    `mapstructure:"nav_timeout_seconds"`
	HealthIntervalSeconds int    `mapstructure:"health_interval_seconds"`
	MaxProcessAgeMinutes  int    `mapstructure:"max_process_age_minutes"`
	MaxFailures           int    `mapstructure:"max_failures"`
	UserAgent             string `mapstructure:"user_agent"`
}

// CaptureConfig configures the tiered capture service.
type CaptureConfig struct {
	ShotAPIBaseURL     string `mapstructure:"shot_api_base_url"`
	ShotAPIKey         string `mapstructure:"shot_api_key"`
	TierTimeoutSeconds int    `mapstructure:"tier_timeout_seconds"`
	ViewportWidth      int    `mapstructure:"viewport_width"`
	ViewportHeight     int    `mapstructure:"viewport_height"`
	BlobPrefix         string `mapstructure:"blob_prefix"`
}

// ScoringConfig configures the AI scoring collaborator.
type ScoringConfig struct {
	APIKey          string `mapstructure:"api_key"`
	Model           string `mapstructure:"model"`
	BaseURL         string `mapstructure:"base_url"`
	InsightsEnabled bool   `mapstructure:"insights_enabled"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
	BackoffBaseMs   int    `mapstructure:"backoff_base_ms"`
}

// RateLimitConfig controls admission to external services.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// StorageConfig selects and configures the artifact blob backend.
type StorageConfig struct {
	// Backend is one of "gcs", "local", "memory".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// PubSubConfig holds metadata for terminal run notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AnalyzerConfig governs pipeline fan-out and submission limits.
type AnalyzerConfig struct {
	Workers           int `mapstructure:"workers"`
	QueueDepth        int `mapstructure:"queue_depth"`
	MaxCompetitors    int `mapstructure:"max_competitors"`
	StallAfterMinutes int `mapstructure:"stall_after_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITELENS")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("browser.pool_size", 3)
	v.SetDefault("browser.acquire_timeout_seconds", 30)
	v.SetDefault("browser.nav_timeout_seconds", 25)
	v.SetDefault("browser.health_interval_seconds", 30)
	v.SetDefault("browser.max_process_age_minutes", 30)
	v.SetDefault("browser.max_failures", 3)
	v.SetDefault("browser.user_agent", "sitelens-bot/0.1")
	v.SetDefault("capture.tier_timeout_seconds", 30)
	v.SetDefault("capture.viewport_width", 1280)
	v.SetDefault("capture.viewport_height", 800)
	v.SetDefault("capture.blob_prefix", "captures")
	v.SetDefault("scoring.model", "gpt-4o-mini")
	v.SetDefault("scoring.insights_enabled", true)
	v.SetDefault("scoring.max_attempts", 3)
	v.SetDefault("scoring.backoff_base_ms", 2000)
	v.SetDefault("rate_limit.requests_per_second", 2.0)
	v.SetDefault("rate_limit.burst", 4)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "artifacts")
	v.SetDefault("analyzer.workers", 4)
	v.SetDefault("analyzer.queue_depth", 64)
	v.SetDefault("analyzer.max_competitors", 3)
	v.SetDefault("analyzer.stall_after_minutes", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Analyzer.Workers <= 0 {
		return fmt.Errorf("analyzer.workers must be > 0")
	}
	if c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be > 0")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be one of gcs, local, memory")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// StallAfter converts the analyzer stall window to a duration.
func (c Config) StallAfter() time.Duration {
	return time.Duration(c.Analyzer.StallAfterMinutes) * time.Minute
}
