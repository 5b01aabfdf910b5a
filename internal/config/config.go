// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	API      APIConfig      `mapstructure:"api"`
	Limiter  LimiterConfig  `mapstructure:"limiter"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Progress ProgressConfig `mapstructure:"progress"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles for the HTTP surface.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// APIConfig governs the external content API gateway.
type APIConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	Version            string `mapstructure:"version"`
	PageSize           int    `mapstructure:"page_size"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	MaxRetries         int    `mapstructure:"max_retries"`
	BackoffInitialMs   int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int    `mapstructure:"backoff_max_ms"`
	TokenMarginSeconds int    `mapstructure:"token_margin_seconds"`
	AccessToken        string `mapstructure:"access_token"`
	TokenTTLSeconds    int    `mapstructure:"token_ttl_seconds"`
}

// LimiterConfig bounds total external call volume.
type LimiterConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// WorkerConfig governs the job orchestrator.
type WorkerConfig struct {
	Count             int     `mapstructure:"count"`
	PhaseConcurrency  int     `mapstructure:"phase_concurrency"`
	MaxErrorRate      float64 `mapstructure:"max_error_rate"`
	ErrorRateMinItems int     `mapstructure:"error_rate_min_items"`
	QueueDepth        int     `mapstructure:"queue_depth"`
}

// ProgressConfig carries the phase weights. They are tunable, not
// load-bearing constants; they must sum to 1.0.
type ProgressConfig struct {
	GroupsWeight   float64 `mapstructure:"groups_weight"`
	PostsWeight    float64 `mapstructure:"posts_weight"`
	CommentsWeight float64 `mapstructure:"comments_weight"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory stores.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig controls the durable queue and the credential cache. An
// empty address selects the in-memory implementations.
type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	QueuePrefix string `mapstructure:"queue_prefix"`
	TokenPrefix string `mapstructure:"token_prefix"`
}

// PubSubConfig holds metadata for completion-event publishing. An
// empty project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("api.version", "5.131")
	v.SetDefault("api.page_size", 100)
	v.SetDefault("api.timeout_seconds", 15)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.backoff_initial_ms", 250)
	v.SetDefault("api.backoff_max_ms", 5000)
	v.SetDefault("api.token_margin_seconds", 60)
	v.SetDefault("api.token_ttl_seconds", 3600)
	v.SetDefault("limiter.rps", 3)
	v.SetDefault("limiter.burst", 3)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.phase_concurrency", 4)
	v.SetDefault("worker.max_error_rate", 0.5)
	v.SetDefault("worker.error_rate_min_items", 10)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("progress.groups_weight", 0.10)
	v.SetDefault("progress.posts_weight", 0.30)
	v.SetDefault("progress.comments_weight", 0.60)
	v.SetDefault("redis.queue_prefix", "harvester:queue")
	v.SetDefault("redis.token_prefix", "harvester:token")
	v.SetDefault("logging.development", false)
}

const weightSumTolerance = 1e-9

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Limiter.RPS <= 0 {
		return fmt.Errorf("limiter.rps must be positive, got %v", c.Limiter.RPS)
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be positive, got %d", c.Worker.Count)
	}
	if c.Worker.PhaseConcurrency <= 0 {
		return fmt.Errorf("worker.phase_concurrency must be positive, got %d", c.Worker.PhaseConcurrency)
	}
	if c.Worker.MaxErrorRate <= 0 || c.Worker.MaxErrorRate > 1 {
		return fmt.Errorf("worker.max_error_rate must be in (0,1], got %v", c.Worker.MaxErrorRate)
	}
	if c.API.PageSize <= 0 {
		return fmt.Errorf("api.page_size must be positive, got %d", c.API.PageSize)
	}
	sum := c.Progress.GroupsWeight + c.Progress.PostsWeight + c.Progress.CommentsWeight
	if sum < 1-weightSumTolerance || sum > 1+weightSumTolerance {
		return fmt.Errorf("progress weights must sum to 1.0, got %v", sum)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.enabled requires auth.api_key")
	}
	return nil
}

// ServerTimeout returns the HTTP request timeout as a duration.
func (c Config) ServerTimeout() time.Duration {
	if c.Server.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
