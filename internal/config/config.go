// Package config loads the message bus daemon's configuration from
// environment variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the daemon's tunables: server address, which backend to
// wire up, keepalive/long-poll timing, and backlog bounds.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr              string `env:"MB_ADDR" envDefault:":8080"`
	MessageBusPrefix  string `env:"MB_PREFIX" envDefault:"/message-bus/"`
	KeepaliveInterval time.Duration `env:"MB_KEEPALIVE_INTERVAL" envDefault:"20s"`
	LongPollInterval  time.Duration `env:"MB_LONG_POLL_INTERVAL" envDefault:"25s"`

	// Backend selection: "memory", "redis", "postgres", or "kafka".
	Backend string `env:"MB_BACKEND" envDefault:"memory"`

	// Redis backend
	RedisAddr     string `env:"MB_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"MB_REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"MB_REDIS_DB" envDefault:"0"`

	// Postgres backend
	PostgresDSN string `env:"MB_POSTGRES_DSN" envDefault:"postgres://localhost:5432/messagebus?sslmode=disable"`

	// Kafka backend
	KafkaBrokers string `env:"MB_KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaTopic   string `env:"MB_KAFKA_TOPIC" envDefault:"messagebus"`

	// Backlog bounds
	MaxBacklogSize       int           `env:"MB_MAX_BACKLOG_SIZE" envDefault:"1000"`
	MaxGlobalBacklogSize int           `env:"MB_MAX_GLOBAL_BACKLOG_SIZE" envDefault:"2000"`
	MaxBacklogAge        time.Duration `env:"MB_MAX_BACKLOG_AGE" envDefault:"168h"`

	// Worker pool fan-out (optional; 0 disables the pool and delivers
	// synchronously on the subscriber goroutine)
	WorkerPoolSize      int `env:"MB_WORKER_POOL_SIZE" envDefault:"0"`
	WorkerPoolQueueSize int `env:"MB_WORKER_POOL_QUEUE_SIZE" envDefault:"1000"`

	// Logging
	LogLevel  string `env:"MB_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MB_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"MB_ENVIRONMENT" envDefault:"development"`

	// Long-poll request admission limiting (0 disables the corresponding
	// bucket's default override; RateLimitEnabled gates the whole feature)
	RateLimitEnabled    bool    `env:"MB_RATE_LIMIT_ENABLED" envDefault:"false"`
	RateLimitPerIPRate  float64 `env:"MB_RATE_LIMIT_PER_IP_RATE" envDefault:"5"`
	RateLimitPerIPBurst int     `env:"MB_RATE_LIMIT_PER_IP_BURST" envDefault:"20"`
	RateLimitGlobalRate float64 `env:"MB_RATE_LIMIT_GLOBAL_RATE" envDefault:"200"`
	RateLimitGlobalBurst int    `env:"MB_RATE_LIMIT_GLOBAL_BURST" envDefault:"1000"`
}

// Load reads configuration from a .env file (if present) and environment
// variables, validates it, and returns the result. Priority: env vars > .env
// file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration for internally-inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("MB_ADDR is required")
	}
	if c.KeepaliveInterval != 0 && c.KeepaliveInterval < 20*time.Second {
		return fmt.Errorf("MB_KEEPALIVE_INTERVAL must be 0 (disabled) or >= 20s, got %s", c.KeepaliveInterval)
	}
	if c.LongPollInterval <= 0 {
		return fmt.Errorf("MB_LONG_POLL_INTERVAL must be > 0, got %s", c.LongPollInterval)
	}
	if c.MaxBacklogSize < 1 {
		return fmt.Errorf("MB_MAX_BACKLOG_SIZE must be > 0, got %d", c.MaxBacklogSize)
	}
	if c.MaxGlobalBacklogSize < 1 {
		return fmt.Errorf("MB_MAX_GLOBAL_BACKLOG_SIZE must be > 0, got %d", c.MaxGlobalBacklogSize)
	}

	switch c.Backend {
	case "memory", "redis", "postgres", "kafka":
	default:
		return fmt.Errorf("MB_BACKEND must be one of: memory, redis, postgres, kafka (got: %s)", c.Backend)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("MB_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("MB_LOG_FORMAT must be one of: json, console (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig emits the loaded configuration as a single structured,
// Loki-friendly log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("backend", c.Backend).
		Dur("keepalive_interval", c.KeepaliveInterval).
		Dur("long_poll_interval", c.LongPollInterval).
		Int("max_backlog_size", c.MaxBacklogSize).
		Int("max_global_backlog_size", c.MaxGlobalBacklogSize).
		Dur("max_backlog_age", c.MaxBacklogAge).
		Int("worker_pool_size", c.WorkerPoolSize).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("message bus configuration loaded")
}
