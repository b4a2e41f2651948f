// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"ephemera/internal/model"
)

// Supported store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/ephemera.db"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile      string `env:"LOG_FILE"`
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8080"`

	StoreBackend  string `env:"STORE_BACKEND" envDefault:"sqlite"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	SweepInterval        time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
	SweepBatch           int           `env:"SWEEP_BATCH" envDefault:"100"`
	BackendSweepInterval time.Duration `env:"BACKEND_SWEEP_INTERVAL" envDefault:"1m"`

	StoryTTL    time.Duration `env:"STORY_TTL" envDefault:"24h"`
	MessageTTL  time.Duration `env:"MESSAGE_TTL" envDefault:"24h"`
	SnapGrace   time.Duration `env:"SNAP_GRACE" envDefault:"10s"`
	ExpiryScope model.Scope   `env:"EXPIRY_SCOPE" envDefault:"everyone"`

	DeleteRetryInitial time.Duration `env:"DELETE_RETRY_INITIAL" envDefault:"500ms"`
	DeleteRetryMax     time.Duration `env:"DELETE_RETRY_MAX" envDefault:"1m"`

	GatewayRPS     float64       `env:"GATEWAY_RPS" envDefault:"20"`
	GatewayBatch   int           `env:"GATEWAY_BATCH" envDefault:"50"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that env parsing cannot express.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.StoreBackend)
	}
	if _, err := model.ParseScope(string(c.ExpiryScope)); err != nil {
		return fmt.Errorf("invalid EXPIRY_SCOPE: %w", err)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepBatch <= 0 {
		return fmt.Errorf("SWEEP_BATCH must be positive")
	}
	if c.BackendSweepInterval < 0 {
		return fmt.Errorf("BACKEND_SWEEP_INTERVAL must not be negative")
	}
	if c.StoryTTL <= 0 || c.MessageTTL <= 0 || c.SnapGrace <= 0 {
		return fmt.Errorf("expiry durations must be positive")
	}
	if c.DeleteRetryInitial <= 0 || c.DeleteRetryMax < c.DeleteRetryInitial {
		return fmt.Errorf("DELETE_RETRY_MAX must be at least DELETE_RETRY_INITIAL")
	}
	if c.GatewayBatch <= 0 {
		return fmt.Errorf("GATEWAY_BATCH must be positive")
	}
	return nil
}
