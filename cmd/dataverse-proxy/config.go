package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/dataverse-client/pkg/coordinator"
	"github.com/Sternrassler/dataverse-client/pkg/logging"
	"github.com/caarlos0/env/v6"
	"github.com/redis/go-redis/v9"
)

// Config is read from the environment.
type Config struct {
	EnvironmentURL string `env:"DATAVERSE_URL,required"`
	Token          string `env:"DATAVERSE_TOKEN,required"`

	// RedisURL enables the shared schema cache and service protection
	// tracking. Either host:port or a redis:// URL.
	RedisURL string `env:"REDIS_URL"`

	Port       string        `env:"PORT" envDefault:"8080"`
	LogLevel   string        `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty  bool          `env:"LOG_PRETTY"`
	BatchMode  string        `env:"BATCH_MODE" envDefault:"sequential"`
	MaxRetries int           `env:"MAX_RETRIES" envDefault:"3"`
	SchemaTTL  time.Duration `env:"SCHEMA_TTL" envDefault:"1h"`
}

// loadConfig parses environ, or the process environment when environ is nil.
func loadConfig(environ map[string]string) (*Config, error) {
	cfg := &Config{}

	var err error
	if environ == nil {
		err = env.Parse(cfg)
	} else {
		err = env.Parse(cfg, env.Options{Environment: environ})
	}
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if _, err := coordinator.ParseMode(cfg.BatchMode); err != nil {
		return nil, fmt.Errorf("BATCH_MODE: %w", err)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("MAX_RETRIES must be >= 1 (got %d)", cfg.MaxRetries)
	}
	if cfg.SchemaTTL <= 0 {
		return nil, fmt.Errorf("SCHEMA_TTL must be > 0 (got %s)", cfg.SchemaTTL)
	}

	return cfg, nil
}

// redisOptions accepts host:port as well as redis:// and rediss:// URLs.
func (c *Config) redisOptions() (*redis.Options, error) {
	if strings.HasPrefix(c.RedisURL, "redis://") || strings.HasPrefix(c.RedisURL, "rediss://") {
		return redis.ParseURL(c.RedisURL)
	}
	return &redis.Options{Addr: c.RedisURL}, nil
}
