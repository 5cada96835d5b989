// Package config loads process configuration from JOBFLOW_* environment
// variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"jobflow/internal/jobs"
)

const Prefix = "JOBFLOW_"

type Config struct {
	Storage Storage `envPrefix:"STORAGE_"`
	Worker  Worker  `envPrefix:"WORKER_"`
	Manager Manager
	HTTP    HTTP `envPrefix:"HTTP_"`
	Log     Log  `envPrefix:"LOG_"`

	SchedulesFile string `env:"SCHEDULES_FILE"`
	PluginDir     string `env:"PLUGIN_DIR"`
}

type Storage struct {
	// Driver is one of memory, sqlite, postgres, redis.
	Driver        string `env:"DRIVER" envDefault:"sqlite"`
	DSN           string `env:"DSN" envDefault:"jobflow.db"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"jobflow"`
}

type Worker struct {
	Count        int           `env:"COUNT" envDefault:"1"`
	Queues       []string      `env:"QUEUES" envSeparator:"," envDefault:"default"`
	Concurrency  int           `env:"CONCURRENCY" envDefault:"4"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
}

type Manager struct {
	CleanupInterval     time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	CleanupAge          time.Duration `env:"CLEANUP_AGE" envDefault:"168h"`
	StallTimeout        time.Duration `env:"STALL_TIMEOUT" envDefault:"30m"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	SchedulerInterval   time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"60s"`
}

type HTTP struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Log struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"console"`
}

// Load reads dotenv files (".env" when none are named; missing files are
// ignored) and then parses the environment.
func Load(dotenv ...string) (*Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.Driver != "redis" && c.Storage.DSN == "" {
		return fmt.Errorf("%sSTORAGE_DSN is required for %s", Prefix, c.Storage.Driver)
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("worker count must be >= 0, got %d", c.Worker.Count)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// JobsConfig maps the worker and manager settings onto jobs.Config.
func (c *Config) JobsConfig(l *zerolog.Logger) jobs.Config {
	return jobs.Config{
		Workers:             c.Worker.Count,
		Queues:              c.Worker.Queues,
		Concurrency:         c.Worker.Concurrency,
		PollInterval:        c.Worker.PollInterval,
		CleanupInterval:     c.Manager.CleanupInterval,
		CleanupAge:          c.Manager.CleanupAge,
		StallTimeout:        c.Manager.StallTimeout,
		HealthCheckInterval: c.Manager.HealthCheckInterval,
		SchedulerInterval:   c.Manager.SchedulerInterval,
		Logger:              l,
	}
}
