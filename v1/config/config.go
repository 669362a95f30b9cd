// Package config loads the crowdlock server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Bus       BusConfig       `yaml:"bus"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableMetrics   bool          `yaml:"enable_metrics"`
}

// RedisConfig configures the shared lock store.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// DatabaseConfig configures the persistence collaborator.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // sqlite, mysql, postgres
	DSN             string        `yaml:"dsn"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SlowThreshold   time.Duration `yaml:"slow_threshold"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

// SchedulerConfig tunes task selection.
type SchedulerConfig struct {
	MaxOffset    int                  `yaml:"max_offset"`
	MaxAttempts  int                  `yaml:"max_attempts"`
	RetryBackoff time.Duration        `yaml:"retry_backoff"`
	Cache        CandidateCacheConfig `yaml:"candidate_cache"`
}

// CandidateCacheConfig configures the memoized candidate lists.
type CandidateCacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Backend    string        `yaml:"backend"` // memory, ristretto
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// BusConfig configures the invalidation bus.
type BusConfig struct {
	Driver           string        `yaml:"driver"` // none, memory, redis, nats, kafka
	NATSURL          string        `yaml:"nats_url"`
	KafkaBrokers     []string      `yaml:"kafka_brokers"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// TracingConfig enables OpenTelemetry spans.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout
}

// Default returns a configuration usable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			EnableMetrics:   true,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Prefix:    "crowdlock",
			OpTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:        "sqlite",
			DSN:           "file:crowdlock.db",
			SlowThreshold: 200 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Scheduler: SchedulerConfig{
			MaxOffset:    10,
			MaxAttempts:  3,
			RetryBackoff: 20 * time.Millisecond,
			Cache: CandidateCacheConfig{
				Backend:    "memory",
				TTL:        5 * time.Second,
				MaxEntries: 1024,
			},
		},
		Bus: BusConfig{
			Driver:           "none",
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Tracing: TracingConfig{Exporter: "stdout"},
	}
}

// Load reads path on top of Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not supported", c.Log.Level))
	}
	if (c.Log.Output == "file" || c.Log.Output == "both") && c.Log.FilePath == "" {
		errs = append(errs, errors.New("log.file_path is required for file output"))
	}
	if c.Scheduler.MaxOffset < 0 {
		errs = append(errs, errors.New("scheduler.max_offset must not be negative"))
	}
	if c.Scheduler.Cache.Enabled {
		switch c.Scheduler.Cache.Backend {
		case "memory", "ristretto":
		default:
			errs = append(errs, fmt.Errorf("scheduler.candidate_cache.backend %q is not supported", c.Scheduler.Cache.Backend))
		}
		if c.Scheduler.Cache.TTL <= 0 {
			errs = append(errs, errors.New("scheduler.candidate_cache.ttl must be positive"))
		}
	}
	switch c.Bus.Driver {
	case "", "none", "memory", "redis":
	case "nats":
		if c.Bus.NATSURL == "" {
			errs = append(errs, errors.New("bus.nats_url is required for the nats driver"))
		}
	case "kafka":
		if len(c.Bus.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("bus.kafka_brokers is required for the kafka driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.driver %q is not supported", c.Bus.Driver))
	}
	if c.Tracing.Enabled && c.Tracing.Exporter != "stdout" {
		errs = append(errs, fmt.Errorf("tracing.exporter %q is not supported", c.Tracing.Exporter))
	}
	return errors.Join(errs...)
}
