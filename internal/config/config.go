// Package config loads the queue server configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/logging"
	"github.com/Sternrassler/record-batch-queue/pkg/queue"
	"github.com/Sternrassler/record-batch-queue/pkg/redisdb"
	"gopkg.in/yaml.v3"
)

// Config is the queue server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`

	// RequestTimeout bounds how long a handler waits for its completion.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig mirrors queue.Config.
type QueueConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	DefaultBackoff   time.Duration `yaml:"default_backoff"`
	Paused           bool          `yaml:"paused"`

	// SharedBackoff stores the backoff window in Redis for other processes.
	SharedBackoff bool `yaml:"shared_backoff"`

	// BackoffRefresh is how often a shared window is re-read from Redis.
	BackoffRefresh time.Duration `yaml:"backoff_refresh"`
}

// DatabaseConfig mirrors redisdb.Config.
type DatabaseConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
	MaxRecords        int           `yaml:"max_records"`
	ChunkSize         int           `yaml:"chunk_size"`
	Concurrency       int           `yaml:"concurrency"`
	CacheSize         int           `yaml:"cache_size"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	qc := queue.DefaultConfig()
	dc := redisdb.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			RequestTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Queue: QueueConfig{
			BatchSize:        qc.BatchSize,
			ProgressInterval: qc.ProgressInterval,
			DefaultBackoff:   qc.DefaultBackoff,
			SharedBackoff:    true,
			BackoffRefresh:   qc.BackoffRefresh,
		},
		Database: DatabaseConfig{
			Window:      dc.Window,
			ChunkSize:   dc.ChunkSize,
			Concurrency: dc.Concurrency,
			CacheSize:   dc.CacheSize,
			CacheTTL:    dc.CacheTTL,
		},
		Logging: LoggingConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Redis.Addr = getEnv("REDIS_URL", c.Redis.Addr)
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
}

// Validate checks the configuration for values the components reject.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Queue.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("queue.batch_size: %w", queue.ErrInvalidBatchSize))
	}
	if c.Database.RequestsPerWindow < 0 || c.Database.MaxRecords < 0 {
		errs = append(errs, errors.New("database limits cannot be negative"))
	}
	if _, err := logging.ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	return errors.Join(errs...)
}

// QueueOptions returns the queue configuration. Hooks and the persister are
// left for the caller to set.
func (c *Config) QueueOptions() queue.Config {
	return queue.Config{
		BatchSize:        c.Queue.BatchSize,
		ProgressInterval: c.Queue.ProgressInterval,
		DefaultBackoff:   c.Queue.DefaultBackoff,
		BackoffRefresh:   c.Queue.BackoffRefresh,
		Paused:           c.Queue.Paused,
	}
}

// DatabaseOptions returns the Redis binding configuration.
func (c *Config) DatabaseOptions() redisdb.Config {
	return redisdb.Config{
		RequestsPerWindow: c.Database.RequestsPerWindow,
		Window:            c.Database.Window,
		MaxRecords:        c.Database.MaxRecords,
		ChunkSize:         c.Database.ChunkSize,
		Concurrency:       c.Database.Concurrency,
		CacheSize:         c.Database.CacheSize,
		CacheTTL:          c.Database.CacheTTL,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
