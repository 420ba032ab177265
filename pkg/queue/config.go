package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// Default queue configuration.
const (
	// DefaultBatchSize is the maximum number of keys per batch.
	DefaultBatchSize = 200

	// DefaultProgressInterval is the minimum spacing of progress notifications.
	DefaultProgressInterval = 300 * time.Millisecond

	// DefaultBackoffRefresh is how often a shared backoff window is re-read.
	DefaultBackoffRefresh = time.Second
)

// Common queue errors.
var (
	// ErrInvalidBatchSize is returned for batch sizes below one.
	ErrInvalidBatchSize = errors.New("batch size must be at least 1")

	// ErrNilDatabase is returned by New without a database.
	ErrNilDatabase = errors.New("database is required")

	// ErrQueueClosed is delivered to completions of requests that were still
	// pending, or were enqueued, after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// Config holds the queue configuration.
type Config struct {
	// BatchSize caps the keys per batch. Zero means DefaultBatchSize.
	BatchSize int

	// ProgressInterval coalesces progress notifications.
	// Zero means DefaultProgressInterval.
	ProgressInterval time.Duration

	// DefaultBackoff is used when the database reports a rate limit without a
	// retry-after duration. Zero means ratelimit.DefaultBackoff.
	DefaultBackoff time.Duration

	// Persister shares the backoff window with other processes (optional).
	Persister ratelimit.Persister

	// BackoffRefresh is how often the Persister is polled for windows opened
	// elsewhere. Zero means DefaultBackoffRefresh.
	BackoffRefresh time.Duration

	// Dispatch runs progress publication on the host's observer-safe context
	// (e.g., a UI loop). Nil publishes on an internal timer goroutine.
	Dispatch func(func())

	// OnProgress is called on every coalesced progress notification (optional).
	OnProgress func()

	// Paused starts the queue paused.
	Paused bool

	// Logger overrides the component logger (optional).
	Logger *zerolog.Logger
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:        DefaultBatchSize,
		ProgressInterval: DefaultProgressInterval,
		DefaultBackoff:   ratelimit.DefaultBackoff,
		BackoffRefresh:   DefaultBackoffRefresh,
	}
}

func (c *Config) fillDefaults() error {
	if c.BatchSize < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidBatchSize, c.BatchSize)
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.BackoffRefresh <= 0 {
		c.BackoffRefresh = DefaultBackoffRefresh
	}
	if c.DefaultBackoff <= 0 {
		c.DefaultBackoff = ratelimit.DefaultBackoff
	}
	return nil
}
