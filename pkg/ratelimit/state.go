// Package ratelimit implements the shared rate-limit governor that suspends
// every queue lane while the remote database asks callers to back off.
// The retry-not-before window can be persisted in Redis so several queue
// processes talking to the same database honor one window.
package ratelimit

import (
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/database"
)

// Redis keys for backoff state storage.
const (
	RedisKeyRetryNotBefore = "recordqueue:rate_limit:retry_not_before"
	RedisKeyReason         = "recordqueue:rate_limit:reason"
	RedisKeyLastUpdate     = "recordqueue:rate_limit:last_update"
)

// DefaultBackoff is the window applied when the database reports a rate limit
// without a retry-after duration.
const DefaultBackoff = 60 * time.Second

// BackoffState represents the current retry-not-before window.
type BackoffState struct {
	// RetryNotBefore is the earliest time a new batch may be submitted.
	// The zero value means no window is active.
	RetryNotBefore time.Time `json:"retry_not_before"`

	// Reason is the error class that opened the window.
	Reason database.ErrorClass `json:"reason"`

	// LastUpdate is when the window was last extended.
	LastUpdate time.Time `json:"last_update"`
}

// IsBlocked returns true if the window is still open at now.
func (s BackoffState) IsBlocked(now time.Time) bool {
	return !s.RetryNotBefore.IsZero() && s.RetryNotBefore.After(now)
}

// TimeUntilRetry returns the remaining wait at now.
// Returns 0 if the window has already elapsed.
func (s BackoffState) TimeUntilRetry(now time.Time) time.Duration {
	if !s.IsBlocked(now) {
		return 0
	}
	return s.RetryNotBefore.Sub(now)
}

// IsStale returns true if the state is older than maxAge.
func (s BackoffState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}
