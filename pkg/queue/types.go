package queue

import (
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/database"
	"github.com/Sternrassler/record-batch-queue/pkg/record"
	"github.com/Sternrassler/record-batch-queue/pkg/registry"
)

// Kind is the operation a lane performs.
type Kind int

const (
	// Fetch reads records by ID.
	Fetch Kind = iota
	// Save writes records.
	Save
	// Delete removes records by ID.
	Delete

	numKinds = 3
)

// String returns the metric label for k.
func (k Kind) String() string {
	switch k {
	case Fetch:
		return "fetch"
	case Save:
		return "save"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Tier is the priority tier of a lane.
type Tier int

const (
	// Fast batches are prioritized and may use any network.
	Fast Tier = iota
	// Slow batches may be deferred and avoid metered networks.
	Slow

	numTiers = 2
)

// String returns the metric label for t.
func (t Tier) String() string {
	switch t {
	case Fast:
		return "fast"
	case Slow:
		return "slow"
	default:
		return "unknown"
	}
}

// hints returns the scheduling hints passed with batches of tier t.
func (t Tier) hints() database.Hints {
	if t == Slow {
		return database.Hints{QoS: database.QoSUtility, AllowsCellular: false}
	}
	return database.Hints{QoS: database.QoSUserInitiated, AllowsCellular: true}
}

// Completion receives the outcome for one record. For fetches rec is the
// fetched record, for saves the saved record as returned by the database,
// and for deletes it is always nil.
type Completion func(rec *record.Record, err error)

// entry is a pending or in-flight key: the record to save (nil for fetch and
// delete) and the completions waiting on it.
type entry = registry.Entry[record.ID, *record.Record, Completion]

// pendingRegistry is the per-lane request registry.
type pendingRegistry = registry.Registry[record.ID, *record.Record, Completion]

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Kind          string `json:"kind"`
	Tier          string `json:"tier"`
	Pending       int    `json:"pending"`
	InFlight      int    `json:"in_flight"`
	QueuedTotal   int    `json:"queued_total"`
	BatchInFlight bool   `json:"batch_in_flight"`
}

// Stats is a point-in-time view of the whole queue.
type Stats struct {
	Lanes              []LaneStats `json:"lanes"`
	Paused             bool        `json:"paused"`
	BatchSize          int         `json:"batch_size"`
	QuotaExceeded      bool        `json:"quota_exceeded"`
	TimeoutUntil       *time.Time  `json:"timeout_until,omitempty"`
	QueueTotal         int         `json:"queue_total"`
	QueueRemaining     int         `json:"queue_remaining"`
	Progress           float64     `json:"progress"`
	SlowQueueTotal     int         `json:"slow_queue_total"`
	SlowQueueRemaining int         `json:"slow_queue_remaining"`
	SlowProgress       float64     `json:"slow_progress"`
}
