// Package database defines the contract the queue requires of a remote record
// database binding, together with the error classes a binding reports.
//
// A binding executes whole batches asynchronously. Each submit call returns
// immediately; outcomes arrive later on the binding's own goroutines through
// the ItemFunc and DoneFunc hooks.
package database

import (
	"context"

	"github.com/Sternrassler/record-batch-queue/pkg/record"
)

// QoS is the quality-of-service hint passed with a batch.
type QoS string

const (
	// QoSUserInitiated asks the database to run the batch promptly.
	QoSUserInitiated QoS = "user_initiated"

	// QoSUtility allows the database to defer the batch.
	QoSUtility QoS = "utility"
)

// Hints carry scheduling preferences for a batch.
// They are advisory; the queue does not enforce them itself.
type Hints struct {
	QoS            QoS
	AllowsCellular bool
}

// ItemFunc reports the outcome of one item of a fetch or save batch.
// rec is nil when err is set.
type ItemFunc func(id record.ID, rec *record.Record, err error)

// DoneFunc reports the outcome of a whole batch. It is called exactly once per
// submitted batch, after every ItemFunc call for that batch.
// deleted lists the IDs a delete batch actually removed and is nil for other
// batch kinds.
type DoneFunc func(deleted []record.ID, err error)

// Database is the remote record database as seen by the queue.
type Database interface {
	// FetchRecords reads records by ID.
	FetchRecords(ctx context.Context, ids []record.ID, hints Hints, onItem ItemFunc, onDone DoneFunc)

	// SaveRecords writes records.
	SaveRecords(ctx context.Context, recs []*record.Record, hints Hints, onItem ItemFunc, onDone DoneFunc)

	// DeleteRecords removes records by ID. There is no per-item hook; the
	// deleted list passed to onDone is the only per-item report.
	DeleteRecords(ctx context.Context, ids []record.ID, hints Hints, onDone DoneFunc)
}
