package redisdb

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/record"
)

// Redis key layout.
const (
	keyPrefix = "recordqueue"

	// indexKey is the set of every stored record key; its cardinality is
	// checked against the record quota.
	indexKey = keyPrefix + ":records"
)

// RecordKey generates the deterministic Redis key of a record.
// Format: recordqueue:record:{zone}:{name}
//
// Example:
//
//	recordqueue:record:inventory:3f1c9a4e-6a1b-4c55-9d7e-0a4b2f1e8c11
func RecordKey(id record.ID) string {
	id = id.Normalize()
	return strings.Join([]string{keyPrefix, "record", id.Zone, id.Name}, ":")
}

// budgetKey is the request counter of the fixed window containing now.
func budgetKey(now time.Time, window time.Duration) string {
	slot := now.UnixNano() / int64(window)
	return fmt.Sprintf("%s:budget:%d", keyPrefix, slot)
}

// windowRemaining returns the time until the fixed window containing now ends.
func windowRemaining(now time.Time, window time.Duration) time.Duration {
	elapsed := time.Duration(now.UnixNano() % int64(window))
	return window - elapsed
}
