// Package redisdb provides a database.Database that stores records in Redis.
//
// The binding implements the batch contract the queue expects:
//
// - Records stored as JSON under deterministic keys
// - Pipelined MGET / SET / DEL split into parallel chunks
// - In-memory 2Q read cache for recently fetched and saved records, bounded by CacheTTL
// - Fixed-window request budget shared by every process (rate_limited errors)
// - Record quota (quota_exceeded per item, partial_failure per batch)
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create the record database
//	db, err := redisdb.New(redisClient, redisdb.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	// Hand it to the queue
//	q, err := queue.New(db, queue.DefaultConfig())
//
// # Read Cache
//
// Fetches are served from memory while a cached record is younger than
// CacheTTL. Several processes may share one Redis instance; a write made by
// another process is seen here once the local entry expires. Set CacheSize
// negative where that delay is not acceptable.
//
// # Request Budget
//
// With RequestsPerWindow set, every batch charges one request against a
// counter keyed by the current window. Batches over budget fail as a whole
// with a rate_limited error whose RetryAfter is the rest of the window, and no
// item is reported.
//
// # Record Quota
//
// With MaxRecords set, saves that would create records beyond the quota fail
// per item with quota_exceeded. Updates of existing records always succeed.
//
// # Key Format
//
//	recordqueue:record:{zone}:{name}
//
// Examples:
//
//	recordqueue:record:inventory:item-0001
//	recordqueue:record:_default:3f1c9a4e-6a1b-4c55-9d7e-0a4b2f1e8c11
package redisdb
