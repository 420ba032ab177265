// Package queue coalesces independently issued per-record fetch, save and
// delete requests into bounded batches against a remote record database and
// delivers every caller an individual completion for its own record.
//
// # Lanes
//
// Each operation kind (Fetch, Save, Delete) runs in two priority tiers (Fast,
// Slow), giving six lanes. Every lane has its own pending registry, its own
// dispatch goroutine and at most one batch in flight. Lanes run concurrently
// with each other.
//
//	q, err := queue.New(db, queue.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer q.Close()
//
//	q.Fetch(id, func(rec *record.Record, err error) {
//		// called exactly once
//	})
//
// # Deduplication
//
// Requests for a key that is already pending collapse into one entry; all of
// their completions fire together with the outcome the database reports for
// that key. A request arriving while the key's batch is in flight is held for
// the next batch.
//
// # Rate limiting
//
// A rate_limited or resource_busy error from any lane opens one shared backoff
// window. No lane submits a batch until it elapses; affected entries stay
// pending and no completion fires for them until they are retried.
//
// # Errors
//
// Enqueue calls never return errors. Outcomes reach callers only through
// their completions, the sticky QuotaExceeded flag, and slowed progress
// while backing off.
//
// # Progress
//
// Progress and SlowProgress report the fraction of work queued since the tier
// last drained that has completed. Change notifications are coalesced to at
// most one per Config.ProgressInterval.
package queue
