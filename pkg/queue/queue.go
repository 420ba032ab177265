package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/database"
	"github.com/Sternrassler/record-batch-queue/pkg/logging"
	"github.com/Sternrassler/record-batch-queue/pkg/ratelimit"
	"github.com/Sternrassler/record-batch-queue/pkg/record"
	"github.com/Sternrassler/record-batch-queue/pkg/registry"
	"github.com/rs/zerolog"
)

// loadTimeout bounds restoring a persisted backoff window in New.
const loadTimeout = 2 * time.Second

// Queue is the batching front end of one database.
type Queue struct {
	db       database.Database
	governor *ratelimit.Governor
	notifier *notifier
	logger   zerolog.Logger

	// mu guards every lane's registry, in-flight batch and counters, plus
	// paused, batchSize and closed.
	mu        sync.Mutex
	drivers   [numKinds][numTiers]*driver
	paused    bool
	batchSize int
	closed    bool

	quotaExceeded atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue bound to db and starts its six lanes.
func New(db database.Database, cfg Config) (*Queue, error) {
	if db == nil {
		return nil, ErrNilDatabase
	}
	if err := cfg.fillDefaults(); err != nil {
		return nil, err
	}

	logger := logging.NewLogger("record-queue")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	opts := []ratelimit.Option{ratelimit.WithDefaultBackoff(cfg.DefaultBackoff)}
	if cfg.Persister != nil {
		opts = append(opts,
			ratelimit.WithPersister(cfg.Persister),
			ratelimit.WithRefreshInterval(cfg.BackoffRefresh),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		db:        db,
		governor:  ratelimit.NewGovernor(logger, opts...),
		notifier:  newNotifier(cfg.ProgressInterval, cfg.Dispatch, cfg.OnProgress),
		logger:    logger,
		paused:    cfg.Paused,
		batchSize: cfg.BatchSize,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	if cfg.Persister != nil {
		loadCtx, cancelLoad := context.WithTimeout(ctx, loadTimeout)
		if err := q.governor.Load(loadCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to restore shared backoff window")
		}
		cancelLoad()
	}

	submits := [numKinds]submitFunc{
		Fetch:  q.submitFetch,
		Save:   q.submitSave,
		Delete: q.submitDelete,
	}
	for k := Kind(0); k < numKinds; k++ {
		for t := Tier(0); t < numTiers; t++ {
			d := &driver{
				q:       q,
				kind:    k,
				tier:    t,
				logger:  logging.WithLane(logger, k.String(), t.String()),
				hints:   t.hints(),
				submit:  submits[k],
				hasItem: k != Delete,
				kick:    make(chan struct{}, 1),
				pending: registry.New[record.ID, *record.Record, Completion](),
			}
			q.drivers[k][t] = d
			q.wg.Add(1)
			go d.run()
		}
	}

	logger.Info().
		Int("batch_size", cfg.BatchSize).
		Dur("progress_interval", cfg.ProgressInterval).
		Bool("paused", cfg.Paused).
		Msg("Record queue started")

	return q, nil
}

func (q *Queue) submitFetch(ctx context.Context, batch []entry, hints database.Hints, onItem database.ItemFunc, onDone database.DoneFunc) {
	ids := make([]record.ID, len(batch))
	for i, e := range batch {
		ids[i] = e.Key
	}
	q.db.FetchRecords(ctx, ids, hints, onItem, onDone)
}

func (q *Queue) submitSave(ctx context.Context, batch []entry, hints database.Hints, onItem database.ItemFunc, onDone database.DoneFunc) {
	recs := make([]*record.Record, len(batch))
	for i, e := range batch {
		recs[i] = e.Value
	}
	q.db.SaveRecords(ctx, recs, hints, onItem, onDone)
}

func (q *Queue) submitDelete(ctx context.Context, batch []entry, hints database.Hints, _ database.ItemFunc, onDone database.DoneFunc) {
	ids := make([]record.ID, len(batch))
	for i, e := range batch {
		ids[i] = e.Key
	}
	q.db.DeleteRecords(ctx, ids, hints, onDone)
}

// Fetch reads the record with id in the fast tier.
func (q *Queue) Fetch(id record.ID, done Completion) {
	q.enqueue(Fetch, Fast, id.Normalize(), nil, done)
}

// SlowFetch reads the record with id in the slow tier.
func (q *Queue) SlowFetch(id record.ID, done Completion) {
	q.enqueue(Fetch, Slow, id.Normalize(), nil, done)
}

// Save writes rec in the fast tier. If a save of the same ID is still
// pending, rec replaces it and both completions receive the outcome.
func (q *Queue) Save(rec *record.Record, done Completion) {
	q.enqueueSave(Fast, rec, done)
}

// SlowSave writes rec in the slow tier.
func (q *Queue) SlowSave(rec *record.Record, done Completion) {
	q.enqueueSave(Slow, rec, done)
}

// Delete removes the record with id in the fast tier. done may be nil.
func (q *Queue) Delete(id record.ID, done func(err error)) {
	q.enqueue(Delete, Fast, id.Normalize(), nil, deleteCompletion(done))
}

// SlowDelete removes the record with id in the slow tier. done may be nil.
func (q *Queue) SlowDelete(id record.ID, done func(err error)) {
	q.enqueue(Delete, Slow, id.Normalize(), nil, deleteCompletion(done))
}

func deleteCompletion(done func(err error)) Completion {
	if done == nil {
		return nil
	}
	return func(_ *record.Record, err error) { done(err) }
}

func (q *Queue) enqueueSave(tier Tier, rec *record.Record, done Completion) {
	if rec == nil {
		q.complete(Save, []Completion{done}, nil, fmt.Errorf("save: record cannot be nil"))
		return
	}
	// The caller may keep editing rec; the queue saves the value as of now.
	rec = rec.Clone()
	rec.ID = rec.ID.Normalize()
	q.enqueue(Save, tier, rec.Key(), rec, done)
}

func (q *Queue) enqueue(kind Kind, tier Tier, id record.ID, rec *record.Record, done Completion) {
	var completions []Completion
	if done != nil {
		completions = []Completion{done}
	}

	d := q.drivers[kind][tier]

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.complete(kind, completions, nil, ErrQueueClosed)
		return
	}
	if d.pending.Enqueue(id, rec, completions...) {
		d.queuedTotal++
		enqueuedTotal.WithLabelValues(kind.String(), tier.String()).Inc()
	}
	q.mu.Unlock()

	q.progressChanged()
	d.trigger()
}

// complete invokes completions outside the queue lock. A panicking completion
// is logged and does not affect the others.
func (q *Queue) complete(kind Kind, completions []Completion, rec *record.Record, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	for _, c := range completions {
		if c == nil {
			continue
		}
		completionsTotal.WithLabelValues(kind.String(), outcome).Inc()
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error().
						Interface("panic", r).
						Str("kind", kind.String()).
						Msg("Completion panicked")
				}
			}()
			c(rec, err)
		}()
	}
}

func (q *Queue) flagQuotaExceeded() {
	if q.quotaExceeded.CompareAndSwap(false, true) {
		quotaExceededGauge.Set(1)
		q.logger.Warn().Msg("Database quota exceeded")
	}
}

// progressChanged refreshes gauges and schedules a coalesced notification.
func (q *Queue) progressChanged() {
	q.mu.Lock()
	for k := Kind(0); k < numKinds; k++ {
		for t := Tier(0); t < numTiers; t++ {
			remainingGauge.WithLabelValues(k.String(), t.String()).Set(float64(q.drivers[k][t].remainingLocked()))
		}
	}
	q.mu.Unlock()

	q.notifier.notify()
}

// SetPaused pauses or unpauses every lane. Pending entries are kept.
// Unpausing does not dispatch by itself; call Redrive or enqueue more work.
func (q *Queue) SetPaused(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = paused
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// SetBatchSize changes the maximum keys per batch for batches formed from
// now on.
func (q *Queue) SetBatchSize(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidBatchSize, n)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batchSize = n
	return nil
}

// BatchSize returns the maximum keys per batch.
func (q *Queue) BatchSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.batchSize
}

// Redrive asks every lane to run a dispatch cycle.
func (q *Queue) Redrive() {
	for k := Kind(0); k < numKinds; k++ {
		for t := Tier(0); t < numTiers; t++ {
			q.drivers[k][t].trigger()
		}
	}
}

// IsFetching reports whether a fetch of id is pending or in flight in
// either tier.
func (q *Queue) IsFetching(id record.ID) bool {
	return q.isQueued(Fetch, id.Normalize())
}

// IsSaving reports whether a save of rec's ID is pending or in flight in
// either tier.
func (q *Queue) IsSaving(rec *record.Record) bool {
	if rec == nil {
		return false
	}
	return q.isQueued(Save, rec.Key())
}

// IsDeleting reports whether a delete of id is pending or in flight in
// either tier.
func (q *Queue) IsDeleting(id record.ID) bool {
	return q.isQueued(Delete, id.Normalize())
}

func (q *Queue) isQueued(kind Kind, id record.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t := Tier(0); t < numTiers; t++ {
		d := q.drivers[kind][t]
		if d.pending.Contains(id) {
			return true
		}
		if d.inFlight != nil {
			if _, ok := d.inFlight.entries[id]; ok {
				return true
			}
		}
	}
	return false
}

// tierCounts sums queued totals and remaining keys over a tier's lanes.
func (q *Queue) tierCounts(t Tier) (total, remaining int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tierCountsLocked(t)
}

func (q *Queue) tierCountsLocked(t Tier) (total, remaining int) {
	for k := Kind(0); k < numKinds; k++ {
		d := q.drivers[k][t]
		total += d.queuedTotal
		remaining += d.remainingLocked()
	}
	return total, remaining
}

// QueueTotal returns the fast-tier keys queued since the tier last drained.
func (q *Queue) QueueTotal() int {
	total, _ := q.tierCounts(Fast)
	return total
}

// SlowQueueTotal returns the slow-tier keys queued since the tier last drained.
func (q *Queue) SlowQueueTotal() int {
	total, _ := q.tierCounts(Slow)
	return total
}

// QueueRemaining returns the fast-tier keys pending or in flight.
func (q *Queue) QueueRemaining() int {
	_, remaining := q.tierCounts(Fast)
	return remaining
}

// SlowQueueRemaining returns the slow-tier keys pending or in flight.
func (q *Queue) SlowQueueRemaining() int {
	_, remaining := q.tierCounts(Slow)
	return remaining
}

// Progress returns the completed fraction of fast-tier work in [0,1].
func (q *Queue) Progress() float64 {
	total, remaining := q.tierCounts(Fast)
	return fraction(remaining, total)
}

// SlowProgress returns the completed fraction of slow-tier work in [0,1].
func (q *Queue) SlowProgress() float64 {
	total, remaining := q.tierCounts(Slow)
	return fraction(remaining, total)
}

// QuotaExceeded reports whether any save has hit the storage quota.
// The flag never clears.
func (q *Queue) QuotaExceeded() bool {
	return q.quotaExceeded.Load()
}

// TimeoutUntil returns the end of the active backoff window, if any.
func (q *Queue) TimeoutUntil() (time.Time, bool) {
	return q.governor.TimeoutUntil()
}

// Subscribe returns a channel that receives a signal whenever progress may
// have changed, and a function that unsubscribes.
func (q *Queue) Subscribe() (<-chan struct{}, func()) {
	return q.notifier.subscribe()
}

// Stats returns a snapshot of every lane and the tier totals.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	s := Stats{
		Paused:        q.paused,
		BatchSize:     q.batchSize,
		QuotaExceeded: q.quotaExceeded.Load(),
	}
	for k := Kind(0); k < numKinds; k++ {
		for t := Tier(0); t < numTiers; t++ {
			d := q.drivers[k][t]
			ls := LaneStats{
				Kind:          k.String(),
				Tier:          t.String(),
				Pending:       d.pending.Len(),
				QueuedTotal:   d.queuedTotal,
				BatchInFlight: d.inFlight != nil,
			}
			if d.inFlight != nil {
				ls.InFlight = len(d.inFlight.entries)
			}
			s.Lanes = append(s.Lanes, ls)
		}
	}
	s.QueueTotal, s.QueueRemaining = q.tierCountsLocked(Fast)
	s.SlowQueueTotal, s.SlowQueueRemaining = q.tierCountsLocked(Slow)
	q.mu.Unlock()

	s.Progress = fraction(s.QueueRemaining, s.QueueTotal)
	s.SlowProgress = fraction(s.SlowQueueRemaining, s.SlowQueueTotal)
	if until, ok := q.governor.TimeoutUntil(); ok {
		s.TimeoutUntil = &until
	}
	return s
}

// Close stops every lane. Entries still pending are failed with
// ErrQueueClosed; batches already in flight complete through the database's
// callbacks with the context passed to them cancelled.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true

	type firing struct {
		kind        Kind
		completions []Completion
	}
	var fire []firing
	for k := Kind(0); k < numKinds; k++ {
		for t := Tier(0); t < numTiers; t++ {
			d := q.drivers[k][t]
			for _, e := range d.pending.Take(d.pending.Len()) {
				fire = append(fire, firing{kind: k, completions: e.Completions})
			}
			if d.inFlight == nil {
				d.queuedTotal = 0
			}
		}
	}
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
	q.governor.Close()
	q.cancel()

	for _, f := range fire {
		q.complete(f.kind, f.completions, nil, ErrQueueClosed)
	}
	q.notifier.close()

	q.logger.Info().Int("failed_pending", len(fire)).Msg("Record queue closed")
	return nil
}
