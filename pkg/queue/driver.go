package queue

import (
	"context"
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/database"
	"github.com/Sternrassler/record-batch-queue/pkg/record"
	"github.com/rs/zerolog"
)

// submitFunc hands one batch to the database. onItem is ignored by kinds
// without a per-item hook.
type submitFunc func(ctx context.Context, batch []entry, hints database.Hints, onItem database.ItemFunc, onDone database.DoneFunc)

// inFlightBatch holds the entries of the lane's outstanding batch until the
// database reports their outcome.
type inFlightBatch struct {
	order   []record.ID
	entries map[record.ID]entry
	started time.Time
}

// driver is the dispatch state machine of one lane. All fields below kick are
// guarded by the owning Queue's mutex. dispatch runs only on the driver's own
// goroutine, so a lane never races against itself.
type driver struct {
	q       *Queue
	kind    Kind
	tier    Tier
	logger  zerolog.Logger
	hints   database.Hints
	submit  submitFunc
	hasItem bool
	kick    chan struct{}

	pending      *pendingRegistry
	inFlight     *inFlightBatch
	queuedTotal  int
	backoffArmed bool
}

// trigger asks the lane to run a dispatch cycle. Calls coalesce.
func (d *driver) trigger() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *driver) run() {
	defer d.q.wg.Done()
	for {
		select {
		case <-d.q.done:
			return
		case <-d.kick:
			d.dispatch()
		}
	}
}

// remainingLocked counts pending plus in-flight keys.
func (d *driver) remainingLocked() int {
	n := d.pending.Len()
	if d.inFlight != nil {
		n += len(d.inFlight.entries)
	}
	return n
}

func (d *driver) dispatch() {
	q := d.q
	q.mu.Lock()

	if q.paused || q.closed || d.inFlight != nil {
		q.mu.Unlock()
		return
	}

	if q.governor.IsBlocked() {
		arm := !d.backoffArmed
		d.backoffArmed = true
		q.mu.Unlock()

		if arm {
			q.governor.RunAfterBackoff(func() {
				q.mu.Lock()
				d.backoffArmed = false
				q.mu.Unlock()
				d.trigger()
			})
		}
		return
	}

	batch := d.pending.Take(q.batchSize)
	if len(batch) == 0 {
		d.queuedTotal = 0
		q.mu.Unlock()
		return
	}

	b := &inFlightBatch{
		order:   make([]record.ID, 0, len(batch)),
		entries: make(map[record.ID]entry, len(batch)),
		started: time.Now(),
	}
	for _, e := range batch {
		b.order = append(b.order, e.Key)
		b.entries[e.Key] = e
	}
	d.inFlight = b
	q.mu.Unlock()

	batchSize.WithLabelValues(d.kind.String()).Observe(float64(len(batch)))
	d.logger.Debug().
		Int("batch_size", len(batch)).
		Msg("Submitting batch")

	var onItem database.ItemFunc
	if d.hasItem {
		onItem = func(id record.ID, rec *record.Record, err error) {
			d.handleItem(b, id, rec, err)
		}
	}
	d.submit(q.ctx, batch, d.hints, onItem, func(deleted []record.ID, err error) {
		d.handleDone(b, deleted, err)
	})
}

// handleItem processes one per-item report of batch b.
func (d *driver) handleItem(b *inFlightBatch, id record.ID, rec *record.Record, err error) {
	q := d.q
	id = id.Normalize()

	q.mu.Lock()
	if d.inFlight != b {
		q.mu.Unlock()
		return
	}
	e, ok := b.entries[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(b.entries, id)

	if database.IsRateLimited(err) {
		if !q.closed {
			d.pending.Requeue(e.Key, e.Value, e.Completions)
			q.mu.Unlock()
			q.governor.ReportIfRateLimited(err)
			return
		}
		// Nothing dispatches after Close.
		rec, err = nil, ErrQueueClosed
	}
	q.mu.Unlock()

	if d.kind == Save && database.IsQuotaExceeded(err) {
		q.flagQuotaExceeded()
	}
	q.complete(d.kind, e.Completions, rec, err)
	q.progressChanged()
}

// handleDone processes the batch-level report of batch b: delete outcomes,
// error classification, the fallback drain, and the re-trigger.
func (d *driver) handleDone(b *inFlightBatch, deleted []record.ID, err error) {
	q := d.q
	class := database.ClassOf(err)
	rateLimited := q.governor.ReportIfRateLimited(err)

	outcome := outcomeSuccess
	switch {
	case rateLimited:
		outcome = outcomeRateLimited
	case err == nil:
	case class == database.ErrorClassPartialFailure:
		// Detail already went out per item.
		outcome = outcomePartialFailure
	default:
		outcome = outcomeError
		d.logger.Error().
			Err(err).
			Str("error_class", string(class)).
			Int("batch_size", len(b.order)).
			Msg("Unexpected batch error")
	}
	batchesTotal.WithLabelValues(d.kind.String(), d.tier.String(), outcome).Inc()
	batchDuration.WithLabelValues(d.kind.String(), d.tier.String()).Observe(time.Since(b.started).Seconds())

	if d.kind == Save && database.IsQuotaExceeded(err) {
		q.flagQuotaExceeded()
	}

	type firing struct {
		completions []Completion
		err         error
	}
	var fire []firing

	q.mu.Lock()
	if d.inFlight != b {
		q.mu.Unlock()
		return
	}

	for _, id := range deleted {
		id = id.Normalize()
		e, ok := b.entries[id]
		if !ok {
			continue
		}
		delete(b.entries, id)
		// A reported deletion succeeded unless a partial failure says otherwise.
		var itemErr error
		if class == database.ErrorClassPartialFailure {
			itemErr = database.ItemError(err, id)
		}
		fire = append(fire, firing{completions: e.Completions, err: itemErr})
	}

	drained := 0
	switch {
	case rateLimited && q.closed:
		// Nothing dispatches after Close.
		for _, id := range b.order {
			if e, ok := b.entries[id]; ok {
				fire = append(fire, firing{completions: e.Completions, err: ErrQueueClosed})
			}
		}
	case rateLimited:
		// Back to the front in batch order, ahead of anything enqueued since.
		for i := len(b.order) - 1; i >= 0; i-- {
			if e, ok := b.entries[b.order[i]]; ok {
				d.pending.Requeue(e.Key, e.Value, e.Completions)
			}
		}
	default:
		for _, id := range b.order {
			e, ok := b.entries[id]
			if !ok {
				continue
			}
			itemErr := database.ItemError(err, id)
			if itemErr == nil {
				itemErr = database.ErrNoItemReport
			}
			fire = append(fire, firing{completions: e.Completions, err: itemErr})
			drained++
		}
	}
	b.entries = nil
	d.inFlight = nil

	backlog := !d.pending.IsEmpty()
	if !backlog {
		d.queuedTotal = 0
	}
	q.mu.Unlock()

	if drained > 0 {
		drainedTotal.WithLabelValues(d.kind.String()).Add(float64(drained))
		d.logger.Warn().
			Err(err).
			Int("drained", drained).
			Msg("Failing batch members without an item report")
	}

	for _, f := range fire {
		q.complete(d.kind, f.completions, nil, f.err)
	}
	q.progressChanged()

	if backlog {
		d.trigger()
	}
}
