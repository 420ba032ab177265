package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/record-batch-queue/internal/testutil"
	"github.com/Sternrassler/record-batch-queue/pkg/database"
	"github.com/Sternrassler/record-batch-queue/pkg/ratelimit"
	"github.com/Sternrassler/record-batch-queue/pkg/record"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestQueue(t *testing.T, db database.Database, mutate func(*Config)) *Queue {
	t.Helper()

	logger := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.ProgressInterval = 10 * time.Millisecond
	cfg.Logger = &logger
	if mutate != nil {
		mutate(&cfg)
	}

	q, err := New(db, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func paused(cfg *Config) { cfg.Paused = true }

func testID(name string) record.ID {
	return record.ID{Zone: "test", Name: name}
}

// outcomes collects completion results keyed by caller.
type outcomes struct {
	mu   sync.Mutex
	errs map[string][]error
	recs map[string][]*record.Record
}

func newOutcomes() *outcomes {
	return &outcomes{
		errs: make(map[string][]error),
		recs: make(map[string][]*record.Record),
	}
}

func (o *outcomes) completion(caller string) Completion {
	return func(rec *record.Record, err error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.errs[caller] = append(o.errs[caller], err)
		o.recs[caller] = append(o.recs[caller], rec)
	}
}

func (o *outcomes) deleteCompletion(caller string) func(error) {
	c := o.completion(caller)
	return func(err error) { c(nil, err) }
}

func (o *outcomes) count(caller string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.errs[caller])
}

func (o *outcomes) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, errs := range o.errs {
		n += len(errs)
	}
	return n
}

func (o *outcomes) err(caller string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.errs[caller]) == 0 {
		return nil
	}
	return o.errs[caller][0]
}

func (o *outcomes) rec(caller string) *record.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.recs[caller]) == 0 {
		return nil
	}
	return o.recs[caller][0]
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilDatabase)

	_, err = New(testutil.NewFakeDatabase(), Config{BatchSize: -1})
	assert.ErrorIs(t, err, ErrInvalidBatchSize)
}

func TestNew_Defaults(t *testing.T) {
	q := newTestQueue(t, testutil.NewFakeDatabase(), func(cfg *Config) {
		cfg.BatchSize = 0
	})

	assert.Equal(t, DefaultBatchSize, q.BatchSize())
	assert.False(t, q.IsPaused())
	assert.False(t, q.QuotaExceeded())
	_, blocked := q.TimeoutUntil()
	assert.False(t, blocked)
}

func TestFetch_CompletionsOnOneKeyFireOnceEach(t *testing.T) {
	db := testutil.NewFakeDatabase()
	stored := record.New("Item", testID("a"))
	stored.Fields["name"] = "widget"
	db.Put(stored)

	q := newTestQueue(t, db, paused)
	out := newOutcomes()

	for i := 0; i < 3; i++ {
		q.Fetch(testID("a"), out.completion(fmt.Sprintf("caller-%d", i)))
	}

	q.SetPaused(false)
	q.Redrive()

	require.Eventually(t, func() bool { return out.total() == 3 }, waitFor, tick)

	for i := 0; i < 3; i++ {
		caller := fmt.Sprintf("caller-%d", i)
		assert.Equal(t, 1, out.count(caller), caller)
		assert.NoError(t, out.err(caller))
		require.NotNil(t, out.rec(caller))
		assert.Equal(t, "widget", out.rec(caller).Fields["name"])
	}

	batches := db.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, []record.ID{testID("a")}, batches[0].IDs)
}

func TestFetch_DuplicateBeforeLaunchCountsOnce(t *testing.T) {
	q := newTestQueue(t, testutil.NewFakeDatabase(), paused)

	q.Fetch(testID("a"), nil)
	q.Fetch(testID("a"), nil)
	q.Fetch(testID("b"), nil)

	assert.Equal(t, 2, q.QueueTotal())
	assert.Equal(t, 2, q.QueueRemaining())
	assert.Equal(t, 0.0, q.Progress())
	assert.True(t, q.IsFetching(testID("a")))
	assert.False(t, q.IsFetching(testID("c")))

	// Slow tier is independent.
	assert.Equal(t, 0, q.SlowQueueTotal())
	assert.Equal(t, 1.0, q.SlowProgress())
}

func TestProgress_EmptyIsComplete(t *testing.T) {
	q := newTestQueue(t, testutil.NewFakeDatabase(), nil)

	assert.Equal(t, 1.0, q.Progress())
	assert.Equal(t, 1.0, q.SlowProgress())
	assert.Equal(t, 0, q.QueueTotal())
	assert.Equal(t, 0, q.QueueRemaining())
}

func TestProgress_PartialCompletion(t *testing.T) {
	db := testutil.NewFakeDatabase()
	finish := make(chan struct{})
	db.SetResponder(testutil.KindFetch, func(b testutil.Batch, onItem database.ItemFunc, onDone database.DoneFunc) {
		for _, id := range b.IDs {
			onItem(id, record.New("Item", id), nil)
		}
		<-finish
		onDone(nil, nil)
	})

	q := newTestQueue(t, db, func(cfg *Config) {
		cfg.Paused = true
		cfg.BatchSize = 2
	})
	out := newOutcomes()
	for i := 0; i < 4; i++ {
		q.Fetch(testID(fmt.Sprintf("k%d", i)), out.completion(fmt.Sprintf("k%d", i)))
	}
	assert.Equal(t, 0.0, q.Progress())

	q.SetPaused(false)
	q.Redrive()

	// First batch reported its items but is still open; the second waits.
	require.Eventually(t, func() bool { return out.total() == 2 }, waitFor, tick)
	assert.Equal(t, 4, q.QueueTotal())
	assert.Equal(t, 2, q.QueueRemaining())
	assert.InDelta(t, 0.5, q.Progress(), 1e-9)

	close(finish)

	require.Eventually(t, func() bool { return out.total() == 4 }, waitFor, tick)
	require.Eventually(t, func() bool { return q.QueueTotal() == 0 }, waitFor, tick)
	assert.Equal(t, 1.0, q.Progress())
}

func TestFetch_EnqueueDuringInFlightGoesToNextBatch(t *testing.T) {
	db := testutil.NewFakeDatabase()
	db.Put(record.New("Item", testID("a")))
	release := db.Hold(testutil.KindFetch)

	q := newTestQueue(t, db, nil)
	out := newOutcomes()

	q.Fetch(testID("a"), out.completion("first"))
	require.Eventually(t, func() bool { return db.BatchCount(testutil.KindFetch) == 1 }, waitFor, tick)

	q.Fetch(testID("a"), out.completion("second"))
	assert.True(t, q.IsFetching(testID("a")))
	assert.Equal(t, 2, q.QueueRemaining())
	assert.Equal(t, 2, q.QueueTotal())

	// No second batch while the first is open.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, db.BatchCount(testutil.KindFetch))

	release()

	require.Eventually(t, func() bool { return out.total() == 2 }, waitFor, tick)
	assert.Equal(t, 2, db.BatchCount(testutil.KindFetch))
	assert.NoError(t, out.err("first"))
	assert.NoError(t, out.err("second"))
	require.Eventually(t, func() bool { return !q.IsFetching(testID("a")) }, waitFor, tick)
}

func TestFetch_UnknownItem(t *testing.T) {
	q := newTestQueue(t, testutil.NewFakeDatabase(), nil)
	out := newOutcomes()

	q.Fetch(testID("missing"), out.completion("c"))

	require.Eventually(t, func() bool { return out.total() == 1 }, waitFor, tick)
	assert.ErrorIs(t, out.err("c"), database.ErrUnknownItem)
	assert.Equal(t, database.ErrorClassUnknownItem, database.ClassOf(out.err("c")))
}

func TestRateLimit_DefersSubmissionUntilWindowElapses(t *testing.T) {
	const retryAfter = 200 * time.Millisecond

	db := testutil.NewFakeDatabase()
	db.Put(record.New("Item", testID("a")))

	var calls atomic.Int32
	db.SetResponder(testutil.KindFetch, func(b testutil.Batch, onItem database.ItemFunc, onDone database.DoneFunc) {
		if calls.Add(1) == 1 {
			onDone(nil, database.NewRateLimitedError(retryAfter))
			return
		}
		for _, id := range b.IDs {
			onItem(id, record.New("Item", id), nil)
		}
		onDone(nil, nil)
	})

	q := newTestQueue(t, db, nil)
	out := newOutcomes()

	q.Fetch(testID("a"), out.completion("fetch"))

	require.Eventually(t, func() bool {
		_, blocked := q.TimeoutUntil()
		return blocked
	}, waitFor, tick)

	// Entry stays queued and silent while backing off.
	assert.Equal(t, 0, out.count("fetch"))
	assert.True(t, q.IsFetching(testID("a")))

	// Other lanes are held back too.
	q.Save(record.New("Item", testID("b")), out.completion("save"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, db.BatchCount(testutil.KindSave))

	require.Eventually(t, func() bool { return out.total() == 2 }, waitFor, tick)
	assert.NoError(t, out.err("fetch"))
	assert.NoError(t, out.err("save"))

	// Exactly one resubmission after the window.
	time.Sleep(50 * time.Millisecond)
	batches := db.Batches()
	var fetches []testutil.Batch
	for _, b := range batches {
		if b.Kind == testutil.KindFetch {
			fetches = append(fetches, b)
		}
	}
	require.Len(t, fetches, 2)
	assert.GreaterOrEqual(t, fetches[1].At.Sub(fetches[0].At), retryAfter)
	assert.Equal(t, 1, db.BatchCount(testutil.KindSave))
}

func TestRateLimit_ItemRequeued(t *testing.T) {
	db := testutil.NewFakeDatabase()
	var calls atomic.Int32
	db.SetResponder(testutil.KindFetch, func(b testutil.Batch, onItem database.ItemFunc, onDone database.DoneFunc) {
		first := calls.Add(1) == 1
		for _, id := range b.IDs {
			if first && id == testID("a") {
				onItem(id, nil, database.NewResourceBusyError(50*time.Millisecond))
				continue
			}
			onItem(id, record.New("Item", id), nil)
		}
		onDone(nil, nil)
	})

	q := newTestQueue(t, db, paused)
	out := newOutcomes()
	q.Fetch(testID("a"), out.completion("a"))
	q.Fetch(testID("b"), out.completion("b"))
	q.SetPaused(false)
	q.Redrive()

	require.Eventually(t, func() bool { return out.count("b") == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return out.count("a") == 1 }, waitFor, tick)

	assert.NoError(t, out.err("a"))
	assert.NoError(t, out.err("b"))
	assert.Equal(t, 2, db.BatchCount(testutil.KindFetch))
}

func TestSave_QuotaExceededIsSticky(t *testing.T) {
	db := testutil.NewFakeDatabase()
	var calls atomic.Int32
	db.SetResponder(testutil.KindSave, func(b testutil.Batch, onItem database.ItemFunc, onDone database.DoneFunc) {
		if calls.Add(1) == 1 {
			items := make(map[record.ID]error)
			for _, id := range b.IDs {
				itemErr := database.NewQuotaExceededError("zone full")
				items[id] = itemErr
				onItem(id, nil, itemErr)
			}
			onDone(nil, database.NewPartialFailureError(items))
			return
		}
		for _, rec := range b.Records {
			onItem(rec.Key(), rec, nil)
		}
		onDone(nil, nil)
	})

	q := newTestQueue(t, db, nil)
	out := newOutcomes()

	q.Save(record.New("Item", testID("a")), out.completion("first"))
	require.Eventually(t, func() bool { return out.count("first") == 1 }, waitFor, tick)
	assert.True(t, database.IsQuotaExceeded(out.err("first")))
	assert.True(t, q.QuotaExceeded())

	q.Save(record.New("Item", testID("b")), out.completion("second"))
	require.Eventually(t, func() bool { return out.count("second") == 1 }, waitFor, tick)
	assert.NoError(t, out.err("second"))
	assert.True(t, q.QuotaExceeded(), "quota flag must not clear")
}

func TestSave_OtherBatchErrorDrainsAllMembers(t *testing.T) {
	boom := errors.New("connection reset")
	db := testutil.NewFakeDatabase()
	db.SetResponder(testutil.KindSave, func(_ testutil.Batch, _ database.ItemFunc, onDone database.DoneFunc) {
		onDone(nil, boom)
	})

	q := newTestQueue(t, db, paused)
	out := newOutcomes()
	for _, name := range []string{"a", "b", "c"} {
		q.Save(record.New("Item", testID(name)), out.completion(name))
	}
	q.SetPaused(false)
	q.Redrive()

	require.Eventually(t, func() bool { return out.total() == 3 }, waitFor, tick)
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, out.count(name))
		assert.ErrorIs(t, out.err(name), boom)
	}
	assert.Equal(t, 0, q.QueueRemaining())
	assert.False(t, q.QuotaExceeded())
}

func TestSave_PartialFailureAndMissingReports(t *testing.T) {
	db := testutil.NewFakeDatabase()
	db.SetResponder(testutil.KindSave, func(b testutil.Batch, onItem database.ItemFunc, onDone database.DoneFunc) {
		// a succeeds, b fails via the batch error only, c is never mentioned.
		onItem(testID("a"), b.Records[0], nil)
		onDone(nil, database.NewPartialFailureError(map[record.ID]error{
			testID("b"): database.NewUnknownItemError(testID("b")),
		}))
	})

	q := newTestQueue(t, db, paused)
	out := newOutcomes()
	for _, name := range []string{"a", "b", "c"} {
		q.Save(record.New("Item", testID(name)), out.completion(name))
	}
	q.SetPaused(false)
	q.Redrive()

	require.Eventually(t, func() bool { return out.total() == 3 }, waitFor, tick)
	assert.NoError(t, out.err("a"))
	assert.ErrorIs(t, out.err("b"), database.ErrUnknownItem)
	assert.ErrorIs(t, out.err("c"), database.ErrNoItemReport)
}

func TestSave_LatestValueWins(t *testing.T) {
	db := testutil.NewFakeDatabase()
	q := newTestQueue(t, db, paused)
	out := newOutcomes()

	first := record.New("Item", testID("a"))
	first.Fields["v"] = 1
	second := record.New("Item", testID("a"))
	second.Fields["v"] = 2

	q.Save(first, out.completion("first"))
	q.Save(second, out.completion("second"))
	assert.True(t, q.IsSaving(first))
	assert.Equal(t, 1, q.QueueTotal())

	q.SetPaused(false)
	q.Redrive()

	require.Eventually(t, func() bool { return out.total() == 2 }, waitFor, tick)
	stored, ok := db.Get(testID("a"))
	require.True(t, ok)
	assert.Equal(t, 2, stored.Fields["v"])
	assert.NotEmpty(t, out.rec("first").ChangeTag)
	assert.Equal(t, out.rec("first").ChangeTag, out.rec("second").ChangeTag)
}

func TestSave_SnapshotsCallerRecord(t *testing.T) {
	db := testutil.NewFakeDatabase()
	q := newTestQueue(t, db, paused)
	out := newOutcomes()

	rec := record.New("Item", record.ID{Name: "a"})
	rec.Fields["v"] = 1
	q.Save(rec, out.completion("save"))

	// Edits after Save belong to the caller.
	rec.Fields["v"] = 2
	rec.ID.Name = "b"

	q.SetPaused(false)
	q.Redrive()

	require.Eventually(t, func() bool { return out.total() == 1 }, waitFor, tick)
	require.NoError(t, out.err("save"))
	stored, ok := db.Get(record.ID{Name: "a"}.Normalize())
	require.True(t, ok)
	assert.Equal(t, 1, stored.Fields["v"])
	assert.Equal(t, "", rec.ID.Zone, "caller's record must not be normalized in place")
}

func TestSave_IsSavingWhileInFlight(t *testing.T) {
	db := testutil.NewFakeDatabase()
	release := db.Hold(testutil.KindSave)
	q := newTestQueue(t, db, nil)
	out := newOutcomes()

	rec := record.New("Item", testID("a"))
	q.Save(rec, out.completion("save"))

	require.Eventually(t, func() bool { return db.BatchCount(testutil.KindSave) == 1 }, waitFor, tick)
	assert.True(t, q.IsSaving(rec))
	assert.False(t, q.IsSaving(nil))

	release()
	require.Eventually(t, func() bool { return !q.IsSaving(rec) }, waitFor, tick)
	assert.Equal(t, 1, out.count("save"))
}

func TestDelete_CompletesFromDeletedList(t *testing.T) {
	db := testutil.NewFakeDatabase()
	db.SetResponder(testutil.KindDelete, func(b testutil.Batch, _ database.ItemFunc, onDone database.DoneFunc) {
		// Only the first ID is reported as deleted.
		onDone(b.IDs[:1], nil)
	})

	q := newTestQueue(t, db, paused)
	out := newOutcomes()
	q.Delete(testID("a"), out.deleteCompletion("a"))
	q.Delete(testID("b"), out.deleteCompletion("b"))
	q.Delete(testID("c"), nil)
	assert.True(t, q.IsDeleting(testID("a")))

	q.SetPaused(false)
	q.Redrive()

	require.Eventually(t, func() bool { return out.total() == 2 }, waitFor, tick)
	assert.NoError(t, out.err("a"))
	assert.ErrorIs(t, out.err("b"), database.ErrNoItemReport)
	require.Eventually(t, func() bool { return q.QueueRemaining() == 0 }, waitFor, tick)
}

func TestDelete_DeletedSucceedUnderRateLimit(t *testing.T) {
	db := testutil.NewFakeDatabase()
	var calls atomic.Int32
	db.SetResponder(testutil.KindDelete, func(b testutil.Batch, _ database.ItemFunc, onDone database.DoneFunc) {
		if calls.Add(1) == 1 {
			onDone(b.IDs[:1], database.NewRateLimitedError(20*time.Millisecond))
			return
		}
		onDone(b.IDs, nil)
	})

	q := newTestQueue(t, db, paused)
	out := newOutcomes()
	q.Delete(testID("a"), out.deleteCompletion("a"))
	q.Delete(testID("b"), out.deleteCompletion("b"))

	q.SetPaused(false)
	q.Redrive()

	require.Eventually(t, func() bool { return out.total() == 2 }, waitFor, tick)
	assert.NoError(t, out.err("a"))
	assert.NoError(t, out.err("b"))

	batches := db.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, []record.ID{testID("b")}, batches[1].IDs)
}

func TestDelete_Default(t *testing.T) {
	db := testutil.NewFakeDatabase()
	db.Put(record.New("Item", testID("a")))
	q := newTestQueue(t, db, nil)
	out := newOutcomes()

	q.SlowDelete(testID("a"), out.deleteCompletion("a"))

	require.Eventually(t, func() bool { return out.total() == 1 }, waitFor, tick)
	assert.NoError(t, out.err("a"))
	_, ok := db.Get(testID("a"))
	assert.False(t, ok)
}

func TestTiers_PassHints(t *testing.T) {
	db := testutil.NewFakeDatabase()
	q := newTestQueue(t, db, nil)
	out := newOutcomes()

	q.Fetch(testID("fast"), out.completion("fast"))
	q.SlowFetch(testID("slow"), out.completion("slow"))

	require.Eventually(t, func() bool { return out.total() == 2 }, waitFor, tick)

	for _, b := range db.Batches() {
		switch b.IDs[0] {
		case testID("fast"):
			assert.Equal(t, database.QoSUserInitiated, b.Hints.QoS)
			assert.True(t, b.Hints.AllowsCellular)
		case testID("slow"):
			assert.Equal(t, database.QoSUtility, b.Hints.QoS)
			assert.False(t, b.Hints.AllowsCellular)
		default:
			t.Fatalf("unexpected batch %v", b.IDs)
		}
	}
}

func TestBatchSize_TruncatesInInsertionOrder(t *testing.T) {
	db := testutil.NewFakeDatabase()
	q := newTestQueue(t, db, paused)
	require.NoError(t, q.SetBatchSize(2))
	assert.ErrorIs(t, q.SetBatchSize(0), ErrInvalidBatchSize)
	assert.Equal(t, 2, q.BatchSize())

	out := newOutcomes()
	names := []string{"e", "d", "c", "b", "a"}
	for _, name := range names {
		q.SlowFetch(testID(name), out.completion(name))
	}
	q.SetPaused(false)
	q.Redrive()

	require.Eventually(t, func() bool { return out.total() == 5 }, waitFor, tick)

	var got []record.ID
	var sizes []int
	for _, b := range db.Batches() {
		sizes = append(sizes, len(b.IDs))
		got = append(got, b.IDs...)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	want := make([]record.ID, len(names))
	for i, name := range names {
		want[i] = testID(name)
	}
	assert.Equal(t, want, got)
}

func TestPause_HoldsWork(t *testing.T) {
	db := testutil.NewFakeDatabase()
	q := newTestQueue(t, db, paused)
	out := newOutcomes()

	q.Fetch(testID("a"), out.completion("a"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, len(db.Batches()))
	assert.True(t, q.IsPaused())

	q.SetPaused(false)
	q.Redrive()

	require.Eventually(t, func() bool { return out.total() == 1 }, waitFor, tick)
}

func TestConcurrentProducers(t *testing.T) {
	db := testutil.NewFakeDatabase()
	q := newTestQueue(t, db, func(cfg *Config) { cfg.BatchSize = 7 })

	const (
		producers = 8
		perWorker = 200
		keys      = 50
	)

	var fired atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := testID(fmt.Sprintf("k%d", (p*perWorker+i)%keys))
				done := func(*record.Record, error) { fired.Add(1) }
				switch i % 4 {
				case 0:
					q.Fetch(id, done)
				case 1:
					q.SlowFetch(id, done)
				case 2:
					q.Save(record.New("Item", id), done)
				default:
					q.Delete(id, func(error) { fired.Add(1) })
				}
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return fired.Load() == producers*perWorker
	}, 5*time.Second, tick)

	// No duplicate completions show up late.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(producers*perWorker), fired.Load())

	for _, kind := range []string{testutil.KindFetch, testutil.KindSave, testutil.KindDelete} {
		for _, qos := range []database.QoS{database.QoSUserInitiated, database.QoSUtility} {
			assert.LessOrEqual(t, db.MaxInFlight(kind, qos), 1, "%s/%s", kind, qos)
		}
	}
	require.Eventually(t, func() bool {
		return q.QueueRemaining() == 0 && q.SlowQueueRemaining() == 0
	}, waitFor, tick)
}

func TestComplete_PanicDoesNotStopOthers(t *testing.T) {
	db := testutil.NewFakeDatabase()
	q := newTestQueue(t, db, paused)
	out := newOutcomes()

	q.Fetch(testID("a"), func(*record.Record, error) { panic("caller bug") })
	q.Fetch(testID("a"), out.completion("after"))
	q.SetPaused(false)
	q.Redrive()

	require.Eventually(t, func() bool { return out.total() == 1 }, waitFor, tick)
}

func TestClose_FailsPendingAndLateRequests(t *testing.T) {
	db := testutil.NewFakeDatabase()
	q := newTestQueue(t, db, paused)
	out := newOutcomes()

	q.Fetch(testID("a"), out.completion("pending"))
	require.NoError(t, q.Close())
	assert.ErrorIs(t, out.err("pending"), ErrQueueClosed)

	q.Save(record.New("Item", testID("b")), out.completion("late"))
	assert.ErrorIs(t, out.err("late"), ErrQueueClosed)

	assert.NoError(t, q.Close())
	assert.Empty(t, db.Batches())
}

func TestClose_InFlightBatchStillCompletes(t *testing.T) {
	db := testutil.NewFakeDatabase()
	db.Put(record.New("Item", testID("a")))
	release := db.Hold(testutil.KindFetch)
	defer release()

	q := newTestQueue(t, db, nil)
	out := newOutcomes()

	q.Fetch(testID("a"), out.completion("inflight"))
	require.Eventually(t, func() bool { return db.BatchCount(testutil.KindFetch) == 1 }, waitFor, tick)

	// Close cancels the batch context, which lets the held batch answer.
	require.NoError(t, q.Close())

	require.Eventually(t, func() bool { return out.total() == 1 }, waitFor, tick)
	assert.NoError(t, out.err("inflight"))
	assert.NotNil(t, out.rec("inflight"))
	assert.Equal(t, 1, db.BatchCount(testutil.KindFetch))
}

func TestClose_RateLimitedInFlightBatchFails(t *testing.T) {
	db := testutil.NewFakeDatabase()
	db.SetResponder(testutil.KindFetch, func(_ testutil.Batch, _ database.ItemFunc, onDone database.DoneFunc) {
		onDone(nil, database.NewRateLimitedError(time.Second))
	})
	release := db.Hold(testutil.KindFetch)
	defer release()

	q := newTestQueue(t, db, nil)
	out := newOutcomes()

	q.Fetch(testID("a"), out.completion("inflight"))
	require.Eventually(t, func() bool { return db.BatchCount(testutil.KindFetch) == 1 }, waitFor, tick)
	require.NoError(t, q.Close())

	require.Eventually(t, func() bool { return out.total() == 1 }, waitFor, tick)
	assert.ErrorIs(t, out.err("inflight"), ErrQueueClosed)
}

func TestSubscribe_CoalescedNotification(t *testing.T) {
	var dispatched atomic.Int32
	var progressed atomic.Int32
	q := newTestQueue(t, testutil.NewFakeDatabase(), func(cfg *Config) {
		cfg.Paused = true
		cfg.ProgressInterval = 50 * time.Millisecond
		cfg.Dispatch = func(fn func()) {
			dispatched.Add(1)
			fn()
		}
		cfg.OnProgress = func() { progressed.Add(1) }
	})

	ch, unsubscribe := q.Subscribe()
	defer unsubscribe()

	for i := 0; i < 20; i++ {
		q.Fetch(testID(fmt.Sprintf("k%d", i)), nil)
	}

	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("no progress notification")
	}

	require.Eventually(t, func() bool { return progressed.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), dispatched.Load())
}

func TestStats(t *testing.T) {
	q := newTestQueue(t, testutil.NewFakeDatabase(), paused)

	q.Fetch(testID("a"), nil)
	q.SlowSave(record.New("Item", testID("b")), nil)

	s := q.Stats()
	assert.True(t, s.Paused)
	assert.Equal(t, DefaultBatchSize, s.BatchSize)
	assert.Len(t, s.Lanes, int(numKinds*numTiers))
	assert.Equal(t, 1, s.QueueTotal)
	assert.Equal(t, 1, s.SlowQueueRemaining)
	assert.Equal(t, 0.0, s.Progress)
	assert.Nil(t, s.TimeoutUntil)

	for _, lane := range s.Lanes {
		switch {
		case lane.Kind == "fetch" && lane.Tier == "fast", lane.Kind == "save" && lane.Tier == "slow":
			assert.Equal(t, 1, lane.Pending, "%s/%s", lane.Kind, lane.Tier)
		default:
			assert.Equal(t, 0, lane.Pending, "%s/%s", lane.Kind, lane.Tier)
		}
		assert.False(t, lane.BatchInFlight)
	}
}

// sharedPersister stands in for the Redis persister shared by several processes.
type sharedPersister struct {
	mu    sync.Mutex
	state ratelimit.BackoffState
}

func (p *sharedPersister) LoadBackoff(ctx context.Context) (ratelimit.BackoffState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

func (p *sharedPersister) SaveBackoff(ctx context.Context, state ratelimit.BackoffState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	return nil
}

func TestRateLimit_SharedWithRunningQueue(t *testing.T) {
	persister := &sharedPersister{}
	shared := func(cfg *Config) {
		cfg.Persister = persister
		cfg.BackoffRefresh = 10 * time.Millisecond
	}

	dbA := testutil.NewFakeDatabase()
	dbA.SetResponder(testutil.KindFetch, func(_ testutil.Batch, _ database.ItemFunc, onDone database.DoneFunc) {
		onDone(nil, database.NewRateLimitedError(10*time.Second))
	})
	dbB := testutil.NewFakeDatabase()

	a := newTestQueue(t, dbA, shared)
	b := newTestQueue(t, dbB, shared)

	a.Fetch(testID("x"), nil)
	require.Eventually(t, func() bool {
		_, blocked := a.TimeoutUntil()
		return blocked
	}, waitFor, tick)

	// b was already running when a opened the window.
	require.Eventually(t, func() bool {
		_, blocked := b.TimeoutUntil()
		return blocked
	}, waitFor, tick)

	b.Fetch(testID("y"), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, dbB.BatchCount(testutil.KindFetch))
	assert.True(t, b.IsFetching(testID("y")))
}
