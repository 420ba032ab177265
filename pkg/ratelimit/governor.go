package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordqueue_rate_limited_total",
		Help: "Total number of rate limit signals reported by the database, by class",
	}, []string{"class"})

	backoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recordqueue_backoff_seconds",
		Help:    "Backoff windows opened by rate limit signals",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	retryNotBefore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recordqueue_retry_not_before_timestamp_seconds",
		Help: "Unix time before which no batch will be submitted",
	})
)

// persistTimeout bounds a single Persister call.
const persistTimeout = 2 * time.Second

// MaxStateAge is how long after its last update a persisted window is trusted.
// Older windows are left behind by crashed processes and are ignored.
const MaxStateAge = 15 * time.Minute

// Persister stores the backoff window outside the process.
type Persister interface {
	LoadBackoff(ctx context.Context) (BackoffState, error)
	SaveBackoff(ctx context.Context, state BackoffState) error
}

// Governor tracks the single retry-not-before timestamp shared by every lane.
type Governor struct {
	mu     sync.Mutex
	state  BackoffState
	timers map[*time.Timer]struct{}
	closed bool

	// persistMu serializes writes so the newest window is written last.
	persistMu sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup

	defaultBackoff time.Duration
	refresh        time.Duration
	persister      Persister
	logger         zerolog.Logger
	now            func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithDefaultBackoff sets the window used when no retry-after is supplied.
func WithDefaultBackoff(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.defaultBackoff = d
		}
	}
}

// WithPersister shares the window through p.
func WithPersister(p Persister) Option {
	return func(g *Governor) {
		g.persister = p
	}
}

// WithRefreshInterval re-reads the persisted window every d, so windows
// opened by other processes take effect while this one is running.
// It has no effect without a persister.
func WithRefreshInterval(d time.Duration) Option {
	return func(g *Governor) {
		g.refresh = d
	}
}

// NewGovernor creates a governor with no active window.
func NewGovernor(logger zerolog.Logger, opts ...Option) *Governor {
	g := &Governor{
		timers:         make(map[*time.Timer]struct{}),
		stop:           make(chan struct{}),
		defaultBackoff: DefaultBackoff,
		logger:         logger,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.persister != nil && g.refresh > 0 {
		g.wg.Add(1)
		go g.refreshLoop()
	}
	return g
}

func (g *Governor) refreshLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			if err := g.Load(ctx); err != nil {
				g.logger.Debug().Err(err).Msg("Failed to refresh shared backoff window")
			}
			cancel()
		}
	}
}

// ReportIfRateLimited opens (or extends) the backoff window if err is a
// rate_limited or resource_busy error and reports whether it was one.
// A report never shortens a window that is already open.
func (g *Governor) ReportIfRateLimited(err error) bool {
	if !database.IsRateLimited(err) {
		return false
	}

	wait, ok := database.RetryAfter(err)
	if !ok {
		wait = g.defaultBackoff
	}
	class := database.ClassOf(err)
	rateLimitedTotal.WithLabelValues(string(class)).Inc()

	g.mu.Lock()
	now := g.now()
	until := now.Add(wait)
	extended := until.After(g.state.RetryNotBefore)
	if extended {
		g.state = BackoffState{
			RetryNotBefore: until,
			Reason:         class,
			LastUpdate:     now,
		}
	}
	g.mu.Unlock()

	if !extended {
		return true
	}

	backoffSeconds.Observe(wait.Seconds())
	retryNotBefore.Set(float64(until.Unix()))

	// Expected and recoverable; keep it out of warn/error output.
	g.logger.Debug().
		Str("reason", string(class)).
		Dur("wait_duration", wait).
		Time("retry_not_before", until).
		Msg("Backoff window opened")

	g.persist()
	return true
}

// IsBlocked returns true while the backoff window is open.
func (g *Governor) IsBlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.IsBlocked(g.now())
}

// TimeoutUntil returns the end of the open window, if any.
func (g *Governor) TimeoutUntil() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.state.IsBlocked(g.now()) {
		return time.Time{}, false
	}
	return g.state.RetryNotBefore, true
}

// snapshot returns a copy of the current backoff state.
func (g *Governor) snapshot() BackoffState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// RunAfterBackoff runs fn once the current window elapses, or immediately if
// no window is open. The wakeup time is fixed when the call is made; extending
// the window later does not move it, so fn must re-check IsBlocked itself.
func (g *Governor) RunAfterBackoff(fn func()) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	wait := g.state.TimeUntilRetry(g.now())
	if wait <= 0 {
		g.mu.Unlock()
		fn()
		return
	}

	var t *time.Timer
	t = time.AfterFunc(wait, func() {
		g.mu.Lock()
		delete(g.timers, t)
		closed := g.closed
		g.mu.Unlock()
		if !closed {
			fn()
		}
	})
	g.timers[t] = struct{}{}
	g.mu.Unlock()
}

// Load adopts a persisted window if it ends later than the local one.
// Windows not updated within MaxStateAge are ignored.
func (g *Governor) Load(ctx context.Context) error {
	if g.persister == nil {
		return nil
	}

	state, err := g.persister.LoadBackoff(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if state.IsStale(g.now(), MaxStateAge) {
		return nil
	}
	if state.RetryNotBefore.After(g.state.RetryNotBefore) {
		g.state = state
		g.logger.Info().
			Time("retry_not_before", state.RetryNotBefore).
			Str("reason", string(state.Reason)).
			Msg("Restored shared backoff window")
	}
	return nil
}

// Close cancels every scheduled wakeup and stops refreshing.
// Later RunAfterBackoff calls are ignored.
func (g *Governor) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for t := range g.timers {
		t.Stop()
	}
	g.timers = make(map[*time.Timer]struct{})
	g.mu.Unlock()

	close(g.stop)
	g.wg.Wait()
}

// persist writes the current window. The state is read after persistMu is
// held, so a racing report can never leave an older window in the store.
func (g *Governor) persist() {
	if g.persister == nil {
		return
	}
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	state := g.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := g.persister.SaveBackoff(ctx, state); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to persist backoff window")
	}
}
