package redisdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/database"
	"github.com/Sternrassler/record-batch-queue/pkg/logging"
	"github.com/Sternrassler/record-batch-queue/pkg/record"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds the Redis binding configuration.
type Config struct {
	// RequestsPerWindow is the number of batches accepted per Window across
	// every process sharing the Redis instance. Zero disables the budget.
	RequestsPerWindow int

	// Window is the length of one budget window (default: 1s).
	Window time.Duration

	// MaxRecords caps the number of stored records. Zero disables the quota.
	MaxRecords int

	// ChunkSize is the number of keys per pipeline round trip (default: 100).
	ChunkSize int

	// Concurrency is the number of parallel pipeline round trips for
	// user-initiated batches (default: 4). Utility batches use one.
	Concurrency int

	// CacheSize is the number of records kept in the in-memory read cache
	// (default: 10000). Negative disables the cache.
	CacheSize int

	// CacheTTL bounds how long a cached record is served without reading
	// Redis (default: 5s). Writes by other processes sharing the Redis
	// instance become visible after at most this long.
	CacheTTL time.Duration

	// Logger overrides the component logger (optional).
	Logger *zerolog.Logger
}

// DefaultConfig returns the default binding configuration.
func DefaultConfig() Config {
	return Config{
		Window:      time.Second,
		ChunkSize:   100,
		Concurrency: 4,
		CacheSize:   10_000,
		CacheTTL:    5 * time.Second,
	}
}

// cachedRecord is a read cache entry.
type cachedRecord struct {
	rec      *record.Record
	storedAt time.Time
}

// DB is a database.Database that stores records as JSON values in Redis.
type DB struct {
	redis  *redis.Client
	cache  *lru.TwoQueueCache[record.ID, cachedRecord]
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Redis-backed record database.
func New(redisClient *redis.Client, cfg Config) (*DB, error) {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}

	defaults := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaults.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}

	logger := logging.NewLogger("redisdb")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	d := &DB{
		redis:  redisClient,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	if cfg.CacheSize > 0 {
		cache, err := lru.New2Q[record.ID, cachedRecord](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create read cache: %w", err)
		}
		d.cache = cache
	}

	return d, nil
}

// Close waits for outstanding batches. Batches submitted afterwards fail with
// database.ErrClosed. The Redis client is not closed.
func (d *DB) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	if d.cache != nil {
		d.cache.Purge()
	}
	return nil
}

// start registers a batch, or reports ErrClosed asynchronously.
func (d *DB) start(onDone database.DoneFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		go onDone(nil, database.ErrClosed)
		return false
	}
	d.wg.Add(1)
	return true
}

// FetchRecords implements database.Database.
func (d *DB) FetchRecords(ctx context.Context, ids []record.ID, hints database.Hints, onItem database.ItemFunc, onDone database.DoneFunc) {
	if !d.start(onDone) {
		return
	}
	ids = append([]record.ID(nil), ids...)
	go func() {
		defer d.wg.Done()
		d.fetch(ctx, ids, hints, onItem, onDone)
	}()
}

// SaveRecords implements database.Database.
func (d *DB) SaveRecords(ctx context.Context, recs []*record.Record, hints database.Hints, onItem database.ItemFunc, onDone database.DoneFunc) {
	if !d.start(onDone) {
		return
	}
	saved := make([]*record.Record, len(recs))
	for i, rec := range recs {
		saved[i] = rec.Clone()
		saved[i].ID = saved[i].ID.Normalize()
	}
	go func() {
		defer d.wg.Done()
		d.save(ctx, saved, hints, onItem, onDone)
	}()
}

// DeleteRecords implements database.Database.
func (d *DB) DeleteRecords(ctx context.Context, ids []record.ID, hints database.Hints, onDone database.DoneFunc) {
	if !d.start(onDone) {
		return
	}
	ids = append([]record.ID(nil), ids...)
	go func() {
		defer d.wg.Done()
		d.delete(ctx, ids, hints, onDone)
	}()
}

func (d *DB) fetch(ctx context.Context, ids []record.ID, hints database.Hints, onItem database.ItemFunc, onDone database.DoneFunc) {
	if err := d.admit(ctx); err != nil {
		onDone(nil, err)
		return
	}

	recs := make([]*record.Record, len(ids))
	errs := make([]error, len(ids))
	var misses []int
	for i, id := range ids {
		ids[i] = id.Normalize()
		if rec, ok := d.cacheGet(ids[i]); ok {
			CacheHits.WithLabelValues("memory").Inc()
			recs[i] = rec
			continue
		}
		misses = append(misses, i)
	}

	err := d.forEachChunk(ctx, hints, len(misses), func(ctx context.Context, lo, hi int) error {
		keys := make([]string, 0, hi-lo)
		for _, idx := range misses[lo:hi] {
			keys = append(keys, RecordKey(ids[idx]))
		}

		vals, err := d.redis.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redis mget: %w", err)
		}

		for j, v := range vals {
			idx := misses[lo+j]
			s, ok := v.(string)
			if !ok {
				continue
			}
			rec, err := decodeRecord([]byte(s))
			if err != nil {
				errs[idx] = err
				continue
			}
			CacheHits.WithLabelValues("redis").Inc()
			recs[idx] = rec
		}
		return nil
	})
	if err != nil {
		Errors.WithLabelValues("fetch").Inc()
		onDone(nil, err)
		return
	}

	failed := make(map[record.ID]error)
	for i, id := range ids {
		switch {
		case errs[i] != nil:
			failed[id] = errs[i]
			onItem(id, nil, errs[i])
		case recs[i] == nil:
			CacheMisses.Inc()
			itemErr := database.NewUnknownItemError(id)
			failed[id] = itemErr
			onItem(id, nil, itemErr)
		default:
			d.cacheAdd(recs[i])
			onItem(id, recs[i].Clone(), nil)
		}
	}

	d.logger.Debug().
		Int("batch_size", len(ids)).
		Int("failed", len(failed)).
		Str("qos", string(hints.QoS)).
		Msg("Fetched records")

	onDone(nil, partialFailure(failed))
}

func (d *DB) save(ctx context.Context, recs []*record.Record, hints database.Hints, onItem database.ItemFunc, onDone database.DoneFunc) {
	if err := d.admit(ctx); err != nil {
		onDone(nil, err)
		return
	}

	now := d.now()
	for _, rec := range recs {
		rec.ChangeTag = record.NewChangeTag()
		rec.ModifiedAt = now
	}

	failed := make(map[record.ID]error)
	accepted, err := d.applyQuota(ctx, recs, failed)
	if err != nil {
		Errors.WithLabelValues("save").Inc()
		onDone(nil, err)
		return
	}

	encoded := make([][]byte, len(accepted))
	for i, rec := range accepted {
		data, err := encodeRecord(rec)
		if err != nil {
			failed[rec.ID] = err
			continue
		}
		encoded[i] = data
		RecordBytes.Observe(float64(len(data)))
	}

	err = d.forEachChunk(ctx, hints, len(accepted), func(ctx context.Context, lo, hi int) error {
		pipe := d.redis.TxPipeline()
		for i := lo; i < hi; i++ {
			if encoded[i] == nil {
				continue
			}
			key := RecordKey(accepted[i].ID)
			pipe.Set(ctx, key, encoded[i], 0)
			pipe.SAdd(ctx, indexKey, key)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis save: %w", err)
		}
		return nil
	})
	if err != nil {
		Errors.WithLabelValues("save").Inc()
		onDone(nil, err)
		return
	}

	for _, rec := range recs {
		if itemErr, ok := failed[rec.ID]; ok {
			onItem(rec.ID, nil, itemErr)
			continue
		}
		d.cacheAdd(rec)
		onItem(rec.ID, rec.Clone(), nil)
	}

	d.logger.Debug().
		Int("batch_size", len(recs)).
		Int("failed", len(failed)).
		Str("qos", string(hints.QoS)).
		Msg("Saved records")

	onDone(nil, partialFailure(failed))
}

// applyQuota returns the records that fit under MaxRecords. Updates of stored
// records always fit; rejected records are added to failed.
func (d *DB) applyQuota(ctx context.Context, recs []*record.Record, failed map[record.ID]error) ([]*record.Record, error) {
	if d.cfg.MaxRecords <= 0 || len(recs) == 0 {
		return recs, nil
	}

	members := make([]interface{}, len(recs))
	for i, rec := range recs {
		members[i] = RecordKey(rec.ID)
	}

	pipe := d.redis.Pipeline()
	card := pipe.SCard(ctx, indexKey)
	exists := pipe.SMIsMember(ctx, indexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis quota check: %w", err)
	}

	count := card.Val()
	present := exists.Val()
	accepted := make([]*record.Record, 0, len(recs))
	for i, rec := range recs {
		if present[i] {
			accepted = append(accepted, rec)
			continue
		}
		if count < int64(d.cfg.MaxRecords) {
			count++
			accepted = append(accepted, rec)
			continue
		}
		Rejections.WithLabelValues(string(database.ErrorClassQuotaExceeded)).Inc()
		failed[rec.ID] = database.NewQuotaExceededError(fmt.Sprintf("record quota of %d reached", d.cfg.MaxRecords))
	}

	if len(failed) > 0 {
		d.logger.Warn().
			Int("max_records", d.cfg.MaxRecords).
			Int("rejected", len(failed)).
			Msg("Record quota exceeded")
	}
	return accepted, nil
}

func (d *DB) delete(ctx context.Context, ids []record.ID, hints database.Hints, onDone database.DoneFunc) {
	if err := d.admit(ctx); err != nil {
		onDone(nil, err)
		return
	}

	existed := make([]bool, len(ids))
	for i, id := range ids {
		ids[i] = id.Normalize()
		d.cacheRemove(ids[i])
	}

	err := d.forEachChunk(ctx, hints, len(ids), func(ctx context.Context, lo, hi int) error {
		pipe := d.redis.TxPipeline()
		dels := make([]*redis.IntCmd, 0, hi-lo)
		members := make([]interface{}, 0, hi-lo)
		for _, id := range ids[lo:hi] {
			key := RecordKey(id)
			dels = append(dels, pipe.Del(ctx, key))
			members = append(members, key)
		}
		pipe.SRem(ctx, indexKey, members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis delete: %w", err)
		}
		for j, cmd := range dels {
			existed[lo+j] = cmd.Val() > 0
		}
		return nil
	})
	if err != nil {
		Errors.WithLabelValues("delete").Inc()
		onDone(nil, err)
		return
	}

	deleted := make([]record.ID, 0, len(ids))
	failed := make(map[record.ID]error)
	for i, id := range ids {
		if existed[i] {
			deleted = append(deleted, id)
			continue
		}
		failed[id] = database.NewUnknownItemError(id)
	}

	d.logger.Debug().
		Int("batch_size", len(ids)).
		Int("deleted", len(deleted)).
		Str("qos", string(hints.QoS)).
		Msg("Deleted records")

	onDone(deleted, partialFailure(failed))
}

// admit charges one request against the shared fixed-window budget.
func (d *DB) admit(ctx context.Context) error {
	if d.cfg.RequestsPerWindow <= 0 {
		return nil
	}

	now := d.now()
	key := budgetKey(now, d.cfg.Window)

	pipe := d.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, d.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		Errors.WithLabelValues("budget").Inc()
		return fmt.Errorf("redis budget: %w", err)
	}

	if incr.Val() > int64(d.cfg.RequestsPerWindow) {
		Rejections.WithLabelValues(string(database.ErrorClassRateLimited)).Inc()
		return database.NewRateLimitedError(windowRemaining(now, d.cfg.Window))
	}
	return nil
}

// forEachChunk runs fn over [0,n) in ChunkSize slices. Utility batches run
// their chunks one at a time.
func (d *DB) forEachChunk(ctx context.Context, hints database.Hints, n int, fn func(ctx context.Context, lo, hi int) error) error {
	limit := d.cfg.Concurrency
	if hints.QoS == database.QoSUtility {
		limit = 1
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for lo := 0; lo < n; lo += d.cfg.ChunkSize {
		hi := min(lo+d.cfg.ChunkSize, n)
		g.Go(func() error {
			return fn(gCtx, lo, hi)
		})
	}
	return g.Wait()
}

// cacheGet returns a copy of a cached record younger than CacheTTL.
func (d *DB) cacheGet(id record.ID) (*record.Record, bool) {
	if d.cache == nil {
		return nil, false
	}
	entry, ok := d.cache.Get(id)
	if !ok {
		return nil, false
	}
	if d.now().Sub(entry.storedAt) >= d.cfg.CacheTTL {
		d.cache.Remove(id)
		return nil, false
	}
	return entry.rec.Clone(), true
}

func (d *DB) cacheAdd(rec *record.Record) {
	if d.cache == nil {
		return
	}
	d.cache.Add(rec.ID, cachedRecord{rec: rec.Clone(), storedAt: d.now()})
}

func (d *DB) cacheRemove(id record.ID) {
	if d.cache == nil {
		return
	}
	d.cache.Remove(id)
}

func partialFailure(failed map[record.ID]error) error {
	if len(failed) == 0 {
		return nil
	}
	return database.NewPartialFailureError(failed)
}
