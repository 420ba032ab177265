package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/database"
	"github.com/redis/go-redis/v9"
)

// RedisPersister shares the backoff window between processes through Redis.
// Keys expire together with the window.
type RedisPersister struct {
	redis *redis.Client
}

// NewRedisPersister creates a persister backed by redisClient.
func NewRedisPersister(redisClient *redis.Client) *RedisPersister {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisPersister{redis: redisClient}
}

// LoadBackoff retrieves the stored window.
// Returns the zero state if nothing is stored.
func (p *RedisPersister) LoadBackoff(ctx context.Context) (BackoffState, error) {
	until, err := p.redis.Get(ctx, RedisKeyRetryNotBefore).Int64()
	if err == redis.Nil {
		return BackoffState{}, nil
	}
	if err != nil {
		return BackoffState{}, fmt.Errorf("get retry not before: %w", err)
	}

	reason, err := p.redis.Get(ctx, RedisKeyReason).Result()
	if err != nil && err != redis.Nil {
		return BackoffState{}, fmt.Errorf("get reason: %w", err)
	}

	lastUpdateStr, err := p.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return BackoffState{}, fmt.Errorf("get last update: %w", err)
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return BackoffState{}, fmt.Errorf("parse last update: %w", err)
		}
	}

	return BackoffState{
		RetryNotBefore: time.UnixMilli(until),
		Reason:         database.ErrorClass(reason),
		LastUpdate:     lastUpdate,
	}, nil
}

// SaveBackoff stores state atomically. Windows that already elapsed are not stored.
func (p *RedisPersister) SaveBackoff(ctx context.Context, state BackoffState) error {
	ttl := time.Until(state.RetryNotBefore)
	if ttl <= 0 {
		return nil
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := p.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyRetryNotBefore, state.RetryNotBefore.UnixMilli(), ttl)
	pipe.Set(ctx, RedisKeyReason, string(state.Reason), ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store backoff state in redis: %w", err)
	}
	return nil
}
