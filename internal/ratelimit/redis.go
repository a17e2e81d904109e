package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter against a shared Redis instance using a
// sorted set per bucket (score = admission timestamp, member = a unique
// nonce), so multiple gateway processes share one admission count instead
// of drifting in-memory state (the design notes call this out explicitly
// as the required move for multi-process deployment).
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter creates a RedisLimiter against the given client.
func NewRedisLimiter(client *redis.Client, keyPrefix string) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "aiproxy:ratelimit:"
	}
	return &RedisLimiter{client: client, prefix: keyPrefix}
}

// Check implements Limiter using ZREMRANGEBYSCORE to drop stale entries and
// a ZCARD/ZADD pair guarded by a Lua-free optimistic retry: since the count
// check and the conditional add race across processes, a denial is detected
// after the fact by re-checking cardinality and removing the just-added
// member if the bucket overflowed past limit.
func (l *RedisLimiter) Check(ctx context.Context, bucketKey string, limit int64, window time.Duration) (Result, error) {
	if limit <= 0 {
		return Result{}, fmt.Errorf("ratelimit: limit must be positive, got %d", limit)
	}
	key := l.prefix + bucketKey
	now := time.Now()
	cutoff := now.Add(-window)

	if err := l.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff.UnixNano())).Err(); err != nil {
		return Result{}, fmt.Errorf("pruning stale bucket entries: %w", err)
	}

	current, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("counting bucket entries: %w", err)
	}
	if current >= limit {
		oldest, err := l.oldestScore(ctx, key)
		resetAt := now.Add(window)
		if err == nil {
			resetAt = oldest.Add(window)
		}
		return Result{
			Allowed:    false,
			Current:    current,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: window,
		}, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), current)
	if err := l.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return Result{}, fmt.Errorf("recording admission: %w", err)
	}
	l.client.Expire(ctx, key, window+time.Minute)

	after, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("re-counting bucket entries: %w", err)
	}
	if after > limit {
		l.client.ZRem(ctx, key, member)
		return Result{
			Allowed:    false,
			Current:    after - 1,
			Remaining:  0,
			ResetAt:    now.Add(window),
			RetryAfter: window,
		}, nil
	}

	return Result{
		Allowed:   true,
		Current:   current + 1,
		Remaining: limit - current - 1,
		ResetAt:   now.Add(window),
	}, nil
}

func (l *RedisLimiter) oldestScore(ctx context.Context, key string) (time.Time, error) {
	vals, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(vals) == 0 {
		return time.Time{}, fmt.Errorf("no entries")
	}
	return time.Unix(0, int64(vals[0].Score)), nil
}

// Close closes the underlying Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
