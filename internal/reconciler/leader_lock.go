package reconciler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// leaderLock elects a single runner for a named task across gateway
// replicas, using a short-lived Redis key as the lock. A lock expiring
// before it's released just means the next tick's SetNX races fairly;
// it never deadlocks the task.
type leaderLock struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func newLeaderLock(client *redis.Client, keyPrefix string) *leaderLock {
	if keyPrefix == "" {
		keyPrefix = "aiproxy:reconciler:"
	}
	return &leaderLock{client: client, keyPrefix: keyPrefix, ttl: 5 * time.Minute}
}

// Acquire attempts to become the leader for task's current tick. acquired is
// false when another replica already holds the lock; release must be called
// only when acquired is true.
func (l *leaderLock) Acquire(ctx context.Context, task string) (acquired bool, release func(context.Context), err error) {
	key := l.keyPrefix + task
	ok, err := l.client.SetNX(ctx, key, "1", l.ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	return true, func(ctx context.Context) {
		l.client.Del(ctx, key)
	}, nil
}
