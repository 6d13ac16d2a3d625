// Package redislock adapts bsm/redislock to the scheduler's job lock.
package redislock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Locker obtains short-lived Redis locks.
type Locker struct {
	client *redislock.Client
}

// New wraps a redis client.
func New(rdb redislock.RedisClient) *Locker {
	return &Locker{client: redislock.New(rdb)}
}

// Dial connects to addr and returns a locker plus the client for closing.
func Dial(ctx context.Context, addr, password string) (*Locker, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return New(rdb), rdb, nil
}

// Acquire obtains key for ttl. ok is false when the lock is already held.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("redislock: nil client")
	}
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, true, nil
}
