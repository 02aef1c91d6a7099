package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Redis shares per-key leases between processes through redislock.
// A held lease is refreshed every ttl/2 until it is released, so ttl only
// bounds how long a crashed holder keeps the key.
type Redis struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedis(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: redislock.New(rdb), prefix: prefix, ttl: ttl, retry: 50 * time.Millisecond}
}

// Acquire retries until the lock is obtained or ctx ends.
func (r *Redis) Acquire(ctx context.Context, key string) (Lease, error) {
	l, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return keepAlive(l, r.prefix+key, r.ttl), nil
}

// heldLock is the part of *redislock.Lock a lease drives.
type heldLock interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
	Release(ctx context.Context) error
}

type redisLease struct {
	l    heldLock
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func keepAlive(l heldLock, key string, ttl time.Duration) *redisLease {
	rl := &redisLease{l: l, stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(rl.done)
		t := time.NewTicker(ttl / 2)
		defer t.Stop()
		for {
			select {
			case <-rl.stop:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), ttl/2)
				err := l.Refresh(ctx, ttl, nil)
				cancel()
				if err != nil {
					slog.Warn("lock: refresh failed", "key", key, "err", err)
					if errors.Is(err, redislock.ErrNotObtained) {
						return
					}
				}
			}
		}
	}()
	return rl
}

func (rl *redisLease) Release(ctx context.Context) error {
	rl.once.Do(func() { close(rl.stop) })
	<-rl.done
	return rl.l.Release(ctx)
}
