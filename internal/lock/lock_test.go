package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(ctx, "batch-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, lease.Release(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, l.keys)
}

func TestLocalDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	a, err := l.Acquire(ctx, "a")
	require.NoError(t, err)
	defer a.Release(ctx)

	tctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	b, err := l.Acquire(tctx, "b")
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx))
}

func TestLocalAcquireHonoursContext(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	held, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(tctx, "k")
	assert.ErrorIs(t, err, ErrNotObtained)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Release(ctx))
	require.NoError(t, held.Release(ctx))
	again, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

type countingLock struct {
	refreshes atomic.Int32
	released  atomic.Int32
	ttl       atomic.Int64
}

func (c *countingLock) Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error {
	c.ttl.Store(int64(ttl))
	c.refreshes.Add(1)
	return nil
}

func (c *countingLock) Release(ctx context.Context) error {
	c.released.Add(1)
	return nil
}

func TestRedisLeaseRefreshesUntilReleased(t *testing.T) {
	held := &countingLock{}
	lease := keepAlive(held, "batch-1", 20*time.Millisecond)

	require.Eventually(t, func() bool { return held.refreshes.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(20*time.Millisecond), held.ttl.Load())

	require.NoError(t, lease.Release(context.Background()))
	assert.Equal(t, int32(1), held.released.Load())
	after := held.refreshes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, held.refreshes.Load())
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("CUSTODYLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CUSTODYLINE_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	l := NewRedis(rdb, "custodyline-test:", time.Second)

	lease, err := l.Acquire(ctx, "batch-1")
	require.NoError(t, err)

	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(tctx, "batch-1")
	assert.ErrorIs(t, err, ErrNotObtained)

	require.NoError(t, lease.Release(ctx))
	lease, err = l.Acquire(ctx, "batch-1")
	require.NoError(t, err)

	// held past the ttl: the refreshed key still excludes others
	time.Sleep(1500 * time.Millisecond)
	tctx, cancel = context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(tctx, "batch-1")
	assert.ErrorIs(t, err, ErrNotObtained)
	require.NoError(t, lease.Release(ctx))
}
