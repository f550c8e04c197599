package locker

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "M-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside)
}

func TestMemoryLockIsExclusivePerKey(t *testing.T) {
	exerciseMutualExclusion(t, NewMemory())
}

func TestMemoryLockDifferentKeysDoNotBlock(t *testing.T) {
	l := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unlockA, err := l.Lock(ctx, "M-1")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := l.Lock(ctx, "M-2")
	require.NoError(t, err)
	unlockB()
}

func TestMemoryLockHonoursContext(t *testing.T) {
	l := NewMemory()
	unlock, err := l.Lock(context.Background(), "M-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "M-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()

	again, err := l.Lock(context.Background(), "M-1")
	require.NoError(t, err)
	again()

	l.mu.Lock()
	assert.Empty(t, l.entries)
	l.mu.Unlock()
}

func redisTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("MEETSUB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set MEETSUB_TEST_REDIS_ADDR to run Redis lock tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis unreachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLockIsExclusivePerKey(t *testing.T) {
	client := redisTestClient(t)
	l := NewRedis(client, 5*time.Second)
	l.prefix = "meetsub:test:" + t.Name() + ":"
	exerciseMutualExclusion(t, l)
}

func TestRedisReleaseOnlyDeletesOwnToken(t *testing.T) {
	client := redisTestClient(t)
	ctx := context.Background()
	l := NewRedis(client, 5*time.Second)
	l.prefix = "meetsub:test:" + t.Name() + ":"

	unlock, err := l.Lock(ctx, "M-1")
	require.NoError(t, err)

	// Simulate the TTL lapsing and another instance taking over.
	require.NoError(t, client.Set(ctx, l.prefix+"M-1", "someone-else", time.Second).Err())
	unlock()

	val, err := client.Get(ctx, l.prefix+"M-1").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
	client.Del(ctx, l.prefix+"M-1")
}
