package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl, wait time.Duration) (Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, ttl, wait), mr
}

func TestRedisLocker_ReleasesKeyAfterRun(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second, 0)

	var held bool
	err := locker.WithLock(context.Background(), "vaccine:Pfizer", func(ctx context.Context) error {
		held = mr.Exists("lock:vaccine:Pfizer")
		return nil
	})

	require.NoError(t, err)
	assert.True(t, held, "key should exist while fn runs")
	assert.False(t, mr.Exists("lock:vaccine:Pfizer"), "key should be deleted after fn returns")
}

func TestRedisLocker_PropagatesCallbackError(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second, 0)
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), "appointment:7", func(ctx context.Context) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:appointment:7"))
}

func TestRedisLocker_FailsWhenHeldElsewhere(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second, 50*time.Millisecond)
	require.NoError(t, mr.Set("lock:vaccine:Moderna", "someone-else"))

	called := false
	err := locker.WithLock(context.Background(), "vaccine:Moderna", func(ctx context.Context) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, called)
	got, _ := mr.Get("lock:vaccine:Moderna")
	assert.Equal(t, "someone-else", got, "foreign lock must not be released")
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	locker, _ := newTestLocker(t, time.Second, 2*time.Second)

	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
		errs    = make(chan error, 5)
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- locker.WithLock(context.Background(), "vaccine:Janssen", func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), maxSeen, "critical section must never be entered concurrently")
}

func TestRedisLocker_CallbackContextHasDeadline(t *testing.T) {
	locker, _ := newTestLocker(t, 300*time.Millisecond, 0)

	err := locker.WithLock(context.Background(), "vaccine:Novavax", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestNopLocker_RunsCallback(t *testing.T) {
	called := false
	err := NopLocker{}.WithLock(context.Background(), "anything", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := Dial(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestDial_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Dial(context.Background(), Options{Addr: addr, OpTimeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func TestClientOptions_TimeoutDefault(t *testing.T) {
	opts := clientOptions(Options{Addr: "localhost:6379"})
	assert.Equal(t, time.Second, opts.ReadTimeout)
	assert.Equal(t, 2*time.Second, opts.DialTimeout)

	opts = clientOptions(Options{Addr: "localhost:6379", OpTimeout: 100 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, opts.WriteTimeout)
}
