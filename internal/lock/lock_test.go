package lock

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var inFlight, maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "call-1")
			require.NoError(t, err)
			defer unlock()

			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInFlight)
	require.Empty(t, k.locks)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	unlockA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutex_ContextCancelWhileWaiting(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	require.Empty(t, k.locks)
}

func TestRedisLocker_NilClient(t *testing.T) {
	l := NewRedisLocker(nil, RedisConfig{})
	_, err := l.Lock(context.Background(), "a")
	require.Error(t, err)
}

func TestRedisLocker_ExcludesAndReleases(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLocker(rdb, RedisConfig{WaitTimeout: 50 * time.Millisecond, RetryInterval: 5 * time.Millisecond})
	unlock, err := l.Lock(context.Background(), "call-1")
	require.NoError(t, err)
	require.True(t, mr.Exists("callbridge:lock:call-1"))

	_, err = l.Lock(context.Background(), "call-1")
	require.ErrorIs(t, err, ErrNotAcquired)

	other, err := l.Lock(context.Background(), "call-2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	require.False(t, mr.Exists("callbridge:lock:call-1"))

	again, err := l.Lock(context.Background(), "call-1")
	require.NoError(t, err)
	again()
}

func TestRedisLocker_ReleaseKeepsForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLocker(rdb, RedisConfig{TTL: time.Second})
	unlock, err := l.Lock(context.Background(), "call-1")
	require.NoError(t, err)

	// The key expired and another holder took it.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("callbridge:lock:call-1", "someone-else"))

	unlock()
	got, err := mr.Get("callbridge:lock:call-1")
	require.NoError(t, err)
	require.Equal(t, "someone-else", got)
}

func TestRedisLocker_ReleaseFailureIsLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	var buf bytes.Buffer
	l := NewRedisLocker(rdb, RedisConfig{Log: slog.New(slog.NewJSONHandler(&buf, nil))})
	unlock, err := l.Lock(context.Background(), "call-1")
	require.NoError(t, err)

	require.NoError(t, rdb.Close())
	unlock()

	require.Contains(t, buf.String(), "lock release failed")
	require.Contains(t, buf.String(), "callbridge:lock:call-1")
}

func TestRedisConfig_DefaultsCoverOriginDial(t *testing.T) {
	cfg := RedisConfig{}.withDefaults()
	require.GreaterOrEqual(t, cfg.WaitTimeout, 20*time.Second)
	require.Greater(t, cfg.TTL, cfg.WaitTimeout)
	require.NotNil(t, cfg.Log)
}
