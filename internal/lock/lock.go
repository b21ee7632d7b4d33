package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("lock: not acquired")

// Locker serializes work per key. The returned func releases the lock and
// must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is a process-local Locker. Entries are reference counted and
// dropped once no caller holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedEntry{}}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, e, true) })
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry, held bool) {
	if held {
		<-e.ch
	}
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// RedisConfig tunes RedisLocker.
type RedisConfig struct {
	Prefix string
	// TTL bounds how long a crashed holder can block the key. It must outlast
	// the longest critical section, which includes the origin dial.
	TTL time.Duration
	// RetryInterval is the poll interval while waiting.
	RetryInterval time.Duration
	// WaitTimeout caps total wait.
	WaitTimeout time.Duration

	Log *slog.Logger
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.Prefix == "" {
		out.Prefix = "callbridge:lock:"
	}
	if out.TTL <= 0 {
		out.TTL = 30 * time.Second
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = 25 * time.Millisecond
	}
	if out.WaitTimeout <= 0 {
		out.WaitTimeout = 20 * time.Second
	}
	if out.Log == nil {
		out.Log = slog.Default()
	}
	return out
}

// RedisLocker is a cross-instance Locker using SET NX PX with a random token.
type RedisLocker struct {
	rdb *redis.Client
	cfg RedisConfig
}

func NewRedisLocker(rdb *redis.Client, cfg RedisConfig) *RedisLocker {
	return &RedisLocker{rdb: rdb, cfg: cfg.withDefaults()}
}

var releaseScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = owner token
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l.rdb == nil {
		return nil, errors.New("lock: redis client is nil")
	}
	fullKey := l.cfg.Prefix + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(waitCtx, fullKey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrNotAcquired
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context so a canceled request still frees the key.
			relCtx, relCancel := context.WithTimeout(context.Background(), time.Second)
			defer relCancel()
			if err := releaseScript.Run(relCtx, l.rdb, []string{fullKey}, token).Err(); err != nil {
				l.cfg.Log.Error("lock release failed", "key", fullKey, "err", err)
			}
		})
	}, nil
}
