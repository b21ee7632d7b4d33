package bridge

import (
	"context"
	"time"

	"callbridge/internal/metrics"
	"callbridge/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// ConcurrencyCap bounds the number of calls that are active at once.
type ConcurrencyCap interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisCap shares the active-call counter across API instances.
// The TTL bounds how long a slot leaks when a process dies mid-call.
type RedisCap struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
}

func NewRedisCap(rdb *redis.Client, key string, limit int, ttl time.Duration) *RedisCap {
	if key == "" {
		key = "callbridge:active_calls"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisCap{rdb: rdb, key: key, limit: limit, ttl: ttl}
}

func (c *RedisCap) Acquire(ctx context.Context) (bool, error) {
	ok, n, err := utils.AcquireConcurrencyCap(ctx, c.rdb, c.key, c.limit, c.ttl)
	if err != nil {
		return false, err
	}
	metrics.ActiveCalls.Set(float64(n))
	return ok, nil
}

func (c *RedisCap) Release(ctx context.Context) error {
	n, err := utils.ReleaseConcurrencyCap(ctx, c.rdb, c.key)
	if err != nil {
		return err
	}
	metrics.ActiveCalls.Set(float64(n))
	return nil
}

// unlimited is used when no cap is configured.
type unlimited struct{}

func (unlimited) Acquire(context.Context) (bool, error) { return true, nil }
func (unlimited) Release(context.Context) error         { return nil }
