package bridge

import (
	"context"
	"testing"
	"time"

	"callbridge/internal/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisCap_SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	a := NewRedisCap(rdb, "", 2, time.Hour)
	b := NewRedisCap(rdb, "", 2, time.Hour)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.ActiveCalls))

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Release(ctx))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.ActiveCalls))

	got, err := mr.Get("callbridge:active_calls")
	require.NoError(t, err)
	require.Equal(t, "1", got)
}
