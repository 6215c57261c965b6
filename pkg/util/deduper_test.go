package util

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDeduper_AcquireOnce(t *testing.T) {
	mr, rdb := newTestRedis(t)
	d := NewDeduper(rdb, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "release", "req-1"))
	assert.False(t, d.AcquireOnce(ctx, "release", "req-1"))
	assert.True(t, d.AcquireOnce(ctx, "milestone", "req-1"), "scopes are independent")

	assert.True(t, mr.Exists("dedup:release:req-1"))
	mr.FastForward(2 * time.Minute)
	assert.True(t, d.AcquireOnce(ctx, "release", "req-1"), "key expires after ttl")
}

func TestDeduper_Release(t *testing.T) {
	_, rdb := newTestRedis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	ctx := context.Background()

	require.True(t, d.AcquireOnce(ctx, "release", "req-2"))
	d.Release(ctx, "release", "req-2")
	assert.True(t, d.AcquireOnce(ctx, "release", "req-2"))
}

func TestDeduper_RedisDownAllows(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	d := NewDeduper(rdb, time.Minute, zaptest.NewLogger(t))
	mr.Close()

	assert.True(t, d.AcquireOnce(context.Background(), "release", "req-3"))
	assert.True(t, d.AcquireOnce(context.Background(), "release", "req-3"))
}

func TestRetryCounter(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rc := NewRetryCounter(rdb, time.Hour)
	ctx := context.Background()
	key := FormatRetryKey("milestone_attested", "att-1")
	assert.Equal(t, "retry:milestone_attested:att-1", key)
	assert.False(t, mr.Exists(key))

	for want := int64(1); want <= 3; want++ {
		n, err := rc.IncrementAndGet(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Equal(t, time.Hour, mr.TTL(key))

	stored, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "3", stored)

	require.NoError(t, rc.Reset(ctx, key))
	assert.False(t, mr.Exists(key))

	n, err := rc.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "count starts over after reset")
}
