package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*miniredis.Miniredis, *RedisService) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, NewRedis(rdb)
}

func TestGetMissingIsNil(t *testing.T) {
	_, r := newService(t)

	_, err := r.Get(context.Background(), "missing")
	assert.True(t, IsNil(err))

	ok, err := r.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrWithinStartsWindowOnce(t *testing.T) {
	ctx := context.Background()
	mr, r := newService(t)

	n, err := r.IncrWithin(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mr.FastForward(30 * time.Second)
	n, err = r.IncrWithin(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 30*time.Second, mr.TTL("rl"), "later hits do not extend the window")

	mr.FastForward(31 * time.Second)
	n, err = r.IncrWithin(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIncrWithinRepairsMissingExpiry(t *testing.T) {
	ctx := context.Background()
	mr, r := newService(t)
	require.NoError(t, mr.Set("rl", "7"))
	require.Equal(t, time.Duration(0), mr.TTL("rl"))

	n, err := r.IncrWithin(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, time.Minute, mr.TTL("rl"))

	mr.FastForward(time.Minute + time.Second)
	assert.False(t, mr.Exists("rl"))
}

func TestWatchDetectsConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	mr, r := newService(t)
	require.NoError(t, mr.Set("k", "v1"))

	err := r.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.Get(ctx, "k").Result()
		require.NoError(t, err)

		require.NoError(t, r.Set(ctx, "k", "other", 0))

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, "k", "v2", 0)
			return nil
		})
		return err
	}, "k")
	assert.True(t, IsTxFailed(err))

	got, _ := mr.Get("k")
	assert.Equal(t, "other", got)
}

func TestRunScript(t *testing.T) {
	ctx := context.Background()
	_, r := newService(t)

	script := NewScript(`return redis.call('INCRBY', KEYS[1], ARGV[1])`)
	n, err := r.Run(ctx, script, []string{"counter"}, 5).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestDrainEmptiesList(t *testing.T) {
	ctx := context.Background()
	mr, r := newService(t)

	require.NoError(t, r.RPush(ctx, "box", "a", "b"))
	require.NoError(t, r.RPush(ctx, "box", "c"))

	items, err := r.Drain(ctx, "box")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	assert.False(t, mr.Exists("box"))

	items, err = r.Drain(ctx, "box")
	require.NoError(t, err)
	assert.Empty(t, items)
}
