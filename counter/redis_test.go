package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCounter(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(client, "", true)
	t.Cleanup(func() { _ = s.Close(ctx) })

	n, err := s.Get(ctx, "pinFailureCount:u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	for want := int64(1); want <= 3; want++ {
		n, err = s.Incr(ctx, "pinFailureCount:u1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.True(t, mr.Exists("ctr:pinFailureCount:u1"))
	assert.Equal(t, time.Hour, mr.TTL("ctr:pinFailureCount:u1"))

	mr.FastForward(2 * time.Hour)
	n, err = s.Get(ctx, "pinFailureCount:u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Incr(ctx, "plain", 0)
	require.NoError(t, err)
	assert.Zero(t, mr.TTL("ctr:plain"))

	require.NoError(t, s.Reset(ctx, "plain"))
	assert.False(t, mr.Exists("ctr:plain"))
}

func TestRedisCounterParseError(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(client, "c:", true)
	t.Cleanup(func() { _ = s.Close(ctx) })

	require.NoError(t, mr.Set("c:bad", "not-a-number"))
	_, err := s.Get(ctx, "bad")
	assert.Error(t, err)
}
