package redisbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	c "github.com/unkn0wn-root/cacheaside/codec"
	"github.com/unkn0wn-root/cacheaside/events"
)

func setupBus(t *testing.T, cfg Config) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg.Client = goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	cfg.CloseClient = true
	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, mr
}

type sink struct {
	mu  sync.Mutex
	got []events.Event
}

func (s *sink) handle(_ context.Context, e events.Event) error {
	s.mu.Lock()
	s.got = append(s.got, e)
	s.mu.Unlock()
	return nil
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, _ := setupBus(t, Config{})

	bought := &sink{}
	sold := &sink{}
	b.Subscribe(events.TypeSharesBought, bought.handle)
	b.Subscribe(events.TypeSharesSold, sold.handle)
	require.NoError(t, b.Start(ctx))
	assert.ErrorIs(t, b.Start(ctx), ErrStarted)

	e := events.SharesBought{BuyerAddress: "0xABC", TxHash: "0x1"}.Event()
	require.NoError(t, b.Publish(ctx, e))

	require.Eventually(t, func() bool { return bought.len() == 1 }, time.Second, 10*time.Millisecond)
	bought.mu.Lock()
	got := bought.got[0]
	bought.mu.Unlock()
	assert.Equal(t, e.LogID, got.LogID)
	assert.Equal(t, "0xabc", got.Attrs["buyerAddress"])
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, 0, sold.len())
}

func TestCustomPrefixAndCodec(t *testing.T) {
	ctx := context.Background()
	b, mr := setupBus(t, Config{Prefix: "app[1]:", Codec: c.Msgpack[events.Event]{}})
	s := &sink{}
	b.Subscribe("T", s.handle)
	require.NoError(t, b.Start(ctx))

	assert.Equal(t, "app[1]:T", b.Channel("T"))
	require.NoError(t, b.Publish(ctx, events.New("T", map[string]string{"k": "v"})))
	require.Eventually(t, func() bool { return s.len() == 1 }, time.Second, 10*time.Millisecond)

	// garbage on the channel is skipped
	mr.Publish("app[1]:T", "not msgpack")
	require.NoError(t, b.Publish(ctx, events.New("T", nil)))
	require.Eventually(t, func() bool { return s.len() == 2 }, time.Second, 10*time.Millisecond)
}

func TestPublishAfterClose(t *testing.T) {
	ctx := context.Background()
	b, _ := setupBus(t, Config{})
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))

	assert.ErrorIs(t, b.Publish(ctx, events.New("T", nil)), events.ErrClosed)
	assert.ErrorIs(t, b.Start(ctx), events.ErrClosed)
}
