package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/cacheaside/events"
	"github.com/unkn0wn-root/cacheaside/internal/account"
	"github.com/unkn0wn-root/cacheaside/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		LogLevel:           "info",
		CacheProvider:      "redis",
		CacheDefaultTTL:    time.Minute,
		CacheOpTimeout:     time.Second,
		CacheLocalMaxCost:  16,
		BreakerMaxFailures: 5,
		BreakerOpenTimeout: time.Second,
		RedisAddress:       "localhost:6379",
		RedisPoolSize:      2,
		DatabaseType:       "sqlite",
		DatabasePath:       ":memory:",
		PostgresSSLMode:    "disable",
		EventBus:           "redis",
		EventWorkers:       1,
		EventQueue:         16,
		EventChannelPrefix: "events:",
		PinMaxFailures:     3,
		MetricsNamespace:   "test",
	}
}

func TestNewWiresRedisStack(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	a, err := New(ctx, cfg, Deps{
		Redis:    goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	// event-driven invalidation across the redis bus
	chain := a.KV.Scope("chain")
	chain.Set(ctx, "viewUserBalance:0xabc", []byte("100"), 0)
	chain.Set(ctx, "getRecentTrades:0:10", []byte("[]"), 0)
	require.NoError(t, a.Bus.Publish(ctx, events.SharesBought{BuyerAddress: "0xABC", OwnerAddress: "0xdef", TxHash: "0x01", Amount: "1"}.Event()))
	require.Eventually(t, func() bool {
		return !mr.Exists("chain:viewUserBalance:0xabc") && !mr.Exists("chain:getRecentTrades:0:10")
	}, 2*time.Second, 10*time.Millisecond)

	// account service against sqlite with redis counters
	u, err := a.Accounts.Register(ctx, account.User{WalletAddress: "0xAAA"})
	require.NoError(t, err)
	require.NoError(t, a.Accounts.SetPin(ctx, u.ID, "4321"))
	d, err := a.Accounts.ValidatePin(ctx, u.ID, "0000")
	require.NoError(t, err)
	assert.Equal(t, 2, d.AttemptsLeft)
	assert.True(t, mr.Exists("ctr:pinFailureCount:"+u.ID))

	// profile keys written outside the entity cache are purged by UserUpdated
	a.KV.Set(ctx, "user_profile:"+u.ID, []byte("{}"), 0)
	require.NoError(t, a.Accounts.UpdateWallet(ctx, u.ID, "0xBBB"))
	require.Eventually(t, func() bool { return !mr.Exists("user_profile:" + u.ID) }, 2*time.Second, 10*time.Millisecond)
}

func TestReadViewsFollowEvents(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a, err := New(ctx, testConfig(), Deps{
		Redis:    goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	u, err := a.Accounts.Register(ctx, account.User{TwitterScreenName: "erin"})
	require.NoError(t, err)
	p, err := a.Accounts.Profile(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "erin", p.TwitterScreenName)
	require.True(t, mr.Exists("user_profile:"+u.ID))

	require.NoError(t, a.Accounts.UpdateTwitter(ctx, u.ID, "erin2"))
	require.Eventually(t, func() bool { return !mr.Exists("user_profile:" + u.ID) }, 2*time.Second, 10*time.Millisecond)
	p, err = a.Accounts.Profile(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "erin2", p.TwitterScreenName)

	recent, err := a.Ledger.RecentTrades(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, recent)
	n, err := a.Ledger.SharesCount(ctx, "0xAAA")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.True(t, mr.Exists("chain:getRecentTrades:0:10"))

	require.NoError(t, a.Bus.Publish(ctx, events.SharesBought{
		BuyerAddress: "0xAAA", OwnerAddress: "0xBBB", TxHash: "0xfeed", Amount: "3",
	}.Event()))
	require.Eventually(t, func() bool {
		return !mr.Exists("chain:getRecentTrades:0:10") && !mr.Exists("chain:viewUserSharesCount:0xaaa")
	}, 2*time.Second, 10*time.Millisecond)

	recent, err = a.Ledger.RecentTrades(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "0xfeed", recent[0].TxHash)
	n, err = a.Ledger.SharesCount(ctx, "0xaaa")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestNewWithLocalProviders(t *testing.T) {
	for _, provider := range []string{"ristretto", "bigcache"} {
		t.Run(provider, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig()
			cfg.CacheProvider = provider
			cfg.EventBus = "local"

			a, err := New(ctx, cfg, Deps{})
			require.NoError(t, err)
			defer func() { require.NoError(t, a.Shutdown(ctx)) }()

			u, err := a.Accounts.Register(ctx, account.User{TwitterScreenName: "dave"})
			require.NoError(t, err)
			got, err := a.Accounts.GetByTwitter(ctx, "dave")
			require.NoError(t, err)
			assert.Equal(t, u.ID, got.ID)
		})
	}
}

func TestNewRejectsUnknownDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.CacheProvider = "bigcache"
	cfg.EventBus = "local"
	cfg.DatabaseType = "mysql"
	_, err := New(context.Background(), cfg, Deps{})
	assert.Error(t, err)
}
