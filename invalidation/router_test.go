package invalidation

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/cacheaside"
	"github.com/unkn0wn-root/cacheaside/events"
	"github.com/unkn0wn-root/cacheaside/events/local"
	rp "github.com/unkn0wn-root/cacheaside/provider/redis"
)

type countHooks struct {
	cacheaside.NopHooks
	invalidated map[string]int
}

func (h *countHooks) Invalidated(ev string, n int) {
	if h.invalidated == nil {
		h.invalidated = map[string]int{}
	}
	h.invalidated[ev] += n
}

type fixture struct {
	mr    *miniredis.Miniredis
	chain *cacheaside.Scope
	users *cacheaside.Scope
	hooks *countHooks
	r     *Router
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	p, err := rp.New(rp.Config{
		Client:      goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		CloseClient: true,
	})
	require.NoError(t, err)

	h := &countHooks{}
	kv, err := cacheaside.New(cacheaside.Options{Provider: p, Hooks: h})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close(context.Background()) })

	f := &fixture{mr: mr, chain: kv.Scope("chain"), users: kv.Scope(""), hooks: h}
	f.r, err = NewRouter(Config{
		Targets: map[string]*cacheaside.Scope{Chain: f.chain, Users: f.users},
		Rules:   DefaultRules(),
		Hooks:   h,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) seed(ctx context.Context, s *cacheaside.Scope, ks ...string) {
	for _, k := range ks {
		s.Set(ctx, k, []byte("cached"), 0)
	}
}

func TestSharesBoughtPurgesBothParties(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seed(ctx, f.chain,
		"getRecentTrades:0:10", "getRecentTrades:10:10",
		"viewUserBalance:0xabc", "viewUserBalance:0xdef", "viewUserBalance:0x999",
		"viewSharesPrice:0xabc", "viewUserEarnedFees:0xdef",
		"viewUserTradeHistory:0xabc:buy:0:10", "viewUserTradeHistory:0x999:buy:0:10",
	)

	e := events.SharesBought{BuyerAddress: "0xABC", OwnerAddress: "0xDeF", TxHash: "0x1"}.Event()
	rep := f.r.Handle(ctx, e)

	assert.Equal(t, 10, len(rep.Keys))
	assert.Equal(t, []string{"getRecentTrades:", "viewUserTradeHistory:0xabc:", "viewUserTradeHistory:0xdef:"}, rep.Prefixes)
	assert.Equal(t, 3, rep.Removed)
	assert.Zero(t, rep.Skipped)

	for _, gone := range []string{
		"chain:getRecentTrades:0:10", "chain:getRecentTrades:10:10",
		"chain:viewUserBalance:0xabc", "chain:viewUserBalance:0xdef",
		"chain:viewSharesPrice:0xabc", "chain:viewUserEarnedFees:0xdef",
		"chain:viewUserTradeHistory:0xabc:buy:0:10",
	} {
		assert.False(t, f.mr.Exists(gone), gone)
	}
	assert.True(t, f.mr.Exists("chain:viewUserBalance:0x999"))
	assert.True(t, f.mr.Exists("chain:viewUserTradeHistory:0x999:buy:0:10"))
	assert.Equal(t, 13, f.hooks.invalidated[events.TypeSharesBought])
}

func TestTokenTransferPurgesTokenBalance(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seed(ctx, f.chain,
		"viewUserTokenBalance:0xabc:0xt0k", "viewUserTokenBalance:0xdef:0xt0k",
		"viewUserListTokenBalance:0xabc", "viewUserTokenBalance:0xabc:0xother",
	)

	rep := f.r.Handle(ctx, events.TokenTransferred{
		FromAddress: "0xabc", ToAddress: "0xdef", TokenAddress: "0xT0K",
	}.Event())

	assert.Contains(t, rep.Keys, "viewUserTokenBalance:0xabc:0xt0k")
	assert.False(t, f.mr.Exists("chain:viewUserTokenBalance:0xabc:0xt0k"))
	assert.False(t, f.mr.Exists("chain:viewUserTokenBalance:0xdef:0xt0k"))
	assert.False(t, f.mr.Exists("chain:viewUserListTokenBalance:0xabc"))
	assert.True(t, f.mr.Exists("chain:viewUserTokenBalance:0xabc:0xother"))
}

func TestUserUpdatedUpperCasesReference(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seed(ctx, f.users, "user_profile:u1", "viewIntegrateUser:ABCD", "user_profile:u2")

	rep := f.r.Handle(ctx, events.UserUpdated{UserID: "u1", ReferenceID: "abCd"}.Event())
	assert.Equal(t, []string{"user_profile:u1", "viewIntegrateUser:ABCD"}, rep.Keys)
	assert.False(t, f.mr.Exists("user_profile:u1"))
	assert.False(t, f.mr.Exists("viewIntegrateUser:ABCD"))
	assert.True(t, f.mr.Exists("user_profile:u2"))
}

func TestMissingAttributeSkipsPurge(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seed(ctx, f.users, "user_profile:u1", "viewIntegrateUser:")

	rep := f.r.Handle(ctx, events.UserUpdated{UserID: "u1"}.Event())
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, []string{"user_profile:u1"}, rep.Keys)
	assert.True(t, f.mr.Exists("viewIntegrateUser:"), "a partial key must never be purged")
}

func TestUnknownEventIsNoop(t *testing.T) {
	f := setup(t)
	rep := f.r.Handle(context.Background(), events.New("ImageProcessed", nil))
	assert.Empty(t, rep.Keys)
	assert.Empty(t, rep.Prefixes)
	assert.NotContains(t, f.hooks.invalidated, "ImageProcessed")
}

func TestNewRouterValidation(t *testing.T) {
	s := &cacheaside.Scope{}
	cases := map[string]Config{
		"unregistered target": {Rules: []Rule{{Event: "E", Purges: []Purge{{Target: "nope", Template: "k"}}}}},
		"unclosed brace":      {Targets: map[string]*cacheaside.Scope{"t": s}, Rules: []Rule{{Event: "E", Purges: []Purge{{Target: "t", Template: "k:{id"}}}}},
		"stray brace":         {Targets: map[string]*cacheaside.Scope{"t": s}, Rules: []Rule{{Event: "E", Purges: []Purge{{Target: "t", Template: "k}"}}}}},
		"empty placeholder":   {Targets: map[string]*cacheaside.Scope{"t": s}, Rules: []Rule{{Event: "E", Purges: []Purge{{Target: "t", Template: "k:{}"}}}}},
		"empty exact key":     {Targets: map[string]*cacheaside.Scope{"t": s}, Rules: []Rule{{Event: "E", Purges: []Purge{{Target: "t"}}}}},
		"lower and upper":     {Targets: map[string]*cacheaside.Scope{"t": s}, Rules: []Rule{{Event: "E", Purges: []Purge{{Target: "t", Template: "k", Lower: true, Upper: true}}}}},
		"no event":            {Targets: map[string]*cacheaside.Scope{"t": s}, Rules: []Rule{{}}},
		"nil target":          {Targets: map[string]*cacheaside.Scope{"t": nil}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRouter(cfg)
			assert.ErrorIs(t, err, cacheaside.ErrConfig)
		})
	}

	_, err := NewRouter(Config{Rules: DefaultRules()})
	var ce *cacheaside.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "unregistered target")
}

func TestSubscribeOnBus(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seed(ctx, f.users, "user_profile:u7")

	bus := local.New(local.Options{})
	f.r.Subscribe(bus)
	require.NoError(t, bus.Publish(ctx, events.EmailUpdated{UserID: "u7", NewEmail: "a@b.c"}.Event()))
	require.NoError(t, bus.Close(ctx))

	assert.False(t, f.mr.Exists("user_profile:u7"))
}
