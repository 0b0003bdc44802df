// Package app wires configuration into a running cache-aside stack: cache
// provider, counters, backing database, account service, event bus and
// invalidation router.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/unkn0wn-root/cacheaside"
	"github.com/unkn0wn-root/cacheaside/counter"
	"github.com/unkn0wn-root/cacheaside/events"
	"github.com/unkn0wn-root/cacheaside/events/local"
	"github.com/unkn0wn-root/cacheaside/events/redisbus"
	asynchook "github.com/unkn0wn-root/cacheaside/hooks/async"
	promhook "github.com/unkn0wn-root/cacheaside/hooks/prom"
	"github.com/unkn0wn-root/cacheaside/internal/account"
	"github.com/unkn0wn-root/cacheaside/internal/config"
	"github.com/unkn0wn-root/cacheaside/internal/ledger"
	"github.com/unkn0wn-root/cacheaside/invalidation"
	pr "github.com/unkn0wn-root/cacheaside/provider"
	bcp "github.com/unkn0wn-root/cacheaside/provider/bigcache"
	"github.com/unkn0wn-root/cacheaside/provider/breaker"
	rp "github.com/unkn0wn-root/cacheaside/provider/redis"
	rcp "github.com/unkn0wn-root/cacheaside/provider/ristretto"
	"github.com/unkn0wn-root/cacheaside/store/sqlstore"
)

// App holds the wired components. Shutdown releases them in reverse order.
type App struct {
	Config   *config.Config
	KV       *cacheaside.KV
	DB       *gorm.DB
	Accounts *account.Service
	Ledger   *ledger.Ledger
	Router   *invalidation.Router
	Bus      events.Bus
	Breaker  *breaker.Provider

	log   cacheaside.Logger
	rdb   goredis.UniversalClient
	hooks *asynchook.Hooks
}

// Deps are the process-level collaborators New does not build itself.
type Deps struct {
	Logger   cacheaside.Logger
	Registry prometheus.Registerer
	// Redis overrides the client built from config, e.g. for tests.
	Redis goredis.UniversalClient
}

func New(ctx context.Context, cfg *config.Config, deps Deps) (_ *App, err error) {
	log := deps.Logger
	if log == nil {
		log = cacheaside.NopLogger{}
	}
	a := &App{Config: cfg, log: log, rdb: deps.Redis}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.Background())
		}
	}()

	metrics, err := promhook.New(cfg.MetricsNamespace, deps.Registry)
	if err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}
	a.hooks = asynchook.New(metrics, 1, 4096)

	if a.rdb == nil && (cfg.CacheProvider == "redis" || cfg.EventBus == "redis") {
		a.rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
	}

	inner, setCost, err := a.provider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Breaker = breaker.New(inner, breaker.Config{
		Name:        cfg.CacheProvider,
		MaxFailures: uint32(cfg.BreakerMaxFailures),
		OpenTimeout: cfg.BreakerOpenTimeout,
		CallTimeout: cfg.CacheOpTimeout,
		OnStateChange: func(name, from, to string) {
			log.Warn("cache circuit state changed", cacheaside.Fields{"provider": name, "from": from, "to": to})
		},
	})

	var counters counter.Store
	if a.rdb != nil {
		counters = counter.NewRedis(a.rdb, counter.DefaultRedisPrefix, false)
	} else {
		counters = counter.NewLocal(time.Minute)
	}

	a.KV, err = cacheaside.New(cacheaside.Options{
		Provider:       a.Breaker,
		Counters:       counters,
		Logger:         log,
		Hooks:          a.hooks,
		DefaultTTL:     cfg.CacheDefaultTTL,
		OpTimeout:      cfg.CacheOpTimeout,
		ComputeSetCost: setCost,
		Disabled:       cfg.CacheDisabled,
	})
	if err != nil {
		return nil, err
	}

	dialect, err := sqlstore.ParseDialect(cfg.DatabaseType)
	if err != nil {
		return nil, err
	}
	a.DB, err = sqlstore.Open(ctx, dialect, cfg.DatabaseDSN())
	if err != nil {
		return nil, err
	}
	if err := account.Migrate(ctx, a.DB); err != nil {
		return nil, err
	}
	if err := ledger.Migrate(ctx, a.DB); err != nil {
		return nil, err
	}
	users, err := account.NewStore(a.DB)
	if err != nil {
		return nil, err
	}
	trades, err := ledger.NewStore(a.DB)
	if err != nil {
		return nil, err
	}

	if err := a.bus(ctx, cfg); err != nil {
		return nil, err
	}

	chain, profiles := a.KV.Scope(invalidation.Chain), a.KV.Scope("")
	a.Accounts, err = account.NewService(a.KV, users, account.Options{
		Bus:      a.Bus,
		Profiles: profiles,
		Lockout: cacheaside.LockoutOptions{
			MaxFailures: cfg.PinMaxFailures,
			Window:      cfg.PinFailureWindow,
		},
	})
	if err != nil {
		return nil, err
	}

	a.Ledger, err = ledger.New(trades, chain, ledger.Options{Logger: log})
	if err != nil {
		return nil, err
	}

	a.Router, err = invalidation.NewRouter(invalidation.Config{
		Targets: map[string]*cacheaside.Scope{
			invalidation.Chain: chain,
			invalidation.Users: profiles,
		},
		Rules:  invalidation.DefaultRules(),
		Logger: log,
		Hooks:  a.hooks,
	})
	if err != nil {
		return nil, err
	}
	// trades are recorded before the views over them are purged
	a.Ledger.Subscribe(a.Bus)
	a.Router.Subscribe(a.Bus)
	if rb, ok := a.Bus.(*redisbus.Bus); ok {
		if err := rb.Start(ctx); err != nil {
			return nil, fmt.Errorf("app: start event bus: %w", err)
		}
	}

	log.Info("cache-aside stack ready", cacheaside.Fields{
		"provider": cfg.CacheProvider, "database": cfg.DatabaseType, "bus": cfg.EventBus,
	})
	return a, nil
}

func (a *App) provider(ctx context.Context, cfg *config.Config) (pr.Provider, cacheaside.SetCostFunc, error) {
	switch cfg.CacheProvider {
	case "redis":
		p, err := rp.New(rp.Config{Client: a.rdb})
		return p, nil, err
	case "ristretto":
		maxCost := int64(cfg.CacheLocalMaxCost) << 20
		p, err := rcp.New(rcp.Config{
			NumCounters: maxCost / 100,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
		return p, func(_ string, raw []byte) int64 { return int64(len(raw)) }, err
	case "bigcache":
		a.log.Warn("bigcache ignores per-entry TTLs; every entry lives for the default TTL", cacheaside.Fields{
			"lifeWindow": cfg.CacheDefaultTTL, "userTTL": account.UserTTL,
		})
		p, err := bcp.New(ctx, bcp.Config{
			LifeWindow:         cfg.CacheDefaultTTL,
			HardMaxCacheSizeMB: cfg.CacheLocalMaxCost,
		})
		return p, nil, err
	}
	return nil, nil, fmt.Errorf("app: unknown cache provider %q", cfg.CacheProvider)
}

func (a *App) bus(_ context.Context, cfg *config.Config) error {
	switch cfg.EventBus {
	case "redis":
		b, err := redisbus.New(redisbus.Config{
			Client: a.rdb,
			Prefix: cfg.EventChannelPrefix,
			Logger: a.log,
			Hooks:  a.hooks,
		})
		if err != nil {
			return err
		}
		a.Bus = b
	default:
		a.Bus = local.New(local.Options{
			Workers:  cfg.EventWorkers,
			QueueLen: cfg.EventQueue,
			Logger:   a.log,
			Hooks:    a.hooks,
		})
	}
	return nil
}

// Shutdown drains the bus, then closes the cache, the database and the
// redis client. It is safe on a partially built App.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close(ctx))
	}
	if a.hooks != nil {
		a.hooks.Close()
	}
	switch {
	case a.KV != nil:
		errs = append(errs, a.KV.Close(ctx))
	case a.Breaker != nil:
		errs = append(errs, a.Breaker.Close(ctx))
	}
	if a.DB != nil {
		errs = append(errs, sqlstore.Close(a.DB))
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
