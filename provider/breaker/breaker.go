// Package breaker wraps a provider with a circuit breaker so a failing
// remote cache is skipped quickly instead of costing a timeout per call.
// While the circuit is open every call fails fast with ErrOpen, which
// cacheaside treats as a miss.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	pr "github.com/unkn0wn-root/cacheaside/provider"
)

var ErrOpen = errors.New("breaker: circuit open")

type Config struct {
	Name string
	// MaxFailures consecutive failures open the circuit. Default 5.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before probing. Default 30s.
	OpenTimeout time.Duration
	// HalfOpenRequests allowed while probing. Default 1.
	HalfOpenRequests uint32
	// CallTimeout bounds every inner call. 0 leaves the caller's deadline alone.
	CallTimeout time.Duration
	// OnStateChange is called on every transition, e.g. to log it.
	OnStateChange func(name, from, to string)
}

type Provider struct {
	inner       pr.Provider
	cb          *gobreaker.CircuitBreaker
	callTimeout time.Duration
}

var (
	_ pr.Provider     = (*Provider)(nil)
	_ pr.Scanner      = (*Provider)(nil)
	_ pr.BatchDeleter = (*Provider)(nil)
)

func New(inner pr.Provider, cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "cache"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.MaxFailures
		},
		// caller cancellation says nothing about the provider's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	if cfg.OnStateChange != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}
	return &Provider{inner: inner, cb: gobreaker.NewCircuitBreaker(st), callTimeout: cfg.CallTimeout}
}

// State reports the breaker state: "closed", "half-open" or "open".
func (p *Provider) State() string { return p.cb.State().String() }

func (p *Provider) do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	v, err := p.cb.Execute(func() (interface{}, error) {
		if p.callTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
			defer cancel()
		}
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return v, err
}

type hit struct {
	b  []byte
	ok bool
}

func (p *Provider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := p.do(ctx, func(ctx context.Context) (any, error) {
		b, ok, err := p.inner.Get(ctx, key)
		return hit{b, ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	h := v.(hit)
	return h.b, h.ok, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	v, err := p.do(ctx, func(ctx context.Context) (any, error) {
		return p.inner.Set(ctx, key, value, cost, ttl)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, func(ctx context.Context) (any, error) {
		return nil, p.inner.Del(ctx, key)
	})
	return err
}

func (p *Provider) Keys(ctx context.Context, prefix string) ([]string, error) {
	sc, ok := p.inner.(pr.Scanner)
	if !ok {
		return nil, pr.ErrScanUnsupported
	}
	v, err := p.do(ctx, func(ctx context.Context) (any, error) {
		return sc.Keys(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (p *Provider) DelMany(ctx context.Context, keys []string) error {
	_, err := p.do(ctx, func(ctx context.Context) (any, error) {
		if bd, ok := p.inner.(pr.BatchDeleter); ok {
			return nil, bd.DelMany(ctx, keys)
		}
		for _, k := range keys {
			if err := p.inner.Del(ctx, k); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// Close bypasses the breaker.
func (p *Provider) Close(ctx context.Context) error { return p.inner.Close(ctx) }
