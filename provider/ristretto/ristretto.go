package ristretto

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/cacheaside/provider"
)

var ErrInvalidConfig = errors.New("ristretto provider: invalid config")

// Provider keeps a side index of written keys so prefix deletes can work;
// ristretto itself only stores key hashes. Evicted or expired keys leave the
// index lazily, on the next Keys call, once pending writes are applied.
type Provider struct {
	c         *rc.Cache
	waitOnSet bool

	mu    sync.Mutex
	seq   uint64
	index map[string]uint64 // key -> seq of its last Set
}

var (
	_ pr.Provider     = (*Provider)(nil)
	_ pr.Scanner      = (*Provider)(nil)
	_ pr.BatchDeleter = (*Provider)(nil)
)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
	// WaitOnSet blocks each Set until ristretto has applied it, so a Get
	// right after Set observes the value. Costs write throughput.
	WaitOnSet bool
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, ErrInvalidConfig
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, waitOnSet: cfg.WaitOnSet, index: make(map[string]uint64)}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	if cost <= 0 {
		cost = int64(len(value))
	}
	ok := p.c.SetWithTTL(key, value, cost, ttl)
	if !ok {
		return false, nil
	}
	if p.waitOnSet {
		p.c.Wait()
	}
	p.mu.Lock()
	p.seq++
	p.index[key] = p.seq
	p.mu.Unlock()
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	p.mu.Lock()
	delete(p.index, key)
	p.mu.Unlock()
	return nil
}

type indexed struct {
	key string
	seq uint64
}

func (p *Provider) Keys(_ context.Context, prefix string) ([]string, error) {
	p.mu.Lock()
	candidates := make([]indexed, 0, 16)
	for k, seq := range p.index {
		if strings.HasPrefix(k, prefix) {
			candidates = append(candidates, indexed{key: k, seq: seq})
		}
	}
	p.mu.Unlock()

	// every candidate was indexed after its Set returned, so once the set
	// buffer is drained a miss means evicted, rejected or expired
	p.c.Wait()

	out := make([]string, 0, len(candidates))
	var gone []indexed
	for _, e := range candidates {
		if _, ok := p.c.Get(e.key); ok {
			out = append(out, e.key)
		} else {
			gone = append(gone, e)
		}
	}
	if len(gone) > 0 {
		p.mu.Lock()
		for _, e := range gone {
			// a Set that raced this listing keeps its entry
			if p.index[e.key] == e.seq {
				delete(p.index, e.key)
			}
		}
		p.mu.Unlock()
	}
	return out, nil
}

func (p *Provider) DelMany(ctx context.Context, keys []string) error {
	for _, k := range keys {
		_ = p.Del(ctx, k)
	}
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics exposes ristretto's counters when Config.Metrics is set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
