package bigcache

import (
	"context"
	"errors"
	"strings"
	"time"

	bc "github.com/allegro/bigcache/v3"

	pr "github.com/unkn0wn-root/cacheaside/provider"
)

// Provider wraps bigcache. Entry lifetime is the global LifeWindow; the
// per-call TTL passed to Set is ignored.
type Provider struct {
	c *bc.BigCache
}

var (
	_ pr.Provider     = (*Provider)(nil)
	_ pr.Scanner      = (*Provider)(nil)
	_ pr.BatchDeleter = (*Provider)(nil)
)

type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	if err := p.c.Set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	err := p.c.Delete(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil
	}
	return err
}

// Keys walks every shard with bigcache's iterator.
func (p *Provider) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	it := p.c.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			// entry vanished between SetNext and Value
			continue
		}
		if k := e.Key(); strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (p *Provider) DelMany(ctx context.Context, keys []string) error {
	var errs []error
	for _, k := range keys {
		if err := p.Del(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}
