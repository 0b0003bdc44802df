package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/cacheaside/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

const (
	defaultScanCount = 500
	defaultDelBatch  = 256
)

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
	scanCount   int64
	delBatch    int
}

var (
	_ pr.Provider     = (*Redis)(nil)
	_ pr.Scanner      = (*Redis)(nil)
	_ pr.BatchDeleter = (*Redis)(nil)
)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this provider exclusively owns the client

	// ScanCount is the COUNT hint for SCAN during prefix listing. Default 500.
	ScanCount int64
	// DelBatch caps keys per UNLINK call. Default 256.
	DelBatch int
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	p := &Redis{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		scanCount:   cfg.ScanCount,
		delBatch:    cfg.DelBatch,
	}
	if p.scanCount <= 0 {
		p.scanCount = defaultScanCount
	}
	if p.delBatch <= 0 {
		p.delBatch = defaultDelBatch
	}
	return p, nil
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	if err := p.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, key).Err()
}

// Keys walks the keyspace with SCAN MATCH "<prefix>*". Glob metacharacters in
// prefix are escaped so the match is literal. On a cluster client only the
// node serving the call is scanned; use ForEachMaster at the call site if
// every shard must be covered.
func (p *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(prefix) + "*"
	var (
		out    []string
		cursor uint64
	)
	for {
		batch, next, err := p.rdb.Scan(ctx, cursor, match, p.scanCount).Result()
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
		if next == 0 {
			return dedupe(out), nil
		}
		cursor = next
	}
}

// DelMany removes keys with UNLINK in fixed-size batches.
func (p *Redis) DelMany(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), p.delBatch)
		if err := p.rdb.Unlink(ctx, keys[:n]...).Err(); err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}

// Close releases the underlying redis client only when this provider owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }

// SCAN may return a key more than once across iterations.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, k := range in {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
