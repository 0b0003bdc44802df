package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix keeps counters out of the cache entry keyspace, so a
// prefix purge of cached values never touches them.
const DefaultRedisPrefix = "ctr:"

// Redis shares counters across processes and survives restarts.
type Redis struct {
	rdb         redis.UniversalClient
	prefix      string
	closeClient bool
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Redis-backed counter store. An empty prefix selects
// DefaultRedisPrefix.
func NewRedis(client redis.UniversalClient, prefix string, closeClient bool) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{rdb: client, prefix: prefix, closeClient: closeClient}
}

func (s *Redis) key(k string) string { return s.prefix + k }

// Incr pipelines INCR and EXPIRE in one round trip when ttl > 0.
func (s *Redis) Incr(ctx context.Context, k string, ttl time.Duration) (int64, error) {
	rk := s.key(k)
	if ttl <= 0 {
		return s.rdb.Incr(ctx, rk).Result()
	}

	var incr *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, rk)
		p.Expire(ctx, rk, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *Redis) Get(ctx context.Context, k string) (int64, error) {
	res, err := s.rdb.Get(ctx, s.key(k)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis counter parse %s: %w", k, err)
	}
	return n, nil
}

func (s *Redis) Reset(ctx context.Context, k string) error {
	return s.rdb.Del(ctx, s.key(k)).Err()
}

// Close closes the client only when this store owns it.
func (s *Redis) Close(context.Context) error {
	if !s.closeClient {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
