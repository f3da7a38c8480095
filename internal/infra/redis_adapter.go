// Package infra provides concrete infrastructure adapters for Redis.
//
// GoRedisAdapter wraps go-redis v9 and implements kv.Store plus the
// publisher used by the Redis alert channel. If Redis is not configured,
// cmd/server falls back to kv.MemoryStore.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/assurance/internal/kv"
)

// incrWithTTL increments and sets the expiry only when the key has none,
// in one round trip, so a counter can never be left without a TTL.
var incrWithTTL = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// GoRedisAdapter wraps go-redis v9.
type GoRedisAdapter struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

// NewGoRedisAdapter connects to Redis using the provided options.
// Returns the adapter and any connection error (caller decides whether to
// fall back to in-memory).
func NewGoRedisAdapter(addr, password string, db int, keyPrefix string) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return NewGoRedisAdapterFromClient(rdb, keyPrefix), nil
}

// NewGoRedisAdapterFromClient wraps an existing client (cluster, sentinel).
func NewGoRedisAdapterFromClient(rdb redis.UniversalClient, keyPrefix string) *GoRedisAdapter {
	return &GoRedisAdapter{rdb: rdb, keyPrefix: keyPrefix}
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// Ping checks connectivity for health endpoints.
func (a *GoRedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

func (a *GoRedisAdapter) key(k string) string {
	return a.keyPrefix + k
}

// =============================================================================
// kv.Store implementation
// =============================================================================

func (a *GoRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	val, err := a.rdb.Get(ctx, a.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", kv.ErrNotFound
	}
	return val, err
}

func (a *GoRedisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return a.rdb.Set(ctx, a.key(key), value, ttl).Err()
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = a.key(k)
	}
	return a.rdb.Del(ctx, prefixed...).Err()
}

func (a *GoRedisAdapter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := a.rdb.Exists(ctx, a.key(key)).Result()
	return n > 0, err
}

func (a *GoRedisAdapter) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrWithTTL.Run(ctx, a.rdb, []string{a.key(key)}, ttl.Milliseconds()).Int64()
}

func (a *GoRedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.PExpire(ctx, a.key(key), ttl).Err()
}

func (a *GoRedisAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return a.rdb.ZAdd(ctx, a.key(key), redis.Z{Score: score, Member: member}).Err()
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (a *GoRedisAdapter) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return a.rdb.ZRemRangeByScore(ctx, a.key(key), formatScore(min), formatScore(max)).Result()
}

func (a *GoRedisAdapter) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	return a.rdb.ZCount(ctx, a.key(key), formatScore(min), formatScore(max)).Result()
}

func (a *GoRedisAdapter) ZCard(ctx context.Context, key string) (int64, error) {
	return a.rdb.ZCard(ctx, a.key(key)).Result()
}

func (a *GoRedisAdapter) ZOldest(ctx context.Context, key string) (kv.ScoredMember, bool, error) {
	res, err := a.rdb.ZRangeWithScores(ctx, a.key(key), 0, 0).Result()
	if err != nil {
		return kv.ScoredMember{}, false, err
	}
	if len(res) == 0 {
		return kv.ScoredMember{}, false, nil
	}
	member, _ := res[0].Member.(string)
	return kv.ScoredMember{Member: member, Score: res[0].Score}, true, nil
}

// =============================================================================
// alert.Publisher implementation
// =============================================================================

// Publish sends message on a Redis Pub/Sub channel. Channels are not
// prefixed.
func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

var _ kv.Store = (*GoRedisAdapter)(nil)
