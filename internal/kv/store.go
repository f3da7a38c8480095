// Package kv defines the shared key-value store the assurance services
// coordinate through. Counters and windows rely on the store's atomic
// primitives; services hold no in-process locks around them.
//
// cmd/server injects the Redis adapter from internal/infra; tests and
// single-node development use MemoryStore.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = errors.New("kv: key not found")

// ScoredMember is one entry of an ordered set.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the minimal contract the services need. Any Redis client can
// satisfy it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// IncrWithTTL atomically increments key and guarantees it carries ttl.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	// ZCount counts members with min <= score <= max.
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZOldest returns the lowest-scored member, or false for an empty set.
	ZOldest(ctx context.Context, key string) (ScoredMember, bool, error)
}
