package kv

import (
	"context"
	"errors"
	"time"

	"github.com/ocx/assurance/internal/circuitbreaker"
	"github.com/ocx/assurance/internal/core"
)

// Resilient wraps a Store with a per-call timeout, bounded retry with
// exponential backoff and a circuit breaker. Exhausted calls return an
// error wrapping core.ErrStoreUnavailable; each caller decides whether that
// means fail open or fail safe.
type Resilient struct {
	next        Store
	breaker     *circuitbreaker.Breaker
	policy      circuitbreaker.RetryPolicy
	callTimeout time.Duration
}

// ResilientConfig configures NewResilient.
type ResilientConfig struct {
	Attempts       int
	Backoff        time.Duration
	BreakerTimeout time.Duration
	CallTimeout    time.Duration
}

// NewResilient wraps next.
func NewResilient(next Store, cfg ResilientConfig) *Resilient {
	return &Resilient{
		next:    next,
		breaker: circuitbreaker.New(circuitbreaker.Settings{Name: "kv", OpenFor: cfg.BreakerTimeout}),
		policy: circuitbreaker.RetryPolicy{
			Attempts:   cfg.Attempts,
			Backoff:    cfg.Backoff,
			MaxBackoff: 500 * time.Millisecond,
		},
		callTimeout: cfg.CallTimeout,
	}
}

// Ping reports the store as unavailable while the circuit is open. It does
// not touch the backend.
func (r *Resilient) Ping(context.Context) error {
	if state := r.breaker.State(); state == circuitbreaker.StateOpen {
		return core.E("kv.ping", core.ErrStoreUnavailable, circuitbreaker.ErrCircuitOpen)
	}
	return nil
}

func (r *Resilient) do(ctx context.Context, op string, fn func(context.Context) error) error {
	err := circuitbreaker.Retry(ctx, r.breaker, r.policy, func(ctx context.Context) error {
		if r.callTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
			defer cancel()
		}
		err := fn(ctx)
		if errors.Is(err, ErrNotFound) {
			return circuitbreaker.Permanent(err)
		}
		return err
	})
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return core.E("kv."+op, core.ErrStoreUnavailable, err)
}

func (r *Resilient) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := r.do(ctx, "get", func(ctx context.Context) error {
		v, err := r.next.Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.do(ctx, "set", func(ctx context.Context) error {
		return r.next.Set(ctx, key, value, ttl)
	})
}

func (r *Resilient) Del(ctx context.Context, keys ...string) error {
	return r.do(ctx, "del", func(ctx context.Context) error {
		return r.next.Del(ctx, keys...)
	})
}

func (r *Resilient) Exists(ctx context.Context, key string) (bool, error) {
	var out bool
	err := r.do(ctx, "exists", func(ctx context.Context) error {
		v, err := r.next.Exists(ctx, key)
		out = v
		return err
	})
	return out, err
}

// IncrWithTTL is not retried: a retry after an ambiguous failure could
// count twice.
func (r *Resilient) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var out int64
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		if r.callTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
			defer cancel()
		}
		v, err := r.next.IncrWithTTL(ctx, key, ttl)
		out = v
		return err
	})
	if err != nil {
		return 0, core.E("kv.incr", core.ErrStoreUnavailable, err)
	}
	return out, nil
}

func (r *Resilient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.do(ctx, "expire", func(ctx context.Context) error {
		return r.next.Expire(ctx, key, ttl)
	})
}

// ZAdd is idempotent per member, so retrying is safe.
func (r *Resilient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.do(ctx, "zadd", func(ctx context.Context) error {
		return r.next.ZAdd(ctx, key, score, member)
	})
}

func (r *Resilient) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	var out int64
	err := r.do(ctx, "zremrangebyscore", func(ctx context.Context) error {
		v, err := r.next.ZRemRangeByScore(ctx, key, min, max)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	var out int64
	err := r.do(ctx, "zcount", func(ctx context.Context) error {
		v, err := r.next.ZCount(ctx, key, min, max)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) ZCard(ctx context.Context, key string) (int64, error) {
	var out int64
	err := r.do(ctx, "zcard", func(ctx context.Context) error {
		v, err := r.next.ZCard(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) ZOldest(ctx context.Context, key string) (ScoredMember, bool, error) {
	var (
		out ScoredMember
		ok  bool
	)
	err := r.do(ctx, "zoldest", func(ctx context.Context) error {
		v, found, err := r.next.ZOldest(ctx, key)
		out, ok = v, found
		return err
	})
	return out, ok, err
}

var _ Store = (*Resilient)(nil)
