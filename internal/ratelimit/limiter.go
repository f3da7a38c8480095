// Package ratelimit implements a sliding-window rate limiter over the shared
// key-value store. Each (endpoint, identifier) pair owns an ordered set of
// request timestamps; the confidence score of the caller's device raises the
// limit when adaptive mode is on.
//
// The limiter is a defense-in-depth layer. When the store is unreachable it
// fails open and logs.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/assurance/internal/config"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/kv"
	"github.com/ocx/assurance/internal/metrics"
)

// Result is a rate limit decision.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	Reset      time.Time     `json:"reset"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Blocked    bool          `json:"blocked,omitempty"`
	// Degraded is set when the store failed and the request was admitted
	// without being counted.
	Degraded bool `json:"degraded,omitempty"`
}

// Limiter enforces per-endpoint, per-identity limits.
type Limiter struct {
	store   kv.Store
	cfg     config.RateLimitConfig
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock injects the clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter.
func New(store kv.Store, cfg config.RateLimitConfig, opts ...Option) *Limiter {
	if cfg.Default.Max <= 0 {
		cfg.Default = config.EndpointLimit{Max: 100, Window: time.Minute}
	}
	if cfg.TTLBuffer <= 0 {
		cfg.TTLBuffer = time.Minute
	}
	l := &Limiter{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Endpoint resolves the limit for an endpoint, falling back to the default.
func (l *Limiter) Endpoint(endpoint string) config.EndpointLimit {
	if ep, ok := l.cfg.Endpoints[endpoint]; ok && ep.Max > 0 && ep.Window > 0 {
		return ep
	}
	return l.cfg.Default
}

// AdaptiveLimit scales base by the confidence score:
// floor(base * (1 + score/100)). A zero score or disabled adaptation leaves
// base unchanged.
func AdaptiveLimit(base, confidenceScore int, adaptive bool) int {
	score := core.Clamp(confidenceScore)
	if !adaptive || score == 0 {
		return base
	}
	return base * (100 + score) / 100
}

func windowKey(endpoint, identifier string) string {
	return "ratelimit:" + endpoint + ":" + identifier
}

func blockKey(identifier string) string {
	return "ratelimit:block:" + identifier
}

func penaltyKey(identifier string) string {
	return "ratelimit:penalty:" + identifier
}

func isNotFound(err error) bool {
	return errors.Is(err, kv.ErrNotFound)
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// CheckLimit counts the request against the window and decides whether it
// may proceed.
func (l *Limiter) CheckLimit(ctx context.Context, endpoint, identifier string, confidenceScore int) Result {
	if identifier == "" {
		identifier = "anonymous"
	}
	ep := l.Endpoint(endpoint)
	now := l.now()

	res, err := l.checkLimit(ctx, endpoint, identifier, confidenceScore, ep, now)
	if err != nil {
		slog.Warn("[RateLimiter] store unavailable, failing open",
			"endpoint", endpoint,
			"identifier", identifier,
			"error", err,
		)
		l.metrics.RecordFailOpen(endpoint)
		limit := AdaptiveLimit(ep.Max, confidenceScore, l.cfg.Adaptive)
		return Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - 1,
			Reset:     now.Add(ep.Window),
			Degraded:  true,
		}
	}

	switch {
	case res.Blocked:
		l.metrics.RecordRateLimit(endpoint, "blocked")
	case res.Allowed:
		l.metrics.RecordRateLimit(endpoint, "allowed")
	default:
		l.metrics.RecordRateLimit(endpoint, "denied")
		slog.Info("[RateLimiter] limit exceeded",
			"endpoint", endpoint,
			"identifier", identifier,
			"limit", res.Limit,
			"retry_after", res.RetryAfter,
		)
	}
	return res
}

func (l *Limiter) checkLimit(ctx context.Context, endpoint, identifier string, score int, ep config.EndpointLimit, now time.Time) (Result, error) {
	if res, blocked, err := l.blocked(ctx, identifier, now); err != nil || blocked {
		return res, err
	}
	limit, err := l.effectiveLimit(ctx, identifier, ep.Max, score)
	if err != nil {
		return Result{}, err
	}

	key := windowKey(endpoint, identifier)
	windowStart := millis(now.Add(-ep.Window))
	if _, err := l.store.ZRemRangeByScore(ctx, key, math.Inf(-1), windowStart); err != nil {
		return Result{}, err
	}
	count, err := l.store.ZCard(ctx, key)
	if err != nil {
		return Result{}, err
	}

	if int(count) >= limit {
		retryAfter, err := l.retryAfter(ctx, key, ep.Window, now)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			Reset:      now.Add(retryAfter),
			RetryAfter: retryAfter,
		}, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
	if err := l.store.ZAdd(ctx, key, millis(now), member); err != nil {
		return Result{}, err
	}
	if err := l.store.Expire(ctx, key, ep.Window+l.cfg.TTLBuffer); err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count) - 1,
		Reset:     now.Add(ep.Window),
	}, nil
}

// GetStatus reports the current state of a window without recording a
// request.
func (l *Limiter) GetStatus(ctx context.Context, endpoint, identifier string, confidenceScore int) (Result, error) {
	if identifier == "" {
		identifier = "anonymous"
	}
	ep := l.Endpoint(endpoint)
	now := l.now()

	if res, blocked, err := l.blocked(ctx, identifier, now); err != nil || blocked {
		return res, err
	}
	limit, err := l.effectiveLimit(ctx, identifier, ep.Max, confidenceScore)
	if err != nil {
		return Result{}, err
	}

	key := windowKey(endpoint, identifier)
	windowStart := millis(now.Add(-ep.Window))
	count, err := l.store.ZCount(ctx, key, math.Nextafter(windowStart, math.Inf(1)), math.Inf(1))
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed:   int(count) < limit,
		Limit:     limit,
		Remaining: max(0, limit-int(count)),
		Reset:     now.Add(ep.Window),
	}
	if !res.Allowed {
		retryAfter, err := l.retryAfter(ctx, key, ep.Window, now)
		if err != nil {
			return Result{}, err
		}
		res.RetryAfter = retryAfter
		res.Reset = now.Add(retryAfter)
	}
	return res, nil
}

// retryAfter is the time until the oldest entry leaves the window.
func (l *Limiter) retryAfter(ctx context.Context, key string, window time.Duration, now time.Time) (time.Duration, error) {
	oldest, ok, err := l.store.ZOldest(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return time.Second, nil
	}
	expiresAt := time.UnixMilli(int64(oldest.Score)).Add(window)
	retry := expiresAt.Sub(now)
	if retry < time.Millisecond {
		// a stale entry the status path did not evict
		retry = time.Second
	}
	return retry, nil
}

func (l *Limiter) blocked(ctx context.Context, identifier string, now time.Time) (Result, bool, error) {
	val, err := l.store.Get(ctx, blockKey(identifier))
	if isNotFound(err) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	untilMs, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return Result{}, false, nil
	}
	retry := time.UnixMilli(untilMs).Sub(now)
	if retry <= 0 {
		return Result{}, false, nil
	}
	return Result{
		Allowed:    false,
		Blocked:    true,
		Reset:      now.Add(retry),
		RetryAfter: retry,
	}, true, nil
}

func (l *Limiter) effectiveLimit(ctx context.Context, identifier string, base, score int) (int, error) {
	limit := AdaptiveLimit(base, score, l.cfg.Adaptive)

	val, err := l.store.Get(ctx, penaltyKey(identifier))
	if isNotFound(err) {
		return limit, nil
	}
	if err != nil {
		return 0, err
	}
	factor, err := strconv.Atoi(val)
	if err != nil || factor <= 1 {
		return limit, nil
	}
	return max(1, limit/factor), nil
}

// Block denies every endpoint for identifier until ttl elapses.
func (l *Limiter) Block(ctx context.Context, identifier string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: block duration must be positive", core.ErrValidation)
	}
	until := l.now().Add(ttl).UnixMilli()
	if err := l.store.Set(ctx, blockKey(identifier), strconv.FormatInt(until, 10), ttl); err != nil {
		return fmt.Errorf("block %s: %w", identifier, err)
	}
	slog.Warn("[RateLimiter] identifier blocked", "identifier", identifier, "ttl", ttl)
	return nil
}

// Penalize divides every limit for identifier by factor until ttl elapses.
func (l *Limiter) Penalize(ctx context.Context, identifier string, factor int, ttl time.Duration) error {
	if factor <= 1 || ttl <= 0 {
		return fmt.Errorf("%w: penalty needs factor > 1 and a positive duration", core.ErrValidation)
	}
	if err := l.store.Set(ctx, penaltyKey(identifier), strconv.Itoa(factor), ttl); err != nil {
		return fmt.Errorf("penalize %s: %w", identifier, err)
	}
	slog.Info("[RateLimiter] identifier penalized", "identifier", identifier, "factor", factor, "ttl", ttl)
	return nil
}

// Unblock lifts a block and any penalty for identifier.
func (l *Limiter) Unblock(ctx context.Context, identifier string) error {
	return l.store.Del(ctx, blockKey(identifier), penaltyKey(identifier))
}

// Reset clears the window of one endpoint for identifier.
func (l *Limiter) Reset(ctx context.Context, endpoint, identifier string) error {
	return l.store.Del(ctx, windowKey(endpoint, identifier))
}
