package middleware

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/ratelimit"
	"github.com/ocx/assurance/internal/security"
)

// Checker makes rate limit decisions. ratelimit.Limiter implements it.
type Checker interface {
	CheckLimit(ctx context.Context, endpoint, identifier string, confidenceScore int) ratelimit.Result
}

// SessionLookup resolves the caller's device session for its confidence
// score. database.Store implements it.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*core.DeviceSession, error)
}

// RateLimiter enforces per-endpoint limits keyed by the caller's identity.
// The device confidence score of the caller's own live session raises the
// limit.
type RateLimiter struct {
	limiter  Checker
	sessions SessionLookup
	events   core.EventLogger
	now      func() time.Time
}

// NewRateLimiter builds the middleware factory. sessions and events may be
// nil.
func NewRateLimiter(limiter Checker, sessions SessionLookup, events core.EventLogger) *RateLimiter {
	if events == nil {
		events = core.NopEventLogger{}
	}
	return &RateLimiter{limiter: limiter, sessions: sessions, events: events, now: time.Now}
}

// For returns middleware enforcing the named endpoint's limit.
func (rl *RateLimiter) For(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rc := requestContext(r)
			identity := security.Identity(rc)

			res := rl.limiter.CheckLimit(ctx, endpoint, identity, rl.confidence(ctx, rc))
			writeHeaders(w, res)

			if !res.Allowed {
				rl.events.LogEvent(ctx, core.EventRateLimitExceeded, map[string]any{
					"endpoint":    endpoint,
					"limit":       res.Limit,
					"blocked":     res.Blocked,
					"retry_after": res.RetryAfter.Seconds(),
				}, rc)

				retry := retryAfterSeconds(res)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":               "rate limit exceeded",
					"retry_after_seconds": retry,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// confidence is 0 unless the session belongs to the caller and is live.
func (rl *RateLimiter) confidence(ctx context.Context, rc core.RequestContext) int {
	if rl.sessions == nil || rc.SessionID == "" || rc.UserID == "" {
		return 0
	}
	s, err := rl.sessions.GetSession(ctx, rc.SessionID)
	if err != nil || s.UserID != rc.UserID || s.Expired(rl.now()) {
		return 0
	}
	return s.ConfidenceScore
}

func writeHeaders(w http.ResponseWriter, res ratelimit.Result) {
	if res.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, res.Remaining)))
	if !res.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	}
}

func retryAfterSeconds(res ratelimit.Result) int {
	return max(1, int(math.Ceil(res.RetryAfter.Seconds())))
}

func requestContext(r *http.Request) core.RequestContext {
	if rc := core.RequestContextFrom(r.Context()); rc != (core.RequestContext{}) {
		return rc
	}
	return security.ExtractRequestContext(r)
}
