package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/assurance/internal/config"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/kv"
	"github.com/ocx/assurance/internal/ratelimit"
)

type fakeSessions map[string]*core.DeviceSession

func (f fakeSessions) GetSession(_ context.Context, id string) (*core.DeviceSession, error) {
	if s, ok := f[id]; ok {
		return s, nil
	}
	return nil, core.ErrNotFound
}

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	return ratelimit.New(kv.NewMemoryStore(kv.WithClock(clock)), config.RateLimitConfig{
		Adaptive: true,
		Default:  config.EndpointLimit{Max: 100, Window: time.Minute},
		Endpoints: map[string]config.EndpointLimit{
			"test": {Max: 2, Window: time.Minute},
		},
	}, ratelimit.WithClock(clock))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func serve(h http.Handler, setup func(r *http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/thing", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	events := &core.EventRecorder{}
	rl := NewRateLimiter(newTestLimiter(t), nil, events)
	h := RequestContext(rl.For("test")(okHandler()))

	for i := 0; i < 2; i++ {
		rec := serve(h, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := serve(h, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.EqualValues(t, 60, body["retry_after_seconds"])

	assert.Equal(t, []core.EventType{core.EventRateLimitExceeded}, events.Types())
	assert.Equal(t, "test", events.Events()[0].Data["endpoint"])
}

func TestRateLimiterSeparatesIdentities(t *testing.T) {
	rl := NewRateLimiter(newTestLimiter(t), nil, nil)
	h := RequestContext(rl.For("test")(okHandler()))

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusNoContent, serve(h, nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(h, nil).Code)

	rec := serve(h, func(r *http.Request) { r.Header.Set("X-User-ID", "u1") })
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(h, func(r *http.Request) { r.RemoteAddr = "203.0.113.9:1" })
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterRaisesLimitForTrustedSession(t *testing.T) {
	sessions := fakeSessions{"s1": {ID: "s1", UserID: "u1", ConfidenceScore: 100}}
	rl := NewRateLimiter(newTestLimiter(t), sessions, nil)
	h := RequestContext(rl.For("test")(okHandler()))

	withSession := func(r *http.Request) {
		r.Header.Set("X-User-ID", "u1")
		r.Header.Set("X-Session-ID", "s1")
	}
	rec := serve(h, withSession)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Remaining"))

	rec = serve(h, func(r *http.Request) {
		r.Header.Set("X-User-ID", "u2")
		r.Header.Set("X-Session-ID", "missing")
	})
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimiterIgnoresBorrowedOrExpiredSessions(t *testing.T) {
	sessions := fakeSessions{
		"bob-live":    {ID: "bob-live", UserID: "bob", ConfidenceScore: 100},
		"bob-expired": {ID: "bob-expired", UserID: "bob", ConfidenceScore: 100, ExpiresAt: time.Now().Add(-time.Hour)},
	}
	events := &core.EventRecorder{}
	rl := NewRateLimiter(newTestLimiter(t), sessions, events)
	h := RequestContext(rl.For("test")(okHandler()))

	as := func(user, sessionID string) func(r *http.Request) {
		return func(r *http.Request) {
			r.Header.Set("X-User-ID", user)
			r.Header.Set("X-Session-ID", sessionID)
		}
	}

	admitted := 0
	for i := 0; i < 4; i++ {
		rec := serve(h, as("mallory", "bob-live"))
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		if rec.Code == http.StatusNoContent {
			admitted++
		}
	}
	assert.Equal(t, 2, admitted)
	require.NotEmpty(t, events.Events())
	assert.EqualValues(t, 2, events.Events()[0].Data["limit"])

	rec := serve(h, as("bob", "bob-expired"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

	rec = serve(h, as("bob", "bob-live"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Limit"))
}

type touchRecorder struct {
	calls []string
	err   error
}

func (t *touchRecorder) Touch(_ context.Context, userID, sessionID string) error {
	t.calls = append(t.calls, userID+"/"+sessionID)
	return t.err
}

func TestSessionActivityTouchesCallerSession(t *testing.T) {
	touches := &touchRecorder{}
	h := RequestContext(SessionActivity(touches)(okHandler()))

	serve(h, func(r *http.Request) { r.Header.Set("X-User-ID", "u1") })
	assert.Empty(t, touches.calls)

	rec := serve(h, func(r *http.Request) {
		r.Header.Set("X-User-ID", "u1")
		r.Header.Set("X-Session-ID", "s1")
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"u1/s1"}, touches.calls)

	touches.err = errors.New("store down")
	rec = serve(h, func(r *http.Request) {
		r.Header.Set("X-User-ID", "u1")
		r.Header.Set("X-Session-ID", "s1")
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequireUser(t *testing.T) {
	h := RequestContext(RequireUser(okHandler()))

	assert.Equal(t, http.StatusUnauthorized, serve(h, nil).Code)
	rec := serve(h, func(r *http.Request) { r.Header.Set("X-User-ID", "u1") })
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestContextAttachesMetadata(t *testing.T) {
	var got core.RequestContext
	h := RequestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = core.RequestContextFrom(r.Context())
	}))
	serve(h, func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "203.0.113.50, 10.0.0.1")
		r.Header.Set("User-Agent", "curl/8.0")
	})

	assert.Equal(t, "203.0.113.50", got.IPAddress)
	assert.Equal(t, "curl/8.0", got.UserAgent)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/v1/thing", got.Path)
}
