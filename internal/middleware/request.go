package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/security"
)

// RequestContext attaches the caller's address, agent and upstream identity
// headers to the request context.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := security.ExtractRequestContext(r)
		next.ServeHTTP(w, r.WithContext(core.WithRequestContext(r.Context(), rc)))
	})
}

// RequireUser rejects requests without the upstream X-User-ID header.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestContext(r).UserID == "" {
			http.Error(w, "missing "+security.HeaderUserID, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects callers whose upstream X-User-Role is not role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requestContext(r).Role != role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActivityRecorder marks a device session as used. session.Service
// implements it.
type ActivityRecorder interface {
	Touch(ctx context.Context, userID, sessionID string) error
}

// SessionActivity records activity on the caller's device session named in
// X-Session-ID. Failures never block the request.
func SessionActivity(sessions ActivityRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := requestContext(r)
			if rc.UserID != "" && rc.SessionID != "" {
				if err := sessions.Touch(r.Context(), rc.UserID, rc.SessionID); err != nil && !errors.Is(err, core.ErrNotFound) {
					slog.Warn("[HTTP] failed to record session activity", "session_id", rc.SessionID, "error", err)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Logging writes one structured line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("[HTTP] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
