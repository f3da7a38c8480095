// Package api exposes the assurance services over REST/JSON. Callers are
// authenticated upstream; the user and device session arrive in the
// X-User-ID and X-Session-ID headers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/assurance/internal/aal"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/middleware"
	"github.com/ocx/assurance/internal/mfa"
	"github.com/ocx/assurance/internal/ratelimit"
	"github.com/ocx/assurance/internal/session"
)

// Rate limit endpoint names applied to the routes below.
const (
	LimitMFASetup  = "auth.mfa_setup"
	LimitMFAVerify = "auth.mfa_verify"
	LimitSensitive = "api.sensitive"
	LimitDefault   = "api.default"
)

// MFA is the TOTP and backup-code lifecycle. mfa.Verifier implements it.
type MFA interface {
	GenerateSecret(ctx context.Context, userID, accountName string) (*mfa.Setup, error)
	VerifyTOTP(ctx context.Context, userID, token string, isBackupCode bool) (*mfa.Result, error)
	Enable2FA(ctx context.Context, userID, token string) (*mfa.Result, error)
	Disable2FA(ctx context.Context, userID string) error
	Is2FAEnabled(ctx context.Context, userID string) (bool, error)
	GetBackupCodesCount(ctx context.Context, userID string) (core.BackupCodeCount, error)
	RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error)
}

// Assurance is the AAL state machine. aal.Manager implements it.
type Assurance interface {
	CheckAALRequirement(ctx context.Context, userID, operation string, currentAAL core.AALLevel) (*aal.Decision, error)
	Guard(ctx context.Context, sessionID, operation string) (*aal.Decision, error)
	UpgradeAAL(ctx context.Context, sessionID string, v aal.Verification) error
	GetCurrentAAL(ctx context.Context, sessionID string) (core.AALLevel, error)
}

// Sessions manages device sessions. session.Service implements it.
type Sessions interface {
	Create(ctx context.Context, userID string, reqCtx core.RequestContext, fingerprint string) (*session.Created, error)
	Get(ctx context.Context, id string) (*core.DeviceSession, error)
	List(ctx context.Context, userID string) ([]*core.DeviceSession, error)
	Revoke(ctx context.Context, id, reason string) error
	Touch(ctx context.Context, userID, id string) error
}

// Limits reports and clears rate limit state. ratelimit.Limiter implements
// it.
type Limits interface {
	GetStatus(ctx context.Context, endpoint, identifier string, confidenceScore int) (ratelimit.Result, error)
	Unblock(ctx context.Context, identifier string) error
	Reset(ctx context.Context, endpoint, identifier string) error
}

// Analyzer scores a security event. threat.Engine implements it.
type Analyzer interface {
	AnalyzeSecurityEvent(ctx context.Context, evt *core.SecurityEvent) *core.ThreatAssessment
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the router.
type Deps struct {
	MFA         MFA
	AAL         Assurance
	Sessions    Sessions
	Limits      Limits
	RateLimiter *middleware.RateLimiter
	Threats     Analyzer
	Events      core.EventLogger
	Stream      http.Handler
	Metrics     http.Handler
	Health      []Pinger
}

// Server owns the HTTP routes.
type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	if deps.Events == nil {
		deps.Events = core.NopEventLogger{}
	}
	return &Server{deps: deps}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Logging, middleware.RequestContext)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(middleware.RequireUser)
	if s.deps.Sessions != nil {
		v1.Use(middleware.SessionActivity(s.deps.Sessions))
	}

	limit := func(endpoint string, h http.HandlerFunc) http.Handler {
		if s.deps.RateLimiter == nil {
			return h
		}
		return s.deps.RateLimiter.For(endpoint)(h)
	}

	v1.Handle("/sessions", limit(LimitDefault, s.handleCreateSession)).Methods(http.MethodPost)
	v1.Handle("/sessions", limit(LimitDefault, s.handleListSessions)).Methods(http.MethodGet)
	v1.Handle("/sessions/{id}", limit(LimitDefault, s.handleRevokeSession)).Methods(http.MethodDelete)

	v1.Handle("/mfa/setup", limit(LimitMFASetup, s.handleMFASetup)).Methods(http.MethodPost)
	v1.Handle("/mfa/enable", limit(LimitMFAVerify, s.handleMFAEnable)).Methods(http.MethodPost)
	v1.Handle("/mfa/verify", limit(LimitMFAVerify, s.handleMFAVerify)).Methods(http.MethodPost)
	v1.Handle("/mfa/disable", limit(LimitSensitive, s.handleMFADisable)).Methods(http.MethodPost)
	v1.Handle("/mfa/status", limit(LimitDefault, s.handleMFAStatus)).Methods(http.MethodGet)
	v1.Handle("/mfa/backup-codes", limit(LimitSensitive, s.handleRegenerateBackupCodes)).Methods(http.MethodPost)

	v1.Handle("/aal/check", limit(LimitDefault, s.handleAALCheck)).Methods(http.MethodPost)
	v1.Handle("/aal/guard", limit(LimitDefault, s.handleAALGuard)).Methods(http.MethodPost)

	v1.HandleFunc("/ratelimit/status", s.handleRateLimitStatus).Methods(http.MethodGet)
	v1.Handle("/threat/analyze", limit(LimitSensitive, s.handleThreatAnalyze)).Methods(http.MethodPost)

	if s.deps.Stream != nil {
		v1.Handle("/events/stream", s.deps.Stream).Methods(http.MethodGet)
	}

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireRole(core.RoleAdmin))
	admin.Handle("/ratelimit/clear", limit(LimitSensitive, s.handleRateLimitClear)).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	for _, p := range s.deps.Health {
		if err := p.Ping(r.Context()); err != nil {
			slog.Warn("[API] health check failed", "error", err)
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] failed to encode response", "error", err)
	}
}

func decode(r *http.Request, into any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return core.E("api.decode", core.ErrValidation, err)
	}
	return nil
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAuthFactorInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrFactorNotEligible):
		return http.StatusForbidden
	case errors.Is(err, core.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err to the caller. Internal failures are recorded as
// SYSTEM_ERROR and their detail is withheld.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		s.deps.Events.LogEvent(r.Context(), core.EventSystemError, map[string]any{
			"error": err.Error(),
		}, core.RequestContextFrom(r.Context()))
		msg = http.StatusText(code)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}
