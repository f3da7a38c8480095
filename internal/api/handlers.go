package api

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ocx/assurance/internal/aal"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/security"
)

const revokedByUser = "user_revoked"

var errNoSession = core.E("api.session", core.ErrValidation, errors.New("missing "+security.HeaderSessionID))

// ownSession loads the caller's session and checks it belongs to them.
// A foreign session is reported as not found.
func (s *Server) ownSession(ctx context.Context, rc core.RequestContext, id string) (*core.DeviceSession, error) {
	if id == "" {
		return nil, errNoSession
	}
	sess, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != rc.UserID {
		s.deps.Events.LogEvent(ctx, core.EventUnauthorizedAccess, map[string]any{
			"target_session_id": id,
		}, rc)
		return nil, core.E("api.session", core.ErrNotFound, errors.New("session not found"))
	}
	return sess, nil
}

// --- Sessions ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	rc := core.RequestContextFrom(r.Context())
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.deps.Sessions.Create(r.Context(), rc.UserID, rc, req.Fingerprint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	rc := core.RequestContextFrom(r.Context())
	sessions, err := s.deps.Sessions.List(r.Context(), rc.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*core.DeviceSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	rc := core.RequestContextFrom(r.Context())
	id := mux.Vars(r)["id"]
	if _, err := s.ownSession(r.Context(), rc, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Sessions.Revoke(r.Context(), id, revokedByUser); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- MFA ---

func (s *Server) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	rc := core.RequestContextFrom(r.Context())
	var req struct {
		AccountName string `json:"account_name"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AccountName == "" {
		req.AccountName = rc.UserID
	}

	setup, err := s.deps.MFA.GenerateSecret(r.Context(), rc.UserID, req.AccountName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, setup)
}

type tokenRequest struct {
	Token      string `json:"token"`
	BackupCode bool   `json:"backup_code"`
}

func (s *Server) handleMFAEnable(w http.ResponseWriter, r *http.Request) {
	rc := core.RequestContextFrom(r.Context())
	var req tokenRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.MFA.Enable2FA(r.Context(), rc.UserID, req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleMFAVerify checks a second factor. When the request names a device
// session, a valid factor lifts that session to AAL2.
func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := core.RequestContextFrom(ctx)
	var req tokenRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var sess *core.DeviceSession
	if rc.SessionID != "" {
		var err error
		if sess, err = s.ownSession(ctx, rc, rc.SessionID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	res, err := s.deps.MFA.VerifyTOTP(ctx, rc.UserID, req.Token, req.BackupCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := map[string]any{"result": res}
	if sess != nil && res.Valid {
		if err := s.deps.AAL.UpgradeAAL(ctx, sess.ID, aal.Verification{Factor: res.Factor, Valid: res.Valid}); err != nil {
			s.writeError(w, r, err)
			return
		}
		resp["aal_level"] = core.AAL2
	}
	writeJSON(w, http.StatusOK, resp)
}

// guard enforces the AAL requirement of operation for the caller's session.
// It writes the response and returns false when the caller may not proceed.
func (s *Server) guard(w http.ResponseWriter, r *http.Request, operation string) bool {
	rc := core.RequestContextFrom(r.Context())
	if _, err := s.ownSession(r.Context(), rc, rc.SessionID); err != nil {
		s.writeError(w, r, err)
		return false
	}
	decision, err := s.deps.AAL.Guard(r.Context(), rc.SessionID, operation)
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	if !decision.Allowed {
		writeJSON(w, http.StatusForbidden, decision)
		return false
	}
	return true
}

func (s *Server) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, aal.OpTwoFactorDisable) {
		return
	}
	rc := core.RequestContextFrom(r.Context())
	if err := s.deps.MFA.Disable2FA(r.Context(), rc.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (s *Server) handleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, aal.OpBackupCodesRegenerate) {
		return
	}
	rc := core.RequestContextFrom(r.Context())
	codes, err := s.deps.MFA.RegenerateBackupCodes(r.Context(), rc.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func (s *Server) handleMFAStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := core.RequestContextFrom(ctx)
	enabled, err := s.deps.MFA.Is2FAEnabled(ctx, rc.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	counts, err := s.deps.MFA.GetBackupCodesCount(ctx, rc.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":      enabled,
		"backup_codes": counts,
	})
}

// --- AAL ---

type operationRequest struct {
	Operation string `json:"operation"`
}

func (s *Server) operation(r *http.Request) (string, error) {
	var req operationRequest
	if err := decode(r, &req); err != nil {
		return "", err
	}
	op := strings.TrimSpace(req.Operation)
	if op == "" {
		return "", core.E("api.operation", core.ErrValidation, errors.New("operation is required"))
	}
	return op, nil
}

// handleAALCheck reports whether the caller may perform an operation
// without enforcing it. Without a session the caller is at AAL1.
func (s *Server) handleAALCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := core.RequestContextFrom(ctx)
	op, err := s.operation(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	current := core.AAL1
	if rc.SessionID != "" {
		if _, err := s.ownSession(ctx, rc, rc.SessionID); err != nil {
			s.writeError(w, r, err)
			return
		}
		if current, err = s.deps.AAL.GetCurrentAAL(ctx, rc.SessionID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	decision, err := s.deps.AAL.CheckAALRequirement(ctx, rc.UserID, op, current)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleAALGuard(w http.ResponseWriter, r *http.Request) {
	op, err := s.operation(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.guard(w, r, op) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": true, "operation": op})
}

// --- Rate limits ---

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := core.RequestContextFrom(ctx)
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		s.writeError(w, r, core.E("api.ratelimit", core.ErrValidation, errors.New("endpoint is required")))
		return
	}

	score := 0
	if rc.SessionID != "" {
		if sess, err := s.ownSession(ctx, rc, rc.SessionID); err == nil {
			score = sess.ConfidenceScore
		}
	}

	res, err := s.deps.Limits.GetStatus(ctx, endpoint, security.Identity(rc), score)
	if err != nil {
		s.writeError(w, r, core.E("api.ratelimit", core.ErrStoreUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":            endpoint,
		"allowed":             res.Allowed,
		"limit":               res.Limit,
		"remaining":           res.Remaining,
		"reset":               res.Reset.Unix(),
		"retry_after_seconds": int(math.Ceil(res.RetryAfter.Seconds())),
		"blocked":             res.Blocked,
	})
}

// handleRateLimitClear lifts a block and penalty on an identity. When an
// endpoint is named its window is cleared too.
func (s *Server) handleRateLimitClear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Identifier string `json:"identifier"`
		Endpoint   string `json:"endpoint"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Identifier == "" {
		s.writeError(w, r, core.E("api.ratelimit", core.ErrValidation, errors.New("identifier is required")))
		return
	}

	if err := s.deps.Limits.Unblock(ctx, req.Identifier); err != nil {
		s.writeError(w, r, core.E("api.ratelimit", core.ErrStoreUnavailable, err))
		return
	}
	if req.Endpoint != "" {
		if err := s.deps.Limits.Reset(ctx, req.Endpoint, req.Identifier); err != nil {
			s.writeError(w, r, core.E("api.ratelimit", core.ErrStoreUnavailable, err))
			return
		}
	}
	slog.Info("[API] rate limit cleared",
		"identifier", req.Identifier,
		"endpoint", req.Endpoint,
		"by", core.RequestContextFrom(ctx).UserID,
	)
	w.WriteHeader(http.StatusNoContent)
}

// --- Threats ---

// handleThreatAnalyze scores a caller-described event against the caller's
// profiles. The event is not persisted, but the profiles learn from it.
func (s *Server) handleThreatAnalyze(w http.ResponseWriter, r *http.Request) {
	rc := core.RequestContextFrom(r.Context())
	var req struct {
		EventType string         `json:"event_type"`
		Severity  string         `json:"severity"`
		Data      map[string]any `json:"data"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.EventType == "" {
		s.writeError(w, r, core.E("api.threat", core.ErrValidation, errors.New("event_type is required")))
		return
	}

	eventType := core.EventType(strings.ToUpper(req.EventType))
	severity := security.SeverityOf(eventType)
	if req.Severity != "" {
		parsed, err := core.ParseSeverity(req.Severity)
		if err != nil {
			s.writeError(w, r, core.E("api.threat", core.ErrValidation, err))
			return
		}
		severity = parsed
	}

	evt := &core.SecurityEvent{
		ID:              uuid.NewString(),
		Type:            eventType,
		Severity:        severity,
		UserID:          rc.UserID,
		DeviceSessionID: rc.SessionID,
		Data:            security.SanitizeData(req.Data),
		Context:         security.SanitizeContext(rc),
		Timestamp:       time.Now().UTC(),
	}
	writeJSON(w, http.StatusOK, s.deps.Threats.AnalyzeSecurityEvent(r.Context(), evt))
}
