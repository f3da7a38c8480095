// Package aal tracks the Authentication Assurance Level of device sessions
// and gates operations on it.
//
// Sessions start at AAL1. Only a verified TOTP or backup-code factor lifts a
// session to AAL2, and an AAL2 grant decays back to AAL1 once it is older
// than the configured re-verification window.
package aal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/assurance/internal/config"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/metrics"
)

// Operations with a built-in required level.
const (
	OpProfileUpdate         = "profile_update"
	OpTwoFactorSetup        = "2fa_setup"
	OpPasswordChange        = "password_change"
	OpEmailChange           = "email_change"
	OpTwoFactorDisable      = "2fa_disable"
	OpSensitiveDataAccess   = "sensitive_data_access"
	OpAccountDeletion       = "account_deletion"
	OpBackupCodesRegenerate = "backup_codes_regenerate"
)

var defaultOperations = map[string]core.AALLevel{
	OpProfileUpdate:         core.AAL1,
	OpTwoFactorSetup:        core.AAL1,
	OpPasswordChange:        core.AAL2,
	OpEmailChange:           core.AAL2,
	OpTwoFactorDisable:      core.AAL2,
	OpSensitiveDataAccess:   core.AAL2,
	OpAccountDeletion:       core.AAL2,
	OpBackupCodesRegenerate: core.AAL2,
}

// Downgrade reasons recorded on AAL_DOWNGRADED events.
const (
	ReasonLogout     = "logout"
	ReasonTimeout    = "aal2_expired"
	ReasonMFADisable = "mfa_disabled"
	ReasonThreat     = "threat_response"
)

// SessionStore persists device sessions. database.Store implements it.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*core.DeviceSession, error)
	UpdateSessionAAL(ctx context.Context, id string, level core.AALLevel, verifiedAt, activity time.Time) error
	DowngradeUserSessions(ctx context.Context, userID string, activity time.Time) ([]string, error)
}

// FactorSource reports which upgrade factors a user can still use.
// mfa.Verifier implements it.
type FactorSource interface {
	Is2FAEnabled(ctx context.Context, userID string) (bool, error)
	GetBackupCodesCount(ctx context.Context, userID string) (core.BackupCodeCount, error)
}

// Verification is the outcome of an MFA check presented for an upgrade.
type Verification struct {
	Factor core.AuthenticationFactor
	Valid  bool
}

// Decision is the structured result of a requirement check.
type Decision struct {
	Allowed          bool                        `json:"allowed"`
	Operation        string                      `json:"operation"`
	Required         core.AALLevel               `json:"required"`
	Current          core.AALLevel               `json:"current"`
	AvailableFactors []core.AuthenticationFactor `json:"available_factors,omitempty"`
	Reason           string                      `json:"reason,omitempty"`
}

// Manager is the AAL state machine.
type Manager struct {
	sessions   SessionStore
	factors    FactorSource
	maxAAL2    time.Duration
	operations map[string]core.AALLevel
	events     core.EventLogger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock injects the clock used for decay.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEvents sets the security event logger.
func WithEvents(l core.EventLogger) Option {
	return func(m *Manager) { m.events = l }
}

// WithMetrics records transitions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New builds a Manager. cfg.Operations overrides or extends the built-in
// operation table.
func New(sessions SessionStore, factors FactorSource, cfg config.AALConfig, opts ...Option) (*Manager, error) {
	if cfg.MaxAAL2Duration <= 0 {
		return nil, fmt.Errorf("%w: max AAL2 duration must be positive", core.ErrConfiguration)
	}
	ops := make(map[string]core.AALLevel, len(defaultOperations)+len(cfg.Operations))
	for op, level := range defaultOperations {
		ops[op] = level
	}
	for op, level := range cfg.Operations {
		l := core.AALLevel(level)
		if !l.Valid() {
			return nil, fmt.Errorf("%w: operation %q requires unknown level %d", core.ErrConfiguration, op, level)
		}
		ops[op] = l
	}

	m := &Manager{
		sessions:   sessions,
		factors:    factors,
		maxAAL2:    cfg.MaxAAL2Duration,
		operations: ops,
		events:     core.NopEventLogger{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RequiredLevel returns the level an operation needs. Unknown operations
// require AAL2.
func (m *Manager) RequiredLevel(operation string) core.AALLevel {
	if level, ok := m.operations[operation]; ok {
		return level
	}
	return core.AAL2
}

func (m *Manager) log(ctx context.Context, s *core.DeviceSession, t core.EventType, data map[string]any) {
	rc := core.RequestContextFrom(ctx)
	rc.UserID = s.UserID
	rc.SessionID = s.ID
	m.events.LogEvent(ctx, t, data, rc)
}

// CheckAALRequirement decides whether currentAAL satisfies operation. On
// denial it lists the upgrade factors the user has enrolled and can still
// use.
func (m *Manager) CheckAALRequirement(ctx context.Context, userID, operation string, currentAAL core.AALLevel) (*Decision, error) {
	if userID == "" || operation == "" {
		return nil, core.E("aal.CheckAALRequirement", core.ErrValidation, errors.New("user id and operation are required"))
	}
	d := &Decision{
		Operation: operation,
		Required:  m.RequiredLevel(operation),
		Current:   currentAAL,
	}
	if currentAAL >= d.Required {
		d.Allowed = true
		return d, nil
	}

	d.Reason = fmt.Sprintf("%s requires %s", operation, d.Required)
	d.AvailableFactors = m.availableFactors(ctx, userID)

	rc := core.RequestContextFrom(ctx)
	rc.UserID = userID
	m.events.LogEvent(ctx, core.EventAALDenied, map[string]any{
		"operation": operation,
		"required":  d.Required.String(),
		"current":   currentAAL.String(),
	}, rc)
	return d, nil
}

func (m *Manager) availableFactors(ctx context.Context, userID string) []core.AuthenticationFactor {
	if m.factors == nil {
		return nil
	}
	enabled, err := m.factors.Is2FAEnabled(ctx, userID)
	if err != nil {
		slog.Warn("[AAL] could not load enrolled factors", "user_id", userID, "error", err)
		return nil
	}
	if !enabled {
		return nil
	}
	factors := []core.AuthenticationFactor{core.FactorTOTP}
	count, err := m.factors.GetBackupCodesCount(ctx, userID)
	if err != nil {
		slog.Warn("[AAL] could not count backup codes", "user_id", userID, "error", err)
		return factors
	}
	if count.Remaining > 0 {
		factors = append(factors, core.FactorBackupCode)
	}
	return factors
}

// Guard is called at the top of a sensitive operation. It loads the
// session, applies AAL2 decay and checks the operation table.
func (m *Manager) Guard(ctx context.Context, sessionID, operation string) (*Decision, error) {
	s, err := m.currentSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.CheckAALRequirement(ctx, s.UserID, operation, s.AALLevel)
}

// UpgradeAAL lifts a session to AAL2. Only a valid totp or backup_code
// verification qualifies.
func (m *Manager) UpgradeAAL(ctx context.Context, sessionID string, v Verification) error {
	const op = "aal.UpgradeAAL"
	if !v.Factor.IsMultiFactor() {
		return core.E(op, core.ErrFactorNotEligible, fmt.Errorf("factor %q", v.Factor))
	}
	if !v.Valid {
		return core.E(op, core.ErrAuthFactorInvalid, nil)
	}

	s, err := m.session(ctx, sessionID)
	if err != nil {
		return err
	}
	now := m.now()
	if err := m.sessions.UpdateSessionAAL(ctx, s.ID, core.AAL2, now, now); err != nil {
		return err
	}

	m.metrics.RecordAAL("upgrade", string(v.Factor))
	m.log(ctx, s, core.EventAALUpgraded, map[string]any{
		"from":   s.AALLevel.String(),
		"to":     core.AAL2.String(),
		"factor": string(v.Factor),
	})
	return nil
}

// DowngradeAAL drops a session to AAL1.
func (m *Manager) DowngradeAAL(ctx context.Context, sessionID, reason string) error {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.downgrade(ctx, s, reason)
}

func (m *Manager) downgrade(ctx context.Context, s *core.DeviceSession, reason string) error {
	if err := m.sessions.UpdateSessionAAL(ctx, s.ID, core.AAL1, time.Time{}, m.now()); err != nil {
		return err
	}
	m.metrics.RecordAAL("downgrade", reason)
	m.log(ctx, s, core.EventAALDowngraded, map[string]any{
		"from":   s.AALLevel.String(),
		"to":     core.AAL1.String(),
		"reason": reason,
	})
	s.AALLevel = core.AAL1
	s.AALVerifiedAt = time.Time{}
	return nil
}

// DowngradeUser drops every AAL2 session of a user to AAL1 and returns how
// many sessions changed.
func (m *Manager) DowngradeUser(ctx context.Context, userID, reason string) (int, error) {
	ids, err := m.sessions.DowngradeUserSessions(ctx, userID, m.now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		m.metrics.RecordAAL("downgrade", reason)
		m.log(ctx, &core.DeviceSession{ID: id, UserID: userID}, core.EventAALDowngraded, map[string]any{
			"from":   core.AAL2.String(),
			"to":     core.AAL1.String(),
			"reason": reason,
		})
	}
	return len(ids), nil
}

// GetCurrentAAL returns the effective level of a session. An expired AAL2
// grant is downgraded and persisted before AAL1 is reported.
func (m *Manager) GetCurrentAAL(ctx context.Context, sessionID string) (core.AALLevel, error) {
	s, err := m.currentSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return s.AALLevel, nil
}

// IsAALSessionValid reports whether the session's level still holds at now.
// AAL1 always holds; AAL2 holds for MaxAAL2Duration after the grant.
func (m *Manager) IsAALSessionValid(s *core.DeviceSession, now time.Time) bool {
	if s == nil || s.Expired(now) {
		return false
	}
	if s.AALLevel != core.AAL2 {
		return true
	}
	return !s.AALVerifiedAt.IsZero() && now.Sub(s.AALVerifiedAt) <= m.maxAAL2
}

func (m *Manager) session(ctx context.Context, sessionID string) (*core.DeviceSession, error) {
	if sessionID == "" {
		return nil, core.E("aal.session", core.ErrValidation, errors.New("session id is required"))
	}
	s, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		return nil, core.E("aal.session", core.ErrNotFound, errors.New("session expired"))
	}
	return s, nil
}

// currentSession loads a session with AAL2 decay applied.
func (m *Manager) currentSession(ctx context.Context, sessionID string) (*core.DeviceSession, error) {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.AALLevel == core.AAL2 && !m.IsAALSessionValid(s, m.now()) {
		slog.Info("[AAL] AAL2 grant expired", "session_id", s.ID, "user_id", s.UserID, "verified_at", s.AALVerifiedAt)
		if err := m.downgrade(ctx, s, ReasonTimeout); err != nil {
			return nil, err
		}
	}
	return s, nil
}
