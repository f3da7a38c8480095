// Package mfa manages TOTP secrets and single-use backup codes.
//
// Enrollment is two-step: GenerateSecret stores an unconfirmed secret and a
// fresh batch of backup codes, and 2FA only counts as enabled once a TOTP
// code has been verified against that secret.
package mfa

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/ocx/assurance/internal/config"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/metrics"
)

// Store persists secrets and backup codes. database.Store implements it.
type Store interface {
	SaveTOTPSecret(ctx context.Context, secret *core.TOTPSecret) error
	GetTOTPSecret(ctx context.Context, userID string) (*core.TOTPSecret, error)
	MarkTOTPVerified(ctx context.Context, userID string, at time.Time) error
	ConsumeTOTPStep(ctx context.Context, userID string, step int64) (bool, error)
	DeleteUnverifiedTOTPSecret(ctx context.Context, userID string) error
	DeleteTOTPSecret(ctx context.Context, userID string) error

	ReplaceBackupCodes(ctx context.Context, userID string, codes []core.BackupCode) error
	ListUnusedBackupCodes(ctx context.Context, userID string) ([]core.BackupCode, error)
	MarkBackupCodeUsed(ctx context.Context, id string, at time.Time) (bool, error)
	CountBackupCodes(ctx context.Context, userID string) (core.BackupCodeCount, error)
	DeleteBackupCodes(ctx context.Context, userID string) error
}

// Setup is returned once by GenerateSecret. The plaintext backup codes are
// never stored.
type Setup struct {
	Secret          string   `json:"secret"`
	URI             string   `json:"uri"`
	FormattedSecret string   `json:"formatted_secret"`
	BackupCodes     []string `json:"backup_codes"`
}

// Result is the outcome of a verification.
type Result struct {
	Valid                bool                      `json:"valid"`
	Factor               core.AuthenticationFactor `json:"factor"`
	Enabled              bool                      `json:"enabled,omitempty"`
	RemainingBackupCodes int                       `json:"remaining_backup_codes,omitempty"`
	LowBackupCodes       bool                      `json:"low_backup_codes,omitempty"`
}

// Verifier implements the MFA lifecycle.
type Verifier struct {
	store     Store
	cfg       config.MFAConfig
	validate  totp.ValidateOpts
	sealer    *sealer
	events    core.EventLogger
	metrics   *metrics.Metrics
	now       func() time.Time
	onDisable func(ctx context.Context, userID string) error
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithClock injects the clock used for TOTP windows and timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithEvents sets the security event logger.
func WithEvents(l core.EventLogger) Option {
	return func(v *Verifier) { v.events = l }
}

// WithMetrics records verification attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithDisableHook runs fn after 2FA is disabled for a user.
func WithDisableHook(fn func(ctx context.Context, userID string) error) Option {
	return func(v *Verifier) { v.onDisable = fn }
}

// New builds a Verifier.
func New(store Store, cfg config.MFAConfig, opts ...Option) (*Verifier, error) {
	alg, err := parseAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if cfg.Digits != 6 && cfg.Digits != 8 {
		return nil, fmt.Errorf("%w: totp digits must be 6 or 8", core.ErrConfiguration)
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = 10
	}
	if cfg.BackupCodeLength <= 0 {
		cfg.BackupCodeLength = 8
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	s, err := newSealer(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	v := &Verifier{
		store: store,
		cfg:   cfg,
		validate: totp.ValidateOpts{
			Period:    cfg.Period,
			Skew:      cfg.Skew,
			Digits:    otp.Digits(cfg.Digits),
			Algorithm: alg,
		},
		sealer: s,
		events: core.NopEventLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func parseAlgorithm(name string) (otp.Algorithm, error) {
	switch strings.ToUpper(name) {
	case "", "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	}
	return 0, fmt.Errorf("%w: unknown totp algorithm %q", core.ErrConfiguration, name)
}

func (v *Verifier) log(ctx context.Context, userID string, t core.EventType, data map[string]any) {
	rc := core.RequestContextFrom(ctx)
	rc.UserID = userID
	v.events.LogEvent(ctx, t, data, rc)
}

// GenerateSecret starts enrollment for userID. Any unconfirmed secret is
// purged first; a confirmed one must be disabled before re-enrolling.
func (v *Verifier) GenerateSecret(ctx context.Context, userID, accountName string) (*Setup, error) {
	const op = "mfa.GenerateSecret"
	if userID == "" || accountName == "" {
		return nil, core.E(op, core.ErrValidation, errors.New("user id and account name are required"))
	}

	if err := v.store.DeleteUnverifiedTOTPSecret(ctx, userID); err != nil {
		return nil, err
	}
	enabled, err := v.Is2FAEnabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	if enabled {
		return nil, core.E(op, core.ErrValidation, errors.New("2FA is already enabled"))
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.cfg.Issuer,
		AccountName: accountName,
		Period:      v.validate.Period,
		SecretSize:  20,
		Digits:      v.validate.Digits,
		Algorithm:   v.validate.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	sealed, err := v.sealer.seal(key.Secret())
	if err != nil {
		return nil, err
	}
	if err := v.store.SaveTOTPSecret(ctx, &core.TOTPSecret{
		UserID:    userID,
		Secret:    sealed,
		CreatedAt: v.now(),
	}); err != nil {
		return nil, err
	}

	codes, err := v.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	v.log(ctx, userID, core.EventMFASetupStarted, map[string]any{"backup_codes": len(codes)})
	return &Setup{
		Secret:          key.Secret(),
		URI:             key.URL(),
		FormattedSecret: formatSecret(key.Secret()),
		BackupCodes:     codes,
	}, nil
}

// formatSecret groups the secret in blocks of four for manual entry.
func formatSecret(secret string) string {
	var b strings.Builder
	for i, r := range secret {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// VerifyTOTP checks a TOTP code, or a backup code when isBackupCode is set.
// A wrong code returns a non-valid Result together with an error wrapping
// core.ErrAuthFactorInvalid.
func (v *Verifier) VerifyTOTP(ctx context.Context, userID, token string, isBackupCode bool) (*Result, error) {
	if userID == "" {
		return nil, core.E("mfa.VerifyTOTP", core.ErrValidation, errors.New("user id is required"))
	}
	if isBackupCode {
		return v.verifyBackupCode(ctx, userID, token)
	}
	return v.verifyTOTP(ctx, userID, token)
}

func (v *Verifier) verifyTOTP(ctx context.Context, userID, token string) (*Result, error) {
	const op = "mfa.VerifyTOTP"
	token = strings.TrimSpace(token)
	if len(token) != v.cfg.Digits || !isDigits(token) {
		return nil, core.E(op, core.ErrValidation, fmt.Errorf("code must be %d digits", v.cfg.Digits))
	}

	stored, err := v.store.GetTOTPSecret(ctx, userID)
	if err != nil {
		return nil, err
	}
	secret, err := v.sealer.open(stored.Secret)
	if err != nil {
		return nil, err
	}

	step, ok := v.matchStep(token, secret, v.now())
	if !ok {
		return v.invalid(ctx, userID, core.FactorTOTP)
	}
	fresh, err := v.store.ConsumeTOTPStep(ctx, userID, step)
	if err != nil {
		return nil, err
	}
	if !fresh {
		slog.Warn("[MFA] rejected reused TOTP code", "user_id", userID, "step", step)
		return v.invalid(ctx, userID, core.FactorTOTP)
	}

	res := &Result{Valid: true, Factor: core.FactorTOTP}
	if !stored.IsVerified() {
		if err := v.store.MarkTOTPVerified(ctx, userID, v.now()); err != nil {
			return nil, err
		}
		res.Enabled = true
		v.log(ctx, userID, core.EventMFAEnabled, nil)
	}
	v.metrics.RecordMFA(string(core.FactorTOTP), true)
	v.log(ctx, userID, core.EventMFAVerified, map[string]any{"factor": string(core.FactorTOTP)})
	return res, nil
}

// matchStep returns the time step within the skew window that token was
// generated for.
func (v *Verifier) matchStep(token, secret string, now time.Time) (int64, bool) {
	period := int64(v.validate.Period)
	if period <= 0 {
		period = 30
	}
	current := now.Unix() / period
	skew := int64(v.validate.Skew)
	for step := current - skew; step <= current+skew; step++ {
		code, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0), v.validate)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(token)) == 1 {
			return step, true
		}
	}
	return 0, false
}

func (v *Verifier) verifyBackupCode(ctx context.Context, userID, token string) (*Result, error) {
	const op = "mfa.VerifyBackupCode"
	code := normalizeBackupCode(token)
	if len(code) != v.cfg.BackupCodeLength {
		return nil, core.E(op, core.ErrValidation, fmt.Errorf("backup code must be %d characters", v.cfg.BackupCodeLength))
	}

	enabled, err := v.Is2FAEnabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, core.E(op, core.ErrNotFound, errors.New("2FA is not enabled"))
	}

	unused, err := v.store.ListUnusedBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	var match *core.BackupCode
	for i := range unused {
		if bcrypt.CompareHashAndPassword([]byte(unused[i].CodeHash), []byte(code)) == nil {
			match = &unused[i]
			break
		}
	}
	if match == nil {
		return v.invalid(ctx, userID, core.FactorBackupCode)
	}

	consumed, err := v.store.MarkBackupCodeUsed(ctx, match.ID, v.now())
	if err != nil {
		return nil, err
	}
	if !consumed {
		// lost a race with a concurrent verification of the same code
		return v.invalid(ctx, userID, core.FactorBackupCode)
	}

	count, err := v.store.CountBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Valid:                true,
		Factor:               core.FactorBackupCode,
		RemainingBackupCodes: count.Remaining,
		LowBackupCodes:       count.Remaining < v.cfg.LowBackupThreshold,
	}

	v.metrics.RecordMFA(string(core.FactorBackupCode), true)
	v.log(ctx, userID, core.EventBackupCodeUsed, map[string]any{"remaining": count.Remaining})
	if res.LowBackupCodes {
		slog.Warn("[MFA] backup codes running low", "user_id", userID, "remaining", count.Remaining)
		v.log(ctx, userID, core.EventBackupCodesLow, map[string]any{"remaining": count.Remaining})
	}
	return res, nil
}

func (v *Verifier) invalid(ctx context.Context, userID string, factor core.AuthenticationFactor) (*Result, error) {
	v.metrics.RecordMFA(string(factor), false)
	v.log(ctx, userID, core.EventAuthFailed, map[string]any{
		"factor": string(factor),
		"reason": "invalid_code",
	})
	return &Result{Valid: false, Factor: factor},
		core.E("mfa.Verify", core.ErrAuthFactorInvalid, nil)
}

// Enable2FA confirms a pending enrollment with a TOTP code.
func (v *Verifier) Enable2FA(ctx context.Context, userID, token string) (*Result, error) {
	return v.verifyTOTP(ctx, userID, token)
}

// Disable2FA removes the secret and then the backup codes. Only a failure to
// remove the secret is returned; the secret alone gates the factor.
func (v *Verifier) Disable2FA(ctx context.Context, userID string) error {
	if userID == "" {
		return core.E("mfa.Disable2FA", core.ErrValidation, errors.New("user id is required"))
	}
	if err := v.store.DeleteTOTPSecret(ctx, userID); err != nil {
		return err
	}
	if err := v.store.DeleteBackupCodes(ctx, userID); err != nil {
		slog.Error("[MFA] failed to delete backup codes after disabling 2FA",
			"user_id", userID,
			"error", err,
		)
	}
	v.log(ctx, userID, core.EventMFADisabled, nil)

	if v.onDisable != nil {
		if err := v.onDisable(ctx, userID); err != nil {
			return fmt.Errorf("2FA disabled but session downgrade failed: %w", err)
		}
	}
	return nil
}

// Is2FAEnabled reports whether the user has a confirmed secret.
func (v *Verifier) Is2FAEnabled(ctx context.Context, userID string) (bool, error) {
	secret, err := v.store.GetTOTPSecret(ctx, userID)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return secret.IsVerified(), nil
}

// GetBackupCodesCount returns total and unused backup codes.
func (v *Verifier) GetBackupCodesCount(ctx context.Context, userID string) (core.BackupCodeCount, error) {
	return v.store.CountBackupCodes(ctx, userID)
}

// RegenerateBackupCodes replaces every backup code of an enrolled user.
func (v *Verifier) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	enabled, err := v.Is2FAEnabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, core.E("mfa.RegenerateBackupCodes", core.ErrValidation, errors.New("2FA is not enabled"))
	}
	codes, err := v.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	v.log(ctx, userID, core.EventBackupCodesRegen, map[string]any{"backup_codes": len(codes)})
	return codes, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
