package mfa

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ocx/assurance/internal/config"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/database"
)

// start of a 30s period
var testNow = time.Unix(1_700_000_010, 0)

type fixture struct {
	store    *database.Store
	verifier *Verifier
	events   *core.EventRecorder
	now      time.Time
}

func testMFAConfig() config.MFAConfig {
	cfg := config.Default().MFA
	cfg.BcryptCost = bcrypt.MinCost
	return cfg
}

func newFixture(t *testing.T, mutate func(*config.MFAConfig), opts ...Option) *fixture {
	t.Helper()
	store, err := database.Open(context.Background(), database.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, events: &core.EventRecorder{}, now: testNow}
	cfg := testMFAConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{
		WithClock(func() time.Time { return f.now }),
		WithEvents(f.events),
	}, opts...)
	f.verifier, err = New(store, cfg, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) code(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, f.verifier.validate)
	require.NoError(t, err)
	return code
}

func (f *fixture) enroll(t *testing.T, userID string) *Setup {
	t.Helper()
	ctx := context.Background()
	setup, err := f.verifier.GenerateSecret(ctx, userID, userID+"@example.com")
	require.NoError(t, err)
	_, err = f.verifier.Enable2FA(ctx, userID, f.code(t, setup.Secret, f.now))
	require.NoError(t, err)
	return setup
}

func TestGenerateSecret(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	setup, err := f.verifier.GenerateSecret(ctx, "u1", "alice@example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, setup.Secret)
	assert.True(t, strings.HasPrefix(setup.URI, "otpauth://totp/"))
	assert.Equal(t, setup.Secret, strings.ReplaceAll(setup.FormattedSecret, " ", ""))
	require.Len(t, setup.BackupCodes, 10)
	for _, c := range setup.BackupCodes {
		assert.Len(t, c, 8)
	}

	enabled, err := f.verifier.Is2FAEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, enabled, "enrollment is unconfirmed until the first verification")

	unused, err := f.store.ListUnusedBackupCodes(ctx, "u1")
	require.NoError(t, err)
	for _, c := range unused {
		for _, plain := range setup.BackupCodes {
			assert.NotEqual(t, plain, c.CodeHash)
		}
	}
}

func TestFirstVerificationEnables2FA(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	setup, err := f.verifier.GenerateSecret(ctx, "u1", "alice@example.com")
	require.NoError(t, err)

	res, err := f.verifier.VerifyTOTP(ctx, "u1", f.code(t, setup.Secret, f.now), false)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Enabled)

	enabled, err := f.verifier.Is2FAEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Contains(t, f.events.Types(), core.EventMFAEnabled)

	f.now = f.now.Add(30 * time.Second)
	res, err = f.verifier.VerifyTOTP(ctx, "u1", f.code(t, setup.Secret, f.now), false)
	require.NoError(t, err)
	assert.False(t, res.Enabled, "only the first verification confirms enrollment")
}

func TestTOTPCodeIsSingleUse(t *testing.T) {
	f := newFixture(t, nil)
	setup := f.enroll(t, "u1")
	ctx := context.Background()

	used := f.code(t, setup.Secret, f.now)
	res, err := f.verifier.VerifyTOTP(ctx, "u1", used, false)
	assert.ErrorIs(t, err, core.ErrAuthFactorInvalid)
	assert.False(t, res.Valid)

	f.now = f.now.Add(30 * time.Second)
	_, err = f.verifier.VerifyTOTP(ctx, "u1", used, false)
	assert.ErrorIs(t, err, core.ErrAuthFactorInvalid, "an older step stays rejected once a newer one was used")

	res, err = f.verifier.VerifyTOTP(ctx, "u1", f.code(t, setup.Secret, f.now), false)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestSetupPurgesUnconfirmedSecret(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.verifier.GenerateSecret(ctx, "u1", "alice@example.com")
	require.NoError(t, err)
	second, err := f.verifier.GenerateSecret(ctx, "u1", "alice@example.com")
	require.NoError(t, err)
	require.NotEqual(t, first.Secret, second.Secret)

	_, err = f.verifier.VerifyTOTP(ctx, "u1", f.code(t, first.Secret, f.now), false)
	assert.ErrorIs(t, err, core.ErrAuthFactorInvalid)

	_, err = f.verifier.VerifyTOTP(ctx, "u1", f.code(t, second.Secret, f.now), false)
	assert.NoError(t, err)
}

func TestSetupRefusedWhileEnabled(t *testing.T) {
	f := newFixture(t, nil)
	f.enroll(t, "u1")

	_, err := f.verifier.GenerateSecret(context.Background(), "u1", "alice@example.com")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestWrongCodeIsInvalid(t *testing.T) {
	f := newFixture(t, nil)
	setup := f.enroll(t, "u1")
	ctx := context.Background()

	wrong := f.code(t, setup.Secret, f.now.Add(10*time.Minute))
	res, err := f.verifier.VerifyTOTP(ctx, "u1", wrong, false)
	assert.ErrorIs(t, err, core.ErrAuthFactorInvalid)
	require.NotNil(t, res)
	assert.False(t, res.Valid)
	assert.Equal(t, core.EventAuthFailed, f.events.Types()[len(f.events.Types())-1])

	_, err = f.verifier.VerifyTOTP(ctx, "u1", "12ab56", false)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestClockSkewWindow(t *testing.T) {
	strict := newFixture(t, func(c *config.MFAConfig) { c.Skew = 0 })
	setup := strict.enroll(t, "u1")
	ctx := context.Background()

	ahead := strict.code(t, setup.Secret, testNow.Add(60*time.Second))
	_, err := strict.verifier.VerifyTOTP(ctx, "u1", ahead, false)
	assert.ErrorIs(t, err, core.ErrAuthFactorInvalid)

	cfg := testMFAConfig()
	cfg.Skew = 2
	lenient, err := New(strict.store, cfg, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	res, err := lenient.VerifyTOTP(ctx, "u1", ahead, false)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	f := newFixture(t, nil)
	setup := f.enroll(t, "u1")
	ctx := context.Background()

	res, err := f.verifier.VerifyTOTP(ctx, "u1", setup.BackupCodes[0], true)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, core.FactorBackupCode, res.Factor)
	assert.Equal(t, 9, res.RemainingBackupCodes)

	count, err := f.verifier.GetBackupCodesCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, core.BackupCodeCount{Total: 10, Remaining: 9}, count)

	res, err = f.verifier.VerifyTOTP(ctx, "u1", setup.BackupCodes[0], true)
	assert.ErrorIs(t, err, core.ErrAuthFactorInvalid)
	assert.False(t, res.Valid)

	count, err = f.verifier.GetBackupCodesCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 9, count.Remaining)
}

func TestBackupCodeNormalization(t *testing.T) {
	f := newFixture(t, nil)
	setup := f.enroll(t, "u1")

	code := strings.ToLower(setup.BackupCodes[1][:4] + "-" + setup.BackupCodes[1][4:])
	res, err := f.verifier.VerifyTOTP(context.Background(), "u1", code, true)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestLowBackupCodeWarning(t *testing.T) {
	f := newFixture(t, func(c *config.MFAConfig) { c.BackupCodeCount = 3 })
	setup := f.enroll(t, "u1")
	ctx := context.Background()

	res, err := f.verifier.VerifyTOTP(ctx, "u1", setup.BackupCodes[0], true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RemainingBackupCodes)
	assert.True(t, res.LowBackupCodes)
	assert.Contains(t, f.events.Types(), core.EventBackupCodesLow)
}

func TestBackupCodesRequireConfirmedEnrollment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	setup, err := f.verifier.GenerateSecret(ctx, "u1", "alice@example.com")
	require.NoError(t, err)

	_, err = f.verifier.VerifyTOTP(ctx, "u1", setup.BackupCodes[0], true)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDisable2FA(t *testing.T) {
	var downgraded []string
	f := newFixture(t, nil, WithDisableHook(func(_ context.Context, userID string) error {
		downgraded = append(downgraded, userID)
		return nil
	}))
	f.enroll(t, "u1")
	ctx := context.Background()

	require.NoError(t, f.verifier.Disable2FA(ctx, "u1"))

	enabled, err := f.verifier.Is2FAEnabled(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, enabled)

	count, err := f.verifier.GetBackupCodesCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, core.BackupCodeCount{}, count)
	assert.Equal(t, []string{"u1"}, downgraded)
}

func TestRegenerateBackupCodes(t *testing.T) {
	f := newFixture(t, nil)
	setup := f.enroll(t, "u1")
	ctx := context.Background()

	codes, err := f.verifier.RegenerateBackupCodes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, codes, 10)

	_, err = f.verifier.VerifyTOTP(ctx, "u1", setup.BackupCodes[0], true)
	assert.ErrorIs(t, err, core.ErrAuthFactorInvalid, "old codes are revoked")

	_, err = f.verifier.RegenerateBackupCodes(ctx, "nobody")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSealedSecrets(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	f := newFixture(t, func(c *config.MFAConfig) { c.EncryptionKey = key })
	ctx := context.Background()

	setup, err := f.verifier.GenerateSecret(ctx, "u1", "alice@example.com")
	require.NoError(t, err)

	stored, err := f.store.GetTOTPSecret(ctx, "u1")
	require.NoError(t, err)
	assert.NotContains(t, stored.Secret, setup.Secret)
	assert.True(t, strings.HasPrefix(stored.Secret, sealedPrefix))

	res, err := f.verifier.VerifyTOTP(ctx, "u1", f.code(t, setup.Secret, f.now), false)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestRejectsBadConfiguration(t *testing.T) {
	cfg := testMFAConfig()
	cfg.EncryptionKey = "short"
	_, err := New(nil, cfg)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	cfg = testMFAConfig()
	cfg.Algorithm = "MD5"
	_, err = New(nil, cfg)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}
