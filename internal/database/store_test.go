package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/assurance/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestRebindForSQLite(t *testing.T) {
	s := &Store{driver: DriverSQLite}
	assert.Equal(t, "a = ?1 AND b = ?12", s.q("a = $1 AND b = $12"))

	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "a = $1", pg.q("a = $1"))
}

func TestSessionLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	sess := &core.DeviceSession{
		ID:                "s1",
		UserID:            "u1",
		DeviceFingerprint: "fp",
		Browser:           "Chrome",
		OS:                "macOS",
		IPAddress:         "203.0.113.7",
		ConfidenceScore:   55,
		AALLevel:          core.AAL1,
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(time.Hour),
	}
	require.NoError(t, store.CreateSession(ctx, sess))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	verifiedAt := now.Add(time.Minute)
	require.NoError(t, store.UpdateSessionAAL(ctx, "s1", core.AAL2, verifiedAt, verifiedAt))
	got, err = store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, core.AAL2, got.AALLevel)
	assert.Equal(t, verifiedAt, got.AALVerifiedAt)
	assert.True(t, got.IsVerified)

	ids, err := store.DowngradeUserSessions(ctx, "u1", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
	got, err = store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, core.AAL1, got.AALLevel)
	assert.True(t, got.AALVerifiedAt.IsZero())

	deleted, err := store.DeleteExpiredSessions(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUpdateUnknownSessionIsNotFound(t *testing.T) {
	store := openTestStore(t)
	err := store.UpdateSessionAAL(context.Background(), "missing", core.AAL1, time.Time{}, time.Now())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestConsumeTOTPStep(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()
	require.NoError(t, store.SaveTOTPSecret(ctx, &core.TOTPSecret{UserID: "u1", Secret: "S1", CreatedAt: now}))

	ok, err := store.ConsumeTOTPStep(ctx, "u1", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, step := range []int64{100, 99} {
		ok, err = store.ConsumeTOTPStep(ctx, "u1", step)
		require.NoError(t, err)
		assert.False(t, ok, "step %d", step)
	}
	ok, err = store.ConsumeTOTPStep(ctx, "u1", 101)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.SaveTOTPSecret(ctx, &core.TOTPSecret{UserID: "u1", Secret: "S2", CreatedAt: now}))
	ok, err = store.ConsumeTOTPStep(ctx, "u1", 50)
	require.NoError(t, err)
	assert.True(t, ok, "a new secret starts a fresh step sequence")

	ok, err = store.ConsumeTOTPStep(ctx, "nobody", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTOTPSecretEnrollment(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	require.NoError(t, store.SaveTOTPSecret(ctx, &core.TOTPSecret{UserID: "u1", Secret: "S1", CreatedAt: now}))
	require.NoError(t, store.DeleteUnverifiedTOTPSecret(ctx, "u1"))
	_, err := store.GetTOTPSecret(ctx, "u1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, store.SaveTOTPSecret(ctx, &core.TOTPSecret{UserID: "u1", Secret: "S2", CreatedAt: now}))
	require.NoError(t, store.MarkTOTPVerified(ctx, "u1", now))
	require.NoError(t, store.DeleteUnverifiedTOTPSecret(ctx, "u1"))

	secret, err := store.GetTOTPSecret(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "S2", secret.Secret)
	assert.True(t, secret.IsVerified())
}

func TestBackupCodesAreSingleUse(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	codes := []core.BackupCode{
		{ID: "c1", CodeHash: "h1", CreatedAt: now},
		{ID: "c2", CodeHash: "h2", CreatedAt: now},
	}
	require.NoError(t, store.ReplaceBackupCodes(ctx, "u1", codes))

	ok, err := store.MarkBackupCodeUsed(ctx, "c1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkBackupCodeUsed(ctx, "c1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := store.CountBackupCodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, core.BackupCodeCount{Total: 2, Remaining: 1}, count)

	unused, err := store.ListUnusedBackupCodes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, unused, 1)
	assert.Equal(t, "c2", unused[0].ID)

	require.NoError(t, store.DeleteBackupCodes(ctx, "u1"))
	count, err = store.CountBackupCodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, core.BackupCodeCount{}, count)
}

func TestSecurityEventsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	evt := &core.SecurityEvent{
		ID:        "e1",
		Type:      core.EventAuthFailed,
		Severity:  core.SeverityMedium,
		UserID:    "u1",
		Data:      map[string]any{"reason": "bad password"},
		Context:   core.RequestContext{IPAddress: "203.0.113.0", Path: "/login"},
		Timestamp: now,
	}
	require.NoError(t, store.InsertSecurityEvent(ctx, evt))

	events, err := store.ListSecurityEvents(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, evt, events[0])
}
