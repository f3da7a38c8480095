package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/ocx/assurance/internal/core"
)

const sessionColumns = `id, user_id, device_fingerprint, browser, os, ip_address,
	confidence_score, aal_level, aal_verified_at, is_verified,
	created_at, last_activity_at, expires_at`

func scanSession(row scanner) (*core.DeviceSession, error) {
	var (
		s          core.DeviceSession
		level      int
		verifiedAt sql.NullInt64
		verified   int
		createdAt  int64
		activityAt int64
		expiresAt  int64
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.DeviceFingerprint, &s.Browser, &s.OS, &s.IPAddress,
		&s.ConfidenceScore, &level, &verifiedAt, &verified,
		&createdAt, &activityAt, &expiresAt); err != nil {
		return nil, err
	}
	s.AALLevel = core.AALLevel(level)
	if t := fromNullMillis(verifiedAt); t != nil {
		s.AALVerifiedAt = *t
	}
	s.IsVerified = verified != 0
	s.CreatedAt = fromMillis(createdAt)
	s.LastActivityAt = fromMillis(activityAt)
	s.ExpiresAt = fromMillis(expiresAt)
	return &s, nil
}

// CreateSession inserts a device session.
func (s *Store) CreateSession(ctx context.Context, sess *core.DeviceSession) error {
	_, err := s.exec(ctx, "CreateSession", `
		INSERT INTO device_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sess.ID, sess.UserID, sess.DeviceFingerprint, sess.Browser, sess.OS, sess.IPAddress,
		sess.ConfidenceScore, int(sess.AALLevel), nullMillis(&sess.AALVerifiedAt), boolInt(sess.IsVerified),
		toMillis(sess.CreatedAt), toMillis(sess.LastActivityAt), toMillis(sess.ExpiresAt))
	return err
}

// GetSession loads one session or returns core.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*core.DeviceSession, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM device_sessions WHERE id = $1`), id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, storeErr("GetSession", err)
	}
	return sess, nil
}

// LatestSession returns the user's most recently active session.
func (s *Store) LatestSession(ctx context.Context, userID string) (*core.DeviceSession, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+sessionColumns+` FROM device_sessions
		WHERE user_id = $1
		ORDER BY last_activity_at DESC
		LIMIT 1`), userID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, storeErr("LatestSession", err)
	}
	return sess, nil
}

// ListSessions returns all sessions of a user, most recent first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*core.DeviceSession, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+sessionColumns+` FROM device_sessions
		WHERE user_id = $1
		ORDER BY last_activity_at DESC`), userID)
	if err != nil {
		return nil, storeErr("ListSessions", err)
	}
	defer rows.Close()

	var out []*core.DeviceSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("ListSessions", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("ListSessions", err)
	}
	return out, nil
}

// UpdateSessionAAL persists a level change together with the activity
// timestamp. verifiedAt is cleared when zero.
func (s *Store) UpdateSessionAAL(ctx context.Context, id string, level core.AALLevel, verifiedAt, activity time.Time) error {
	res, err := s.exec(ctx, "UpdateSessionAAL", `
		UPDATE device_sessions
		SET aal_level = $2, aal_verified_at = $3, is_verified = $4, last_activity_at = $5
		WHERE id = $1`,
		id, int(level), nullMillis(&verifiedAt), boolInt(level == core.AAL2), toMillis(activity))
	if err != nil {
		return err
	}
	return requireRow("UpdateSessionAAL", res)
}

// DowngradeUserSessions drops every AAL2 session of a user to AAL1 and
// returns the affected session ids.
func (s *Store) DowngradeUserSessions(ctx context.Context, userID string, activity time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id FROM device_sessions WHERE user_id = $1 AND aal_level = $2`), userID, int(core.AAL2))
	if err != nil {
		return nil, storeErr("DowngradeUserSessions", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storeErr("DowngradeUserSessions", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("DowngradeUserSessions", err)
	}

	for _, id := range ids {
		if err := s.UpdateSessionAAL(ctx, id, core.AAL1, time.Time{}, activity); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// TouchSession records activity.
func (s *Store) TouchSession(ctx context.Context, id string, activity time.Time) error {
	res, err := s.exec(ctx, "TouchSession",
		`UPDATE device_sessions SET last_activity_at = $2 WHERE id = $1`, id, toMillis(activity))
	if err != nil {
		return err
	}
	return requireRow("TouchSession", res)
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "DeleteSession", `DELETE FROM device_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow("DeleteSession", res)
}

// DeleteExpiredSessions removes sessions whose expiry is at or before now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, "DeleteExpiredSessions",
		`DELETE FROM device_sessions WHERE expires_at <= $1`, toMillis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return storeErr(op, sql.ErrNoRows)
	}
	return nil
}
