package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/ocx/assurance/internal/core"
)

// SaveTOTPSecret inserts or replaces the user's secret.
func (s *Store) SaveTOTPSecret(ctx context.Context, secret *core.TOTPSecret) error {
	_, err := s.exec(ctx, "SaveTOTPSecret", `
		INSERT INTO totp_secrets (user_id, secret, verified_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET secret = excluded.secret, verified_at = excluded.verified_at, created_at = excluded.created_at, last_step = 0`,
		secret.UserID, secret.Secret, nullMillis(secret.VerifiedAt), toMillis(secret.CreatedAt))
	return err
}

// GetTOTPSecret returns the user's secret or core.ErrNotFound.
func (s *Store) GetTOTPSecret(ctx context.Context, userID string) (*core.TOTPSecret, error) {
	var (
		out        core.TOTPSecret
		verifiedAt sql.NullInt64
		createdAt  int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT user_id, secret, verified_at, created_at FROM totp_secrets WHERE user_id = $1`), userID).
		Scan(&out.UserID, &out.Secret, &verifiedAt, &createdAt)
	if err != nil {
		return nil, storeErr("GetTOTPSecret", err)
	}
	out.VerifiedAt = fromNullMillis(verifiedAt)
	out.CreatedAt = fromMillis(createdAt)
	return &out, nil
}

// MarkTOTPVerified confirms enrollment. It is a no-op when already verified.
func (s *Store) MarkTOTPVerified(ctx context.Context, userID string, at time.Time) error {
	_, err := s.exec(ctx, "MarkTOTPVerified",
		`UPDATE totp_secrets SET verified_at = $2 WHERE user_id = $1 AND verified_at IS NULL`,
		userID, toMillis(at))
	return err
}

// ConsumeTOTPStep records step as the last accepted TOTP time step. It
// reports false unless step is newer than the previous one, so each code is
// accepted once.
func (s *Store) ConsumeTOTPStep(ctx context.Context, userID string, step int64) (bool, error) {
	res, err := s.exec(ctx, "ConsumeTOTPStep",
		`UPDATE totp_secrets SET last_step = $2 WHERE user_id = $1 AND last_step < $2`, userID, step)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("ConsumeTOTPStep", err)
	}
	return n == 1, nil
}

// DeleteUnverifiedTOTPSecret purges a never-confirmed secret.
func (s *Store) DeleteUnverifiedTOTPSecret(ctx context.Context, userID string) error {
	_, err := s.exec(ctx, "DeleteUnverifiedTOTPSecret",
		`DELETE FROM totp_secrets WHERE user_id = $1 AND verified_at IS NULL`, userID)
	return err
}

// DeleteTOTPSecret removes the user's secret.
func (s *Store) DeleteTOTPSecret(ctx context.Context, userID string) error {
	_, err := s.exec(ctx, "DeleteTOTPSecret", `DELETE FROM totp_secrets WHERE user_id = $1`, userID)
	return err
}

// ReplaceBackupCodes atomically swaps the user's backup codes for codes.
func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, codes []core.BackupCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("ReplaceBackupCodes", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM backup_codes WHERE user_id = $1`), userID); err != nil {
		return storeErr("ReplaceBackupCodes", err)
	}
	insert := s.q(`INSERT INTO backup_codes (id, user_id, code_hash, used_at, created_at) VALUES ($1, $2, $3, $4, $5)`)
	for _, c := range codes {
		if _, err := tx.ExecContext(ctx, insert, c.ID, userID, c.CodeHash, nullMillis(c.UsedAt), toMillis(c.CreatedAt)); err != nil {
			return storeErr("ReplaceBackupCodes", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("ReplaceBackupCodes", err)
	}
	return nil
}

// ListUnusedBackupCodes returns the user's unconsumed codes.
func (s *Store) ListUnusedBackupCodes(ctx context.Context, userID string) ([]core.BackupCode, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, user_id, code_hash, created_at FROM backup_codes
		WHERE user_id = $1 AND used_at IS NULL
		ORDER BY created_at, id`), userID)
	if err != nil {
		return nil, storeErr("ListUnusedBackupCodes", err)
	}
	defer rows.Close()

	var out []core.BackupCode
	for rows.Next() {
		var (
			c         core.BackupCode
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &createdAt); err != nil {
			return nil, storeErr("ListUnusedBackupCodes", err)
		}
		c.CreatedAt = fromMillis(createdAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("ListUnusedBackupCodes", err)
	}
	return out, nil
}

// MarkBackupCodeUsed consumes a code. It reports false when the code was
// already used, so concurrent verifications of one code succeed once.
func (s *Store) MarkBackupCodeUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, "MarkBackupCodeUsed",
		`UPDATE backup_codes SET used_at = $2 WHERE id = $1 AND used_at IS NULL`, id, toMillis(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("MarkBackupCodeUsed", err)
	}
	return n == 1, nil
}

// CountBackupCodes returns total and remaining codes for a user.
func (s *Store) CountBackupCodes(ctx context.Context, userID string) (core.BackupCodeCount, error) {
	var total, used int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*), COUNT(used_at) FROM backup_codes WHERE user_id = $1`), userID).
		Scan(&total, &used)
	if err != nil {
		return core.BackupCodeCount{}, storeErr("CountBackupCodes", err)
	}
	return core.BackupCodeCount{Total: total, Remaining: total - used}, nil
}

// DeleteBackupCodes removes all of the user's codes.
func (s *Store) DeleteBackupCodes(ctx context.Context, userID string) error {
	_, err := s.exec(ctx, "DeleteBackupCodes", `DELETE FROM backup_codes WHERE user_id = $1`, userID)
	return err
}
