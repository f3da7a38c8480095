package mfa

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ocx/assurance/internal/core"
)

// backupAlphabet omits characters that are easy to misread (0/O, 1/I/L).
const backupAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func randomCode(length int) (string, error) {
	limit := big.NewInt(int64(len(backupAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = backupAlphabet[n.Int64()]
	}
	return string(b), nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// issueBackupCodes generates a fresh batch, stores only bcrypt hashes and
// returns the plaintext.
func (v *Verifier) issueBackupCodes(ctx context.Context, userID string) ([]string, error) {
	now := v.now()
	plain := make([]string, 0, v.cfg.BackupCodeCount)
	records := make([]core.BackupCode, 0, v.cfg.BackupCodeCount)

	for len(plain) < v.cfg.BackupCodeCount {
		code, err := randomCode(v.cfg.BackupCodeLength)
		if err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), v.cfg.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash backup code: %w", err)
		}
		plain = append(plain, code)
		records = append(records, core.BackupCode{
			ID:        uuid.NewString(),
			UserID:    userID,
			CodeHash:  string(hash),
			CreatedAt: now,
		})
	}

	if err := v.store.ReplaceBackupCodes(ctx, userID, records); err != nil {
		return nil, err
	}
	return plain, nil
}
