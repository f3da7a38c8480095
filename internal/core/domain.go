// Package core holds the domain types shared by the assurance services.
package core

import "time"

// AALLevel is an Authentication Assurance Level (NIST 800-63B).
type AALLevel int

const (
	AAL1 AALLevel = 1 // single factor
	AAL2 AALLevel = 2 // verified multi-factor
)

func (l AALLevel) String() string {
	switch l {
	case AAL1:
		return "AAL1"
	case AAL2:
		return "AAL2"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether l is a known level.
func (l AALLevel) Valid() bool {
	return l == AAL1 || l == AAL2
}

// AuthenticationFactor identifies how a user proved their identity.
type AuthenticationFactor string

const (
	FactorPassword   AuthenticationFactor = "password"
	FactorTOTP       AuthenticationFactor = "totp"
	FactorBackupCode AuthenticationFactor = "backup_code"
)

// IsMultiFactor reports whether the factor can lift a session to AAL2.
func (f AuthenticationFactor) IsMultiFactor() bool {
	return f == FactorTOTP || f == FactorBackupCode
}

// DeviceSession is a session bound to one device of one user.
type DeviceSession struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	Browser           string    `json:"browser,omitempty"`
	OS                string    `json:"os,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	ConfidenceScore   int       `json:"confidence_score"`
	AALLevel          AALLevel  `json:"aal_level"`
	AALVerifiedAt     time.Time `json:"aal_verified_at,omitempty"`
	IsVerified        bool      `json:"is_verified"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its hard expiry.
func (s *DeviceSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// BackupCode is a single-use recovery credential. Only the hash is stored.
type BackupCode struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	CodeHash  string     `json:"-"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// IsUsed reports whether the code has been consumed.
func (c *BackupCode) IsUsed() bool {
	return c.UsedAt != nil
}

// TOTPSecret is the enrolled authenticator secret for a user.
// VerifiedAt stays nil until the first successful verification.
type TOTPSecret struct {
	UserID     string     `json:"user_id"`
	Secret     string     `json:"-"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IsVerified reports whether enrollment was confirmed.
func (s *TOTPSecret) IsVerified() bool {
	return s.VerifiedAt != nil
}

// BackupCodeCount summarises a user's backup codes.
type BackupCodeCount struct {
	Total     int `json:"total"`
	Remaining int `json:"remaining"`
}

// RequestContext is the inbound request metadata attached to events.
type RequestContext struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Path      string `json:"path,omitempty"`
	Method    string `json:"method,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

// RoleAdmin is the upstream role allowed to watch every user's events.
const RoleAdmin = "admin"

// SecurityEvent is an immutable, sanitized record of a security-relevant action.
type SecurityEvent struct {
	ID              string         `json:"id"`
	Type            EventType      `json:"type"`
	Severity        Severity       `json:"severity"`
	UserID          string         `json:"user_id,omitempty"`
	DeviceSessionID string         `json:"device_session_id,omitempty"`
	Data            map[string]any `json:"data"`
	Context         RequestContext `json:"context"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Identity returns the key used to attribute the event: the user when known,
// otherwise the network address.
func (e *SecurityEvent) Identity() string {
	if e.UserID != "" {
		return "user:" + e.UserID
	}
	if e.Context.IPAddress != "" {
		return "ip:" + e.Context.IPAddress
	}
	return "anonymous"
}

// Clamp bounds a score to [0,100].
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
