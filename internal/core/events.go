package core

import (
	"fmt"
	"strings"
)

// Severity ranks security events.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity maps a case-insensitive name to a Severity.
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("%w: unknown severity %q", ErrValidation, name)
}

// EventType names a kind of security event.
type EventType string

const (
	EventAuthSuccess         EventType = "AUTH_SUCCESS"
	EventAuthFailed          EventType = "AUTH_FAILED"
	EventLogout              EventType = "LOGOUT"
	EventSessionCreated      EventType = "SESSION_CREATED"
	EventSessionRevoked      EventType = "SESSION_REVOKED"
	EventSessionExpired      EventType = "SESSION_EXPIRED"
	EventMFASetupStarted     EventType = "MFA_SETUP_STARTED"
	EventMFAEnabled          EventType = "MFA_ENABLED"
	EventMFADisabled         EventType = "MFA_DISABLED"
	EventMFAVerified         EventType = "MFA_VERIFIED"
	EventMFAFailed           EventType = "MFA_FAILED"
	EventBackupCodeUsed      EventType = "BACKUP_CODE_USED"
	EventBackupCodesLow      EventType = "BACKUP_CODES_LOW"
	EventBackupCodesRegen    EventType = "BACKUP_CODES_REGENERATED"
	EventAALUpgraded         EventType = "AAL_UPGRADED"
	EventAALDowngraded       EventType = "AAL_DOWNGRADED"
	EventAALDenied           EventType = "AAL_REQUIREMENT_DENIED"
	EventPasswordChanged     EventType = "PASSWORD_CHANGED"
	EventEmailChanged        EventType = "EMAIL_CHANGED"
	EventAccountLocked       EventType = "ACCOUNT_LOCKED"
	EventRateLimitExceeded   EventType = "RATE_LIMIT_EXCEEDED"
	EventBruteForce          EventType = "BRUTE_FORCE_DETECTED"
	EventUnauthorizedAccess  EventType = "UNAUTHORIZED_ACCESS"
	EventSuspiciousActivity  EventType = "SUSPICIOUS_ACTIVITY"
	EventPrivilegeEscalation EventType = "PRIVILEGE_ESCALATION"
	EventAccountCompromised  EventType = "ACCOUNT_COMPROMISED"
	EventDataBreachAttempt   EventType = "DATA_BREACH_ATTEMPT"
	EventThreatDetected      EventType = "THREAT_DETECTED"
	EventSystemError         EventType = "SYSTEM_ERROR"
)

// PatternSet is the output of the three pattern extractors.
type PatternSet struct {
	Temporal   TemporalPattern   `json:"temporal"`
	Geographic GeographicPattern `json:"geographic"`
	Behavioral BehavioralPattern `json:"behavioral"`
}

// TemporalPattern compares the recent event rate with a smoothed baseline.
type TemporalPattern struct {
	EventCount  int     `json:"event_count"`
	Baseline    float64 `json:"baseline"`
	Ratio       float64 `json:"ratio"`
	IsAnomalous bool    `json:"is_anomalous"`
}

// GeographicPattern describes location changes between events.
type GeographicPattern struct {
	Resolved         bool    `json:"resolved"`
	Country          string  `json:"country,omitempty"`
	PreviousCountry  string  `json:"previous_country,omitempty"`
	DistanceKm       float64 `json:"distance_km,omitempty"`
	SpeedKmh         float64 `json:"speed_kmh,omitempty"`
	ImpossibleTravel bool    `json:"impossible_travel"`
	NewCountry       bool    `json:"new_country"`
}

// BehavioralPattern lists deviations from the user's rolling profile.
type BehavioralPattern struct {
	UnusualHour  bool     `json:"unusual_hour"`
	UnknownAgent bool     `json:"unknown_agent"`
	Deviations   []string `json:"deviations"`
}

// ThreatAction is an automated response to an assessment.
type ThreatAction string

const (
	ActionLogOnly            ThreatAction = "LOG_ONLY"
	ActionMonitorAndLog      ThreatAction = "MONITOR_AND_LOG"
	ActionRateLimitAndNotify ThreatAction = "RATE_LIMIT_AND_NOTIFY"
	ActionBlockAndAlert      ThreatAction = "BLOCK_AND_ALERT"
	ActionRequireMFA         ThreatAction = "REQUIRE_MFA"
)

// ThreatAssessment is computed per event and never persisted as an entity.
type ThreatAssessment struct {
	EventID            string         `json:"event_id,omitempty"`
	RiskScore          int            `json:"risk_score"`
	Patterns           PatternSet     `json:"patterns"`
	RecommendedActions []ThreatAction `json:"recommended_actions"`
	Degraded           bool           `json:"degraded,omitempty"`
}

// HasAction reports whether action is recommended.
func (a *ThreatAssessment) HasAction(action ThreatAction) bool {
	for _, got := range a.RecommendedActions {
		if got == action {
			return true
		}
	}
	return false
}

// SafeAssessment is the zero-risk, log-only result used when analysis fails.
func SafeAssessment(eventID string) *ThreatAssessment {
	return &ThreatAssessment{
		EventID:            eventID,
		RiskScore:          0,
		RecommendedActions: []ThreatAction{ActionLogOnly},
		Degraded:           true,
	}
}

// GeoLocation is an approximate location resolved from a network address.
type GeoLocation struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
}
