package security

import "github.com/ocx/assurance/internal/core"

var severities = map[core.EventType]core.Severity{
	core.EventAuthSuccess:         core.SeverityLow,
	core.EventAuthFailed:          core.SeverityMedium,
	core.EventLogout:              core.SeverityLow,
	core.EventSessionCreated:      core.SeverityLow,
	core.EventSessionRevoked:      core.SeverityLow,
	core.EventSessionExpired:      core.SeverityLow,
	core.EventMFASetupStarted:     core.SeverityLow,
	core.EventMFAEnabled:          core.SeverityMedium,
	core.EventMFADisabled:         core.SeverityHigh,
	core.EventMFAVerified:         core.SeverityLow,
	core.EventMFAFailed:           core.SeverityMedium,
	core.EventBackupCodeUsed:      core.SeverityMedium,
	core.EventBackupCodesLow:      core.SeverityMedium,
	core.EventBackupCodesRegen:    core.SeverityMedium,
	core.EventAALUpgraded:         core.SeverityLow,
	core.EventAALDowngraded:       core.SeverityLow,
	core.EventAALDenied:           core.SeverityMedium,
	core.EventPasswordChanged:     core.SeverityMedium,
	core.EventEmailChanged:        core.SeverityMedium,
	core.EventAccountLocked:       core.SeverityHigh,
	core.EventRateLimitExceeded:   core.SeverityMedium,
	core.EventBruteForce:          core.SeverityCritical,
	core.EventUnauthorizedAccess:  core.SeverityHigh,
	core.EventSuspiciousActivity:  core.SeverityHigh,
	core.EventPrivilegeEscalation: core.SeverityCritical,
	core.EventAccountCompromised:  core.SeverityCritical,
	core.EventDataBreachAttempt:   core.SeverityCritical,
	core.EventThreatDetected:      core.SeverityHigh,
	core.EventSystemError:         core.SeverityMedium,
}

// SeverityOf returns the static severity of an event type. Unknown types
// are medium.
func SeverityOf(t core.EventType) core.Severity {
	if s, ok := severities[t]; ok {
		return s
	}
	return core.SeverityMedium
}
