package config

import (
	"encoding/base64"
	"fmt"

	"github.com/ocx/assurance/internal/core"
)

// Validate rejects configurations the services cannot run with. Any error
// wraps core.ErrConfiguration and is fatal at startup.
func (c *Config) Validate() error {
	if sum := c.Confidence.Weights.Sum(); sum != 100 {
		return fmt.Errorf("%w: confidence weights sum to %d, want 100", core.ErrConfiguration, sum)
	}
	w := c.Confidence.Weights
	if w.Browser < 0 || w.OS < 0 || w.IP < 0 || w.Fingerprint < 0 {
		return fmt.Errorf("%w: confidence weights must not be negative", core.ErrConfiguration)
	}

	if err := validateLimit("default", c.RateLimit.Default); err != nil {
		return err
	}
	for name, limit := range c.RateLimit.Endpoints {
		if err := validateLimit(name, limit); err != nil {
			return err
		}
	}

	if c.AAL.MaxAAL2Duration <= 0 {
		return fmt.Errorf("%w: aal.max_aal2_duration must be positive", core.ErrConfiguration)
	}
	for op, level := range c.AAL.Operations {
		if !core.AALLevel(level).Valid() {
			return fmt.Errorf("%w: operation %q requires unknown level %d", core.ErrConfiguration, op, level)
		}
	}

	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return fmt.Errorf("%w: mfa.digits must be 6 or 8", core.ErrConfiguration)
	}
	if c.MFA.Period == 0 {
		return fmt.Errorf("%w: mfa.period must be positive", core.ErrConfiguration)
	}
	if c.MFA.BackupCodeCount <= 0 || c.MFA.BackupCodeLength < 6 {
		return fmt.Errorf("%w: backup codes need count > 0 and length >= 6", core.ErrConfiguration)
	}
	if c.MFA.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.MFA.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("%w: mfa.encryption_key must be 32 base64-encoded bytes", core.ErrConfiguration)
		}
	}

	if _, err := core.ParseSeverity(c.SecurityLog.MinSeverity); err != nil {
		return fmt.Errorf("%w: security_log.min_severity: %v", core.ErrConfiguration, err)
	}
	if c.SecurityLog.PerMinute <= 0 || c.SecurityLog.PerHour < c.SecurityLog.PerMinute {
		return fmt.Errorf("%w: security_log ceilings must satisfy 0 < per_minute <= per_hour", core.ErrConfiguration)
	}

	t := c.Threat.Thresholds
	if !(0 < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 100) {
		return fmt.Errorf("%w: threat thresholds must be increasing within (0,100]", core.ErrConfiguration)
	}
	if c.Threat.BaselineAlpha <= 0 || c.Threat.BaselineAlpha > 1 {
		return fmt.Errorf("%w: threat.baseline_alpha must be in (0,1]", core.ErrConfiguration)
	}
	if c.Threat.TemporalWindow <= 0 {
		return fmt.Errorf("%w: threat.temporal_window must be positive", core.ErrConfiguration)
	}

	return nil
}

func validateLimit(name string, limit EndpointLimit) error {
	if limit.Max <= 0 || limit.Window <= 0 {
		return fmt.Errorf("%w: rate limit %q needs max > 0 and window > 0", core.ErrConfiguration, name)
	}
	return nil
}
