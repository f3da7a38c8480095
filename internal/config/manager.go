package config

import (
	"os"
)

// loadOverlay reads an environment-specific overlay file. A missing file
// yields no overlay.
func loadOverlay(path string) (*Config, error) {
	var overlay Config
	if err := decodeFile(path, &overlay); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &overlay, nil
}

// Merge returns a copy of base with every non-zero overlay section applied.
// Map-valued sections are merged key by key.
func Merge(base, overlay *Config) *Config {
	effective := *base

	if overlay.Server.Port != "" {
		effective.Server.Port = overlay.Server.Port
	}
	if overlay.Server.Env != "" {
		effective.Server.Env = overlay.Server.Env
	}
	if len(overlay.Server.AllowedOrigins) > 0 {
		effective.Server.AllowedOrigins = overlay.Server.AllowedOrigins
	}

	if overlay.Logging.Level != "" {
		effective.Logging.Level = overlay.Logging.Level
	}
	if overlay.Logging.Format != "" {
		effective.Logging.Format = overlay.Logging.Format
	}

	if overlay.Redis.Addr != "" {
		effective.Redis = overlay.Redis
	}
	if overlay.Database.DSN != "" {
		effective.Database = overlay.Database
	}
	if overlay.Store.RetryAttempts != 0 {
		effective.Store = overlay.Store
	}

	// Weights replace as a unit so a partial overlay cannot silently
	// combine with base weights into a different sum.
	if overlay.Confidence.Weights.Sum() != 0 {
		effective.Confidence.Weights = overlay.Confidence.Weights
	}
	if overlay.Confidence.CacheTTL != 0 {
		effective.Confidence.CacheTTL = overlay.Confidence.CacheTTL
	}

	if overlay.RateLimit.Default.Max != 0 {
		effective.RateLimit.Default = overlay.RateLimit.Default
	}
	if len(overlay.RateLimit.Endpoints) > 0 {
		merged := make(map[string]EndpointLimit, len(base.RateLimit.Endpoints)+len(overlay.RateLimit.Endpoints))
		for k, v := range base.RateLimit.Endpoints {
			merged[k] = v
		}
		for k, v := range overlay.RateLimit.Endpoints {
			merged[k] = v
		}
		effective.RateLimit.Endpoints = merged
	}

	if overlay.AAL.MaxAAL2Duration != 0 {
		effective.AAL.MaxAAL2Duration = overlay.AAL.MaxAAL2Duration
	}
	if len(overlay.AAL.Operations) > 0 {
		merged := make(map[string]int, len(base.AAL.Operations)+len(overlay.AAL.Operations))
		for k, v := range base.AAL.Operations {
			merged[k] = v
		}
		for k, v := range overlay.AAL.Operations {
			merged[k] = v
		}
		effective.AAL.Operations = merged
	}

	if overlay.MFA.Issuer != "" {
		effective.MFA.Issuer = overlay.MFA.Issuer
	}
	if overlay.MFA.Skew != 0 {
		effective.MFA.Skew = overlay.MFA.Skew
	}
	if overlay.MFA.BcryptCost != 0 {
		effective.MFA.BcryptCost = overlay.MFA.BcryptCost
	}

	if overlay.SecurityLog.MinSeverity != "" {
		effective.SecurityLog.MinSeverity = overlay.SecurityLog.MinSeverity
	}
	if overlay.SecurityLog.PerMinute != 0 {
		effective.SecurityLog.PerMinute = overlay.SecurityLog.PerMinute
		effective.SecurityLog.PerHour = overlay.SecurityLog.PerHour
	}

	if overlay.Threat.Thresholds.Medium != 0 {
		effective.Threat.Thresholds = overlay.Threat.Thresholds
	}

	if overlay.Session.TTL != 0 {
		effective.Session = overlay.Session
	}

	if overlay.Alert != (AlertConfig{}) {
		effective.Alert = overlay.Alert
	}

	return &effective
}
