package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/assurance/internal/core"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.Confidence.Weights.Sum())
	assert.Equal(t, 12*time.Hour, cfg.AAL.MaxAAL2Duration)
}

func TestValidateRejectsWeightsNotSummingTo100(t *testing.T) {
	cfg := Default()
	cfg.Confidence.Weights.IP = 25

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := Default()
	cfg.Threat.Thresholds = ThreatThreshold{Medium: 60, High: 40, Critical: 80}
	assert.ErrorIs(t, cfg.Validate(), core.ErrConfiguration)
}

func TestValidateRejectsUnknownAALLevel(t *testing.T) {
	cfg := Default()
	cfg.AAL.Operations = map[string]int{"wire_transfer": 3}
	assert.ErrorIs(t, cfg.Validate(), core.ErrConfiguration)
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  port: "9090"
confidence:
  weights:
    browser: 40
    os: 20
    ip: 20
    fingerprint: 20
rate_limit:
  default:
    max: 50
    window: 30s
  endpoints:
    auth.login:
      max: 7
      window: 10m
aal:
  max_aal2_duration: 6h
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 40, cfg.Confidence.Weights.Browser)
	assert.Equal(t, EndpointLimit{Max: 50, Window: 30 * time.Second}, cfg.RateLimit.Default)
	assert.Equal(t, EndpointLimit{Max: 7, Window: 10 * time.Minute}, cfg.RateLimit.Endpoints["auth.login"])
	// defaults for unmentioned endpoints survive the decode
	assert.Contains(t, cfg.RateLimit.Endpoints, "auth.register")
	assert.Equal(t, 6*time.Hour, cfg.AAL.MaxAAL2Duration)
}

func TestLoadFailsOnBadWeights(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
confidence:
  weights:
    browser: 30
    os: 30
    ip: 30
    fingerprint: 30
`)

	_, err := Load(path, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestLoadAppliesOverlayAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "config.yaml", `
redis:
  addr: "base:6379"
`)
	overlay := writeFile(t, dir, "config.production.yaml", `
server:
  env: production
  allowed_origins:
    - https://console.example.com
rate_limit:
  endpoints:
    auth.login:
      max: 3
      window: 15m
`)
	t.Setenv("REDIS_ADDR", "env:6379")
	t.Setenv("MFA_ISSUER", "Acme")

	cfg, err := Load(base, overlay)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, "Acme", cfg.MFA.Issuer)
	assert.Equal(t, 3, cfg.RateLimit.Endpoints["auth.login"].Max)
	assert.Contains(t, cfg.RateLimit.Endpoints, "auth.register")
}

func TestLoadIgnoresMissingOverlay(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "config.yaml", "server:\n  port: \"7000\"\n")

	cfg, err := Load(base, filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
}

func TestMergeReplacesWeightsAsUnit(t *testing.T) {
	base := Default()
	overlay := &Config{}
	overlay.Confidence.Weights = ConfidenceWeights{Browser: 25, OS: 25, IP: 25, Fingerprint: 25}

	merged := Merge(base, overlay)
	assert.Equal(t, overlay.Confidence.Weights, merged.Confidence.Weights)
	assert.Equal(t, 30, base.Confidence.Weights.Browser, "base must not be mutated")
}
