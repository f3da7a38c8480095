package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Store       StoreConfig       `yaml:"store"`
	Confidence  ConfidenceConfig  `yaml:"confidence"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	AAL         AALConfig         `yaml:"aal"`
	MFA         MFAConfig         `yaml:"mfa"`
	SecurityLog SecurityLogConfig `yaml:"security_log"`
	Threat      ThreatConfig      `yaml:"threat"`
	Session     SessionConfig     `yaml:"session"`
	Alert       AlertConfig       `yaml:"alert"`
}

type ServerConfig struct {
	Port string `yaml:"port" env:"PORT"`
	Env  string `yaml:"env" env:"APP_ENV"`
	// AllowedOrigins lists the browser origins accepted on the event
	// stream. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"` // json or text
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DATABASE_DRIVER"` // postgres or sqlite
	DSN    string `yaml:"dsn" env:"DATABASE_URL"`
}

// StoreConfig bounds retries against the shared key-value store.
type StoreConfig struct {
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

type ConfidenceConfig struct {
	Weights   ConfidenceWeights `yaml:"weights"`
	CacheTTL  time.Duration     `yaml:"cache_ttl"`
	CacheSize int               `yaml:"cache_size"`
}

// ConfidenceWeights must sum to exactly 100.
type ConfidenceWeights struct {
	Browser     int `yaml:"browser"`
	OS          int `yaml:"os"`
	IP          int `yaml:"ip"`
	Fingerprint int `yaml:"fingerprint"`
}

// Sum returns the total of all weights.
func (w ConfidenceWeights) Sum() int {
	return w.Browser + w.OS + w.IP + w.Fingerprint
}

type RateLimitConfig struct {
	Adaptive  bool                     `yaml:"adaptive" env:"RATE_LIMIT_ADAPTIVE"`
	TTLBuffer time.Duration            `yaml:"ttl_buffer"`
	Default   EndpointLimit            `yaml:"default"`
	Endpoints map[string]EndpointLimit `yaml:"endpoints"`
}

type EndpointLimit struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

type AALConfig struct {
	MaxAAL2Duration time.Duration  `yaml:"max_aal2_duration"`
	Operations      map[string]int `yaml:"operations"`
}

type MFAConfig struct {
	Issuer             string `yaml:"issuer" env:"MFA_ISSUER"`
	Digits             int    `yaml:"digits"`
	Period             uint   `yaml:"period"`
	Algorithm          string `yaml:"algorithm"`
	Skew               uint   `yaml:"skew"`
	BackupCodeCount    int    `yaml:"backup_code_count"`
	BackupCodeLength   int    `yaml:"backup_code_length"`
	LowBackupThreshold int    `yaml:"low_backup_threshold"`
	BcryptCost         int    `yaml:"bcrypt_cost"`
	EncryptionKey      string `yaml:"encryption_key" env:"MFA_ENCRYPTION_KEY"` // base64, 32 bytes
}

type SecurityLogConfig struct {
	MinSeverity     string   `yaml:"min_severity" env:"SECURITY_LOG_MIN_SEVERITY"`
	PerMinute       int      `yaml:"per_minute"`
	PerHour         int      `yaml:"per_hour"`
	HighVolumeTypes []string `yaml:"high_volume_types"`
	CriticalTypes   []string `yaml:"critical_types"`
}

type ThreatConfig struct {
	TemporalWindow     time.Duration   `yaml:"temporal_window"`
	BaselineAlpha      float64         `yaml:"baseline_alpha"`
	AnomalyMultiplier  float64         `yaml:"anomaly_multiplier"`
	ImpossibleSpeedKmh float64         `yaml:"impossible_speed_kmh"`
	Thresholds         ThreatThreshold `yaml:"thresholds"`
	BlockDuration      time.Duration   `yaml:"block_duration"`
	PenaltyDuration    time.Duration   `yaml:"penalty_duration"`
	PenaltyFactor      int             `yaml:"penalty_factor"`
	MonitorDuration    time.Duration   `yaml:"monitor_duration"`
	GeoLookupURL       string          `yaml:"geo_lookup_url" env:"GEO_LOOKUP_URL"`
}

type ThreatThreshold struct {
	Medium   int `yaml:"medium"`
	High     int `yaml:"high"`
	Critical int `yaml:"critical"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type AlertConfig struct {
	RedisChannel  string `yaml:"redis_channel" env:"ALERT_REDIS_CHANNEL"`
	PubSubProject string `yaml:"pubsub_project" env:"ALERT_PUBSUB_PROJECT"`
	PubSubTopic   string `yaml:"pubsub_topic" env:"ALERT_PUBSUB_TOPIC"`
	WebhookURL    string `yaml:"webhook_url" env:"ALERT_WEBHOOK_URL"`
	WebhookSecret string `yaml:"webhook_secret" env:"ALERT_WEBHOOK_SECRET"`
}

// Default returns the built-in configuration. Files and the environment
// are layered on top of it.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", Env: "development"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Redis:   RedisConfig{KeyPrefix: "assurance:"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:assurance.db",
		},
		Store: StoreConfig{
			RetryAttempts:  3,
			RetryBackoff:   50 * time.Millisecond,
			BreakerTimeout: 30 * time.Second,
			CallTimeout:    2 * time.Second,
		},
		Confidence: ConfidenceConfig{
			Weights:   ConfidenceWeights{Browser: 30, OS: 25, IP: 20, Fingerprint: 25},
			CacheTTL:  5 * time.Minute,
			CacheSize: 10000,
		},
		RateLimit: RateLimitConfig{
			Adaptive:  true,
			TTLBuffer: time.Minute,
			Default:   EndpointLimit{Max: 100, Window: time.Minute},
			Endpoints: map[string]EndpointLimit{
				"auth.login":      {Max: 5, Window: 15 * time.Minute},
				"auth.register":   {Max: 3, Window: time.Hour},
				"auth.mfa_verify": {Max: 5, Window: 5 * time.Minute},
				"auth.mfa_setup":  {Max: 3, Window: 15 * time.Minute},
				"auth.password":   {Max: 3, Window: time.Hour},
				"api.sensitive":   {Max: 10, Window: time.Minute},
			},
		},
		AAL: AALConfig{
			MaxAAL2Duration: 12 * time.Hour,
		},
		MFA: MFAConfig{
			Issuer:             "OCX Assurance",
			Digits:             6,
			Period:             30,
			Algorithm:          "SHA1",
			Skew:               1,
			BackupCodeCount:    10,
			BackupCodeLength:   8,
			LowBackupThreshold: 3,
			BcryptCost:         10,
		},
		SecurityLog: SecurityLogConfig{
			MinSeverity: "low",
			PerMinute:   10,
			PerHour:     100,
			HighVolumeTypes: []string{
				"AUTH_SUCCESS", "AUTH_FAILED", "MFA_FAILED", "RATE_LIMIT_EXCEEDED",
			},
			CriticalTypes: []string{
				"BRUTE_FORCE_DETECTED", "ACCOUNT_COMPROMISED",
				"PRIVILEGE_ESCALATION", "DATA_BREACH_ATTEMPT",
			},
		},
		Threat: ThreatConfig{
			TemporalWindow:     5 * time.Minute,
			BaselineAlpha:      0.1,
			AnomalyMultiplier:  2,
			ImpossibleSpeedKmh: 1000,
			Thresholds:         ThreatThreshold{Medium: 40, High: 60, Critical: 80},
			BlockDuration:      15 * time.Minute,
			PenaltyDuration:    30 * time.Minute,
			PenaltyFactor:      2,
			MonitorDuration:    24 * time.Hour,
			GeoLookupURL:       "http://ip-api.com/json/%s?fields=status,country,countryCode,lat,lon",
		},
		Session: SessionConfig{
			TTL:           30 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Alert: AlertConfig{},
	}
}

// LoadConfig reads a YAML file on top of the defaults. It does not validate.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, into *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Load builds the effective configuration: defaults, the base file, an
// optional overlay file, a .env file if present, then the process
// environment. The result is validated.
func Load(basePath, overlayPath string) (*Config, error) {
	cfg := Default()
	if basePath != "" {
		if err := decodeFile(basePath, cfg); err != nil {
			return nil, err
		}
	}

	if overlayPath != "" {
		overlay, err := loadOverlay(overlayPath)
		if err != nil {
			return nil, err
		}
		if overlay != nil {
			cfg = Merge(cfg, overlay)
		}
	}

	// .env is optional in every environment
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
