// Package confidence scores how much a device resembles the one a user last
// authenticated from.
package confidence

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ocx/assurance/internal/config"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/metrics"
)

// Level is the coarse trust band of a score.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Status is the session classification derived from Level.
type Status string

const (
	StatusRestricted Status = "restricted"
	StatusVerified   Status = "verified"
	StatusTrusted    Status = "trusted"
)

// Canonical band boundaries. Scores below MediumThreshold are LOW, scores at
// or above HighThreshold are HIGH.
const (
	MediumThreshold = 40
	HighThreshold   = 70
)

// Classify maps a score to its level and status.
func Classify(score int) (Level, Status) {
	switch {
	case score >= HighThreshold:
		return LevelHigh, StatusTrusted
	case score >= MediumThreshold:
		return LevelMedium, StatusVerified
	default:
		return LevelLow, StatusRestricted
	}
}

// DeviceInfo is the set of attributes compared between two devices.
type DeviceInfo struct {
	Browser     string `json:"browser"`
	OS          string `json:"os"`
	IPAddress   string `json:"ip_address"`
	Fingerprint string `json:"fingerprint"`
}

// Matches records which attributes matched.
type Matches struct {
	Browser     bool `json:"browser"`
	OS          bool `json:"os"`
	IP          bool `json:"ip"`
	Fingerprint bool `json:"fingerprint"`
}

// Result is the outcome of CompareDevices.
type Result struct {
	Score   int     `json:"score"`
	Level   Level   `json:"level"`
	Status  Status  `json:"status"`
	Matches Matches `json:"matches"`
}

// Scorer compares devices using fixed attribute weights.
type Scorer struct {
	weights  config.ConfidenceWeights
	cacheTTL time.Duration
	maxSize  int
	now      func() time.Time
	metrics  *metrics.Metrics

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Option customizes a Scorer.
type Option func(*Scorer)

// WithClock injects the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// WithMetrics records scores.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scorer) { s.metrics = m }
}

// NewScorer validates the weights and builds a Scorer. Weights that do not
// sum to exactly 100 are a configuration failure.
func NewScorer(cfg config.ConfidenceConfig, opts ...Option) (*Scorer, error) {
	w := cfg.Weights
	if w.Browser < 0 || w.OS < 0 || w.IP < 0 || w.Fingerprint < 0 {
		return nil, fmt.Errorf("%w: confidence weights must not be negative", core.ErrConfiguration)
	}
	if w.Sum() != 100 {
		return nil, fmt.Errorf("%w: confidence weights sum to %d, want 100", core.ErrConfiguration, w.Sum())
	}

	s := &Scorer{
		weights:  w,
		cacheTTL: cfg.CacheTTL,
		maxSize:  cfg.CacheSize,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = 5 * time.Minute
	}
	if s.maxSize <= 0 {
		s.maxSize = 10000
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CompareDevices scores current against stored. The score is the sum of the
// weights of matching attributes.
func (s *Scorer) CompareDevices(current, stored DeviceInfo) Result {
	key := cacheKey(current, stored)
	now := s.now()
	if r, ok := s.lookup(key, now); ok {
		return r
	}

	m := Matches{
		Browser:     sameFold(current.Browser, stored.Browser),
		OS:          sameFold(current.OS, stored.OS),
		IP:          same(current.IPAddress, stored.IPAddress),
		Fingerprint: same(current.Fingerprint, stored.Fingerprint),
	}

	score := 0
	if m.Browser {
		score += s.weights.Browser
	}
	if m.OS {
		score += s.weights.OS
	}
	if m.IP {
		score += s.weights.IP
	}
	if m.Fingerprint {
		score += s.weights.Fingerprint
	}
	score = core.Clamp(score)

	level, status := Classify(score)
	r := Result{Score: score, Level: level, Status: status, Matches: m}
	s.metrics.RecordConfidence(string(level), score)
	s.store(key, r, now)
	return r
}

func (s *Scorer) lookup(key string, now time.Time) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache[key]
	if !ok {
		return Result{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(s.cache, key)
		return Result{}, false
	}
	return e.result, true
}

func (s *Scorer) store(key string, r Result, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cache) >= s.maxSize {
		for k, e := range s.cache {
			if !now.Before(e.expiresAt) {
				delete(s.cache, k)
			}
		}
		if len(s.cache) >= s.maxSize {
			s.cache = make(map[string]cacheEntry)
		}
	}
	s.cache[key] = cacheEntry{result: r, expiresAt: now.Add(s.cacheTTL)}
}

// cacheKey covers every compared attribute so a hit can never return a
// score for different inputs.
func cacheKey(current, stored DeviceInfo) string {
	return strings.Join([]string{
		current.Fingerprint, stored.Fingerprint,
		current.Browser, stored.Browser,
		current.OS, stored.OS,
		current.IPAddress, stored.IPAddress,
	}, "\x00")
}

func same(a, b string) bool {
	return a != "" && a == b
}

func sameFold(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
