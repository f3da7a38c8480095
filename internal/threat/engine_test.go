package threat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ocx/assurance/internal/config"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/kv"
	"github.com/ocx/assurance/internal/kv/kvtest"
)

const chromeWindows = "Mozilla/* (Windows NT *; Win*; x*) AppleWebKit/* Chrome/* Safari/*"

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type staticGeo map[string]*core.GeoLocation

func (g staticGeo) Resolve(_ context.Context, ip string) (*core.GeoLocation, error) {
	return g[ip], nil
}

type panicGeo struct{}

func (panicGeo) Resolve(context.Context, string) (*core.GeoLocation, error) { panic("resolver bug") }

type mockLimiter struct{ mock.Mock }

func (m *mockLimiter) Block(ctx context.Context, id string, ttl time.Duration) error {
	return m.Called(ctx, id, ttl).Error(0)
}

func (m *mockLimiter) Penalize(ctx context.Context, id string, factor int, ttl time.Duration) error {
	return m.Called(ctx, id, factor, ttl).Error(0)
}

type mockDowngrader struct{ mock.Mock }

func (m *mockDowngrader) DowngradeUser(ctx context.Context, userID, reason string) (int, error) {
	args := m.Called(ctx, userID, reason)
	return args.Int(0), args.Error(1)
}

type mockAlerter struct{ mock.Mock }

func (m *mockAlerter) Alert(ctx context.Context, evt *core.SecurityEvent) error {
	return m.Called(ctx, evt).Error(0)
}

func newEngine(t *testing.T, store kv.Store, geo GeoResolver, opts ...Option) (*Engine, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 3, 1, 10, 10, 0, 0, time.UTC)}
	e, err := New(store, geo, config.Default().Threat, append([]Option{WithClock(c.Now)}, opts...)...)
	require.NoError(t, err)
	return e, c
}

func event(c *clock, id string, t core.EventType, severity core.Severity, ip, agent string) *core.SecurityEvent {
	return &core.SecurityEvent{
		ID:        id,
		Type:      t,
		Severity:  severity,
		UserID:    "u1",
		Context:   core.RequestContext{IPAddress: ip, UserAgent: agent},
		Timestamp: c.now,
	}
}

func TestRepeatedFailuresAreAnomalous(t *testing.T) {
	e, c := newEngine(t, kv.NewMemoryStore(), nil)
	ctx := context.Background()

	var a *core.ThreatAssessment
	for i := 0; i < 5; i++ {
		a = e.AnalyzeSecurityEvent(ctx, event(c, "e"+string(rune('1'+i)), core.EventAuthFailed, core.SeverityMedium, "", chromeWindows))
		c.now = c.now.Add(30 * time.Second)
	}

	assert.Equal(t, 5, a.Patterns.Temporal.EventCount)
	assert.True(t, a.Patterns.Temporal.IsAnomalous)
	assert.InDelta(t, 1.561, a.Patterns.Temporal.Baseline, 0.001)
	assert.Equal(t, 51, a.RiskScore)
	assert.GreaterOrEqual(t, a.RiskScore, 40)
	assert.Contains(t, a.RecommendedActions, core.ActionMonitorAndLog)
	assert.False(t, a.Degraded)
}

func TestTemporalWindowSlides(t *testing.T) {
	e, c := newEngine(t, kv.NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.AnalyzeSecurityEvent(ctx, event(c, "old"+string(rune('a'+i)), core.EventMFAFailed, core.SeverityMedium, "", ""))
	}
	c.now = c.now.Add(6 * time.Minute)
	a := e.AnalyzeSecurityEvent(ctx, event(c, "new", core.EventMFAFailed, core.SeverityMedium, "", ""))
	assert.Equal(t, 1, a.Patterns.Temporal.EventCount)
	assert.False(t, a.Patterns.Temporal.IsAnomalous)
}

func TestImpossibleTravel(t *testing.T) {
	geo := staticGeo{
		"203.0.113.0":  {Lat: 40.71, Lon: -74.01, Country: "US"},
		"198.51.100.0": {Lat: 51.51, Lon: -0.13, Country: "GB"},
	}
	e, c := newEngine(t, kv.NewMemoryStore(), geo)
	ctx := context.Background()

	first := e.AnalyzeSecurityEvent(ctx, event(c, "e1", core.EventMFAVerified, core.SeverityLow, "203.0.113.0", chromeWindows))
	assert.True(t, first.Patterns.Geographic.Resolved)
	assert.False(t, first.Patterns.Geographic.ImpossibleTravel)
	assert.Equal(t, 5, first.RiskScore)

	c.now = c.now.Add(40 * time.Minute)
	second := e.AnalyzeSecurityEvent(ctx, event(c, "e2", core.EventMFAVerified, core.SeverityLow, "198.51.100.0", chromeWindows))
	g := second.Patterns.Geographic
	assert.True(t, g.ImpossibleTravel)
	assert.True(t, g.NewCountry)
	assert.Equal(t, "US", g.PreviousCountry)
	assert.InDelta(t, 5570, g.DistanceKm, 30)
	assert.Greater(t, g.SpeedKmh, 1000.0)
	assert.Equal(t, 5+geographicCap, second.RiskScore, "geographic contribution is capped")

	c.now = c.now.Add(24 * time.Hour)
	third := e.AnalyzeSecurityEvent(ctx, event(c, "e3", core.EventMFAVerified, core.SeverityLow, "198.51.100.0", chromeWindows))
	assert.False(t, third.Patterns.Geographic.NewCountry, "last location was updated")
}

func TestBehavioralDeviations(t *testing.T) {
	e, c := newEngine(t, kv.NewMemoryStore(), nil)
	ctx := context.Background()

	a := e.AnalyzeSecurityEvent(ctx, event(c, "e1", core.EventPasswordChanged, core.SeverityMedium, "", chromeWindows))
	assert.Empty(t, a.Patterns.Behavioral.Deviations, "an empty profile has nothing to deviate from")

	c.now = c.now.Add(time.Minute)
	a = e.AnalyzeSecurityEvent(ctx, event(c, "e2", core.EventPasswordChanged, core.SeverityMedium, "", "Mozilla/* (Windows NT *) Chrome/*"))
	assert.Empty(t, a.Patterns.Behavioral.Deviations, "same browser and OS family is not a new agent")

	c.now = c.now.Add(17 * time.Hour)
	a = e.AnalyzeSecurityEvent(ctx, event(c, "e3", core.EventPasswordChanged, core.SeverityMedium, "", "Mozilla/* (X11; Linux x*) Firefox/*"))
	assert.True(t, a.Patterns.Behavioral.UnusualHour)
	assert.True(t, a.Patterns.Behavioral.UnknownAgent)
	assert.Len(t, a.Patterns.Behavioral.Deviations, 2)
	assert.Equal(t, 15+2*deviationWeight, a.RiskScore)
}

func TestBehaviorProfileIsBounded(t *testing.T) {
	var p behaviorProfile
	for i := 0; i < 15; i++ {
		p.observe(i%24, "agent-"+string(rune('a'+i)))
	}
	assert.Len(t, p.Agents, maxKnownAgents)
	assert.Equal(t, "agent-o", p.Agents[len(p.Agents)-1])
	for h := 0; h < 30; h++ {
		p.observe(h%24, "")
	}
	assert.LessOrEqual(t, len(p.Hours), maxKnownHours)
}

func TestScoreIsClamped(t *testing.T) {
	e, _ := newEngine(t, kv.NewMemoryStore(), nil)
	score := e.score(&core.SecurityEvent{Type: core.EventBruteForce, Severity: core.SeverityCritical}, &core.PatternSet{
		Temporal:   core.TemporalPattern{IsAnomalous: true, Ratio: 10},
		Geographic: core.GeographicPattern{ImpossibleTravel: true, NewCountry: true},
		Behavioral: core.BehavioralPattern{Deviations: []string{"unusual_hour", "unknown_agent"}},
	})
	assert.Equal(t, 100, score)
}

func TestActionThresholds(t *testing.T) {
	e, _ := newEngine(t, kv.NewMemoryStore(), nil)
	assert.Equal(t, []core.ThreatAction{core.ActionLogOnly}, e.actions(39))
	assert.Equal(t, []core.ThreatAction{core.ActionMonitorAndLog}, e.actions(40))
	assert.Equal(t, []core.ThreatAction{core.ActionRateLimitAndNotify, core.ActionRequireMFA}, e.actions(60))
	assert.Equal(t, []core.ThreatAction{core.ActionBlockAndAlert, core.ActionRequireMFA}, e.actions(80))
}

func TestStoreFailureIsSafe(t *testing.T) {
	e, c := newEngine(t, &kvtest.Broken{}, nil)
	a := e.AnalyzeSecurityEvent(context.Background(), event(c, "e1", core.EventBruteForce, core.SeverityCritical, "", ""))
	assert.Equal(t, 0, a.RiskScore)
	assert.True(t, a.Degraded)
	assert.Equal(t, []core.ThreatAction{core.ActionLogOnly}, a.RecommendedActions)
}

func TestExtractorPanicIsSafe(t *testing.T) {
	e, c := newEngine(t, kv.NewMemoryStore(), panicGeo{})
	var a *core.ThreatAssessment
	assert.NotPanics(t, func() {
		a = e.AnalyzeSecurityEvent(context.Background(), event(c, "e1", core.EventAuthFailed, core.SeverityMedium, "203.0.113.0", ""))
	})
	assert.True(t, a.Degraded)
	assert.Equal(t, 0, a.RiskScore)
}

func TestObserveExecutesActions(t *testing.T) {
	limiter := &mockLimiter{}
	downgrader := &mockDowngrader{}
	alerter := &mockAlerter{}
	events := &core.EventRecorder{}

	cfg := config.Default().Threat
	responder := NewResponder(cfg)
	responder.Limiter = limiter
	responder.Downgrader = downgrader
	responder.Alerter = alerter

	limiter.On("Penalize", mock.Anything, "user:u1", cfg.PenaltyFactor, cfg.PenaltyDuration).Return(errors.New("redis down"))
	downgrader.On("DowngradeUser", mock.Anything, "u1", DowngradeReason).Return(2, nil)

	e, c := newEngine(t, kv.NewMemoryStore(), nil, WithResponder(responder), WithEvents(events))
	e.Observe(context.Background(), event(c, "e1", core.EventBruteForce, core.SeverityCritical, "", ""))

	limiter.AssertExpectations(t)
	downgrader.AssertExpectations(t)
	limiter.AssertNotCalled(t, "Block", mock.Anything, mock.Anything, mock.Anything)
	alerter.AssertNotCalled(t, "Alert", mock.Anything, mock.Anything)
	assert.Equal(t, []core.EventType{core.EventThreatDetected}, events.Types())
	assert.Equal(t, 60, events.Events()[0].Data["risk_score"])
}

func TestResponderAlertsOnlyWhenNotAlreadyPaged(t *testing.T) {
	ctx := context.Background()
	block := &core.ThreatAssessment{RecommendedActions: []core.ThreatAction{core.ActionBlockAndAlert}}
	c := &clock{now: time.Date(2024, 3, 1, 10, 10, 0, 0, time.UTC)}

	limiter := &mockLimiter{}
	limiter.On("Block", mock.Anything, "user:u1", mock.Anything).Return(nil)
	alerter := &mockAlerter{}
	alerter.On("Alert", mock.Anything, mock.MatchedBy(func(evt *core.SecurityEvent) bool { return evt.ID == "high" })).Return(nil).Once()

	responder := NewResponder(config.Default().Threat)
	responder.Limiter = limiter
	responder.Alerter = alerter

	responder.Execute(ctx, event(c, "high", core.EventSuspiciousActivity, core.SeverityHigh, "", ""), block)
	responder.Execute(ctx, event(c, "critical", core.EventBruteForce, core.SeverityCritical, "", ""), block)
	alerter.AssertExpectations(t)

	responder.AlreadyAlerted = func(evt *core.SecurityEvent) bool { return evt.Type == core.EventSuspiciousActivity }
	responder.Execute(ctx, event(c, "high-2", core.EventSuspiciousActivity, core.SeverityHigh, "", ""), block)
	alerter.AssertNumberOfCalls(t, "Alert", 1)
	limiter.AssertNumberOfCalls(t, "Block", 3)
}

func TestObserveSkipsOwnEventsAndLowRisk(t *testing.T) {
	events := &core.EventRecorder{}
	e, c := newEngine(t, kv.NewMemoryStore(), nil, WithEvents(events))

	e.Observe(context.Background(), event(c, "e1", core.EventThreatDetected, core.SeverityHigh, "", ""))
	e.Observe(context.Background(), event(c, "e2", core.EventMFAVerified, core.SeverityLow, "", ""))
	assert.Empty(t, events.Types())
}

func TestMonitorFlag(t *testing.T) {
	store := kv.NewMemoryStore()
	responder := NewResponder(config.Default().Threat)
	responder.Store = store

	e, c := newEngine(t, store, nil, WithResponder(responder))
	evt := event(c, "e1", core.EventAccountLocked, core.SeverityHigh, "", "")
	evt.Type = core.EventUnauthorizedAccess
	e.Observe(context.Background(), evt)

	score, err := store.Get(context.Background(), MonitorKey("user:u1"))
	require.NoError(t, err)
	assert.Equal(t, "45", score)
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 0, haversineKm(10, 10, 10, 10), 1e-9)
	assert.InDelta(t, 343, haversineKm(51.5074, -0.1278, 48.8566, 2.3522), 3)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Default().Threat
	cfg.Thresholds.Medium = 90
	_, err := New(kv.NewMemoryStore(), nil, cfg)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}
