// Package threat turns logged security events into risk scores and
// automated mitigations. It is a secondary control: any failure during
// analysis yields a zero-risk, log-only assessment.
package threat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/assurance/internal/config"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/kv"
	"github.com/ocx/assurance/internal/metrics"
)

// Score contributions.
const (
	temporalCap        = 20
	temporalPerRatio   = 5
	impossibleTravel   = 25
	newCountry         = 10
	geographicCap      = 30
	deviationWeight    = 10
	knownBadBonus      = 20
	profileTTL         = 30 * 24 * time.Hour
	defaultBaseline    = 1.0
	maxKnownAgents     = 10
	maxKnownHours      = 24
	minTravelInterval  = time.Minute
	earthRadiusKm      = 6371.0
	temporalKeyPattern = "threat:temporal:%s:%s"
)

var severityBase = map[core.Severity]int{
	core.SeverityLow:      5,
	core.SeverityMedium:   15,
	core.SeverityHigh:     25,
	core.SeverityCritical: 40,
}

var knownBad = map[core.EventType]bool{
	core.EventAuthFailed:         true,
	core.EventBruteForce:         true,
	core.EventUnauthorizedAccess: true,
	core.EventSuspiciousActivity: true,
}

// GeoResolver maps an address to an approximate location. A nil location
// means the address could not be placed.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (*core.GeoLocation, error)
}

// Engine scores events against per-identity profiles held in the shared
// store.
type Engine struct {
	store      kv.Store
	geo        GeoResolver
	window     time.Duration
	alpha      float64
	multiplier float64
	maxSpeed   float64
	thresholds config.ThreatThreshold
	responder  *Responder
	events     core.EventLogger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock injects the clock used for windows and travel speed.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithResponder executes recommended actions from Observe.
func WithResponder(r *Responder) Option {
	return func(e *Engine) { e.responder = r }
}

// WithEvents sets the logger THREAT_DETECTED events go to.
func WithEvents(l core.EventLogger) Option {
	return func(e *Engine) { e.events = l }
}

// WithMetrics records risk scores.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an Engine. geo may be nil, which disables the geographic
// pattern.
func New(store kv.Store, geo GeoResolver, cfg config.ThreatConfig, opts ...Option) (*Engine, error) {
	if cfg.TemporalWindow <= 0 {
		return nil, fmt.Errorf("%w: threat temporal window must be positive", core.ErrConfiguration)
	}
	if cfg.BaselineAlpha <= 0 || cfg.BaselineAlpha > 1 {
		return nil, fmt.Errorf("%w: threat baseline alpha must be in (0,1]", core.ErrConfiguration)
	}
	if cfg.AnomalyMultiplier <= 0 || cfg.ImpossibleSpeedKmh <= 0 {
		return nil, fmt.Errorf("%w: threat anomaly multiplier and travel speed must be positive", core.ErrConfiguration)
	}
	t := cfg.Thresholds
	if !(0 < t.Medium && t.Medium <= t.High && t.High <= t.Critical && t.Critical <= 100) {
		return nil, fmt.Errorf("%w: threat thresholds must satisfy 0 < medium <= high <= critical <= 100", core.ErrConfiguration)
	}
	e := &Engine{
		store:      store,
		geo:        geo,
		window:     cfg.TemporalWindow,
		alpha:      cfg.BaselineAlpha,
		multiplier: cfg.AnomalyMultiplier,
		maxSpeed:   cfg.ImpossibleSpeedKmh,
		thresholds: t,
		events:     core.NopEventLogger{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// AnalyzeSecurityEvent scores one event. It never returns an error: store
// failures and panics produce core.SafeAssessment.
func (e *Engine) AnalyzeSecurityEvent(ctx context.Context, evt *core.SecurityEvent) (a *core.ThreatAssessment) {
	if evt == nil {
		return core.SafeAssessment("")
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[ThreatEngine] Panic during analysis", "event_id", evt.ID, "panic", r)
			a = core.SafeAssessment(evt.ID)
		}
		e.metrics.RecordThreat(string(evt.Type), a.RiskScore, a.Degraded)
	}()

	patterns, err := e.extract(ctx, evt)
	if err != nil {
		slog.Warn("[ThreatEngine] Pattern extraction failed, using safe assessment", "event_id", evt.ID, "type", evt.Type, "error", err)
		return core.SafeAssessment(evt.ID)
	}

	score := e.score(evt, patterns)
	return &core.ThreatAssessment{
		EventID:            evt.ID,
		RiskScore:          score,
		Patterns:           *patterns,
		RecommendedActions: e.actions(score),
	}
}

func (e *Engine) extract(ctx context.Context, evt *core.SecurityEvent) (*core.PatternSet, error) {
	var ps core.PatternSet
	identity := evt.Identity()
	now := e.now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard("temporal", func() (err error) {
		ps.Temporal, err = e.temporal(gctx, identity, evt, now)
		return err
	}))
	g.Go(guard("geographic", func() (err error) {
		ps.Geographic, err = e.geographic(gctx, identity, evt, now)
		return err
	}))
	g.Go(guard("behavioral", func() (err error) {
		ps.Behavioral, err = e.behavioral(gctx, identity, evt)
		return err
	}))
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &ps, nil
}

// guard turns a panic in an extractor into an error.
func guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s extractor panicked: %v", name, r)
			}
		}()
		return fn()
	}
}

func (e *Engine) score(evt *core.SecurityEvent, p *core.PatternSet) int {
	base, ok := severityBase[evt.Severity]
	if !ok {
		base = severityBase[core.SeverityMedium]
	}
	score := base

	if p.Temporal.IsAnomalous {
		score += min(temporalCap, int(math.Round(temporalPerRatio*p.Temporal.Ratio)))
	}

	geo := 0
	if p.Geographic.ImpossibleTravel {
		geo += impossibleTravel
	}
	if p.Geographic.NewCountry {
		geo += newCountry
	}
	score += min(geographicCap, geo)

	score += deviationWeight * len(p.Behavioral.Deviations)
	if knownBad[evt.Type] {
		score += knownBadBonus
	}
	return core.Clamp(score)
}

func (e *Engine) actions(score int) []core.ThreatAction {
	switch {
	case score >= e.thresholds.Critical:
		return []core.ThreatAction{core.ActionBlockAndAlert, core.ActionRequireMFA}
	case score >= e.thresholds.High:
		return []core.ThreatAction{core.ActionRateLimitAndNotify, core.ActionRequireMFA}
	case score >= e.thresholds.Medium:
		return []core.ThreatAction{core.ActionMonitorAndLog}
	default:
		return []core.ThreatAction{core.ActionLogOnly}
	}
}

// Observe analyzes a logged event and executes the recommended actions.
// It is registered as a security.Logger observer. THREAT_DETECTED events
// are skipped so the engine does not analyze its own output.
func (e *Engine) Observe(ctx context.Context, evt *core.SecurityEvent) {
	if evt == nil || evt.Type == core.EventThreatDetected {
		return
	}
	a := e.AnalyzeSecurityEvent(ctx, evt)
	if a.RiskScore < e.thresholds.Medium {
		return
	}

	rc := evt.Context
	rc.UserID = evt.UserID
	rc.SessionID = evt.DeviceSessionID
	e.events.LogEvent(ctx, core.EventThreatDetected, map[string]any{
		"source_event_id":   evt.ID,
		"source_event_type": string(evt.Type),
		"risk_score":        a.RiskScore,
		"actions":           a.RecommendedActions,
	}, rc)

	if e.responder != nil {
		e.responder.Execute(ctx, evt, a)
	}
}

func (e *Engine) temporal(ctx context.Context, identity string, evt *core.SecurityEvent, now time.Time) (core.TemporalPattern, error) {
	key := fmt.Sprintf(temporalKeyPattern, identity, evt.Type)
	nowMs := float64(now.UnixMilli())

	if _, err := e.store.ZRemRangeByScore(ctx, key, math.Inf(-1), nowMs-float64(e.window.Milliseconds())); err != nil {
		return core.TemporalPattern{}, err
	}
	member := evt.ID
	if member == "" {
		member = fmt.Sprintf("%d", now.UnixNano())
	}
	if err := e.store.ZAdd(ctx, key, nowMs, member); err != nil {
		return core.TemporalPattern{}, err
	}
	if err := e.store.Expire(ctx, key, e.window); err != nil {
		return core.TemporalPattern{}, err
	}
	count, err := e.store.ZCard(ctx, key)
	if err != nil {
		return core.TemporalPattern{}, err
	}

	baselineKey := "threat:baseline:" + identity + ":" + string(evt.Type)
	baseline, err := e.loadBaseline(ctx, baselineKey)
	if err != nil {
		return core.TemporalPattern{}, err
	}

	p := core.TemporalPattern{
		EventCount: int(count),
		Baseline:   baseline,
		Ratio:      float64(count) / baseline,
	}
	p.IsAnomalous = float64(count) > e.multiplier*baseline

	next := e.alpha*float64(count) + (1-e.alpha)*baseline
	if err := storeJSON(ctx, e.store, baselineKey, next, profileTTL); err != nil {
		return core.TemporalPattern{}, err
	}
	return p, nil
}

func (e *Engine) loadBaseline(ctx context.Context, key string) (float64, error) {
	var baseline float64
	ok, err := loadJSON(ctx, e.store, key, &baseline)
	if err != nil {
		return 0, err
	}
	if !ok || baseline <= 0 {
		return defaultBaseline, nil
	}
	return baseline, nil
}

func (e *Engine) geographic(ctx context.Context, identity string, evt *core.SecurityEvent, now time.Time) (core.GeographicPattern, error) {
	var p core.GeographicPattern
	if e.geo == nil || evt.Context.IPAddress == "" {
		return p, nil
	}
	loc, err := e.geo.Resolve(ctx, evt.Context.IPAddress)
	if err != nil {
		slog.Warn("[ThreatEngine] Geo resolution failed", "event_id", evt.ID, "error", err)
		return p, nil
	}
	if loc == nil {
		return p, nil
	}
	p.Resolved = true
	p.Country = loc.Country

	key := "threat:geo:" + identity
	var last geoProfile
	found, err := loadJSON(ctx, e.store, key, &last)
	if err != nil {
		return p, err
	}
	if found {
		p.PreviousCountry = last.Country
		p.NewCountry = last.Country != "" && loc.Country != "" && last.Country != loc.Country
		p.DistanceKm = haversineKm(last.Lat, last.Lon, loc.Lat, loc.Lon)
		elapsed := now.Sub(last.SeenAt)
		if elapsed < minTravelInterval {
			elapsed = minTravelInterval
		}
		p.SpeedKmh = p.DistanceKm / elapsed.Hours()
		p.ImpossibleTravel = p.SpeedKmh > e.maxSpeed
	}

	next := geoProfile{Lat: loc.Lat, Lon: loc.Lon, Country: loc.Country, SeenAt: now}
	if err := storeJSON(ctx, e.store, key, next, profileTTL); err != nil {
		return p, err
	}
	return p, nil
}

func (e *Engine) behavioral(ctx context.Context, identity string, evt *core.SecurityEvent) (core.BehavioralPattern, error) {
	p := core.BehavioralPattern{Deviations: []string{}}
	key := "threat:behavior:" + identity

	var prof behaviorProfile
	found, err := loadJSON(ctx, e.store, key, &prof)
	if err != nil {
		return p, err
	}

	hour := evt.Timestamp.UTC().Hour()
	if evt.Timestamp.IsZero() {
		hour = e.now().UTC().Hour()
	}
	agent := evt.Context.UserAgent

	if found {
		if len(prof.Hours) > 0 && !prof.knowsHour(hour) {
			p.UnusualHour = true
			p.Deviations = append(p.Deviations, "unusual_hour")
		}
		if agent != "" && len(prof.Agents) > 0 && !prof.knowsAgent(agent) {
			p.UnknownAgent = true
			p.Deviations = append(p.Deviations, "unknown_agent")
		}
	}

	prof.observe(hour, agent)
	if err := storeJSON(ctx, e.store, key, prof, profileTTL); err != nil {
		return p, err
	}
	return p, nil
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func isNotFound(err error) bool {
	return errors.Is(err, kv.ErrNotFound)
}
