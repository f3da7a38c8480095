// Package metrics holds the Prometheus instrumentation for the assurance
// services. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the assurance services
type Metrics struct {
	// Rate limiter
	RateLimitDecisions *prometheus.CounterVec
	RateLimitFailOpen  *prometheus.CounterVec

	// Confidence scorer
	ConfidenceScore *prometheus.HistogramVec

	// MFA
	MFAVerifications *prometheus.CounterVec

	// AAL transitions
	AALTransitions *prometheus.CounterVec

	// Security log
	SecurityEvents *prometheus.CounterVec

	// Threat engine
	ThreatRiskScore *prometheus.HistogramVec
	ThreatActions   *prometheus.CounterVec
	ThreatDegraded  prometheus.Counter

	// Sessions
	SessionsSwept prometheus.Counter
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assurance_ratelimit_decisions_total",
				Help: "Rate limit decisions by endpoint",
			},
			[]string{"endpoint", "result"}, // result: allowed, denied, blocked
		),

		RateLimitFailOpen: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assurance_ratelimit_fail_open_total",
				Help: "Requests admitted because the shared store was unavailable",
			},
			[]string{"endpoint"},
		),

		ConfidenceScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assurance_confidence_score",
				Help:    "Device confidence scores",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"level"},
		),

		MFAVerifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assurance_mfa_verifications_total",
				Help: "MFA verification attempts",
			},
			[]string{"factor", "result"},
		),

		AALTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assurance_aal_transitions_total",
				Help: "AAL upgrades and downgrades",
			},
			[]string{"direction", "reason"},
		),

		SecurityEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assurance_security_events_total",
				Help: "Security events by type and outcome",
			},
			[]string{"type", "outcome"}, // outcome: logged, below_min, throttled, persist_failed
		),

		ThreatRiskScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assurance_threat_risk_score",
				Help:    "Risk scores computed by the threat engine",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"event_type"},
		),

		ThreatActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assurance_threat_actions_total",
				Help: "Automated responses executed",
			},
			[]string{"action", "result"},
		),

		ThreatDegraded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "assurance_threat_degraded_total",
				Help: "Analyses that fell back to the zero-risk assessment",
			},
		),

		SessionsSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "assurance_sessions_swept_total",
				Help: "Expired device sessions removed by the sweeper",
			},
		),
	}
}

// RecordRateLimit counts a rate limit decision.
func (m *Metrics) RecordRateLimit(endpoint, result string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(endpoint, result).Inc()
}

// RecordFailOpen counts a fail-open admission.
func (m *Metrics) RecordFailOpen(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitFailOpen.WithLabelValues(endpoint).Inc()
}

// RecordConfidence observes a computed confidence score.
func (m *Metrics) RecordConfidence(level string, score int) {
	if m == nil {
		return
	}
	m.ConfidenceScore.WithLabelValues(level).Observe(float64(score))
}

// RecordMFA counts a verification attempt.
func (m *Metrics) RecordMFA(factor string, ok bool) {
	if m == nil {
		return
	}
	m.MFAVerifications.WithLabelValues(factor, result(ok)).Inc()
}

// RecordAAL counts a level transition.
func (m *Metrics) RecordAAL(direction, reason string) {
	if m == nil {
		return
	}
	m.AALTransitions.WithLabelValues(direction, reason).Inc()
}

// RecordEvent counts a security event outcome.
func (m *Metrics) RecordEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.SecurityEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordThreat observes a risk score.
func (m *Metrics) RecordThreat(eventType string, score int, degraded bool) {
	if m == nil {
		return
	}
	m.ThreatRiskScore.WithLabelValues(eventType).Observe(float64(score))
	if degraded {
		m.ThreatDegraded.Inc()
	}
}

// RecordAction counts an executed threat action.
func (m *Metrics) RecordAction(action string, ok bool) {
	if m == nil {
		return
	}
	m.ThreatActions.WithLabelValues(action, result(ok)).Inc()
}

// RecordSwept counts removed sessions.
func (m *Metrics) RecordSwept(n int64) {
	if m == nil {
		return
	}
	m.SessionsSwept.Add(float64(n))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
