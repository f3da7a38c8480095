package threat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ocx/assurance/internal/config"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/kv"
	"github.com/ocx/assurance/internal/metrics"
)

// Limiter applies rate-limit mitigations. ratelimit.Limiter implements it.
type Limiter interface {
	Block(ctx context.Context, identifier string, ttl time.Duration) error
	Penalize(ctx context.Context, identifier string, factor int, ttl time.Duration) error
}

// Downgrader drops a user's sessions to AAL1. aal.Manager implements it.
type Downgrader interface {
	DowngradeUser(ctx context.Context, userID, reason string) (int, error)
}

// Alerter notifies operators. alert.Alerter implements it.
type Alerter interface {
	Alert(ctx context.Context, evt *core.SecurityEvent) error
}

// DowngradeReason is recorded on sessions downgraded by REQUIRE_MFA.
const DowngradeReason = "threat_response"

// Responder executes recommended actions. Every collaborator is optional;
// a missing one skips the matching action.
type Responder struct {
	Limiter    Limiter
	Downgrader Downgrader
	Alerter    Alerter
	Store      kv.Store
	Metrics    *metrics.Metrics
	// AlreadyAlerted reports events the security logger has paged on.
	// Nil treats critical-severity events as already alerted.
	AlreadyAlerted func(evt *core.SecurityEvent) bool

	blockFor   time.Duration
	penaltyFor time.Duration
	penalty    int
	monitorFor time.Duration
}

// NewResponder builds a Responder with durations from cfg.
func NewResponder(cfg config.ThreatConfig) *Responder {
	return &Responder{
		blockFor:   cfg.BlockDuration,
		penaltyFor: cfg.PenaltyDuration,
		penalty:    cfg.PenaltyFactor,
		monitorFor: cfg.MonitorDuration,
	}
}

// MonitorKey flags an identity under observation.
func MonitorKey(identity string) string {
	return "threat:monitor:" + identity
}

// Execute runs each action of a independently. A failing action is logged
// and does not stop the others.
func (r *Responder) Execute(ctx context.Context, evt *core.SecurityEvent, a *core.ThreatAssessment) {
	identity := evt.Identity()
	for _, action := range a.RecommendedActions {
		var err error
		switch action {
		case core.ActionLogOnly:
			continue
		case core.ActionMonitorAndLog:
			err = r.monitor(ctx, identity, a)
		case core.ActionRateLimitAndNotify:
			err = r.penalize(ctx, identity)
			if aerr := r.alert(ctx, evt); err == nil {
				err = aerr
			}
		case core.ActionBlockAndAlert:
			err = r.block(ctx, identity)
			if aerr := r.alert(ctx, evt); err == nil {
				err = aerr
			}
		case core.ActionRequireMFA:
			err = r.requireMFA(ctx, evt.UserID)
		default:
			err = fmt.Errorf("unknown action %q", action)
		}

		r.Metrics.RecordAction(string(action), err == nil)
		if err != nil {
			slog.Error("[ThreatResponder] Action failed", "action", action, "identity", identity, "event_id", evt.ID, "error", err)
			continue
		}
		slog.Info("[ThreatResponder] Action executed", "action", action, "identity", identity, "risk_score", a.RiskScore)
	}
}

func (r *Responder) monitor(ctx context.Context, identity string, a *core.ThreatAssessment) error {
	if r.Store == nil || r.monitorFor <= 0 {
		return nil
	}
	return r.Store.Set(ctx, MonitorKey(identity), strconv.Itoa(a.RiskScore), r.monitorFor)
}

func (r *Responder) penalize(ctx context.Context, identity string) error {
	if r.Limiter == nil {
		return nil
	}
	return r.Limiter.Penalize(ctx, identity, r.penalty, r.penaltyFor)
}

func (r *Responder) block(ctx context.Context, identity string) error {
	if r.Limiter == nil {
		return nil
	}
	return r.Limiter.Block(ctx, identity, r.blockFor)
}

func (r *Responder) alert(ctx context.Context, evt *core.SecurityEvent) error {
	if r.Alerter == nil || r.alreadyAlerted(evt) {
		return nil
	}
	return r.Alerter.Alert(ctx, evt)
}

func (r *Responder) alreadyAlerted(evt *core.SecurityEvent) bool {
	if r.AlreadyAlerted != nil {
		return r.AlreadyAlerted(evt)
	}
	return evt.Severity == core.SeverityCritical
}

func (r *Responder) requireMFA(ctx context.Context, userID string) error {
	if r.Downgrader == nil || userID == "" {
		return nil
	}
	_, err := r.Downgrader.DowngradeUser(ctx, userID, DowngradeReason)
	return err
}
