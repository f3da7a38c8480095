// Package security records security events. Every event is classified,
// throttled, stripped of PII and persisted before observers such as the
// threat engine see it. Logging never fails the caller.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/assurance/internal/config"
	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/kv"
	"github.com/ocx/assurance/internal/metrics"
)

// EventStore persists sanitized events. database.Store implements it.
type EventStore interface {
	InsertSecurityEvent(ctx context.Context, evt *core.SecurityEvent) error
}

// Alerter delivers critical events to operators.
type Alerter interface {
	Alert(ctx context.Context, evt *core.SecurityEvent) error
}

// Observer receives every logged event after persistence.
type Observer interface {
	Observe(ctx context.Context, evt *core.SecurityEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, evt *core.SecurityEvent)

func (f ObserverFunc) Observe(ctx context.Context, evt *core.SecurityEvent) { f(ctx, evt) }

const observerTimeout = 10 * time.Second

// Logger implements core.EventLogger.
type Logger struct {
	store       EventStore
	counters    kv.Store
	minSeverity core.Severity
	perMinute   int64
	perHour     int64
	highVolume  map[core.EventType]bool
	critical    map[core.EventType]bool

	alerter Alerter
	metrics *metrics.Metrics
	slog    *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	observers []Observer
	inflight  sync.WaitGroup
}

// Option customizes a Logger.
type Option func(*Logger)

// WithAlerter sets the channel for critical events.
func WithAlerter(a Alerter) Option {
	return func(l *Logger) { l.alerter = a }
}

// WithObservers registers observers at construction.
func WithObservers(obs ...Observer) Option {
	return func(l *Logger) { l.observers = append(l.observers, obs...) }
}

// WithClock injects the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithMetrics counts event outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// WithSlog overrides the structured logger used for event lines.
func WithSlog(s *slog.Logger) Option {
	return func(l *Logger) { l.slog = s }
}

// New builds a Logger. counters may be nil, which disables throttling.
func New(store EventStore, counters kv.Store, cfg config.SecurityLogConfig, opts ...Option) (*Logger, error) {
	minSeverity := core.SeverityLow
	if cfg.MinSeverity != "" {
		s, err := core.ParseSeverity(cfg.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrConfiguration, err)
		}
		minSeverity = s
	}
	l := &Logger{
		store:       store,
		counters:    counters,
		minSeverity: minSeverity,
		perMinute:   int64(cfg.PerMinute),
		perHour:     int64(cfg.PerHour),
		highVolume:  typeSet(cfg.HighVolumeTypes),
		critical:    typeSet(cfg.CriticalTypes),
		slog:        slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func typeSet(names []string) map[core.EventType]bool {
	set := make(map[core.EventType]bool, len(names))
	for _, n := range names {
		set[core.EventType(n)] = true
	}
	return set
}

// AddObserver registers an observer after construction. The threat engine
// is wired this way since it also logs through the Logger.
func (l *Logger) AddObserver(o Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()
}

// LogEvent records one event. It never returns an error and never panics.
func (l *Logger) LogEvent(ctx context.Context, eventType core.EventType, data map[string]any, reqCtx core.RequestContext) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[SecurityLog] Panic while logging event", "type", eventType, "panic", r)
		}
	}()

	severity := SeverityOf(eventType)
	if severity < l.minSeverity {
		l.metrics.RecordEvent(string(eventType), "below_min")
		return
	}

	if l.highVolume[eventType] && !l.admit(ctx, eventType, Identity(reqCtx)) {
		l.metrics.RecordEvent(string(eventType), "throttled")
		return
	}

	evt := &core.SecurityEvent{
		ID:              uuid.NewString(),
		Type:            eventType,
		Severity:        severity,
		UserID:          reqCtx.UserID,
		DeviceSessionID: reqCtx.SessionID,
		Data:            SanitizeData(data),
		Context:         SanitizeContext(reqCtx),
		Timestamp:       l.now().UTC(),
	}

	outcome := "logged"
	if l.store != nil {
		if err := l.store.InsertSecurityEvent(ctx, evt); err != nil {
			outcome = "persist_failed"
			slog.Error("[SecurityLog] Failed to persist event", "event_id", evt.ID, "type", evt.Type, "error", err)
		}
	}
	l.metrics.RecordEvent(string(eventType), outcome)
	l.emit(ctx, evt)

	if l.Alerts(evt) {
		if err := l.alerter.Alert(ctx, evt); err != nil {
			slog.Error("[SecurityLog] Alert delivery failed", "event_id", evt.ID, "type", evt.Type, "error", err)
		}
	}

	l.notify(ctx, evt)
}

// Alerts reports whether logging evt pages operators directly.
func (l *Logger) Alerts(evt *core.SecurityEvent) bool {
	return l.alerter != nil && (l.critical[evt.Type] || evt.Severity == core.SeverityCritical)
}

// LogAuth records an authentication attempt.
func (l *Logger) LogAuth(ctx context.Context, success bool, data map[string]any, reqCtx core.RequestContext) {
	t := core.EventAuthFailed
	if success {
		t = core.EventAuthSuccess
	}
	l.LogEvent(ctx, t, data, reqCtx)
}

// LogError records an internal failure as SYSTEM_ERROR.
func (l *Logger) LogError(ctx context.Context, err error, data map[string]any, reqCtx core.RequestContext) {
	merged := make(map[string]any, len(data)+1)
	for k, v := range data {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
	}
	l.LogEvent(ctx, core.EventSystemError, merged, reqCtx)
}

// Wait blocks until in-flight observer deliveries finish.
func (l *Logger) Wait() {
	l.inflight.Wait()
}

// admit applies the per-minute and per-hour ceilings. A store failure
// admits the event.
func (l *Logger) admit(ctx context.Context, t core.EventType, identity string) bool {
	if l.counters == nil {
		return true
	}
	base := fmt.Sprintf("seclog:rate:%s:%s", t, identity)

	minute, err := l.counters.IncrWithTTL(ctx, base+":m", time.Minute)
	if err != nil {
		slog.Warn("[SecurityLog] Throttle counter unavailable, admitting event", "type", t, "error", err)
		return true
	}
	if l.perMinute > 0 && minute > l.perMinute {
		return false
	}
	hour, err := l.counters.IncrWithTTL(ctx, base+":h", time.Hour)
	if err != nil {
		slog.Warn("[SecurityLog] Throttle counter unavailable, admitting event", "type", t, "error", err)
		return true
	}
	return l.perHour <= 0 || hour <= l.perHour
}

func (l *Logger) emit(ctx context.Context, evt *core.SecurityEvent) {
	level := slog.LevelInfo
	switch evt.Severity {
	case core.SeverityHigh:
		level = slog.LevelWarn
	case core.SeverityCritical:
		level = slog.LevelError
	}
	l.slog.LogAttrs(ctx, level, "[SecurityEvent] "+string(evt.Type),
		slog.String("event_id", evt.ID),
		slog.String("severity", evt.Severity.String()),
		slog.String("user_id", evt.UserID),
		slog.String("session_id", evt.DeviceSessionID),
		slog.String("ip", evt.Context.IPAddress),
		slog.String("path", evt.Context.Path),
		slog.Any("data", evt.Data),
	)
}

// notify hands the event to observers on a detached context so a finished
// request does not cancel analysis.
func (l *Logger) notify(ctx context.Context, evt *core.SecurityEvent) {
	l.mu.RLock()
	observers := append([]Observer(nil), l.observers...)
	l.mu.RUnlock()
	if len(observers) == 0 {
		return
	}

	detached := context.WithoutCancel(ctx)
	for _, o := range observers {
		l.inflight.Add(1)
		go func(o Observer) {
			defer l.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("[SecurityLog] Observer panicked", "event_id", evt.ID, "panic", r)
				}
			}()
			octx, cancel := context.WithTimeout(detached, observerTimeout)
			defer cancel()
			o.Observe(octx, evt)
		}(o)
	}
}
