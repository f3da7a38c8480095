package core

import (
	"context"
	"sync"
)

type requestContextKey struct{}

// WithRequestContext attaches inbound request metadata to ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the metadata attached by WithRequestContext,
// or the zero value.
func RequestContextFrom(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(RequestContext)
	return rc
}

// EventLogger records security events. Implementations never fail the
// caller.
type EventLogger interface {
	LogEvent(ctx context.Context, eventType EventType, data map[string]any, reqCtx RequestContext)
}

// NopEventLogger discards events.
type NopEventLogger struct{}

func (NopEventLogger) LogEvent(context.Context, EventType, map[string]any, RequestContext) {}

// EventRecorder keeps events in memory for tests.
type EventRecorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// RecordedEvent is one call to EventRecorder.LogEvent.
type RecordedEvent struct {
	Type    EventType
	Data    map[string]any
	Context RequestContext
}

func (r *EventRecorder) LogEvent(_ context.Context, eventType EventType, data map[string]any, reqCtx RequestContext) {
	r.mu.Lock()
	r.events = append(r.events, RecordedEvent{Type: eventType, Data: data, Context: reqCtx})
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedEvent(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *EventRecorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
