// Package alert delivers critical security events to operators. Channels
// are configured independently; Multi fans out to all of them.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ocx/assurance/internal/core"
)

// Alerter delivers one event. security.Logger calls it synchronously for
// critical types.
type Alerter interface {
	Alert(ctx context.Context, evt *core.SecurityEvent) error
}

// Payload is the wire form shared by every channel.
type Payload struct {
	ID        string              `json:"id"`
	Type      core.EventType      `json:"type"`
	Severity  string              `json:"severity"`
	UserID    string              `json:"user_id,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Data      map[string]any      `json:"data,omitempty"`
	Context   core.RequestContext `json:"context"`
	Timestamp string              `json:"timestamp"`
}

// Encode renders an event as JSON.
func Encode(evt *core.SecurityEvent) ([]byte, error) {
	return json.Marshal(Payload{
		ID:        evt.ID,
		Type:      evt.Type,
		Severity:  evt.Severity.String(),
		UserID:    evt.UserID,
		SessionID: evt.DeviceSessionID,
		Data:      evt.Data,
		Context:   evt.Context,
		Timestamp: evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// Log writes alerts as error-level log lines. It is the fallback when no
// channel is configured.
type Log struct{}

func (Log) Alert(_ context.Context, evt *core.SecurityEvent) error {
	slog.Error("[Alert] Critical security event",
		"event_id", evt.ID,
		"type", evt.Type,
		"user_id", evt.UserID,
		"ip", evt.Context.IPAddress,
	)
	return nil
}

// Multi delivers to every channel and joins their errors.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, evt *core.SecurityEvent) error {
	var errs []error
	for i, a := range m {
		if err := a.Alert(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
