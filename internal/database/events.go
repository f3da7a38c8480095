package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ocx/assurance/internal/core"
)

// InsertSecurityEvent persists an already-sanitized event.
func (s *Store) InsertSecurityEvent(ctx context.Context, evt *core.SecurityEvent) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	reqCtx, err := json.Marshal(evt.Context)
	if err != nil {
		return fmt.Errorf("marshal event context: %w", err)
	}
	_, err = s.exec(ctx, "InsertSecurityEvent", `
		INSERT INTO security_events (id, type, severity, user_id, device_session_id, data, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		evt.ID, string(evt.Type), evt.Severity.String(), evt.UserID, evt.DeviceSessionID,
		string(data), string(reqCtx), toMillis(evt.Timestamp))
	return err
}

// ListSecurityEvents returns the user's most recent events, newest first.
func (s *Store) ListSecurityEvents(ctx context.Context, userID string, limit int) ([]*core.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, type, severity, user_id, device_session_id, data, context, created_at
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`), userID, limit)
	if err != nil {
		return nil, storeErr("ListSecurityEvents", err)
	}
	defer rows.Close()

	var out []*core.SecurityEvent
	for rows.Next() {
		var (
			evt       core.SecurityEvent
			typ       string
			severity  string
			data      string
			reqCtx    string
			createdAt int64
		)
		if err := rows.Scan(&evt.ID, &typ, &severity, &evt.UserID, &evt.DeviceSessionID, &data, &reqCtx, &createdAt); err != nil {
			return nil, storeErr("ListSecurityEvents", err)
		}
		evt.Type = core.EventType(typ)
		if evt.Severity, err = core.ParseSeverity(severity); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &evt.Data); err != nil {
			return nil, fmt.Errorf("decode event %s data: %w", evt.ID, err)
		}
		if err := json.Unmarshal([]byte(reqCtx), &evt.Context); err != nil {
			return nil, fmt.Errorf("decode event %s context: %w", evt.ID, err)
		}
		evt.Timestamp = fromMillis(createdAt)
		out = append(out, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("ListSecurityEvents", err)
	}
	return out, nil
}
