// Package session manages device sessions: creation with a device
// confidence score, activity tracking, revocation and expiry sweeps.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/assurance/internal/confidence"
	"github.com/ocx/assurance/internal/core"
)

// Store persists sessions. database.Store implements it.
type Store interface {
	CreateSession(ctx context.Context, s *core.DeviceSession) error
	GetSession(ctx context.Context, id string) (*core.DeviceSession, error)
	LatestSession(ctx context.Context, userID string) (*core.DeviceSession, error)
	ListSessions(ctx context.Context, userID string) ([]*core.DeviceSession, error)
	TouchSession(ctx context.Context, id string, activity time.Time) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Created is the result of Create.
type Created struct {
	Session    *core.DeviceSession `json:"session"`
	Confidence confidence.Result   `json:"confidence"`
}

// Service owns the session lifecycle.
type Service struct {
	store  Store
	scorer *confidence.Scorer
	ttl    time.Duration
	events core.EventLogger
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock injects the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEvents sets the security event logger.
func WithEvents(l core.EventLogger) Option {
	return func(s *Service) { s.events = l }
}

// NewService builds a Service.
func NewService(store Store, scorer *confidence.Scorer, ttl time.Duration, opts ...Option) *Service {
	s := &Service{
		store:  store,
		scorer: scorer,
		ttl:    ttl,
		events: core.NopEventLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create scores the requesting device against the user's most recently
// active session and stores a new AAL1 session. A first session scores 0.
func (s *Service) Create(ctx context.Context, userID string, reqCtx core.RequestContext, fingerprint string) (*Created, error) {
	const op = "session.Create"
	if userID == "" {
		return nil, core.E(op, core.ErrValidation, errors.New("user id is required"))
	}

	device := confidence.NewDeviceInfo(reqCtx, fingerprint)
	level, status := confidence.Classify(0)
	result := confidence.Result{Level: level, Status: status}

	prev, err := s.store.LatestSession(ctx, userID)
	switch {
	case err == nil:
		result = s.scorer.CompareDevices(device, confidence.FromSession(prev))
	case errors.Is(err, core.ErrNotFound):
	default:
		return nil, err
	}

	now := s.now().UTC()
	sess := &core.DeviceSession{
		ID:                uuid.NewString(),
		UserID:            userID,
		DeviceFingerprint: fingerprint,
		Browser:           device.Browser,
		OS:                device.OS,
		IPAddress:         device.IPAddress,
		ConfidenceScore:   result.Score,
		AALLevel:          core.AAL1,
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(s.ttl),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	rc := reqCtx
	rc.UserID = userID
	rc.SessionID = sess.ID
	s.events.LogEvent(ctx, core.EventSessionCreated, map[string]any{
		"confidence_score":  result.Score,
		"confidence_level":  string(result.Level),
		"confidence_status": string(result.Status),
	}, rc)
	return &Created{Session: sess, Confidence: result}, nil
}

// Get returns a live session. Expired sessions are not found.
func (s *Service) Get(ctx context.Context, id string) (*core.DeviceSession, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		return nil, core.E("session.Get", core.ErrNotFound, errors.New("session expired"))
	}
	return sess, nil
}

// List returns the user's sessions.
func (s *Service) List(ctx context.Context, userID string) ([]*core.DeviceSession, error) {
	return s.store.ListSessions(ctx, userID)
}

// Touch records activity on one of the user's live sessions. Expired and
// foreign sessions are not found.
func (s *Service) Touch(ctx context.Context, userID, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return core.E("session.Touch", core.ErrNotFound, errors.New("session not found"))
	}
	return s.store.TouchSession(ctx, id, s.now().UTC())
}

// Revoke deletes a session.
func (s *Service) Revoke(ctx context.Context, id, reason string) error {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("revoke session %s: %w", id, err)
	}
	rc := core.RequestContextFrom(ctx)
	rc.UserID = sess.UserID
	rc.SessionID = sess.ID
	s.events.LogEvent(ctx, core.EventSessionRevoked, map[string]any{"reason": reason}, rc)
	slog.Info("[Session] Revoked", "session_id", id, "user_id", sess.UserID, "reason", reason)
	return nil
}
