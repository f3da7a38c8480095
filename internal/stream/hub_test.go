package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/assurance/internal/core"
	"github.com/ocx/assurance/internal/security"
)

func newStreamServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := security.ExtractRequestContext(r)
		hub.HandleWebSocket(w, r.WithContext(core.WithRequestContext(r.Context(), rc)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream" + query
}

func caller(userID, role string) http.Header {
	h := http.Header{}
	if userID != "" {
		h.Set(security.HeaderUserID, userID)
	}
	if role != "" {
		h.Set(security.HeaderUserRole, role)
	}
	return h
}

func dial(t *testing.T, srv *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, query), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func runHub(t *testing.T, hub *Hub) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return ctx
}

func TestHubBroadcastsWithSeverityFilter(t *testing.T) {
	hub := NewHub(nil)
	ctx := runHub(t, hub)
	srv := newStreamServer(t, hub)

	all := dial(t, srv, "", caller("ops", "admin"))
	high := dial(t, srv, "?min_severity=high", caller("ops", "admin"))
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	hub.Observe(ctx, &core.SecurityEvent{ID: "e1", Type: core.EventAuthSuccess, Severity: core.SeverityLow, UserID: "u1"})
	hub.Observe(ctx, &core.SecurityEvent{ID: "e2", Type: core.EventMFADisabled, Severity: core.SeverityHigh, UserID: "u2"})

	var got core.SecurityEvent
	all.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "e1", got.ID)
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "e2", got.ID)

	high.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, high.ReadJSON(&got))
	assert.Equal(t, "e2", got.ID)
	assert.Equal(t, core.SeverityHigh, got.Severity)
}

func TestHubDeliversOnlyCallersOwnEvents(t *testing.T) {
	hub := NewHub(nil)
	ctx := runHub(t, hub)
	srv := newStreamServer(t, hub)

	alice := dial(t, srv, "", caller("alice", ""))
	bob := dial(t, srv, "", caller("bob", ""))
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	hub.Observe(ctx, &core.SecurityEvent{ID: "bob-1", Type: core.EventAuthFailed, Severity: core.SeverityMedium, UserID: "bob", DeviceSessionID: "bob-session"})
	hub.Observe(ctx, &core.SecurityEvent{ID: "anon-1", Type: core.EventRateLimitExceeded, Severity: core.SeverityMedium})
	hub.Observe(ctx, &core.SecurityEvent{ID: "alice-1", Type: core.EventAuthFailed, Severity: core.SeverityMedium, UserID: "alice"})

	var got core.SecurityEvent
	alice.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, alice.ReadJSON(&got))
	assert.Equal(t, "alice-1", got.ID)

	bob.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, bob.ReadJSON(&got))
	assert.Equal(t, "bob-1", got.ID)
}

func TestHubRejectsAnonymousCaller(t *testing.T) {
	hub := NewHub(nil)
	srv := newStreamServer(t, hub)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, hub.Clients())
}

func TestHubRejectsUnknownSeverity(t *testing.T) {
	hub := NewHub(nil)
	srv := newStreamServer(t, hub)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"?min_severity=extreme", nil)
	require.NoError(t, err)
	req.Header = caller("u1", "")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHubChecksOrigin(t *testing.T) {
	allowed := NewHub(AllowOrigins([]string{" https://console.example.com ", ""}))
	runHub(t, allowed)
	srv := newStreamServer(t, allowed)

	evil := caller("u1", "")
	evil.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), evil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	console := caller("u1", "")
	console.Set("Origin", "https://console.example.com")
	dial(t, srv, "", console)

	sameOrigin := NewHub(nil)
	runHub(t, sameOrigin)
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(newStreamServer(t, sameOrigin), ""), evil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAllowOriginsWithoutEntries(t *testing.T) {
	assert.Nil(t, AllowOrigins(nil))
	assert.Nil(t, AllowOrigins([]string{" "}))
}

func TestHubForgetsClosedClients(t *testing.T) {
	hub := NewHub(nil)
	runHub(t, hub)
	srv := newStreamServer(t, hub)

	conn := dial(t, srv, "", caller("u1", ""))
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
