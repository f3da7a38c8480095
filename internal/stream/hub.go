// Package stream pushes logged security events to websocket clients.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/assurance/internal/core"
)

const writeWait = 5 * time.Second

type client struct {
	conn        *websocket.Conn
	minSeverity core.Severity
	userID      string
	admin       bool
}

// wants reports whether evt may be delivered to the client. Non-admin
// callers only see their own events.
func (c *client) wants(evt *core.SecurityEvent) bool {
	if evt.Severity < c.minSeverity {
		return false
	}
	return c.admin || (evt.UserID != "" && evt.UserID == c.userID)
}

// Hub manages websocket connections for the live event stream.
type Hub struct {
	clients    map[*websocket.Conn]*client
	broadcast  chan *core.SecurityEvent
	register   chan *client
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// AllowOrigins returns an origin check accepting the listed origins.
// An empty list returns nil, which leaves the upgrader's same-origin check
// in place.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	slog.Info("[EventStream] Origin allowlist active", "count", len(allowed))
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed[origin] {
			return true
		}
		slog.Warn("[EventStream] Rejected connection from origin", "origin", origin)
		return false
	}
}

// NewHub creates a hub. A nil checkOrigin accepts same-origin requests
// only.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan *core.SecurityEvent, 256),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader:   websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// Run serves the hub until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			n := len(h.clients)
			h.mu.Unlock()
			slog.Info("[EventStream] Client connected", "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case evt := <-h.broadcast:
			h.send(evt)

		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			slog.Info("[EventStream] Hub stopped")
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		slog.Info("[EventStream] Client disconnected", "total", n)
	}
}

func (h *Hub) send(evt *core.SecurityEvent) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.wants(evt) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(evt); err != nil {
			slog.Warn("[EventStream] Write failed", "error", err)
			h.drop(c.conn)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request of an identified caller. The
// optional min_severity query parameter filters what the client receives.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	rc := core.RequestContextFrom(r.Context())
	if rc.UserID == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	minSeverity := core.SeverityLow
	if raw := r.URL.Query().Get("min_severity"); raw != "" {
		s, err := core.ParseSeverity(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		minSeverity = s
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[EventStream] Upgrade failed", "error", err)
		return
	}
	select {
	case h.register <- &client{conn: conn, minSeverity: minSeverity, userID: rc.UserID, admin: rc.Role == core.RoleAdmin}:
	case <-h.done:
		conn.Close()
		return
	}

	// reads only detect disconnects
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Observe queues an event for broadcast. When the queue is full the event
// is dropped for stream clients only.
func (h *Hub) Observe(_ context.Context, evt *core.SecurityEvent) {
	select {
	case h.broadcast <- evt:
	default:
		slog.Warn("[EventStream] Broadcast queue full, dropping event", "event_id", evt.ID)
	}
}
