package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/agentdeck/internal/executor"
	"github.com/ashureev/agentdeck/internal/identity"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// wsFeed holds live WebSocket connections, keyed like the SSE feed.
// WebSocket clients get the same snapshots without replay support;
// native clients that want replay use the SSE feed.
type wsFeed struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newWSFeed() *wsFeed {
	return &wsFeed{conns: make(map[string]map[*websocket.Conn]struct{})}
}

func (f *wsFeed) register(key string, conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.conns[key]; !ok {
		f.conns[key] = make(map[*websocket.Conn]struct{})
	}
	f.conns[key][conn] = struct{}{}
}

func (f *wsFeed) unregister(key string, conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conns, ok := f.conns[key]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(f.conns, key)
		}
	}
}

// send writes a snapshot to every WebSocket client of a session.
func (f *wsFeed) send(key string, snap executor.Snapshot) {
	f.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(f.conns[key]))
	for c := range f.conns[key] {
		conns = append(conns, c)
	}
	f.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(wsStateMessage{Type: "state", State: snap})
	if err != nil {
		slog.Error("Failed to marshal ws state message", "error", err)
		return
	}

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("WebSocket state write failed", "error", err)
		}
		cancel()
	}
}

// wsStateMessage is the WebSocket snapshot envelope.
type wsStateMessage struct {
	Type  string            `json:"type"`
	State executor.Snapshot `json:"state"`
}

// HandleWS handles GET /ws/runs: a WebSocket feed of engine state
// snapshots for the caller's session.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.cfg != nil && h.cfg.IsDevelopment() {
		opts.InsecureSkipVerify = true
	} else if h.cfg != nil && h.cfg.FrontendURL != "" {
		opts.OriginPatterns = []string{h.cfg.FrontendURL}
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err, "user_id", userID)
		return
	}

	key := sessionKey(userID, sessionID)
	h.wsFeed.register(key, conn)
	slog.Info("WebSocket state feed connected", "user_id", userID, "session_id", sessionID)

	defer func() {
		h.wsFeed.unregister(key, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "feed closed")
		slog.Info("WebSocket state feed closed", "user_id", userID, "session_id", sessionID)
	}()

	// Current state up front, same as the SSE feed.
	if ctrl := h.manager.Peek(userID, sessionID); ctrl != nil {
		h.wsFeed.send(key, ctrl.Snapshot())
	}

	// The feed is one-way; reads only detect client disconnect.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
