package gateway

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/agentdeck/internal/domain"
	"github.com/ashureev/agentdeck/internal/executor"
	"github.com/ashureev/agentdeck/internal/identity"
	"github.com/ashureev/agentdeck/internal/stream"
)

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID          int64
	UserID      string
	SessionID   string
	ConnectedAt time.Time
	LastEventID int64
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// queuedSnapshot is one buffered state update held for replay.
type queuedSnapshot struct {
	EventID   int64
	Snapshot  executor.Snapshot
	Timestamp time.Time
}

// sseFeed holds the live SSE connections and a bounded per-session
// replay queue, so a briefly disconnected client can catch up via
// Last-Event-ID. Each session gets its own bounded list so one user's
// burst cannot evict snapshots belonging to another.
type sseFeed struct {
	mu           sync.RWMutex
	conns        map[string]map[int64]*SSEConnection // sessionKey -> connID -> conn
	queues       map[string]*list.List               // sessionKey -> queuedSnapshot
	maxQueue     int
	eventCounter int64
	connCounter  int64
}

func newSSEFeed(maxQueue int) *sseFeed {
	if maxQueue <= 0 {
		maxQueue = 100
	}
	return &sseFeed{
		conns:    make(map[string]map[int64]*SSEConnection),
		queues:   make(map[string]*list.List),
		maxQueue: maxQueue,
	}
}

func (f *sseFeed) nextEventID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventCounter++
	return f.eventCounter
}

func (f *sseFeed) register(conn *SSEConnection, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connCounter++
	conn.ID = f.connCounter
	if _, ok := f.conns[key]; !ok {
		f.conns[key] = make(map[int64]*SSEConnection)
	}
	f.conns[key][conn.ID] = conn
}

func (f *sseFeed) unregister(key string, connID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conns, ok := f.conns[key]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(f.conns, key)
			// Last connection for this session: free its replay queue.
			delete(f.queues, key)
		}
	}
}

func (f *sseFeed) enqueue(key string, eventID int64, snap executor.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.queues[key]
	if !ok {
		l = list.New()
		f.queues[key] = l
	}
	l.PushBack(&queuedSnapshot{EventID: eventID, Snapshot: snap, Timestamp: time.Now()})
	for l.Len() > f.maxQueue {
		l.Remove(l.Front())
	}
}

func (f *sseFeed) missedSince(key string, afterEventID int64) []*queuedSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l, ok := f.queues[key]
	if !ok {
		return nil
	}
	var missed []*queuedSnapshot
	for e := l.Front(); e != nil; e = e.Next() {
		q := e.Value.(*queuedSnapshot)
		if q.EventID > afterEventID {
			missed = append(missed, q)
		}
	}
	return missed
}

func (f *sseFeed) connections(key string) []*SSEConnection {
	f.mu.RLock()
	defer f.mu.RUnlock()
	conns, ok := f.conns[key]
	if !ok {
		return nil
	}
	out := make([]*SSEConnection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// broadcastLoop fans controller snapshots out to connected clients and
// records finished runs in the history store.
func (h *Handler) broadcastLoop() {
	slog.Info("[BROADCAST] State broadcast loop started")
	for {
		select {
		case <-h.done:
			slog.Info("[BROADCAST] State broadcast loop shutting down")
			return
		case upd, ok := <-h.updates:
			if !ok {
				return
			}
			h.dispatch(upd)
		}
	}
}

func (h *Handler) dispatch(upd *stateUpdate) {
	key := sessionKey(upd.userID, upd.sessionID)
	eventID := h.sseFeed.nextEventID()
	h.sseFeed.enqueue(key, eventID, upd.snapshot)

	for _, conn := range h.sseFeed.connections(key) {
		h.sendSnapshot(conn, eventID, upd.snapshot)
	}
	h.wsFeed.send(key, upd.snapshot)

	if upd.snapshot.Status == executor.StatusDone || upd.snapshot.Status == executor.StatusErrored {
		h.recordFinishedRun(key, upd)
	}
}

// recordFinishedRun persists the terminal state of the session's pending
// run, if any.
func (h *Handler) recordFinishedRun(key string, upd *stateUpdate) {
	p := h.dropPending(key)
	if p == nil {
		return
	}

	rawText := ""
	if ctrl := h.manager.Peek(upd.userID, upd.sessionID); ctrl != nil {
		rawText = ctrl.RawText()
	}

	rec := &domain.RunRecord{
		RunID:      p.runID,
		UserID:     p.userID,
		AgentID:    p.agentID,
		AuditID:    p.auditID,
		Status:     string(upd.snapshot.Status),
		RawText:    rawText,
		Error:      upd.snapshot.Error,
		StepCount:  len(upd.snapshot.Steps),
		StartedAt:  p.startedAt,
		FinishedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.repo.InsertRun(ctx, rec); err != nil {
		slog.Error("Failed to record finished run", "error", err, "run_id", p.runID)
		return
	}
	slog.Info("Run recorded",
		"run_id", p.runID,
		"agent_id", p.agentID,
		"status", rec.Status,
		"steps", rec.StepCount,
	)
}

// sendSnapshot writes one state event to a specific connection.
func (h *Handler) sendSnapshot(conn *SSEConnection, eventID int64, snap executor.Snapshot) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}

	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("[SEND] Failed to marshal state snapshot", "error", err, "conn_id", conn.ID)
		return
	}

	if err := stream.WriteEventID(conn.Writer, eventID, "state", string(data)); err != nil {
		slog.Error("[SEND] Failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"user_id", conn.UserID,
		)
		return
	}

	conn.Flusher.Flush()
	conn.LastEventID = eventID
}

// HandleStream handles GET /api/runs/stream: a long-lived SSE feed of
// engine state snapshots for the caller's session, with event ID
// tracking, configured retry timing, and missed-snapshot recovery.
//
//nolint:gocognit,gocyclo // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key := sessionKey(userID, sessionID)

	// Parse Last-Event-ID header or query param for replay.
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID",
				"user_id", userID,
				"last_event_id", lastEventID,
			)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	retryDelayMs := int64(5000)
	if h.cfg != nil {
		retryDelayMs = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	if err := stream.WriteRetry(w, retryDelayMs); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	conn := &SSEConnection{
		UserID:      userID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		LastEventID: lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}
	h.sseFeed.register(conn, key)
	defer func() {
		h.sseFeed.unregister(key, conn.ID)
		slog.Info("SSE connection closed", "user_id", userID, "session_id", sessionID, "conn_id", conn.ID)
	}()

	// Send missed snapshots if reconnecting.
	if lastEventID > 0 {
		missed := h.sseFeed.missedSince(key, lastEventID)
		if len(missed) > 0 {
			slog.Info("Sending missed snapshots",
				"user_id", userID,
				"session_id", sessionID,
				"count", len(missed),
			)
			for _, q := range missed {
				h.sendSnapshot(conn, q.EventID, q.Snapshot)
			}
		}
	}

	// Send the current state up front so a fresh client renders without
	// waiting for the next engine event.
	if ctrl := h.manager.Peek(userID, sessionID); ctrl != nil {
		h.sendSnapshot(conn, h.sseFeed.nextEventID(), ctrl.Snapshot())
	}

	slog.Info("SSE connection established",
		"user_id", userID,
		"session_id", sessionID,
		"conn_id", conn.ID,
		"reconnect", lastEventID > 0,
	)

	keepaliveInterval := 10 * time.Second
	if h.cfg != nil {
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("State stream disconnected", "user_id", userID, "session_id", sessionID)
			return
		case <-conn.Done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := stream.WriteEvent(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}
