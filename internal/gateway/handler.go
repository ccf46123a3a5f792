// Package gateway exposes the execution engine to browsers: JSON
// endpoints to start and control runs, and SSE/WebSocket feeds that
// re-publish engine state snapshots.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/agentdeck/internal/config"
	"github.com/ashureev/agentdeck/internal/domain"
	"github.com/ashureev/agentdeck/internal/executor"
	"github.com/ashureev/agentdeck/internal/idgen"
	"github.com/ashureev/agentdeck/internal/identity"
	"github.com/ashureev/agentdeck/internal/store"
	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// RunIDHeader carries the locally minted run identifier on execute responses.
const RunIDHeader = "X-Run-Id"

// Handler handles run execution HTTP requests with SSE state feeds.
type Handler struct {
	manager     *executor.Manager
	repo        store.Repository
	rateLimiter *RateLimiter
	updates     chan *stateUpdate
	sseFeed     *sseFeed
	wsFeed      *wsFeed
	cfg         *config.Config
	done        chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingRun // sessionKey -> in-flight run metadata
}

// pendingRun tracks what the history store needs about the in-flight run
// of one session, until its terminal snapshot arrives.
type pendingRun struct {
	runID     string
	userID    string
	agentID   string
	auditID   string
	startedAt time.Time
}

type stateUpdate struct {
	userID    string
	sessionID string
	snapshot  executor.Snapshot
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// NewHandler creates the gateway handler and starts its broadcast loop.
// The manager's controllers are wired to publish into this handler as
// they are created.
func NewHandler(manager *executor.Manager, repo store.Repository, cfg *config.Config) *Handler {
	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	queueSize := 100
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		queueSize = cfg.SSE.ReplayQueueSize
	}

	h := &Handler{
		manager:     manager,
		repo:        repo,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		updates:     make(chan *stateUpdate, 256),
		sseFeed:     newSSEFeed(queueSize),
		wsFeed:      newWSFeed(),
		cfg:         cfg,
		done:        make(chan struct{}),
		pending:     make(map[string]*pendingRun),
	}

	go h.broadcastLoop()
	return h
}

// Wire attaches a freshly created controller to this handler's feeds.
// Pass it as the manager's creation hook.
func (h *Handler) Wire(userID, sessionID string, ctrl *executor.Controller) {
	ctrl.OnUpdate(func(snap executor.Snapshot) {
		select {
		case h.updates <- &stateUpdate{userID: userID, sessionID: sessionID, snapshot: snap}:
		case <-h.done:
		}
	})
}

// RegisterRoutes registers run routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", h.HandleExecute)
		r.Post("/stop", h.HandleStop)
		r.Post("/reset", h.HandleReset)
		r.Get("/raw", h.HandleRawText)
		r.Get("/stream", h.HandleStream)
		r.Get("/history", h.HandleHistory)
		r.Get("/{runID}", h.HandleGetRun)
	})
	r.Get("/ws/runs", h.HandleWS)
}

// Close releases handler resources.
func (h *Handler) Close() {
	close(h.done)
}

// ExecuteRequest is the browser-facing execute payload.
type ExecuteRequest struct {
	AgentID     string          `json:"agent_id"`
	Input       json.RawMessage `json:"input"`
	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
	APIKey      string          `json:"api_key,omitempty"`
	DocumentIDs []string        `json:"document_ids,omitempty"`
	Instruction string          `json:"instruction,omitempty"`
}

// HandleExecute handles POST /api/runs. It starts (or supersedes) the
// session's run and answers as soon as the engine's response headers
// are in, carrying the audit identifier; state flows separately over
// the stream feed.
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		Error(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	runID := idgen.NewRunID()
	slog.Info("Execute request",
		"user_id", userID,
		"session_id", sessionID,
		"agent_id", req.AgentID,
		"run_id", runID,
	)

	// The run must outlive this request: once accepted, it is owned by
	// the session's controller and ends via stop/reset, supersession, or
	// stream end, not via the POST disconnecting.
	ctrl := h.manager.Get(userID, sessionID)
	auditCh, err := ctrl.Execute(context.Background(), req.AgentID, req.Input, executor.RunOptions{
		Provider:    req.Provider,
		Model:       req.Model,
		APIKey:      req.APIKey,
		DocumentIDs: req.DocumentIDs,
		Instruction: req.Instruction,
	})
	if err != nil {
		slog.Error("Execute failed to start", "error", err, "user_id", userID, "agent_id", req.AgentID)
		Error(w, http.StatusBadGateway, "failed to start run")
		return
	}

	h.trackPending(sessionKey(userID, sessionID), &pendingRun{
		runID:     runID,
		userID:    userID,
		agentID:   req.AgentID,
		startedAt: time.Now(),
	})

	// The audit id resolves with the engine's response headers, not the
	// stream end, so waiting here stays cheap.
	auditID := <-auditCh
	h.setPendingAudit(sessionKey(userID, sessionID), runID, auditID)

	w.Header().Set(RunIDHeader, runID)
	JSON(w, http.StatusAccepted, map[string]string{
		"run_id":   runID,
		"audit_id": auditID,
		"status":   string(executor.StatusStreaming),
	})
}

// HandleStop handles POST /api/runs/stop: cancel without reset.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctrl := h.manager.Peek(userID, sessionID)
	if ctrl == nil {
		Error(w, http.StatusNotFound, "no active session")
		return
	}
	ctrl.Stop()
	JSON(w, http.StatusOK, map[string]string{"status": string(ctrl.Snapshot().Status)})
}

// HandleReset handles POST /api/runs/reset: cancel, then clear to idle.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctrl := h.manager.Peek(userID, sessionID)
	if ctrl == nil {
		Error(w, http.StatusNotFound, "no active session")
		return
	}
	h.dropPending(sessionKey(userID, sessionID))
	ctrl.Reset()
	JSON(w, http.StatusOK, map[string]string{"status": string(executor.StatusIdle)})
}

// HandleRawText handles GET /api/runs/raw: the complete unparsed output,
// for copy/export.
func (h *Handler) HandleRawText(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctrl := h.manager.Peek(userID, sessionID)
	if ctrl == nil {
		Error(w, http.StatusNotFound, "no active session")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"raw_text": ctrl.RawText()})
}

// HandleHistory handles GET /api/runs/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	recs, err := h.repo.ListRuns(r.Context(), userID, 0)
	if err != nil {
		slog.Error("Failed to list run history", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load run history")
		return
	}
	if recs == nil {
		recs = []*domain.RunRecord{}
	}
	JSON(w, http.StatusOK, map[string]any{"runs": recs})
}

// HandleGetRun handles GET /api/runs/{runID}.
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	runID := chi.URLParam(r, "runID")
	rec, err := h.repo.GetRun(r.Context(), runID)
	if err != nil {
		slog.Error("Failed to load run", "error", err, "run_id", runID)
		Error(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if rec == nil || rec.UserID != userID {
		Error(w, http.StatusNotFound, "run not found")
		return
	}
	JSON(w, http.StatusOK, rec)
}

func (h *Handler) trackPending(key string, p *pendingRun) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	h.pending[key] = p
}

func (h *Handler) setPendingAudit(key, runID, auditID string) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if p, ok := h.pending[key]; ok && p.runID == runID {
		p.auditID = auditID
	}
}

func (h *Handler) dropPending(key string) *pendingRun {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	p := h.pending[key]
	delete(h.pending, key)
	return p
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
