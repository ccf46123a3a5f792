package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

type managedController struct {
	ctrl       *Controller
	lastActive time.Time
}

// Manager owns one controller per (user, session) pair. Each browser tab
// gets its own controller, which is what enforces the at-most-one-
// active-run rule per tab: a second execute on the same tab supersedes
// the first, while other tabs stay untouched.
type Manager struct {
	runner Runner
	cfg    ControllerConfig
	logger *slog.Logger

	onCreate func(userID, sessionID string, ctrl *Controller)

	mu       sync.Mutex
	sessions map[string]map[string]*managedController
}

// OnCreate registers a hook invoked once for every controller the
// manager creates, before the controller is returned to any caller.
// Must be set before the first Get.
func (m *Manager) OnCreate(fn func(userID, sessionID string, ctrl *Controller)) {
	m.onCreate = fn
}

// NewManager creates an empty controller registry.
func NewManager(runner Runner, cfg ControllerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]map[string]*managedController),
	}
}

// Get returns the controller for a (user, session) pair, creating it on
// first use, and marks the session active.
func (m *Manager) Get(userID, sessionID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[userID]; !ok {
		m.sessions[userID] = make(map[string]*managedController)
	}
	mc, ok := m.sessions[userID][sessionID]
	if !ok {
		mc = &managedController{ctrl: NewController(m.runner, m.cfg, m.logger)}
		if m.onCreate != nil {
			m.onCreate(userID, sessionID, mc.ctrl)
		}
		m.sessions[userID][sessionID] = mc
		m.logger.Info("Run session registered", "user_id", userID, "session_id", sessionID)
	}
	mc.lastActive = time.Now()
	return mc.ctrl
}

// Peek returns the controller for a (user, session) pair without
// creating one. Returns nil when the session is unknown.
func (m *Manager) Peek(userID, sessionID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessions, ok := m.sessions[userID]; ok {
		if mc, ok := sessions[sessionID]; ok {
			mc.lastActive = time.Now()
			return mc.ctrl
		}
	}
	return nil
}

// CloseUser cancels and removes every session owned by a user.
func (m *Manager) CloseUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.sessions[userID]
	if !ok {
		return
	}
	for sid, mc := range sessions {
		mc.ctrl.Reset()
		m.logger.Info("Run session closed", "user_id", userID, "session_id", sid)
	}
	delete(m.sessions, userID)
}

// StartSweeper runs a background goroutine that cancels and evicts
// sessions idle for longer than ttl.
func (m *Manager) StartSweeper(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Session sweeper started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if evicted := m.sweep(ttl); evicted > 0 {
					m.logger.Info("Session sweeper evicted idle sessions", "count", evicted)
				}
			case <-ctx.Done():
				m.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (m *Manager) sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for userID, sessions := range m.sessions {
		for sid, mc := range sessions {
			if mc.lastActive.Before(cutoff) {
				mc.ctrl.Reset()
				delete(sessions, sid)
				evicted++
			}
		}
		if len(sessions) == 0 {
			delete(m.sessions, userID)
		}
	}
	return evicted
}
