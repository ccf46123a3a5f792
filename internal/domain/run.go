// Package domain contains core domain types for agentdeck.
package domain

import (
	"time"
)

// RunRecord is the local history entry for one finished agent run.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	UserID     string    `json:"user_id"`
	AgentID    string    `json:"agent_id"`
	AuditID    string    `json:"audit_id,omitempty"`
	Status     string    `json:"status"`
	RawText    string    `json:"raw_text,omitempty"`
	Error      string    `json:"error,omitempty"`
	StepCount  int       `json:"step_count"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports whether the run reached a clean terminal state.
func (r *RunRecord) Succeeded() bool {
	return r.Status == "done" && r.Error == ""
}

// Duration returns how long the run took.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
