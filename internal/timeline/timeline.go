// Package timeline maintains the ordered execution timeline of one agent run.
package timeline

import (
	"encoding/json"
)

// StepType tags what kind of work a step performed.
type StepType string

const (
	StepToolCall     StepType = "tool_call"
	StepDataFetch    StepType = "data_fetch"
	StepLLMReasoning StepType = "llm_reasoning"
	StepRuleCheck    StepType = "rule_check"
	StepDecision     StepType = "decision"
)

// Status is the reported state of a step.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Step is one unit of the agent's internal execution progress. Identity
// within a run is the (Step, Tool) pair: the engine may report the same
// logical step several times (started, then completed) and later reports
// replace earlier ones in place.
type Step struct {
	Step         int             `json:"step"`
	Tool         string          `json:"tool"`
	StepType     StepType        `json:"stepType"`
	Status       Status          `json:"status"`
	Label        string          `json:"label"`
	Summary      string          `json:"summary"`
	InputData    json.RawMessage `json:"inputData,omitempty"`
	OutputData   json.RawMessage `json:"outputData,omitempty"`
	DurationMs   *int64          `json:"durationMs,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// DefaultMaxSteps bounds how many distinct steps one run may accumulate.
// Updates to existing steps are always applied; appends beyond the cap
// are dropped.
const DefaultMaxSteps = 1000

// Timeline holds the ordered, key-addressable step list for one run.
// It is owned by a single controller and is not safe for concurrent use.
type Timeline struct {
	steps    []Step
	maxSteps int
}

// New creates a timeline bounded by maxSteps. Zero or negative means
// DefaultMaxSteps.
func New(maxSteps int) *Timeline {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Timeline{maxSteps: maxSteps}
}

// Upsert replaces the entry matching s's (Step, Tool) key in place,
// preserving its position, or appends when no entry matches. In-place
// replacement keeps the rendered timeline stable: no reordering when a
// running step completes.
func (t *Timeline) Upsert(s Step) {
	for i := range t.steps {
		if t.steps[i].Step == s.Step && t.steps[i].Tool == s.Tool {
			t.steps[i] = s
			return
		}
	}
	if len(t.steps) >= t.maxSteps {
		return
	}
	t.steps = append(t.steps, s)
}

// FailRunning flips every running step to error with the given message.
// Idempotent: a second call with no running steps is a no-op.
func (t *Timeline) FailRunning(message string) {
	for i := range t.steps {
		if t.steps[i].Status == StatusRunning {
			t.steps[i].Status = StatusError
			t.steps[i].ErrorMessage = message
		}
	}
}

// Steps returns a snapshot copy of the ordered step list.
func (t *Timeline) Steps() []Step {
	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

// Len returns the number of steps recorded.
func (t *Timeline) Len() int {
	return len(t.steps)
}

// Reset clears the timeline for a new run.
func (t *Timeline) Reset() {
	t.steps = nil
}
