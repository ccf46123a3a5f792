// Package executor drives a single agent run: it opens the cancellable
// request against the execution engine, decodes the event stream, and
// reconciles tokens, visual blocks, and step progress into one published
// session state.
package executor

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/ashureev/agentdeck/internal/stream"
)

// RunOptions carries the optional knobs of one execution request.
type RunOptions struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	Instruction string   `json:"instruction,omitempty"`
}

// RunRequest is one execution request against the engine.
type RunRequest struct {
	AgentID string
	Input   json.RawMessage
	Options RunOptions
}

// RunStream is one in-flight run as seen by the controller: an event
// sequence plus an independently awaitable audit identifier. The two are
// results of the same request but are never gated on each other: the
// audit id arrives with the response headers, long before the body ends.
type RunStream interface {
	// Events yields decoded frames in network arrival order. Iteration
	// ends on stream end (no error) or on the first transport failure.
	Events(ctx context.Context) iter.Seq2[stream.Event, error]

	// AuditID is resolved as soon as response headers are available.
	// The channel is closed after delivering at most one value; an
	// empty value means the engine created no audit record.
	AuditID() <-chan string

	// Close releases the underlying response body.
	Close() error
}

// Runner opens runs against the remote execution engine. Implemented by
// HTTPRunner in production and by test doubles in _test files.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunStream, error)
}
