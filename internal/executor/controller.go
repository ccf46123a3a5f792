package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/agentdeck/internal/blocks"
	"github.com/ashureev/agentdeck/internal/stream"
	"github.com/ashureev/agentdeck/internal/timeline"
)

// Status is the lifecycle state of a controller's session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusErrored   Status = "errored"
)

// Fixed messages applied to running steps when a run fails. The two are
// deliberately distinct so the timeline shows whether the engine
// reported the failure or the transport dropped.
const (
	failRequestFailed  = "request failed"
	failConnectionLost = "connection lost"
)

// DefaultMaxRawBytes bounds the accumulated token text of one run.
// Exceeding it terminates the run as errored; truncating instead would
// break block re-parsing of the accumulated text.
const DefaultMaxRawBytes = 2 << 20

// Snapshot is the published, immutable view of one session. Observers
// must not mutate the contained slices.
type Snapshot struct {
	Status  Status          `json:"status"`
	Blocks  []blocks.Block  `json:"blocks"`
	Steps   []timeline.Step `json:"steps"`
	Error   string          `json:"error,omitempty"`
	AuditID string          `json:"audit_id,omitempty"`
}

// Streaming reports whether a run is in flight.
func (s Snapshot) Streaming() bool {
	return s.Status == StatusStreaming
}

// Controller owns one execution session and orchestrates a single
// in-flight run: at most one run is active per controller, and starting
// a new run always supersedes the previous one by cancellation. Late
// events from a superseded run are detected by generation and discarded.
type Controller struct {
	runner      Runner
	logger      *slog.Logger
	maxRawBytes int
	maxSteps    int
	onUpdate    func(Snapshot)

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	status  Status
	rawText strings.Builder
	blocks  []blocks.Block
	tl      *timeline.Timeline
	errMsg  string
	auditID string
}

// ControllerConfig bounds one controller's per-run resources.
type ControllerConfig struct {
	MaxRawBytes int
	MaxSteps    int
}

// NewController creates an idle controller backed by runner.
func NewController(runner Runner, cfg ControllerConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRawBytes <= 0 {
		cfg.MaxRawBytes = DefaultMaxRawBytes
	}
	return &Controller{
		runner:      runner,
		logger:      logger,
		maxRawBytes: cfg.MaxRawBytes,
		maxSteps:    cfg.MaxSteps,
		status:      StatusIdle,
		tl:          timeline.New(cfg.MaxSteps),
	}
}

// OnUpdate registers the observer called with a fresh snapshot after
// every published state change. Must be set before the first Execute.
func (c *Controller) OnUpdate(fn func(Snapshot)) {
	c.onUpdate = fn
}

// Execute starts a new run, cancelling and superseding any run currently
// in flight. It returns a channel resolved with the run's audit
// identifier as soon as response headers arrive; the channel is closed
// with an empty value when the engine created no audit record or the
// request failed outright.
func (c *Controller) Execute(ctx context.Context, agentID string, input json.RawMessage, opts RunOptions) (<-chan string, error) {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.resetSessionLocked()
	c.status = StatusStreaming
	c.mu.Unlock()

	rs, err := c.runner.Run(runCtx, RunRequest{AgentID: agentID, Input: input, Options: opts})
	if err != nil {
		cancel()
		c.mu.Lock()
		if gen == c.gen {
			c.status = StatusErrored
			c.errMsg = err.Error()
		}
		snap, notify := c.snapshotLocked(gen)
		c.mu.Unlock()
		if notify {
			c.publish(snap)
		}
		return nil, fmt.Errorf("start run for agent %s: %w", agentID, err)
	}

	auditCh := make(chan string, 1)
	go c.resolveAudit(gen, rs.AuditID(), auditCh)
	go c.pull(runCtx, gen, rs)

	return auditCh, nil
}

// Stop cancels the in-flight run without clearing session state. Blocks
// and steps stay as last observed; no error is published.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.status == StatusStreaming {
		c.status = StatusDone
	}
}

// Reset cancels any in-flight run and clears the session back to idle.
func (c *Controller) Reset() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	gen := c.gen
	c.resetSessionLocked()
	snap, notify := c.snapshotLocked(gen)
	c.mu.Unlock()
	if notify {
		c.publish(snap)
	}
}

// RawText returns the complete unparsed output accumulated so far, for
// callers that need it verbatim (copy/export).
func (c *Controller) RawText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rawText.String()
}

// Snapshot returns the current published view of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, _ := c.snapshotLocked(c.gen)
	return snap
}

func (c *Controller) resetSessionLocked() {
	c.status = StatusIdle
	c.rawText.Reset()
	c.blocks = nil
	c.tl = timeline.New(c.maxSteps)
	c.errMsg = ""
	c.auditID = ""
}

// snapshotLocked builds an immutable copy of the session. The second
// return reports whether gen still names the live run; stale callers
// must not publish.
func (c *Controller) snapshotLocked(gen uint64) (Snapshot, bool) {
	blocksCopy := make([]blocks.Block, len(c.blocks))
	copy(blocksCopy, c.blocks)
	return Snapshot{
		Status:  c.status,
		Blocks:  blocksCopy,
		Steps:   c.tl.Steps(),
		Error:   c.errMsg,
		AuditID: c.auditID,
	}, gen == c.gen && c.onUpdate != nil
}

func (c *Controller) publish(snap Snapshot) {
	if c.onUpdate != nil {
		c.onUpdate(snap)
	}
}

// resolveAudit forwards the header-resolved audit id both to the caller
// and into the published session, unless the run was superseded first.
func (c *Controller) resolveAudit(gen uint64, from <-chan string, to chan<- string) {
	id, ok := <-from
	if !ok {
		id = ""
	}
	to <- id
	close(to)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.auditID = id
	snap, notify := c.snapshotLocked(gen)
	c.mu.Unlock()
	if notify && id != "" {
		c.publish(snap)
	}
}

// pull drives the decoder over the response body and routes each decoded
// event. It is the only writer of session state for its generation.
func (c *Controller) pull(ctx context.Context, gen uint64, rs RunStream) {
	defer func() {
		if err := rs.Close(); err != nil {
			c.logger.Debug("failed to close run stream", "error", err)
		}
	}()

	for ev, err := range rs.Events(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				// Caller-initiated cancellation: stop silently, leave
				// blocks and steps as last observed.
				return
			}
			c.finish(gen, StatusErrored, err.Error(), failConnectionLost)
			return
		}
		if !c.handleEvent(gen, ev) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	c.finish(gen, StatusDone, "", "")
}

// handleEvent applies one decoded event to the session. Returns false
// when the run was superseded or terminated and the pull loop must exit.
func (c *Controller) handleEvent(gen uint64, ev stream.Event) bool {
	switch ev.Kind {
	case stream.KindToken:
		return c.handleToken(gen, ev.Data)
	case stream.KindStep:
		return c.handleStep(gen, ev.Data)
	case stream.KindError:
		return c.handleError(gen, ev.Data)
	default:
		// Forward-compatible: decoded but unused.
		return true
	}
}

type tokenPayload struct {
	Text string `json:"text"`
}

func (c *Controller) handleToken(gen uint64, data string) bool {
	var p tokenPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		c.logger.Debug("dropping malformed token payload", "error", err)
		return true
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	if c.rawText.Len()+len(p.Text) > c.maxRawBytes {
		c.errMsg = fmt.Sprintf("agent output exceeded %d bytes", c.maxRawBytes)
		c.status = StatusErrored
		c.tl.FailRunning(failConnectionLost)
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		snap, notify := c.snapshotLocked(gen)
		c.mu.Unlock()
		if notify {
			c.publish(snap)
		}
		return false
	}
	c.rawText.WriteString(p.Text)
	// Full re-extract over the accumulated text: the block list is never
	// patched incrementally, so it is self-consistent no matter how the
	// transport chunked the tokens.
	c.blocks = blocks.Extract(c.rawText.String())
	snap, notify := c.snapshotLocked(gen)
	c.mu.Unlock()
	if notify {
		c.publish(snap)
	}
	return true
}

func (c *Controller) handleStep(gen uint64, data string) bool {
	var s timeline.Step
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		c.logger.Debug("dropping malformed step payload", "error", err)
		return true
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.tl.Upsert(s)
	snap, notify := c.snapshotLocked(gen)
	c.mu.Unlock()
	if notify {
		c.publish(snap)
	}
	return true
}

type errorPayload struct {
	Error string `json:"error"`
}

func (c *Controller) handleError(gen uint64, data string) bool {
	var p errorPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		c.logger.Debug("dropping malformed error payload", "error", err)
		return true
	}
	// Protocol-level errors are terminal for the run; do not let a later
	// stream end overwrite the errored state.
	c.finish(gen, StatusErrored, p.Error, failRequestFailed)
	return false
}

// finish applies a terminal transition for gen, unless superseded.
func (c *Controller) finish(gen uint64, status Status, errMsg, failMsg string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.status = status
	if errMsg != "" {
		c.errMsg = errMsg
	}
	if failMsg != "" {
		c.tl.FailRunning(failMsg)
	}
	snap, notify := c.snapshotLocked(gen)
	c.mu.Unlock()
	if notify {
		c.publish(snap)
	}
}
