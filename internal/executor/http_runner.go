package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/agentdeck/internal/stream"
)

// AuditIDHeader carries the engine-side audit record identifier. Absent
// or empty means no audit record was created for the run.
const AuditIDHeader = "X-Audit-Id"

var errStreamStatus = errors.New("execute request rejected")

// HTTPRunner talks to the hosted execution engine over HTTP. The engine
// answers an execute call with an SSE body and the audit id in a
// response header.
type HTTPRunner struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// HTTPRunnerConfig holds configuration for the engine client.
type HTTPRunnerConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
}

// NewHTTPRunner creates a runner for the engine at cfg.BaseURL. Only the
// connection phase is bounded by ConnectTimeout; the streaming body has
// no client-side deadline, since runs end when the engine closes the
// stream or the caller cancels.
func NewHTTPRunner(cfg HTTPRunnerConfig, logger *slog.Logger) (*HTTPRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.New("engine base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid engine base URL %q: %w", cfg.BaseURL, err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.ConnectTimeout

	return &HTTPRunner{
		baseURL: base,
		client:  &http.Client{Transport: transport},
		logger:  logger,
	}, nil
}

type executeBody struct {
	Input       json.RawMessage `json:"input"`
	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
	APIKey      string          `json:"api_key,omitempty"`
	DocumentIDs []string        `json:"document_ids,omitempty"`
	Instruction string          `json:"instruction,omitempty"`
}

// Run opens one execution stream. The returned RunStream's audit channel
// already holds the header value; the body has not been read yet.
func (r *HTTPRunner) Run(ctx context.Context, req RunRequest) (RunStream, error) {
	body, err := json.Marshal(executeBody{
		Input:       req.Input,
		Provider:    req.Options.Provider,
		Model:       req.Options.Model,
		APIKey:      req.Options.APIKey,
		DocumentIDs: req.Options.DocumentIDs,
		Instruction: req.Options.Instruction,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	u := fmt.Sprintf("%s/api/agents/%s/execute", r.baseURL, url.PathEscape(req.AgentID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connect to engine: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("failed to close rejected response body", "error", closeErr)
		}
		return nil, fmt.Errorf("%w: status %d: %s", errStreamStatus, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	// Headers are in; resolve the audit id now, without waiting for the
	// body. A buffered channel keeps delivery independent of when (or
	// whether) the controller reads it.
	auditCh := make(chan string, 1)
	auditCh <- resp.Header.Get(AuditIDHeader)
	close(auditCh)

	r.logger.Debug("Execution stream opened",
		"agent_id", req.AgentID,
		"audit_id", resp.Header.Get(AuditIDHeader),
	)

	return &httpRunStream{body: resp.Body, auditCh: auditCh}, nil
}

// httpRunStream adapts an SSE response body to the RunStream contract.
type httpRunStream struct {
	body    io.ReadCloser
	auditCh chan string
}

func (s *httpRunStream) AuditID() <-chan string {
	return s.auditCh
}

func (s *httpRunStream) Close() error {
	return s.body.Close()
}

// Events pulls chunks from the response body and yields every complete
// decoded frame. The read suspends only while waiting for the next
// chunk; cancelling ctx aborts that read through the request context.
func (s *httpRunStream) Events(ctx context.Context) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		dec := stream.NewDecoder()
		buf := make([]byte, 4096)

		for {
			n, err := s.body.Read(buf)
			if n > 0 {
				for _, ev := range dec.Feed(string(buf[:n])) {
					if !yield(ev, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield(stream.Event{}, fmt.Errorf("read event stream: %w", err))
				return
			}
		}
	}
}
