package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/agentdeck/internal/stream"
)

func TestHTTPRunnerStreamsEvents(t *testing.T) {
	var gotPath, gotAccept string
	var gotBody executeBody

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(AuditIDHeader, "audit-7")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		io.WriteString(w, "event: token\ndata: {\"text\":\"hi\"}\n\n")
		flusher.Flush()
		io.WriteString(w, "event: step\ndata: {\"step\":1,\"tool\":\"fetch\",\"status\":\"running\"}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	r, err := NewHTTPRunner(HTTPRunnerConfig{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewHTTPRunner: %v", err)
	}

	rs, err := r.Run(context.Background(), RunRequest{
		AgentID: "agent-1",
		Input:   json.RawMessage(`{"q":"revenue"}`),
		Options: RunOptions{Model: "m-1"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer rs.Close()

	if id := <-rs.AuditID(); id != "audit-7" {
		t.Errorf("audit id = %q, want audit-7", id)
	}

	var events []stream.Event
	for ev, err := range rs.Events(context.Background()) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Kind != stream.KindToken || events[0].Data != `{"text":"hi"}` {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != stream.KindStep {
		t.Errorf("event 1 kind = %s, want step", events[1].Kind)
	}

	// The body has been fully consumed, so the handler has returned and
	// these captures are settled.
	if gotPath != "/api/agents/agent-1/execute" {
		t.Errorf("path = %q, want /api/agents/agent-1/execute", gotPath)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("Accept = %q, want text/event-stream", gotAccept)
	}
	if string(gotBody.Input) != `{"q":"revenue"}` || gotBody.Model != "m-1" {
		t.Errorf("request body = %+v, options were not forwarded", gotBody)
	}
}

func TestHTTPRunnerAuditHeaderAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, err := NewHTTPRunner(HTTPRunnerConfig{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewHTTPRunner: %v", err)
	}
	rs, err := r.Run(context.Background(), RunRequest{AgentID: "a"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer rs.Close()

	if id := <-rs.AuditID(); id != "" {
		t.Errorf("audit id = %q, want empty when the header is missing", id)
	}
}

func TestHTTPRunnerRejectsNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent not found", http.StatusNotFound)
	}))
	defer srv.Close()

	r, err := NewHTTPRunner(HTTPRunnerConfig{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewHTTPRunner: %v", err)
	}
	_, err = r.Run(context.Background(), RunRequest{AgentID: "a"})
	if err == nil {
		t.Fatal("want error on non-200 response")
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("error = %v, want the status code included", err)
	}
	if !strings.Contains(err.Error(), "agent not found") {
		t.Errorf("error = %v, want the body detail included", err)
	}
}

func TestHTTPRunnerEscapesAgentID(t *testing.T) {
	pathCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pathCh <- r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, err := NewHTTPRunner(HTTPRunnerConfig{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewHTTPRunner: %v", err)
	}
	rs, err := r.Run(context.Background(), RunRequest{AgentID: "a/b c"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rs.Close()

	if got := <-pathCh; !strings.Contains(got, "a%2Fb%20c") {
		t.Errorf("escaped path = %q, agent id must be path-escaped", got)
	}
}

func TestNewHTTPRunnerRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPRunner(HTTPRunnerConfig{}, nil); err == nil {
		t.Fatal("want error for empty base URL")
	}
}
