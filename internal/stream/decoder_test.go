package stream

import (
	"strings"
	"testing"
)

const wellFormed = "event: token\ndata: {\"text\":\"hi\"}\n\n" +
	"event: step\ndata: {\"step\":1}\n\n" +
	"event: error\ndata: {\"error\":\"boom\"}\n\n"

func decodeAll(t *testing.T, chunks []string) []Event {
	t.Helper()
	dec := NewDecoder()
	var events []Event
	for _, c := range chunks {
		events = append(events, dec.Feed(c)...)
	}
	return events
}

func TestFeedWholeStream(t *testing.T) {
	events := decodeAll(t, []string{wellFormed})
	want := []Event{
		{Kind: "token", Data: `{"text":"hi"}`},
		{Kind: "step", Data: `{"step":1}`},
		{Kind: "error", Data: `{"error":"boom"}`},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

// Feeding the chunks in order must yield the exact same event list as
// feeding the whole text at once, for any split of the input.
func TestFeedArbitraryFragmentation(t *testing.T) {
	whole := decodeAll(t, []string{wellFormed})

	splits := []struct {
		name string
		size int
	}{
		{"byte at a time", 1},
		{"two bytes", 2},
		{"seven bytes", 7},
		{"half", len(wellFormed) / 2},
	}

	for _, tt := range splits {
		t.Run(tt.name, func(t *testing.T) {
			var chunks []string
			for i := 0; i < len(wellFormed); i += tt.size {
				end := i + tt.size
				if end > len(wellFormed) {
					end = len(wellFormed)
				}
				chunks = append(chunks, wellFormed[i:end])
			}

			got := decodeAll(t, chunks)
			if len(got) != len(whole) {
				t.Fatalf("got %d events, want %d", len(got), len(whole))
			}
			for i := range whole {
				if got[i] != whole[i] {
					t.Errorf("event %d = %+v, want %+v", i, got[i], whole[i])
				}
			}
		})
	}
}

// A chunk ending mid-message must yield nothing; the completing chunk
// must yield exactly one event with the full payload.
func TestFeedPartialMessage(t *testing.T) {
	dec := NewDecoder()

	events := dec.Feed("event: token\ndata: {\"text\":\"hel")
	if len(events) != 0 {
		t.Fatalf("partial message yielded %d events, want 0", len(events))
	}

	events = dec.Feed("lo\"}\n\n")
	if len(events) != 1 {
		t.Fatalf("completed message yielded %d events, want 1", len(events))
	}
	if events[0].Kind != "token" || events[0].Data != `{"text":"hello"}` {
		t.Errorf("event = %+v, want token with combined payload", events[0])
	}
}

func TestFeedMessageRules(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Event
	}{
		{
			name:  "no data line is dropped",
			input: "event: ping\n\n",
			want:  nil,
		},
		{
			name:  "last data line wins",
			input: "event: token\ndata: first\ndata: second\n\n",
			want:  []Event{{Kind: "token", Data: "second"}},
		},
		{
			name:  "unrecognized kind passes through",
			input: "event: heartbeat\ndata: {}\n\n",
			want:  []Event{{Kind: "heartbeat", Data: "{}"}},
		},
		{
			name:  "missing event line defaults kind",
			input: "data: hi\n\n",
			want:  []Event{{Kind: "message", Data: "hi"}},
		},
		{
			name:  "comment and malformed lines ignored",
			input: ": keep-alive\nbogus line\nevent: token\ndata: x\n\n",
			want:  []Event{{Kind: "token", Data: "x"}},
		},
		{
			name:  "crlf separators",
			input: "event: token\r\ndata: y\r\n\r\n",
			want:  []Event{{Kind: "token", Data: "y"}},
		},
		{
			name:  "data without leading space",
			input: "event: token\ndata:z\n\n",
			want:  []Event{{Kind: "token", Data: "z"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewDecoder().Feed(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events %v, want %d", len(got), got, len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("event %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDecoderReset(t *testing.T) {
	dec := NewDecoder()
	dec.Feed("event: token\ndata: partial")
	if dec.Buffered() == 0 {
		t.Fatal("expected buffered partial message")
	}

	dec.Reset()
	if dec.Buffered() != 0 {
		t.Fatalf("Buffered() = %d after Reset, want 0", dec.Buffered())
	}

	// The stale prefix must not contaminate the next message.
	events := dec.Feed("event: step\ndata: {}\n\n")
	if len(events) != 1 || events[0].Kind != "step" {
		t.Fatalf("events after reset = %v, want single step event", events)
	}
}

func TestWriteEvent(t *testing.T) {
	var sb strings.Builder
	if err := WriteEvent(&sb, "token", `{"text":"a"}`); err != nil {
		t.Fatalf("WriteEvent failed: %v", err)
	}
	want := "event: token\ndata: {\"text\":\"a\"}\n\n"
	if sb.String() != want {
		t.Errorf("WriteEvent wrote %q, want %q", sb.String(), want)
	}

	// Round-trip through the decoder.
	events := NewDecoder().Feed(sb.String())
	if len(events) != 1 || events[0].Data != `{"text":"a"}` {
		t.Errorf("decoded %v, want the written event back", events)
	}
}

func TestWriteEventID(t *testing.T) {
	var sb strings.Builder
	if err := WriteEventID(&sb, 42, "state", "{}"); err != nil {
		t.Fatalf("WriteEventID failed: %v", err)
	}
	want := "id: 42\nevent: state\ndata: {}\n\n"
	if sb.String() != want {
		t.Errorf("WriteEventID wrote %q, want %q", sb.String(), want)
	}
}
