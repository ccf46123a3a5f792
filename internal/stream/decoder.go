// Package stream decodes and encodes server-sent event frames.
package stream

import (
	"strings"
)

// Well-known event kinds emitted by the execution engine. The decoder
// passes unrecognized kinds through untouched so callers can decide
// whether to ignore them.
const (
	KindToken = "token"
	KindStep  = "step"
	KindError = "error"
)

const (
	eventPrefix = "event:"
	dataPrefix  = "data:"
)

// Event is one decoded SSE frame: a kind tag and an opaque payload string.
// Events are produced and consumed within one decode cycle, never stored.
type Event struct {
	Kind string
	Data string
}

// Decoder reassembles complete SSE messages from arbitrarily fragmented
// transport chunks. The transport gives no guarantee that one logical
// message arrives in one chunk, or that one chunk contains only whole
// messages, so Decoder buffers a trailing partial message between calls.
//
// Decoder is scoped to a single response body and is not safe for
// concurrent use.
type Decoder struct {
	buf strings.Builder
}

// NewDecoder creates a decoder with an empty buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the internal buffer and returns every complete
// message found, in order. A message is complete once terminated by a
// blank line. No event is ever emitted for a partial message; malformed
// lines are ignored, not reported. Feed never fails.
func (d *Decoder) Feed(chunk string) []Event {
	d.buf.WriteString(chunk)

	pending := d.buf.String()
	var events []Event

	for {
		boundary, skip := nextBoundary(pending)
		if boundary < 0 {
			break
		}
		raw := pending[:boundary]
		pending = pending[boundary+skip:]

		if ev, ok := parseMessage(raw); ok {
			events = append(events, ev)
		}
	}

	d.buf.Reset()
	d.buf.WriteString(pending)
	return events
}

// Reset discards any buffered partial message. Call between runs.
func (d *Decoder) Reset() {
	d.buf.Reset()
}

// Buffered reports how many bytes of partial message are held.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// nextBoundary finds the first blank-line message separator, accepting
// both "\n\n" and "\r\n\r\n". Returns the index of the separator and its
// length, or (-1, 0) when no complete message is buffered.
func nextBoundary(s string) (int, int) {
	lf := strings.Index(s, "\n\n")
	crlf := strings.Index(s, "\r\n\r\n")
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0:
		return lf, 2
	case lf < 0 || crlf < lf:
		return crlf, 4
	default:
		return lf, 2
	}
}

// parseMessage extracts kind and payload from one complete message. A
// line starting with "event:" sets the kind; a line starting with
// "data:" sets the payload, last one winning. Messages without any data
// line yield no event (the engine uses them as keep-alives).
func parseMessage(raw string) (Event, bool) {
	ev := Event{Kind: "message"}
	hasData := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, ":"):
			// SSE comment line.
		case strings.HasPrefix(line, eventPrefix):
			ev.Kind = strings.TrimSpace(strings.TrimPrefix(line, eventPrefix))
		case strings.HasPrefix(line, dataPrefix):
			data := strings.TrimPrefix(line, dataPrefix)
			ev.Data = strings.TrimPrefix(data, " ")
			hasData = true
		}
	}

	if !hasData {
		return Event{}, false
	}
	return ev, true
}
