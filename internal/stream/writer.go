package stream

import (
	"fmt"
	"io"
)

// WriteEvent writes one SSE frame.
func WriteEvent(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// WriteEventID writes one SSE frame with an event ID for client replay.
func WriteEventID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

// WriteRetry advises the client how long to wait before reconnecting.
func WriteRetry(w io.Writer, delayMs int64) error {
	_, err := fmt.Fprintf(w, "retry: %d\n\n", delayMs)
	return err
}
