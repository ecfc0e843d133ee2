package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// EventStream writes text/event-stream frames.
type EventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewEventStream writes the stream headers and the 200 status.
func NewEventStream(w http.ResponseWriter) (*EventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &EventStream{w: w, flusher: flusher}, nil
}

// Send writes one event whose data is the JSON encoding of data.
func (s *EventStream) Send(event, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	fmt.Fprintf(&b, "data: %s\n\n", payload)

	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment writes a comment line, used as a keep-alive.
func (s *EventStream) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
