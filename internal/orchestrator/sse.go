package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// SSE event types emitted during a turn.
const (
	EventChunk              = "chunk"
	EventSources            = "sources"
	EventValidationRequired = "validation_required"
	EventStopped            = "stopped"
	EventError              = "error"
	EventDone               = "done"
)

// Emitter delivers turn events to the client. Emit errors mean the client is
// gone; the turn itself continues.
type Emitter interface {
	Emit(event string, data any) error
}

// SSEEmitter writes Server-Sent Events, flushing after each one.
type SSEEmitter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewSSEEmitter prepares the response for an event stream.
func NewSSEEmitter(w http.ResponseWriter) *SSEEmitter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return &SSEEmitter{w: w, flusher: flusher}
}

// Emit writes one event: `event: <type>` then `data: <json>`.
func (e *SSEEmitter) Emit(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// discardEmitter swallows events for background continuations.
type discardEmitter struct{}

func (discardEmitter) Emit(event string, data any) error { return nil }
