package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"

	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/runtime"
)

// StreamHub owns the SSE server carrying execution event streams. One
// stream exists per execution attempt, written by that execution's run
// loop only.
type StreamHub struct {
	server *sse.Server
	logger logging.Logger

	mu         sync.Mutex
	subscribed map[string]chan struct{}
}

// NewStreamHub creates the SSE hub
func NewStreamHub(logger logging.Logger) *StreamHub {
	server := sse.New()
	server.AutoStream = false
	// Replay buffered events so a subscriber that connects just after
	// the run loop starts still sees the earliest events.
	server.AutoReplay = true
	server.EventTTL = 30 * time.Second

	h := &StreamHub{
		server:     server,
		logger:     logger,
		subscribed: make(map[string]chan struct{}),
	}

	server.OnSubscribe = func(streamID string, sub *sse.Subscriber) {
		h.mu.Lock()
		if ch, ok := h.subscribed[streamID]; ok {
			select {
			case <-ch:
			default:
				close(ch)
			}
		}
		h.mu.Unlock()
	}

	return h
}

// OpenStream creates the event stream for an execution attempt and
// returns the emitter its run loop will write to
func (h *StreamHub) OpenStream(executionID string) *StreamEmitter {
	h.server.CreateStream(executionID)

	h.mu.Lock()
	h.subscribed[executionID] = make(chan struct{})
	h.mu.Unlock()

	return &StreamEmitter{
		hub:         h,
		executionID: executionID,
	}
}

// WaitSubscriber blocks until a client attaches to the stream or the
// timeout elapses. Run loops wait before emitting so a fast run cannot
// close the stream before the submitting client connects.
func (h *StreamHub) WaitSubscriber(executionID string, timeout time.Duration) bool {
	h.mu.Lock()
	ch, ok := h.subscribed[executionID]
	h.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Serve attaches the client connection to an execution's stream; it
// blocks until the stream closes or the client disconnects
func (h *StreamHub) Serve(w http.ResponseWriter, r *http.Request, executionID string) {
	q := r.URL.Query()
	q.Set("stream", executionID)
	r.URL.RawQuery = q.Encode()

	h.server.ServeHTTP(w, r)
}

// Close shuts down the SSE server and all streams
func (h *StreamHub) Close() {
	h.server.Close()
}

// StreamEmitter pushes one execution's events over its SSE stream in
// FIFO order. It implements runtime.EventSink.
type StreamEmitter struct {
	hub         *StreamHub
	executionID string
}

// Emit publishes one named event with a JSON payload
func (e *StreamEmitter) Emit(event runtime.Event) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		e.hub.logger.Warn("failed to marshal stream event",
			logging.F("execution_id", e.executionID),
			logging.F("event", event.Name),
		)
		return
	}

	e.hub.server.Publish(e.executionID, &sse.Event{
		Event: []byte(event.Name),
		Data:  payload,
	})
}

// Close removes the stream, disconnecting the subscriber. Called exactly
// once, by the run loop's exit path.
func (e *StreamEmitter) Close() {
	e.hub.mu.Lock()
	delete(e.hub.subscribed, e.executionID)
	e.hub.mu.Unlock()

	e.hub.server.RemoveStream(e.executionID)
}
