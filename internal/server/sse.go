package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marginalia/framesync/internal/event"
)

// StreamEvent is the wire form of a bus event on /event and /event/ws.
type StreamEvent struct {
	Type       event.EventType `json:"type"`
	Properties any             `json:"properties"`
}

// ConnectedEvent is the first event of every stream.
const ConnectedEvent event.EventType = "server.connected"

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second

	streamBuffer = 32
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// writeEvent writes one SSE event and flushes it.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}

	// ResponseController reaches through middleware wrappers.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// subscribe forwards app events to a buffered channel. Events are dropped
// when the consumer falls behind; the bus publishes synchronously.
func (srv *Server) subscribe(stream string) (<-chan event.Event, func()) {
	events := make(chan event.Event, streamBuffer)
	unsub := srv.app.Bus().SubscribeAll(func(e event.Event) {
		select {
		case events <- e:
		default:
			srv.log.Warn().
				Str("eventType", string(e.Type)).
				Str("stream", stream).
				Msg("event dropped: channel full")
		}
	})
	return events, unsub
}

// allEvents streams every app event as SSE.
func (srv *Server) allEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	events, unsub := srv.subscribe("sse")
	defer unsub()

	w.WriteHeader(http.StatusOK)
	if err := sse.writeEvent("message", StreamEvent{Type: ConnectedEvent, Properties: map[string]any{}}); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			if err := sse.writeEvent("message", StreamEvent{Type: e.Type, Properties: e.Data}); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
