package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jpalmerr/pulsequery/internal/livesync"
)

// handleSSE streams a publication via Server-Sent Events.
//
// Each session message becomes one frame whose event name is the message
// type (added, changed, removed, ready, error) and whose data is the
// message as JSON. Query string values are passed as subscription params.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation or channel closure.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// check if flushing is supported
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	params := livesync.Params{}
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			params[key] = vals[0]
		}
	}

	// request context is derived from server context via BaseContext,
	// so the session ends on both client disconnect AND server shutdown
	session, err := s.hub.Subscribe(r.Context(), r.PathValue("publication"), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer session.Close()

	// ResponseController provides deadline-aware write and flush operations.
	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	// writeAndFlush writes an SSE frame with a deadline to prevent blocking forever.
	writeAndFlush := func(frame string) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				// deadline not supported by underlying connection, continue without
				s.logger.Debug("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprint(w, frame); err != nil {
			return err
		}

		// ResponseController.Flush respects the write deadline
		return rc.Flush()
	}

	// set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case msg, ok := <-session.Messages():
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to encode sse message", "error", err, "session", session.ID)
				continue
			}
			if err := writeAndFlush(fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, data)); err != nil {
				return
			}

		case <-keepAlive.C:
			if err := writeAndFlush(": keep-alive\n\n"); err != nil {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}
