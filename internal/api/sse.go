package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rendis/nodeflow/internal/streaming"
)

// handleSSEGlobal streams hub updates, narrowed by the workflow_id, kind and
// event_type query params.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.serveSSE(w, r, streaming.Filter{
		WorkflowID:  q.Get("workflow_id"),
		ExecutionID: q.Get("execution_id"),
		Kinds:       splitList(q.Get("kind")),
		EventTypes:  splitList(q.Get("event_type")),
	})
}

// handleSSERun streams the updates of one execution.
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.Filter{
		ExecutionID: r.PathValue("id"),
		Kinds:       splitList(r.URL.Query().Get("kind")),
	})
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.Filter) {
	hub := s.deps.Runs.Hub()
	if hub == nil {
		writeError(w, r, http.StatusNotFound, "live updates are not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseEventName(u), data)
			flusher.Flush()
		}
	}
}

// sseEventName is the event-log type for event updates and the kind otherwise.
func sseEventName(u streaming.Update) string {
	if u.Kind == streaming.KindEvent && u.Event != nil {
		return u.Event.Type
	}
	return u.Kind
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
