package ingress

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ratchet-hq/ratchet/internal/streaming"
)

// handleStream serves execution events over Server-Sent Events. Filters
// come from query parameters: execution_id, workflow_id, and repeated
// type values.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	filter := streaming.EventFilter{
		ExecutionID: r.URL.Query().Get("execution_id"),
		WorkflowID:  r.URL.Query().Get("workflow_id"),
		Types:       r.URL.Query()["type"],
	}

	ch, cancel, err := s.hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
