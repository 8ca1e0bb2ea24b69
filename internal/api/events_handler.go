package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/stagehand/internal/events"
)

// handleEvents streams lifecycle notifications as server-sent events. An
// optional stage_id query parameter narrows the stream to one stage.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	stageID := r.URL.Query().Get("stage_id")
	wanted := func(n events.Notification) bool {
		return stageID == "" || n.StageID == stageID
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, n := range s.events.SnapshotSince(lastID) {
		if !wanted(n) {
			continue
		}
		if err := writeSSE(w, n); err != nil {
			return
		}
		lastID = n.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.ID <= lastID || !wanted(n) {
				continue
			}
			if err := writeSSE(w, n); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, n events.Notification) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", n.ID); err != nil {
		return err
	}
	if n.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", n.Type); err != nil {
			return err
		}
	}
	// Payload is the whole notification as single-line JSON.
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return nil
}
