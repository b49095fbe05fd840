package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseKeepAlive = 15 * time.Second

// handleEvents streams task events as server-sent events. ?task= limits the
// stream to one task id.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	filter := r.URL.Query().Get("task")

	events, unsubscribe := s.engine.Subscribe(s.eventBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Warn("sse flush unsupported", "err", err)
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && ev.TaskID != filter {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event", "task_id", ev.TaskID, "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
