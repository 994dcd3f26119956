package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Vigil-NVR/VigilNVR/internal/events"
	"github.com/Vigil-NVR/VigilNVR/internal/metrics"
)

// sseHeartbeat keeps idle connections alive through proxies.
const sseHeartbeat = 30 * time.Second

func (s *Server) handleMovementStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, s.logger, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id, ch := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	metrics.EventClients.WithLabelValues("sse").Inc()
	defer metrics.EventClients.WithLabelValues("sse").Dec()
	s.logger.Debug("SSE client connected", "subscriber", id, "remote", r.RemoteAddr)

	hello := &events.Event{
		ID:        uuid.New().String(),
		Type:      events.TypeConnected,
		Timestamp: time.Now(),
	}
	if err := writeSSE(w, hello); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected", "subscriber", id)
			return
		case <-s.quit:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, event); err != nil {
				s.logger.Debug("SSE write failed, dropping client",
					"subscriber", id, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
