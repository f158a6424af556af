package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/manthysbr/ocrkernel/internal/core/services"
)

const sseKeepAlive = 15 * time.Second

// eventSnapshot is the first event on a job stream so late subscribers see
// the lines and state they missed.
const eventSnapshot = "snapshot"

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, id uint64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", eventType, id, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleJobSSE streams one job's events and ends after its completion event.
// The snapshot's id is the seq of the last event it already contains.
// GET /v1/jobs/{id}/events
func (s *Server) handleJobSSE(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	watch, err := s.scheduler.Watch(id)
	if errors.Is(err, domain.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	defer watch.Stop()

	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	if err := writeSSE(w, flusher, eventSnapshot, watch.Seq, watch.Record); err != nil || watch.Events == nil {
		return
	}

	s.stream(w, r, flusher, watch.Events, true)
}

// handleBroadcastSSE streams every job's events.
// GET /v1/events
func (s *Server) handleBroadcastSSE(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.eventBus.SubscribeGlobal()
	defer unsub()

	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	s.stream(w, r, flusher, ch, false)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, ch <-chan services.Event, untilCompleted bool) {
	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, flusher, string(evt.Type), evt.Seq, evt); err != nil {
				s.logger.Debug("sse client gone", "job_id", evt.JobID, "error", err)
				return
			}
			if untilCompleted && evt.Type == services.EventTypeCompleted {
				return
			}
		}
	}
}
