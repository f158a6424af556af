package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
)

type submitJobRequest struct {
	InputPath  string    `json:"input_path"`
	OutputPath string    `json:"output_path,omitempty"`
	Flags      *[]string `json:"flags,omitempty"`
}

type submitJobResponse struct {
	ID    domain.JobID    `json:"id"`
	State domain.JobState `json:"state"`
}

type jobList struct {
	Jobs  []domain.JobRecord `json:"jobs"`
	Count int                `json:"count"`
}

// handleSubmitJob queues a conversion. Missing output path or flags are
// filled from the current OCR preferences.
// POST /v1/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req := s.settings.GetPreferences().Request(body.InputPath)
	if body.OutputPath != "" {
		req.OutputPath = body.OutputPath
	}
	if body.Flags != nil {
		req.Flags = *body.Flags
	}

	id, err := s.scheduler.Submit(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidDescriptor):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, domain.ErrSchedulerClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.logger.Error("failed to submit job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	writeJSON(w, http.StatusAccepted, submitJobResponse{ID: id, State: domain.JobStateQueued})
}

type submitBatchRequest struct {
	InputPaths []string  `json:"input_paths"`
	Flags      *[]string `json:"flags,omitempty"`
}

type submitBatchResponse struct {
	Jobs  []submitJobResponse `json:"jobs"`
	Count int                 `json:"count"`
}

// handleSubmitBatch queues one job per input, in order, with output paths
// derived from the current preferences. Nothing is queued unless every
// input is admissible.
// POST /v1/batches
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var body submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	prefs := s.settings.GetPreferences()
	reqs := make([]domain.JobRequest, 0, len(body.InputPaths))
	for i, input := range body.InputPaths {
		req := prefs.Request(input)
		if body.Flags != nil {
			req.Flags = *body.Flags
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("input_paths[%d]: %v", i, err))
			return
		}
		reqs = append(reqs, req)
	}

	resp := submitBatchResponse{Jobs: make([]submitJobResponse, 0, len(reqs))}
	for _, req := range reqs {
		id, err := s.scheduler.Submit(r.Context(), req)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrSchedulerClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		default:
			s.logger.Error("failed to submit batch job", "input", req.InputPath, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to submit job")
			return
		}
		resp.Jobs = append(resp.Jobs, submitJobResponse{ID: id, State: domain.JobStateQueued})
	}
	resp.Count = len(resp.Jobs)

	s.logger.Info("batch submitted", "jobs", resp.Count)
	writeJSON(w, http.StatusAccepted, resp)
}

// GET /v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.scheduler.List()
	if jobs == nil {
		jobs = []domain.JobRecord{}
	}
	writeJSON(w, http.StatusOK, jobList{Jobs: jobs, Count: len(jobs)})
}

// GET /v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.scheduler.Get(id)
	if errors.Is(err, domain.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to get job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCancelJob requests cancellation. A queued job is cancelled at once;
// a running one reaches CANCELLED once its process is gone.
// POST /v1/jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := s.scheduler.Cancel(id); {
	case err == nil:
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, domain.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
		return
	default:
		s.logger.Error("failed to cancel job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	rec, err := s.scheduler.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// DELETE /v1/jobs/{id}
func (s *Server) handlePurgeJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := s.scheduler.Purge(id); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrJobNotTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("failed to purge job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to purge job")
	}
}
