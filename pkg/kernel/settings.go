package kernel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
)

type healthResponse struct {
	Status  string `json:"status"`
	Runner  string `json:"runner"`
	Tool    string `json:"tool"`
	Version string `json:"version,omitempty"`
	Queued  int    `json:"queued"`
	Running int    `json:"running"`
	Limit   int64  `json:"limit"`
}

// GET /v1/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.GetPreferences())
}

// PUT /v1/settings
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update domain.OCRPreferences
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.settings.UpdatePreferences(r.Context(), update); err != nil {
		if errors.Is(err, domain.ErrInvalidPreferences) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to update settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, s.settings.GetPreferences())
}

// POST /v1/settings/reset
func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.settings.ResetPreferences(r.Context())
	if err != nil {
		s.logger.Error("failed to reset settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// handleListHistory lists archived jobs, including those from earlier runs.
// GET /v1/history
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "history archive disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := s.archive.ListRecords(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if records == nil {
		records = []domain.JobRecord{}
	}
	writeJSON(w, http.StatusOK, jobList{Jobs: records, Count: len(records)})
}

// GET /v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.scheduler.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Runner:  s.tool.Runner,
		Tool:    s.tool.Tool,
		Version: s.tool.Version,
		Queued:  stats.Queued,
		Running: stats.Running,
		Limit:   stats.Limit,
	})
}
