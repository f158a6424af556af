package kernel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/ocrkernel/internal/config"
	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/manthysbr/ocrkernel/internal/core/ports"
	"github.com/manthysbr/ocrkernel/internal/core/services"
)

// ToolStatus describes the backend that runs OCR jobs, for the health endpoint.
type ToolStatus struct {
	Runner  string
	Tool    string
	Version string
}

type Server struct {
	logger    *slog.Logger
	scheduler *services.JobScheduler
	eventBus  *services.EventBus
	settings  *config.SettingsStore
	archive   ports.HistoryArchive // optional
	tool      ToolStatus
	validator *requestValidator
}

func NewServer(
	logger *slog.Logger,
	scheduler *services.JobScheduler,
	eventBus *services.EventBus,
	settings *config.SettingsStore,
	archive ports.HistoryArchive,
	tool ToolStatus,
) (*Server, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:    logger,
		scheduler: scheduler,
		eventBus:  eventBus,
		settings:  settings,
		archive:   archive,
		tool:      tool,
		validator: validator,
	}, nil
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("POST /v1/batches", s.handleSubmitBatch)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handlePurgeJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobSSE)
	mux.HandleFunc("GET /v1/events", s.handleBroadcastSSE)

	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)
	mux.HandleFunc("POST /v1/settings/reset", s.handleResetSettings)
	mux.HandleFunc("GET /v1/history", s.handleListHistory)
	mux.HandleFunc("GET /v1/health", s.handleHealth)

	return s.validator.Middleware(mux)
}

// jobIDParam binds the {id} path segment.
func jobIDParam(r *http.Request) (domain.JobID, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", fmt.Errorf("invalid format for parameter id: %w", err)
	}
	return domain.JobID(id), nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
