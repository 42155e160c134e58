// Package api provides the HTTP API handlers and routing for the job scheduler.
package api

import (
	"encoding/json"
	"errors"
	"jobscheduler/internal/apperrors"
	"jobscheduler/internal/conditions"
	"jobscheduler/internal/dispatcher"
	"jobscheduler/internal/health"
	"jobscheduler/internal/job"
	"log/slog"
	"net/http"
	"strconv"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc        *job.Service
	conditions *conditions.Monitor
	health     *health.Checker
	dispatcher dispatcher.Dispatcher
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, monitor *conditions.Monitor, healthChecker *health.Checker, d dispatcher.Dispatcher) *Handler {
	return &Handler{
		svc:        svc,
		conditions: monitor,
		health:     healthChecker,
		dispatcher: d,
	}
}

// ConditionsPatch is the body of PUT /v1/conditions. Omitted fields keep
// their current value.
type ConditionsPatch struct {
	Charging      *bool                   `json:"charging,omitempty"`
	BatteryNotLow *bool                   `json:"batteryNotLow,omitempty"`
	Idle          *bool                   `json:"idle,omitempty"`
	StorageNotLow *bool                   `json:"storageNotLow,omitempty"`
	Network       *conditions.NetworkType `json:"network,omitempty"`
}

// Apply writes the set fields into s.
func (p *ConditionsPatch) Apply(s *conditions.State) {
	if p.Charging != nil {
		s.Charging = *p.Charging
	}
	if p.BatteryNotLow != nil {
		s.BatteryNotLow = *p.BatteryNotLow
	}
	if p.Idle != nil {
		s.Idle = *p.Idle
	}
	if p.StorageNotLow != nil {
		s.StorageNotLow = *p.StorageNotLow
	}
	if p.Network != nil {
		s.Network = *p.Network
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var d job.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Schedule(r.Context(), &d)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	status, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}. Unknown IDs are not an error.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	h.svc.Cancel(r.Context(), jobID)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllJobs handles DELETE /v1/jobs
func (h *Handler) DeleteAllJobs(w http.ResponseWriter, r *http.Request) {
	h.svc.CancelAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// GetConditions handles GET /v1/conditions
func (h *Handler) GetConditions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.conditions.Current())
}

// UpdateConditions handles PUT /v1/conditions and returns the resulting state.
func (h *Handler) UpdateConditions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var patch ConditionsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	state := h.conditions.Update(patch.Apply)
	h.writeJSON(w, http.StatusOK, state)
}

// CallbackStats handles GET /v1/callbacks/stats
func (h *Handler) CallbackStats(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		h.writeError(w, http.StatusNotFound, "callbacks are not enabled")
		return
	}
	h.writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when the scheduler is closed or the service is shutting down.
// A failing optional dependency (Docker) reports degraded with 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.PathValue("jobId")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		h.writeError(w, http.StatusBadRequest, "Job ID must be a non-negative integer")
		return 0, false
	}
	return id, true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	body := map[string]string{"error": err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Field != "" {
		body["field"] = appErr.Field
	}
	h.writeJSON(w, status, body)
}
