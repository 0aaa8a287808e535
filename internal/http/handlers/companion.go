package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/service"
	"github.com/iago/jobsync/internal/transport"
)

// CompanionAPI serves the companion device.
type CompanionAPI struct {
	service   *service.CompanionService
	transport *transport.Transport
}

func NewCompanionAPI(svc *service.CompanionService, tr *transport.Transport) *CompanionAPI {
	return &CompanionAPI{service: svc, transport: tr}
}

type statusRequest struct {
	Status string `json:"status"`
}

func (api *CompanionAPI) Today(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	mirror := api.service.Mirror()
	response := map[string]any{
		"jobs":         api.service.TodaysJobs(),
		"has_snapshot": mirror.HasData(),
		"rev":          mirror.Revision(),
	}
	if updatedAt := mirror.UpdatedAt(); !updatedAt.IsZero() {
		response["updated_at"] = updatedAt
	}
	writeJSON(w, http.StatusOK, response)
}

// JobStatus handles POST /v1/jobs/{id}/status.
func (api *CompanionAPI) JobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/status")
	if path == r.URL.Path {
		writeError(w, r, http.StatusNotFound, "not_found", "route not found")
		return
	}
	recordID := pathID(path, "/v1/jobs/")
	if recordID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}

	var request statusRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	result, err := api.service.SubmitStatus(r.Context(), recordID, request.Status)
	switch {
	case errors.Is(err, domain.ErrInvalidCommand):
		writeError(w, r, http.StatusBadRequest, "invalid_request", "status is required")
		return
	case err != nil:
		writeError(w, r, http.StatusBadGateway, "send_failed", "failed to send status update")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"command_id": result.Command.CommandID,
		"job_id":     result.Command.RecordID,
		"status":     result.Command.Status,
		"mode":       result.Mode,
		"optimistic": result.Optimistic,
	})
}

func (api *CompanionAPI) RequestSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	mode, err := api.service.RequestSnapshot(r.Context())
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "send_failed", "failed to request snapshot")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"mode": mode})
}
