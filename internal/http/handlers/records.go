package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/records"
)

type recordView struct {
	domain.JobRecord
	PendingWrite bool `json:"pendingWrite"`
}

func (api *API) Records(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	list := api.records.Records()
	views := make([]recordView, 0, len(list))
	for _, record := range list {
		views = append(views, recordView{JobRecord: record, PendingWrite: record.PendingWrite})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": views,
		"pending": api.records.PendingIDs(),
		"loaded":  api.records.Loaded(),
	})
}

// Record handles GET and POST on /v1/records/{id}. POST issues a write; the
// response is 202 because confirmation arrives later through the feed.
func (api *API) Record(w http.ResponseWriter, r *http.Request) {
	recordID := pathID(r.URL.Path, "/v1/records/")
	if recordID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "record id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		record, ok := api.records.Record(recordID)
		if !ok {
			writeError(w, r, http.StatusNotFound, "not_found", "record not found")
			return
		}
		writeJSON(w, http.StatusOK, recordView{JobRecord: record, PendingWrite: record.PendingWrite})
	case http.MethodPost:
		api.issueWrite(w, r, recordID)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (api *API) issueWrite(w http.ResponseWriter, r *http.Request, recordID string) {
	var mutation domain.Mutation
	if err := decodeJSON(r, &mutation); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	payloadHash := hashPayload(struct {
		RecordID string          `json:"record_id"`
		Mutation domain.Mutation `json:"mutation"`
	}{recordID, mutation})
	if idempotencyKey != "" {
		entry, outcome := api.idempotency.Reserve(idempotencyKey, payloadHash)
		switch outcome {
		case conflicted:
			writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
			return
		case inProgress:
			writeError(w, r, http.StatusConflict, "idempotency_in_progress", "a request with this Idempotency-Key is still running")
			return
		case replayed:
			writeAccepted(w, entry.RecordID, entry.CreatedAt, true)
			return
		}
	}

	err := api.records.IssueWrite(r.Context(), recordID, mutation)
	if err != nil && idempotencyKey != "" {
		api.idempotency.Release(idempotencyKey)
	}
	switch {
	case errors.Is(err, records.ErrEmptyMutation):
		writeError(w, r, http.StatusBadRequest, "invalid_request", "mutation sets no fields")
		return
	case errors.Is(err, records.ErrUnknownRecord):
		writeError(w, r, http.StatusNotFound, "not_found", "record not found")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to issue write")
		return
	}

	if idempotencyKey != "" {
		api.idempotency.Complete(idempotencyKey, recordID)
	}
	writeAccepted(w, recordID, time.Now().UTC(), false)
}

func writeAccepted(w http.ResponseWriter, recordID string, acceptedAt time.Time, replayed bool) {
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"record_id":   recordID,
		"status":      "pending",
		"status_url":  "/v1/records/" + recordID,
		"accepted_at": acceptedAt.Format(time.RFC3339Nano),
		"replayed":    replayed,
	})
}
