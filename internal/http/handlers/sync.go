package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/iago/jobsync/internal/search"
)

func (api *API) Progress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	current := api.tracker.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      current.Total,
		"done":       current.Done,
		"in_flight":  current.InFlight,
		"up_to_date": current.UpToDate(),
	})
}

func (api *API) Corpus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	corpus := api.merger.Corpus()
	if query := strings.TrimSpace(r.URL.Query().Get("q")); query != "" {
		corpus = search.Match(corpus, query)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": corpus, "count": len(corpus)})
}

// Snapshot previews the snapshot the companion would receive now.
func (api *API) Snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	built := api.sync.BuildSnapshot()
	lastRevision, lastSentAt := api.sync.LastSent()
	response := map[string]any{
		"rev":           built.Revision,
		"built_at":      built.BuiltAt.Format(time.RFC3339Nano),
		"items":         built.Items,
		"last_sent_rev": lastRevision,
	}
	if !lastSentAt.IsZero() {
		response["last_sent_at"] = lastSentAt.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, response)
}

func (api *API) SendSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	built, mode, err := api.sync.PublishSnapshot(r.Context())
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "send_failed", "failed to send snapshot")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"rev":   built.Revision,
		"items": len(built.Items),
		"mode":  mode,
	})
}
