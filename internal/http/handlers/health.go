package handlers

import "net/http"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"records_loaded":      api.records.Loaded(),
		"companion_reachable": api.transport.Reachable(),
	})
}

func (api *CompanionAPI) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"has_snapshot":      api.service.Mirror().HasData(),
		"primary_reachable": api.transport.Reachable(),
	})
}
