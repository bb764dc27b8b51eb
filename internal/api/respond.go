// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/log"
)

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		log.WithComponentFromContext(r.Context(), "api").Error().Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
	} else {
		log.WithComponentFromContext(r.Context(), "api").Debug().Err(err).
			Str("path", r.URL.Path).
			Msg("request rejected")
	}
	writeJSON(w, status, errorBody{
		Error:     err.Error(),
		Kind:      string(kind),
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
