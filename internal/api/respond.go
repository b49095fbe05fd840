package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"wingetd/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// writeTaskError maps engine errors onto HTTP statuses.
func writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if errors.Is(err, core.ErrTaskActive) {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	var te *core.TaskError
	if !errors.As(err, &te) {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	switch te.Kind {
	case core.KindInvalid:
		writeError(w, http.StatusBadRequest, "invalid_input", te.Message)
	case core.KindCancelled:
		writeError(w, http.StatusConflict, "cancelled", te.Error())
	case core.KindSpawn:
		writeError(w, http.StatusServiceUnavailable, "spawn_failed", te.Error())
	default:
		writeError(w, http.StatusBadGateway, "tool_failed", te.Error())
	}
}
