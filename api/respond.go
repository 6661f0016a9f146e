package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loomworks/loom"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // headers already sent
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, loom.ErrWorkflowNotFound),
		errors.Is(err, loom.ErrTemplateNotFound),
		errors.Is(err, loom.ErrCheckpointNotFound),
		errors.Is(err, loom.ErrTaskNotFound),
		errors.Is(err, loom.ErrStepNotFound):
		return http.StatusNotFound
	case errors.Is(err, loom.ErrIllegalTransition),
		errors.Is(err, loom.ErrTerminalState):
		return http.StatusConflict
	case errors.Is(err, loom.ErrTopUpRejected):
		return http.StatusBadRequest
	case errors.Is(err, loom.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
