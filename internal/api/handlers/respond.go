package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/markdave123-py/lumen/internal/core"
)

// ErrorResponse is the body of every request-level failure.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{ErrorCode: code, Message: message})
}

// respondErr maps core errors onto HTTP statuses. Unknown errors are not echoed to the client.
func respondErr(w http.ResponseWriter, err error) {
	var embErr *core.EmbeddingError
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, core.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, core.ErrForbidden):
		WriteError(w, http.StatusForbidden, "forbidden", "access denied")
	case errors.Is(err, core.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &embErr):
		WriteError(w, http.StatusBadGateway, "embedding_failed", "could not embed the question, try again")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
