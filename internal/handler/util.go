package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/therepai/companion/internal/middleware"
	"github.com/therepai/companion/internal/service"
	"github.com/therepai/companion/pkg/logger"
)

// requestLogger scopes log to the request's correlation and user ids.
func requestLogger(log *logger.Logger, r *http.Request) *logger.Logger {
	return log.WithContext(middleware.GetCorrelationID(r.Context()), middleware.GetUserID(r.Context()))
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// failed reports whether err aborted the operation. A persistence warning
// does not: the result is valid and the warning goes into the response body.
func failed(err error) bool {
	return err != nil && !service.IsWarning(err)
}

// warning returns the text of a persistence warning, if any.
func warning(err error) string {
	if service.IsWarning(err) {
		return err.Error()
	}
	return ""
}

// writeServiceError maps a service error to a status code.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, service.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
