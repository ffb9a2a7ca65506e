package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	sderrors "github.com/tombee/sandboxd/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteErr writes err as a JSON error response, mapping the lifecycle
// error taxonomy to HTTP status codes.
func WriteErr(w http.ResponseWriter, err error) {
	WriteError(w, StatusForError(err), err.Error())
}

// StatusForError maps structured lifecycle errors to HTTP statuses.
// Unclassified errors are internal server errors.
func StatusForError(err error) int {
	switch {
	case sderrors.IsNotFound(err):
		return http.StatusNotFound
	case sderrors.IsConflict(err):
		return http.StatusConflict
	case sderrors.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case sderrors.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
