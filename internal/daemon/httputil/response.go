package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	apperrors "github.com/llmspan/llmspan/pkg/errors"
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

// WriteError writes a JSON error response. Every error body carries the
// message and a machine-readable kind so clients can branch without
// parsing text.
func WriteError(w http.ResponseWriter, status int, kind, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
		"kind":  kind,
	})
}

// WriteServiceError maps a service error onto the HTTP status that
// matches its kind: validation failures become 400, missing resources
// 404, upstream failures 502, timeouts 504. Anything unclassified is a
// plain 500 with a generic message so internal details don't leak.
func WriteServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *apperrors.ValidationError
		notFoundErr   *apperrors.NotFoundError
		upstreamErr   *apperrors.UpstreamError
		timeoutErr    *apperrors.TimeoutError
	)

	switch {
	case apperrors.As(err, &validationErr):
		WriteError(w, http.StatusBadRequest, "validation", validationErr.Error())
	case apperrors.As(err, &notFoundErr):
		WriteError(w, http.StatusNotFound, "not_found", notFoundErr.Error())
	case apperrors.As(err, &upstreamErr):
		WriteError(w, http.StatusBadGateway, "upstream", upstreamErr.Error())
	case apperrors.As(err, &timeoutErr):
		// Timeouts are upstream failures with a more specific status.
		WriteError(w, http.StatusGatewayTimeout, "upstream_timeout", timeoutErr.Error())
	default:
		slog.Error("Unclassified request error", slog.Any("error", err))
		WriteError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
