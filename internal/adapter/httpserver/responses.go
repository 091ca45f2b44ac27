package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/domain"
)

// envelope is the uniform response body. Every route, success or
// failure, returns this shape with the HTTP status mirrored in Status.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Status  int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	env.Status = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Default().Warn("response encode failed", slog.Any("error", err))
	}
}

// writeData answers a successful request.
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeMessage answers a successful request that has no payload worth
// returning beyond a human-readable confirmation.
func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: true, Message: msg})
}

// writeFail answers a failed request with an explicit status and text.
func writeFail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

// writeFailData is writeFail with extra context the client needs to
// act on the failure (quota snapshots, field problems).
func writeFailData(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, envelope{Success: false, Error: msg, Data: data})
}

// writeDomainError translates the failure taxonomy into HTTP statuses.
// Unknown errors become an opaque 500; the cause stays in the logs.
func writeDomainError(ctx domain.Context, w http.ResponseWriter, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		observability.LoggerFromContext(ctx).Error("request failed", slog.Any("error", err))
	}
	writeFail(w, status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrSchemaInvalid):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "insufficient permissions"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrUpstreamRateLimit):
		return http.StatusTooManyRequests, "too many requests, slow down"
	case errors.Is(err, domain.ErrAIUnavailable), errors.Is(err, domain.ErrUpstreamTimeout):
		return http.StatusServiceUnavailable, "upstream temporarily unavailable, try again shortly"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
