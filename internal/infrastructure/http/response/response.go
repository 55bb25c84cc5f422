// Package response writes the standard JSON envelopes. Every error
// body has the shape {"error":{"code","message","details"}} so clients
// can switch on the code without parsing messages.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gridworks/dispatch/internal/application/auth"
	"github.com/gridworks/dispatch/internal/domain"
)

// internalErrorJSON is pre-marshaled so a response can always be
// written even when encoding the real payload fails.
const internalErrorJSON = `{"error":{"code":"INTERNAL_ERROR","message":"failed to encode response","details":[]}}`

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []ErrorField `json:"details,omitempty"`
}

// ErrorField describes a field-specific error.
type ErrorField struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// OK sends a 200 OK response with JSON data.
func OK(w http.ResponseWriter, data any) {
	encode(w, http.StatusOK, data)
}

// Created sends a 201 Created response with JSON data.
func Created(w http.ResponseWriter, data any) {
	encode(w, http.StatusCreated, data)
}

// NoContent sends a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func encode(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(internalErrorJSON))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// BadRequest sends a 400 Bad Request error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, "VALIDATION", message, http.StatusBadRequest)
}

// ValidationError sends a 400 validation error with field details.
func ValidationError(w http.ResponseWriter, field, issue string) {
	encode(w, http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    "VALIDATION",
			Message: "validation failed",
			Details: []ErrorField{{Field: field, Issue: issue}},
		},
	})
}

// NotFound sends a 404 Not Found error.
func NotFound(w http.ResponseWriter, resource string) {
	Error(w, "NOT_FOUND", resource+" not found", http.StatusNotFound)
}

// Unauthorized sends a 401 AUTH error.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, "AUTH", message, http.StatusUnauthorized)
}

// Forbidden sends a 403 FORBIDDEN error.
func Forbidden(w http.ResponseWriter, message string) {
	Error(w, "FORBIDDEN", message, http.StatusForbidden)
}

// Conflict sends a 409 Conflict error.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, "CONFLICT", message, http.StatusConflict)
}

// RateLimited sends a 429 with a Retry-After header.
func RateLimited(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	Error(w, "RATE_LIMITED", "too many failed attempts, retry later", http.StatusTooManyRequests)
}

// OutdatedClient sends a 426 Upgrade Required error.
func OutdatedClient(w http.ResponseWriter) {
	Error(w, "OUTDATED_CLIENT", "client version is below the supported minimum", http.StatusUpgradeRequired)
}

// Unavailable sends a 503 for transient backend failure.
func Unavailable(w http.ResponseWriter) {
	Error(w, "UNAVAILABLE", "backend temporarily unavailable", http.StatusServiceUnavailable)
}

// InternalError sends a 500. The real error is logged server-side and
// never leaked to the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		slog.ErrorContext(r.Context(), "internal server error", "error", err)
	}
	Error(w, "INTERNAL_ERROR", "an internal error occurred", http.StatusInternalServerError)
}

// Error sends a generic error response.
func Error(w http.ResponseWriter, code, message string, statusCode int) {
	encode(w, statusCode, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// FromDomainError maps domain errors to the wire taxonomy.
func FromDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var locked auth.LockedError

	switch {
	// Validation errors (400)
	case errors.Is(err, domain.ErrInvalidInput):
		BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrInvalidID):
		ValidationError(w, "id", "invalid ID format")
	case errors.Is(err, domain.ErrUnknownOperation):
		ValidationError(w, "operation", "unknown operation")

	// Rate limiting (429) carries Retry-After; checked before the
	// generic auth case since LockedError wraps ErrAuthLocked.
	case errors.As(err, &locked):
		RateLimited(w, int(locked.RetryAfter.Seconds()+0.5))
	case errors.Is(err, domain.ErrAuthLocked):
		RateLimited(w, 0)

	// Version gate (426)
	case errors.Is(err, domain.ErrClientVersionTooOld):
		OutdatedClient(w)

	// Auth errors (401/403)
	case errors.Is(err, domain.ErrUnauthorized):
		Unauthorized(w, "invalid credentials or token")
	case errors.Is(err, domain.ErrForbidden):
		Forbidden(w, "principal disabled or scope mismatch")

	// Not found errors (404)
	case errors.Is(err, domain.ErrJobNotFound):
		NotFound(w, "job")
	case errors.Is(err, domain.ErrBotNotFound):
		NotFound(w, "bot")

	// State guard failures (409)
	case errors.Is(err, domain.ErrBotBusy),
		errors.Is(err, domain.ErrJobNotClaimable),
		errors.Is(err, domain.ErrJobOwnershipLost),
		errors.Is(err, domain.ErrIdempotencyMismatch):
		Conflict(w, err.Error())

	// Transient backend failure (503)
	case transientBackend(err):
		slog.ErrorContext(r.Context(), "transient backend failure", "error", err)
		Unavailable(w)

	// Everything else (500), logged server-side
	default:
		InternalError(w, r, err)
	}
}

// transientBackend reports whether err is a backend failure the client
// should retry: timeouts, refused or dropped connections, and the
// connection, resource and shutdown classes of PostgreSQL errors.
func transientBackend(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return true
		}
	}
	return false
}
