package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	nethttpmiddleware "github.com/oapi-codegen/nethttp-middleware"
)

// NewValidator creates OpenAPI request validation middleware returning
// 400 for requests that do not match the contract. Bearer auth is
// handled by the Session and Admin middlewares, so security validation
// is skipped here.
func NewValidator(spec *openapi3.T) func(http.Handler) http.Handler {
	spec.Servers = openapi3.Servers{{URL: "/"}}

	opts := &nethttpmiddleware.Options{
		Options: openapi3filter.Options{
			MultiError: true,
			AuthenticationFunc: func(_ context.Context, _ *openapi3filter.AuthenticationInput) error {
				return nil
			},
		},
		ErrorHandlerWithOpts:  validationErrorHandler,
		SilenceServersWarning: true,
	}

	return nethttpmiddleware.OapiRequestValidatorWithOptions(spec, opts)
}

type validationResponse struct {
	Error validationDetail `json:"error"`
}

type validationDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []validationField `json:"details"`
}

type validationField struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

func validationErrorHandler(ctx context.Context, err error, w http.ResponseWriter, r *http.Request, opts nethttpmiddleware.ErrorHandlerOpts) {
	details := parseValidationError(err)

	slog.WarnContext(ctx, "request validation failed",
		"path", r.URL.Path,
		"method", r.Method,
		"error", err.Error())

	body, encErr := json.Marshal(validationResponse{
		Error: validationDetail{
			Code:    "VALIDATION",
			Message: "validation failed",
			Details: details,
		},
	})
	if encErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"INTERNAL_ERROR","message":"failed to encode response","details":[]}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(opts.StatusCode)
	_, _ = w.Write(body)
}

// parseValidationError pulls a field name out of the library's error
// text where one is present. The formats are stable enough to match on
// but not structured, so this stays best-effort.
func parseValidationError(err error) []validationField {
	if err == nil {
		return []validationField{}
	}
	msg := err.Error()

	if idx := strings.Index(msg, `Error at "/`); idx != -1 {
		rest := msg[idx+len(`Error at "/`):]
		if end := strings.Index(rest, `"`); end != -1 {
			field := rest[:end]
			issue := "validation failed"
			if colon := strings.Index(rest, ":"); colon != -1 && colon+1 < len(rest) {
				issue = strings.TrimSpace(rest[colon+1:])
			}
			return []validationField{{Field: field, Issue: issue}}
		}
	}

	if idx := strings.Index(msg, `parameter "`); idx != -1 {
		rest := msg[idx+len(`parameter "`):]
		if end := strings.Index(rest, `"`); end != -1 {
			field := rest[:end]
			issue := "invalid parameter"
			if errIdx := strings.Index(rest, "has an error:"); errIdx != -1 {
				issue = strings.TrimSpace(rest[errIdx+len("has an error:"):])
			}
			return []validationField{{Field: field, Issue: issue}}
		}
	}

	if strings.Contains(msg, "request body") {
		return []validationField{{Field: "body", Issue: "invalid request body"}}
	}
	return []validationField{}
}
