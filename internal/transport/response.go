// Package transport exposes the engine over HTTP: the chi router, the
// middleware chain, bearer token authentication and the JSON handlers.
package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrInternalError:     http.StatusInternalServerError,
	model.ErrNotAuthorized:     http.StatusForbidden,
	model.ErrFieldAccessDenied: http.StatusForbidden,
	model.ErrValidationFailed:  http.StatusUnprocessableEntity,
	model.ErrNoSuchTransition:  http.StatusConflict,
	model.ErrGuardFailed:       http.StatusConflict,
	model.ErrTerminal:          http.StatusConflict,
	model.ErrStaleState:        http.StatusConflict,
	model.ErrSideEffectFailed:  http.StatusBadGateway,
	model.ErrUnknownState:      http.StatusInternalServerError,
	model.ErrTemplateInvalid:   http.StatusInternalServerError,
}

// StatusForCode returns the HTTP status for an error code, 500 when unknown.
func StatusForCode(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching status code.
// Errors that are not envelopes are logged and reported as INTERNAL_ERROR
// so that internal details never reach the client.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	env, ok := model.AsEnvelope(err)
	if !ok {
		observability.LoggerFrom(ctx, zap.NewNop()).Error("unhandled error", zap.Error(err))
		env = model.NewInternalError()
	}
	out := *env
	out.TraceID = observability.TraceIDFromContext(ctx)
	WriteJSON(w, StatusForCode(out.Code), errorResponse{Error: &out})
}

// writeRejection writes a transition rejection that carries field-level
// errors: the envelope plus the per-field lists of the result.
func writeRejection(ctx context.Context, w http.ResponseWriter, err error, result *model.TransitionResult) {
	env, ok := model.AsEnvelope(err)
	if !ok || result == nil {
		WriteError(ctx, w, err)
		return
	}
	out := *env
	out.TraceID = observability.TraceIDFromContext(ctx)
	WriteJSON(w, StatusForCode(out.Code), struct {
		Error               *model.ErrorEnvelope `json:"error"`
		ValidationErrors    []model.FieldError   `json:"validation_errors,omitempty"`
		AuthorizationErrors []model.FieldError   `json:"authorization_errors,omitempty"`
	}{
		Error:               &out,
		ValidationErrors:    result.ValidationErrors,
		AuthorizationErrors: result.AuthorizationErrors,
	})
}
