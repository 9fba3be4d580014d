package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrNotFound      = "NOT_FOUND"
	ErrInternalError = "INTERNAL_ERROR"
)

// Engine error codes. Each one maps to a distinct rejection reason of a
// transition or an access check.
const (
	ErrNotAuthorized     = "NOT_AUTHORIZED"
	ErrFieldAccessDenied = "FIELD_ACCESS_DENIED"
	ErrValidationFailed  = "VALIDATION_FAILED"
	ErrNoSuchTransition  = "NO_SUCH_TRANSITION"
	ErrGuardFailed       = "GUARD_FAILED"
	ErrTerminal          = "TERMINAL"
	ErrStaleState        = "STALE_STATE"
	ErrSideEffectFailed  = "SIDE_EFFECT_FAILED"
	ErrUnknownState      = "UNKNOWN_STATE"
	ErrTemplateInvalid   = "TEMPLATE_INVALID"
)

// ErrorEnvelope is the standard error returned by the engine and written by
// the transport. It implements the error interface.
type ErrorEnvelope struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError addresses a single field path, e.g. "answers.address.city".
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Field-level error codes.
const (
	FieldCodeInvalid   = "INVALID"
	FieldCodeRequired  = "REQUIRED"
	FieldCodeRule      = "RULE"
	FieldCodeForbidden = "FORBIDDEN"
	FieldCodeReadOnly  = "READ_ONLY"
)

// IsCode reports whether err is an ErrorEnvelope carrying code.
func IsCode(err error, code string) bool {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == code
	}
	return false
}

// AsEnvelope returns the ErrorEnvelope wrapped in err, if any.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env, true
	}
	return nil, false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewNotAuthorizedError returns a NOT_AUTHORIZED error.
func NewNotAuthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotAuthorized, Message: msg}
}

// NewFieldAccessDeniedError returns a FIELD_ACCESS_DENIED error listing every
// denied path.
func NewFieldAccessDeniedError(paths []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(paths))
	for _, p := range paths {
		details = append(details, FieldError{
			Field:   p,
			Code:    FieldCodeForbidden,
			Message: "field is not writable in the current state",
		})
	}
	return &ErrorEnvelope{
		Code:    ErrFieldAccessDenied,
		Message: "One or more fields may not be written",
		Details: details,
	}
}

// NewValidationFailedError returns a VALIDATION_FAILED error with field-level
// details.
func NewValidationFailedError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationFailed,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewNoSuchTransitionError returns a NO_SUCH_TRANSITION error.
func NewNoSuchTransitionError(state, event string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoSuchTransition,
		Message: fmt.Sprintf("event %q is not defined from state %q", event, state),
	}
}

// NewGuardFailedError returns a GUARD_FAILED error.
func NewGuardFailedError(state, event string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrGuardFailed,
		Message: fmt.Sprintf("guard rejected event %q from state %q", event, state),
	}
}

// NewTerminalError returns a TERMINAL error.
func NewTerminalError(state string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTerminal,
		Message: fmt.Sprintf("state %q is final", state),
	}
}

// NewStaleStateError returns a retryable STALE_STATE error.
func NewStaleStateError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrStaleState,
		Message:   fmt.Sprintf("application %s was modified concurrently; re-read and retry", id),
		Retryable: true,
	}
}

// NewSideEffectFailedError returns a SIDE_EFFECT_FAILED error.
func NewSideEffectFailedError(action string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSideEffectFailed,
		Message: fmt.Sprintf("side effect %q failed: %v", action, cause),
	}
}

// NewUnknownStateError returns an UNKNOWN_STATE error.
func NewUnknownStateError(state string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownState,
		Message: fmt.Sprintf("state %q is not declared by the template", state),
	}
}

// NewTemplateInvalidError returns a TEMPLATE_INVALID error.
func NewTemplateInvalidError(msg string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTemplateInvalid, Message: msg, Details: details}
}
