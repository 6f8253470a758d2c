package model

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
	ErrBackendRejected    = "BACKEND_REJECTED"
)

// ErrorEnvelope is the standard error response envelope returned by the
// service. It is also used for non-validation failures reported by the Open
// Forms backend. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Status  int          `json:"status,omitempty"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error. The JSON shape mirrors
// the "invalidParams" entries of the Open Forms API.
type FieldError struct {
	Field   string `json:"name"`
	Code    string `json:"code"`
	Message string `json:"reason"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The Open Forms API is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The Open Forms API did not respond in time",
	}
}

// NewBackendRejectedError returns a BACKEND_REJECTED error for a non-2xx
// response that does not carry validation errors.
func NewBackendRejectedError(status int, msg string) *ErrorEnvelope {
	if msg == "" {
		msg = fmt.Sprintf("The Open Forms API responded with status %d", status)
	}
	return &ErrorEnvelope{
		Code:    ErrBackendRejected,
		Message: msg,
		Status:  status,
	}
}

// ErrorContext identifies the section of the form designer responsible for a
// set of validation errors.
type ErrorContext string

// The closed set of error contexts.
const (
	ContextNone       ErrorContext = ""
	ContextForm       ErrorContext = "form"
	ContextSteps      ErrorContext = "steps"
	ContextVariables  ErrorContext = "variables"
	ContextLogicRules ErrorContext = "logicRules"
)

// Valid reports whether c is one of the known contexts.
func (c ErrorContext) Valid() bool {
	switch c {
	case ContextForm, ContextSteps, ContextVariables, ContextLogicRules:
		return true
	}
	return false
}

// ValidationErrors is the expected, data-carrying failure returned by the
// backend for one sub-resource. It is routed to a designer section by its
// Context and never dropped.
type ValidationErrors struct {
	Context ErrorContext `json:"context"`
	// Step is the index of the failing form step when Context is ContextSteps.
	Step    *int         `json:"step,omitempty"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors"`
}

// NewValidationErrors returns untagged validation errors.
func NewValidationErrors(msg string, errs []FieldError) *ValidationErrors {
	return &ValidationErrors{Message: msg, Errors: errs}
}

// Error implements the error interface.
func (e *ValidationErrors) Error() string {
	var b strings.Builder
	if e.Context != ContextNone {
		b.WriteString(string(e.Context))
		if e.Step != nil {
			fmt.Fprintf(&b, "[%d]", *e.Step)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Errors) > 0 {
		fmt.Fprintf(&b, " (%d field errors)", len(e.Errors))
	}
	return b.String()
}

// Tagged returns a copy of e carrying the given context. An existing context
// is kept.
func (e *ValidationErrors) Tagged(ctx ErrorContext) *ValidationErrors {
	out := *e
	if out.Context == ContextNone {
		out.Context = ctx
	}
	return &out
}

// ForStep returns a copy of e tagged as the errors of form step index.
func (e *ValidationErrors) ForStep(index int) *ValidationErrors {
	out := *e
	out.Context = ContextSteps
	out.Step = &index
	return &out
}

// HasFieldContaining reports whether any field name contains substr.
func (e *ValidationErrors) HasFieldContaining(substr string) bool {
	for _, fe := range e.Errors {
		if strings.Contains(fe.Field, substr) {
			return true
		}
	}
	return false
}

// AsValidationErrors unwraps err into *ValidationErrors.
func AsValidationErrors(err error) (*ValidationErrors, bool) {
	var ve *ValidationErrors
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
