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

// Attempt-lifecycle error codes.
const (
	ErrExpired                 = "EXPIRED"
	ErrVersionConflict         = "VERSION_CONFLICT"
	ErrStepMismatch            = "STEP_MISMATCH"
	ErrValidationFailed        = "VALIDATION_FAILED"
	ErrIdentityConflict        = "IDENTITY_CONFLICT"
	ErrConflictingCapabilities = "CONFLICTING_CAPABILITIES"
	ErrUnsupportedFlow         = "UNSUPPORTED_FLOW"
	ErrPromotionFailed         = "PROMOTION_FAILED"
	ErrAttemptNotPending       = "ATTEMPT_NOT_PENDING"
	ErrDispatchUnavailable     = "DISPATCH_UNAVAILABLE"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error. The Code is a
// machine-readable reason safe to show to an end user.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
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

// NewExpiredError returns an EXPIRED error. The client should restart the
// flow with a fresh start request.
func NewExpiredError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExpired, Message: msg}
}

// NewVersionConflictError returns a VERSION_CONFLICT error. The caller must
// reload the attempt and retry with the current version.
func NewVersionConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrVersionConflict, Message: msg}
}

// NewStepMismatchError returns a STEP_MISMATCH error for a step submitted
// out of turn.
func NewStepMismatchError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStepMismatch, Message: msg}
}

// NewValidationFailedError returns a VALIDATION_FAILED error with
// field-level details.
func NewValidationFailedError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationFailed,
		Message: "Step payload failed validation",
		Details: details,
	}
}

// NewIdentityConflictError returns an IDENTITY_CONFLICT error: another
// live attempt already exists for the same identity and flow.
func NewIdentityConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIdentityConflict, Message: msg}
}

// NewConflictingCapabilitiesError returns a CONFLICTING_CAPABILITIES error.
func NewConflictingCapabilitiesError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflictingCapabilities, Message: msg}
}

// NewUnsupportedFlowError returns an UNSUPPORTED_FLOW error.
func NewUnsupportedFlowError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnsupportedFlow, Message: msg}
}

// NewPromotionFailedError returns a PROMOTION_FAILED error. The whole step
// submission is rejected; the attempt is left at its pre-submission state.
func NewPromotionFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPromotionFailed, Message: msg}
}

// NewAttemptNotPendingError returns an ATTEMPT_NOT_PENDING error for
// mutations against a completed or cancelled attempt.
func NewAttemptNotPendingError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAttemptNotPending, Message: msg}
}

// NewDispatchUnavailableError returns a DISPATCH_UNAVAILABLE error for steps
// that require synchronous issuance of a challenge.
func NewDispatchUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDispatchUnavailable, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// CodeOf returns the envelope code of err, unwrapping as needed, or
// INTERNAL_ERROR for any other error value.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}
