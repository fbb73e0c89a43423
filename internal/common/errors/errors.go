// Package errors provides the error taxonomy for the agentd control plane.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants. These are the failure classes the control plane
// distinguishes; they travel on the wire in error payloads and terminal events.
const (
	CodeAuthFailure          = "AUTH_FAILURE"
	CodeBadRequest           = "BAD_REQUEST"
	CodeNotFound             = "NOT_FOUND"
	CodeConflict             = "CONFLICT"
	CodeSpawnFailure         = "SPAWN_FAILURE"
	CodeStreamParseAnomaly   = "STREAM_PARSE_ANOMALY"
	CodeExecutionTimeout     = "EXECUTION_TIMEOUT"
	CodeSecurityViolation    = "SECURITY_VIOLATION"
	CodeEvaluatorUnavailable = "EVALUATOR_UNAVAILABLE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternalError        = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with a stable code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// AuthFailure creates an authentication error (bad or missing secret).
func AuthFailure(message string) *AppError {
	return &AppError{Code: CodeAuthFailure, Message: message}
}

// BadRequest creates a malformed-message error, local to one client.
func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message}
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// Conflict creates a conflict error (e.g. a second execution for a session
// that already has one in flight).
func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

// SpawnFailure creates an error for a subprocess that could not start.
func SpawnFailure(err error) *AppError {
	return &AppError{
		Code:    CodeSpawnFailure,
		Message: "agent subprocess could not start",
		Err:     err,
	}
}

// ExecutionTimeout creates an error for an execution that exhausted its
// wall-clock budget.
func ExecutionTimeout(message string) *AppError {
	return &AppError{Code: CodeExecutionTimeout, Message: message}
}

// SecurityViolation creates an error for a blocked path access.
func SecurityViolation(tool, path string) *AppError {
	return &AppError{
		Code:    CodeSecurityViolation,
		Message: fmt.Sprintf("tool %s blocked: path %q outside allowed directories", tool, path),
	}
}

// EvaluatorUnavailable creates an error for an unreachable evaluator.
// Callers default the decision to continue; this error never aborts execution.
func EvaluatorUnavailable(err error) *AppError {
	return &AppError{
		Code:    CodeEvaluatorUnavailable,
		Message: "evaluator unreachable or returned unparseable output",
		Err:     err,
	}
}

// RateLimited creates an error for rate-limit phrasing detected in agent output.
func RateLimited(message string) *AppError {
	return &AppError{Code: CodeRateLimited, Message: message}
}

// InternalError creates an internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{Code: CodeInternalError, Message: message, Err: err}
}

// Wrap wraps an existing error with additional context, preserving the code
// of an existing AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the taxonomy code for err, or INTERNAL_ERROR when err is not
// an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}
