// Package errors provides custom error types and error handling utilities.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes.
const (
	// Caller errors: nothing is attempted.
	CodeUsage = "USAGE_ERROR"

	// Input errors: abort the operation for one test case.
	CodeNotFound   = "NOT_FOUND"
	CodeMalformed  = "MALFORMED"
	CodeValidation = "VALIDATION_ERROR"

	// Lifecycle errors.
	CodePrecondition = "PRECONDITION_FAILED"

	// Pipeline and runtime errors.
	CodeTransport   = "TRANSPORT_ERROR"
	CodeTimeout     = "TIMEOUT"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal    = "INTERNAL_ERROR"
)

// AppError represents an application error with code and details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit status for this error.
func (e *AppError) ExitCode() int {
	if e.Code == CodeUsage {
		return 2
	}
	return 1
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an AppError.
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetail adds a single detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithPath records the offending filesystem path.
func (e *AppError) WithPath(path string) *AppError {
	return e.WithDetail("path", path)
}

// Convenience constructors.

// UsageError creates a usage error.
func UsageError(message string) *AppError {
	return New(CodeUsage, message)
}

// NotFoundError creates a not found error for a path.
func NotFoundError(resource, path string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, path)).WithPath(path)
}

// MalformedError creates an error for content that cannot be parsed.
func MalformedError(resource, path string, err error) *AppError {
	return Wrap(CodeMalformed, fmt.Sprintf("invalid %s at %s", resource, path), err).WithPath(path)
}

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// PreconditionError creates a precondition error with a remediation message.
func PreconditionError(message string) *AppError {
	return New(CodePrecondition, message)
}

// TransportError creates a pipeline transport error.
func TransportError(message string, err error) *AppError {
	return Wrap(CodeTransport, message, err)
}

// InternalError creates an internal error.
func InternalError(message string, err error) *AppError {
	return Wrap(CodeInternal, message, err)
}

// TimeoutError creates a timeout error for a specific operation.
func TimeoutError(operation string, err error) *AppError {
	message := "operation timed out"
	if operation != "" {
		message = fmt.Sprintf("%s timed out", operation)
	}
	return Wrap(CodeTimeout, message, err)
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}

// IsUsage checks if error is a usage error.
func IsUsage(err error) bool { return Is(err, CodeUsage) }

// IsNotFound checks if error is a not found error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsMalformed checks if error is a malformed-input error.
func IsMalformed(err error) bool { return Is(err, CodeMalformed) }

// IsValidation checks if error is a validation error.
func IsValidation(err error) bool { return Is(err, CodeValidation) }

// IsPrecondition checks if error is a precondition error.
func IsPrecondition(err error) bool { return Is(err, CodePrecondition) }

// IsTransport checks if error is a transport error.
func IsTransport(err error) bool { return Is(err, CodeTransport) }

// ExitCode maps any error to a process exit status. nil maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.ExitCode()
	}
	return 1
}
