// Package apierrors implements the stable error taxonomy described in the
// orchestrator's error-handling design: every component returns errors built
// from this small tagged-variant type instead of ad-hoc strings, so the
// Request Surface can render a stable machine-readable code for every
// failure without string-matching on error text.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	// Input errors.
	CodeInvalidConfig  Code = "InvalidConfig"
	CodeInvalidRequest Code = "InvalidRequest"

	// Resource errors.
	CodeNotFound        Code = "NotFound"
	CodeAlreadyAttached Code = "AlreadyAttached"

	// Admission errors.
	CodeTooManyRequests   Code = "TooManyRequests"
	CodeServiceUnavailable Code = "ServiceUnavailable"

	// Runtime errors.
	CodeContainerFailed   Code = "ContainerFailed"
	CodeDaemonUnavailable Code = "DaemonUnavailable"
	CodeOperationFailed   Code = "OperationFailed"

	// Channel errors.
	CodeStreamAttachFailed Code = "StreamAttachFailed"
	CodeWriteFailed        Code = "WriteFailed"
	CodeSocketClosed       Code = "SocketClosed"
	CodeInvalidMessage     Code = "InvalidMessage"

	// Startup errors.
	CodeMissingImages  Code = "MissingImages"
	CodePortInUse      Code = "PortInUse"
	CodeStartupFailed  Code = "StartupFailed"
)

// Error is the concrete error type carrying a stable code plus optional
// context fields rendered to the caller (retryAfter, availableEnvironments).
type Error struct {
	Code                  Code
	Message               string
	RetryAfterSeconds     int
	AvailableEnvironments []string
	wrapped               error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds a new taxonomized error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a new taxonomized error that chains an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, wrapped: cause}
}

// WithRetryAfter attaches a retry-after hint (seconds) to a TooManyRequests
// or ServiceUnavailable error.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfterSeconds = seconds
	return e
}

// WithAvailableEnvironments attaches the set of valid environment names to
// an InvalidConfig error raised by an unknown environment name.
func (e *Error) WithAvailableEnvironments(names []string) *Error {
	e.AvailableEnvironments = names
	return e
}

// As extracts an *Error from err, if present anywhere in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code for err, defaulting to OperationFailed
// for errors that were never taxonomized (a defect elsewhere, not a reason
// to crash the request).
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeOperationFailed
}

// HTTPStatus maps a taxonomy code to the HTTP status the Request Surface
// renders it as.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidConfig, CodeInvalidRequest, CodeInvalidMessage:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyAttached:
		return http.StatusConflict
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeContainerFailed, CodeOperationFailed, CodeStreamAttachFailed, CodeWriteFailed:
		return http.StatusInternalServerError
	case CodeDaemonUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
