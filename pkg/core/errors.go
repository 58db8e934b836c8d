package core

import (
	"errors"
	"fmt"
)

// Error is the canonical error carried across component boundaries.
// Failures are recovered where they are detected and re-expressed as an
// Error (or an error event); nothing propagates as an unhandled fault
// between pipelines.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrConfig covers missing or invalid connect parameters. Fails the
	// call synchronously; no partial session is created.
	ErrConfig ErrorType = "configuration_error"

	// ErrTransport covers connection drops and handshake failures.
	// Recoverable by an explicit reconnect.
	ErrTransport ErrorType = "transport_error"

	// ErrDevice covers microphone/camera access failures. Surfaced once;
	// the pipeline stays stopped.
	ErrDevice ErrorType = "device_error"

	// ErrHandler covers tool handler failures. Contained by the
	// dispatcher and converted to a textual failure result.
	ErrHandler ErrorType = "handler_error"

	// ErrQuota covers remote resource exhaustion. Terminal for the
	// session; never silently retried.
	ErrQuota ErrorType = "quota_exhausted"
)

// NewConfigError creates a configuration error.
func NewConfigError(message string) *Error {
	return &Error{Type: ErrConfig, Message: message}
}

// NewTransportError creates a transport error.
func NewTransportError(message string) *Error {
	return &Error{Type: ErrTransport, Message: message}
}

// NewTransportErrorWithCode creates a transport error with a machine-readable code.
func NewTransportErrorWithCode(code, message string) *Error {
	return &Error{Type: ErrTransport, Message: message, Code: code}
}

// NewDeviceError creates a device/permission error.
func NewDeviceError(message string) *Error {
	return &Error{Type: ErrDevice, Message: message}
}

// NewHandlerError creates a tool handler error.
func NewHandlerError(message string) *Error {
	return &Error{Type: ErrHandler, Message: message}
}

// NewQuotaError creates a terminal resource-exhaustion error.
func NewQuotaError(message string) *Error {
	return &Error{Type: ErrQuota, Message: message, Code: "quota_exceeded"}
}

// Terminal reports whether the error ends the session for good. Terminal
// errors must be presented distinctly from transient ones and must not be
// retried automatically.
func (e *Error) Terminal() bool {
	return e.Type == ErrQuota
}

// IsTerminal reports whether err (or any error it wraps) is a terminal Error.
func IsTerminal(err error) bool {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Terminal()
	}
	return false
}
