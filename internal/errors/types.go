// Package errors provides the typed error taxonomy for vizq.
//
// Every failure that can reach a command's terminal status, the executor
// loop or a CLI exit maps onto one of five kinds: StorageError,
// ValidationError, HandlerError, StalenessError and ProtocolError.
// All kinds implement Unwrap and work with Is/As from this package,
// which re-exports github.com/cockroachdb/errors.
package errors

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// StorageError represents I/O or lock contention against the durable store.
type StorageError struct {
	Op        string // e.g., "insert command", "take request"
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Cause != nil && e.Message == "" {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("storage %s failed: %s", e.Op, e.Message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a non-retryable StorageError.
func NewStorageError(op, message string) *StorageError {
	return &StorageError{Op: op, Message: message}
}

// NewStorageErrorWithCause wraps a driver error. The retryable flag is
// decided by the caller, which knows the driver's transient error classes.
func NewStorageErrorWithCause(op string, retryable bool, cause error) *StorageError {
	return &StorageError{Op: op, Retryable: retryable, Cause: cause}
}

// ValidationError represents a malformed command: missing method,
// unregistered method, or parameters outside their rules.
type ValidationError struct {
	Field   string
	Message string
	Unknown bool // method is not registered
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return "invalid command: " + e.Message
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NewUnknownMethodError reports a method no handler is registered for.
func NewUnknownMethodError(method string) *ValidationError {
	return &ValidationError{Field: "method", Message: fmt.Sprintf("unknown method %q", method), Unknown: true}
}

// HandlerError represents a failure raised by domain logic.
type HandlerError struct {
	Method  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s failed: %v", e.Method, e.Cause)
	}
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// NewHandlerError creates a new HandlerError.
func NewHandlerError(method, message string) *HandlerError {
	return &HandlerError{Method: method, Message: message}
}

// NewHandlerErrorWithCause creates a new HandlerError with an underlying cause.
func NewHandlerErrorWithCause(method string, cause error) *HandlerError {
	return &HandlerError{Method: method, Cause: cause}
}

// StalenessError marks a command that was claimed but never completed.
type StalenessError struct {
	CommandID string
	Timeout   time.Duration
}

// Error implements the error interface.
func (e *StalenessError) Error() string {
	return fmt.Sprintf("Processing timeout after %s", e.Timeout)
}

// NewStalenessError creates a new StalenessError.
func NewStalenessError(id string, timeout time.Duration) *StalenessError {
	return &StalenessError{CommandID: id, Timeout: timeout}
}

// ProtocolError represents a malformed state or request payload.
type ProtocolError struct {
	What    string // "state", "request"
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed %s payload: %s: %v", e.What, e.Message, e.Cause)
	}
	return fmt.Sprintf("malformed %s payload: %s", e.What, e.Message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(what, message string, cause error) *ProtocolError {
	return &ProtocolError{What: what, Message: message, Cause: cause}
}

// IsRetryable checks if an error or any error in its chain is retryable.
// Only storage errors are ever retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Retryable
	}
	return false
}

// IsStorageError checks if an error or any error in its chain is a StorageError.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

// IsValidationError checks if an error or any error in its chain is a ValidationError.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsHandlerError checks if an error or any error in its chain is a HandlerError.
func IsHandlerError(err error) bool {
	var handlerErr *HandlerError
	return errors.As(err, &handlerErr)
}

// IsStalenessError checks if an error or any error in its chain is a StalenessError.
func IsStalenessError(err error) bool {
	var stalenessErr *StalenessError
	return errors.As(err, &stalenessErr)
}

// IsProtocolError checks if an error or any error in its chain is a ProtocolError.
func IsProtocolError(err error) bool {
	var protocolErr *ProtocolError
	return errors.As(err, &protocolErr)
}

// Re-export commonly used functions from cockroachdb/errors so callers
// import one package.
var (
	// New creates a new error with the given message.
	New = errors.New

	// Newf creates a new error with formatted message.
	Newf = errors.Newf

	// Wrap wraps an error with additional context.
	Wrap = errors.Wrap

	// Wrapf wraps an error with formatted additional context.
	Wrapf = errors.Wrapf

	// WithHint attaches a user-facing hint.
	WithHint = errors.WithHint

	// FlattenHints returns the hints attached anywhere in the chain.
	FlattenHints = errors.FlattenHints

	// Is reports whether any error in err's chain matches target.
	Is = errors.Is

	// As finds the first error in err's chain that matches target.
	As = errors.As

	// Join combines errors.
	Join = errors.Join
)
