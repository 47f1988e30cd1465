// Package errors provides the structured error taxonomy shared by the adapter, the session layer and the storage backends.
package errors

import (
	stderr "errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for filesystem operations.
type ErrorCode string

const (
	// Namespace errors, mapped from the storage client's native status codes.
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists     ErrorCode = "ALREADY_EXISTS"
	ErrCodeMissingParent     ErrorCode = "MISSING_PARENT"
	ErrCodeDirectoryNotEmpty ErrorCode = "DIRECTORY_NOT_EMPTY"
	ErrCodeNotDirectory      ErrorCode = "NOT_DIRECTORY"
	ErrCodeIsDirectory       ErrorCode = "IS_DIRECTORY"
	ErrCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"

	// Capability errors
	ErrCodeUnsupportedOperation ErrorCode = "UNSUPPORTED_OPERATION"

	// Validation errors, raised before any network call.
	ErrCodeInvalidPayloadType ErrorCode = "INVALID_PAYLOAD_TYPE"
	ErrCodePathInvalid        ErrorCode = "PATH_INVALID"
	ErrCodeInvalidArgument    ErrorCode = "INVALID_ARGUMENT"

	// Session and handle lifecycle
	ErrCodeSessionError ErrorCode = "SESSION_ERROR"
	ErrCodeHandleClosed ErrorCode = "HANDLE_CLOSED"

	// Configuration and registry
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"
	ErrCodeUnknownScheme ErrorCode = "UNKNOWN_SCHEME"

	// Internal
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryNamespace     ErrorCategory = "namespace"
	CategoryValidation    ErrorCategory = "validation"
	CategorySession       ErrorCategory = "session"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrNotFound             = &FSError{Code: ErrCodeNotFound}
	ErrAlreadyExists        = &FSError{Code: ErrCodeAlreadyExists}
	ErrMissingParent        = &FSError{Code: ErrCodeMissingParent}
	ErrDirectoryNotEmpty    = &FSError{Code: ErrCodeDirectoryNotEmpty}
	ErrNotDirectory         = &FSError{Code: ErrCodeNotDirectory}
	ErrIsDirectory          = &FSError{Code: ErrCodeIsDirectory}
	ErrUnsupportedOperation = &FSError{Code: ErrCodeUnsupportedOperation}
	ErrInvalidPayloadType   = &FSError{Code: ErrCodeInvalidPayloadType}
	ErrPathInvalid          = &FSError{Code: ErrCodePathInvalid}
	ErrSession              = &FSError{Code: ErrCodeSessionError}
	ErrHandleClosed         = &FSError{Code: ErrCodeHandleClosed}
	ErrUnknownScheme        = &FSError{Code: ErrCodeUnknownScheme}
)

// FSError represents a structured error with context and metadata.
type FSError struct {
	Code     ErrorCode
	Category ErrorCategory
	Message  string

	// Path is the normalized path the operation was acting on, if any.
	Path string

	Context   map[string]string
	Cause     error
	Timestamp time.Time

	Component string
	Operation string

	// Retryable is a hint for callers. The adapter itself never retries.
	Retryable bool
}

// Error implements the error interface.
func (e *FSError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %q)", e.Path)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *FSError) Unwrap() error {
	return e.Cause
}

// Is matches another FSError by code. NotFound and AlreadyExists also match
// the io/fs sentinels so generic callers can use fs.ErrNotExist checks.
func (e *FSError) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e.Code == ErrCodeNotFound
	case fs.ErrExist:
		return e.Code == ErrCodeAlreadyExists
	case fs.ErrInvalid:
		return e.Code == ErrCodePathInvalid || e.Code == ErrCodeInvalidArgument
	case fs.ErrClosed:
		return e.Code == ErrCodeHandleClosed
	}
	t, ok := target.(*FSError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new structured error with category defaults filled in.
func NewError(code ErrorCode, message string) *FSError {
	return &FSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Context:   make(map[string]string),
		Timestamp: time.Now(),
		Retryable: false,
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *FSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory returns the category for an error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNotFound, ErrCodeAlreadyExists, ErrCodeMissingParent, ErrCodeDirectoryNotEmpty,
		ErrCodeNotDirectory, ErrCodeIsDirectory, ErrCodePermissionDenied, ErrCodeUnsupportedOperation:
		return CategoryNamespace
	case ErrCodeInvalidPayloadType, ErrCodePathInvalid, ErrCodeInvalidArgument:
		return CategoryValidation
	case ErrCodeSessionError, ErrCodeHandleClosed:
		return CategorySession
	case ErrCodeConfigInvalid, ErrCodeUnknownScheme:
		return CategoryConfiguration
	default:
		return CategoryInternal
	}
}

// WithContext adds contextual information to an error
func (e *FSError) WithContext(key, value string) *FSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *FSError) WithComponent(component string) *FSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *FSError) WithOperation(operation string) *FSError {
	e.Operation = operation
	return e
}

// WithPath sets the path for an error
func (e *FSError) WithPath(path string) *FSError {
	e.Path = path
	return e
}

// WithCause sets the underlying cause
func (e *FSError) WithCause(cause error) *FSError {
	e.Cause = cause
	return e
}

// GetCode extracts the error code from err, or "" if err carries none.
func GetCode(err error) ErrorCode {
	var fe *FSError
	if stderr.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err (or anything it wraps) carries code.
func IsCode(err error, code ErrorCode) bool {
	return stderr.Is(err, &FSError{Code: code})
}

// Wrap converts an arbitrary error into an FSError. Existing FSErrors are
// returned unchanged so their code survives re-wrapping.
func Wrap(err error, code ErrorCode, message string) *FSError {
	if err == nil {
		return nil
	}
	var fe *FSError
	if stderr.As(err, &fe) {
		return fe
	}
	return NewError(code, message).WithCause(err)
}

// Session builds a SessionError preserving cause.
func Session(operation string, cause error) *FSError {
	return NewError(ErrCodeSessionError, "storage session failure").
		WithOperation(operation).
		WithCause(cause)
}

// Is and As re-export the standard library helpers so callers need one import.
func Is(err, target error) bool { return stderr.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderr.As(err, target) }
