package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, 5xx responses, temporary object store errors.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassHeadConflict indicates the target branch advanced concurrently.
	// It is retried only by re-reading the head and merging again.
	ErrorClassHeadConflict ErrorClass = "head_conflict"

	// ErrorClassContentConflict indicates conflicting changes or a branch name
	// collision. It is never retried and requires operator action.
	ErrorClassContentConflict ErrorClass = "content_conflict"

	// ErrorClassFatal indicates a non-recoverable error.
	// Examples: invalid spec, schema mismatch, permission denied.
	ErrorClassFatal ErrorClass = "fatal"
)

// Validate checks if the error class is valid.
func (c ErrorClass) Validate() error {
	switch c {
	case ErrorClassTransient, ErrorClassHeadConflict, ErrorClassContentConflict, ErrorClassFatal:
		return nil
	default:
		return fmt.Errorf("invalid error class: %s", c)
	}
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the branch, table or source URI involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the catalog or coordinator operation that failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewHeadConflictError creates a new head conflict error.
func NewHeadConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassHeadConflict, Message: message, Err: err, Code: ErrCodeHeadChanged}
}

// NewContentConflictError creates a new content conflict error.
func NewContentConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassContentConflict, Message: message, Err: err, Code: ErrCodeMergeConflict}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassFatal, Message: message, Err: err}
}

// NewValidationError creates a fatal error for an invalid run spec.
func NewValidationError(message string, err error) *EngineError {
	return NewFatalError(message, err).WithCode(ErrCodeValidation)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsEngineError returns the first EngineError in the chain, if any.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ClassOf returns the classification of err.
// Unclassified errors are fatal, except for deadline expiry which is transient.
func ClassOf(err error) ErrorClass {
	if e, ok := AsEngineError(err); ok {
		return e.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	return ErrorClassFatal
}

// CodeOf returns the error code of err, or the empty string.
func CodeOf(err error) string {
	if e, ok := AsEngineError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassTransient
}

// IsHeadConflict returns true if the target head moved underneath a merge.
func IsHeadConflict(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassHeadConflict
}

// IsContentConflict returns true if the error is an unmergeable content conflict.
func IsContentConflict(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassContentConflict
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassFatal
}

// IsRetryable returns true if the operation may be repeated as-is.
// Head conflicts are not included: they need a fresh head before retrying.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// IsTimeout reports whether err is a client-side timeout.
// A timeout after a remote job was accepted leaves its outcome unknown.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || HasCode(err, ErrCodeTimeout)
}

// Error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodePolicyDenied   = "POLICY_DENIED"
	ErrCodeBranchExists   = "BRANCH_EXISTS"
	ErrCodeRunExists      = "RUN_EXISTS"
	ErrCodeRefNotFound    = "REF_NOT_FOUND"
	ErrCodeTableNotFound  = "TABLE_NOT_FOUND"
	ErrCodeSchemaMismatch = "SCHEMA_MISMATCH"
	ErrCodeDuplicateFile  = "DUPLICATE_FILE"
	ErrCodeNoSourceFiles  = "NO_SOURCE_FILES"
	ErrCodeInvalidSource  = "INVALID_SOURCE"
	ErrCodePartialImport  = "PARTIAL_IMPORT"
	ErrCodeTransientIO    = "TRANSIENT_IO"
	ErrCodeQuery          = "QUERY_ERROR"
	ErrCodeMergeConflict  = "MERGE_CONFLICT"
	ErrCodeHeadChanged    = "HEAD_CHANGED"
	ErrCodeNotWritable    = "NOT_WRITABLE"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeUnknownOutcome = "UNKNOWN_OUTCOME"
	ErrCodeCanceled       = "CANCELED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// ErrBranchExists returns the error for a branch name collision.
func ErrBranchExists(name string) *EngineError {
	return NewContentConflictError("branch already exists", nil).
		WithCode(ErrCodeBranchExists).WithResource(name)
}

// ErrRunExists returns the error for a run ID that was already recorded.
func ErrRunExists(id string) *EngineError {
	return NewContentConflictError("run already exists", nil).
		WithCode(ErrCodeRunExists).WithResource(id)
}

// ErrRefNotFound returns the error for a missing branch or commit.
func ErrRefNotFound(ref string) *EngineError {
	return NewFatalError("ref not found", nil).
		WithCode(ErrCodeRefNotFound).WithResource(ref)
}

// ErrHeadChanged returns the error for an optimistic concurrency failure on merge.
func ErrHeadChanged(target, expected, actual string) *EngineError {
	return NewHeadConflictError("target head changed", nil).
		WithResource(target).
		WithDetail("expected_head", expected).
		WithDetail("actual_head", actual)
}

// ErrMergeConflict returns the error for conflicting table changes.
func ErrMergeConflict(source, target string, tables []string) *EngineError {
	return NewContentConflictError(fmt.Sprintf("cannot merge %s into %s", source, target), nil).
		WithResource(target).
		WithDetail("tables", tables)
}
