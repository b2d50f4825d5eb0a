package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for ragd.
// It carries a stable code, category, and retryability so the indexing
// pipeline can decide between abort (validation) and retry (provider,
// storage) without string matching.
type Error struct {
	// Code is the unique error code (e.g., "ERR_402_CONTENT_TOO_LARGE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Validation, Provider, Storage, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ValidationError creates a validation error. Validation errors are fatal
// for the document being indexed and are never retried.
func ValidationError(message string, cause error) *Error {
	return New(ErrCodeInvalidInput, message, cause)
}

// ProviderError creates an embedding provider error. Retryable.
func ProviderError(message string, cause error) *Error {
	return New(ErrCodeEmbeddingFailed, message, cause)
}

// StorageError creates a persistence error. Retryable.
func StorageError(message string, cause error) *Error {
	return New(ErrCodeStorageWrite, message, cause)
}

// TimeoutError creates a timeout error. Timeouts are treated as provider
// errors: the job is abandoned and retried on a later scheduler pass.
func TimeoutError(message string, cause error) *Error {
	return New(ErrCodeProviderTimeout, message, cause)
}

// IsRetryable checks if an error is retryable.
// Walks the error chain looking for a structured Error.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsValidation checks if an error belongs to the validation category.
func IsValidation(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category == CategoryValidation
	}
	return false
}

// GetCode extracts the error code from a structured Error.
// Returns empty string for plain errors.
func GetCode(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetCategory extracts the category from a structured Error.
// Returns empty string for plain errors.
func GetCategory(err error) Category {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category
	}
	return ""
}
