package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Registry lookups.
var (
	// ErrInvalidID is returned for a zero-value ID.
	ErrInvalidID = errors.New("invalid resource ID")
	// ErrNotFound is returned when no item has ever occupied the ID's index.
	ErrNotFound = errors.New("resource not found")
	// ErrEpochMismatch is returned when the ID's index has been recycled
	// under a newer epoch.
	ErrEpochMismatch = errors.New("epoch mismatch: resource was recycled")
)

// ValidationError reports a validation failure against a specific field
// of a specific resource kind.
type ValidationError struct {
	Resource string
	Field    string
	Message  string
	Cause    error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s.%s: %s", e.Resource, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Resource, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ValidationError) Unwrap() error { return e.Cause }

// NewValidationError creates a ValidationError with a literal message.
func NewValidationError(resource, field, message string) *ValidationError {
	return &ValidationError{Resource: resource, Field: field, Message: message}
}

// NewValidationErrorf creates a ValidationError with a formatted message.
func NewValidationErrorf(resource, field, format string, args ...any) *ValidationError {
	return &ValidationError{Resource: resource, Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IDError reports a failure tied to a specific RawID.
type IDError struct {
	ID      RawID
	Message string
	Cause   error
}

func (e *IDError) Error() string {
	index, epoch := e.ID.Unzip()
	return fmt.Sprintf("ID(%d,%d): %s", index, epoch, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *IDError) Unwrap() error { return e.Cause }

// NewIDError creates an IDError.
func NewIDError(id RawID, message string, cause error) *IDError {
	return &IDError{ID: id, Message: message, Cause: cause}
}

// IsIDError reports whether err is or wraps an *IDError.
func IsIDError(err error) bool {
	var ie *IDError
	return errors.As(err, &ie)
}

// LimitError reports a configured limit being exceeded.
type LimitError struct {
	Resource string
	Limit    string
	Actual   uint64
	Maximum  uint64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s exceeded (got %d, max %d)", e.Resource, e.Limit, e.Actual, e.Maximum)
}

// NewLimitError creates a LimitError.
func NewLimitError(resource, limit string, actual, maximum uint64) *LimitError {
	return &LimitError{Resource: resource, Limit: limit, Actual: actual, Maximum: maximum}
}

// IsLimitError reports whether err is or wraps a *LimitError.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}
