package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors or bugs.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Bus transport refused or failed a publish
	ErrCodePersistence ErrorCode = "PERSISTENCE" // Job store read or write failed

	// Permanent
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Submission failed validation
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Job does not exist
	ErrCodeConflict     ErrorCode = "CONFLICT"      // Status transition refused
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED"   // Transport lacks the operation
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Context canceled

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodePersistence:
		return CategoryTransient
	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeConflict, ErrCodeUnsupported, ErrCodeCanceled:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:      "operation timed out",
	ErrCodeUnavailable:  "message bus unavailable",
	ErrCodePersistence:  "job store failure",
	ErrCodeInvalidInput: "invalid input provided",
	ErrCodeNotFound:     "job not found",
	ErrCodeConflict:     "conflicting job state",
	ErrCodeUnsupported:  "operation not supported",
	ErrCodeCanceled:     "operation canceled",
	ErrCodeInternal:     "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
