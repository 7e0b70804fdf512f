package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the chain.
// A wrapped *Error keeps its code and category; context errors map to
// TIMEOUT and CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		wrapped := &Error{
			code:      e.code,
			category:  e.category,
			message:   message,
			cause:     err,
			metadata:  e.Metadata(),
			retryable: e.retryable,
			timestamp: e.timestamp,
			jobID:     e.jobID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As returns the first *Error in the chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Is checks if the outermost *Error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	e := As(err)
	return e != nil && e.code == code
}

// IsCategory checks if the outermost *Error in the chain has the category.
func IsCategory(err error, category ErrorCategory) bool {
	e := As(err)
	return e != nil && e.category == category
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	e := As(err)
	return e != nil && e.Retryable()
}

// Code extracts the error code, or "" for plain errors.
func Code(err error) ErrorCode {
	if e := As(err); e != nil {
		return e.code
	}
	return ""
}

// GetMetadata extracts metadata from an error, or nil for plain errors.
func GetMetadata(err error) map[string]string {
	if e := As(err); e != nil {
		return e.Metadata()
	}
	return nil
}
