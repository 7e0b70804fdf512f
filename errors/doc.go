// Package errors provides the structured error taxonomy used by the
// dispatcher, collector, job stores and HTTP surface.
//
// # Error Categories
//
//   - Transient: retry may succeed (bus down, store unreachable, timeouts)
//   - Permanent: retry will not help (bad input, unknown job, refused transition)
//   - Internal: bugs
//
// # Codes used on the submit path
//
//   - INVALID_INPUT: the task failed validation; nothing was persisted or published
//   - PERSISTENCE: the job store write failed; nothing was published
//   - UNAVAILABLE: the job exists but the bus did not accept the task
//
// A publish that reaches zero subscribers is not an error anywhere in this
// module; the job simply stays pending.
//
// # Usage
//
//	err := errors.Validation("task type is required")
//	if errors.Is(err, errors.ErrCodeInvalidInput) { ... }
//
//	wrapped := errors.Wrap(storeErr, "create job")
//	errors.IsRetryable(wrapped)
package errors
