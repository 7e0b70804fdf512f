// Package dispatch turns submitted tasks into durably tracked jobs and
// hands them to the bus.
//
// # Submit
//
// Submit validates the task, creates a pending job (the store generates
// the id), publishes {id, type, payload} on task.<type> using that id and
// finally marks the job dispatched. The caller's task id survives only as
// the job's trace_id.
//
//	job, err := d.Submit(ctx, tasks.Task{
//	    ID:      "client-1",
//	    Type:    "data",
//	    Payload: map[string]interface{}{"questionnaire": q},
//	})
//
// Failures map onto the errors package:
//
//	INVALID_INPUT  nothing persisted, nothing published
//	PERSISTENCE    store write failed, nothing published
//	UNAVAILABLE    job persisted, publish failed; job is returned with the error
//
// # Outbox
//
// A new job carries no dispatch mark, and the mark is only written after
// a successful publish. A job left pending and unmarked (publish failed,
// or the process died between the two writes) is picked up by the Relay
// and published again. This makes dispatch at-least-once; a duplicate
// delivery produces at most a duplicate result, which the job store's
// terminal guard discards.
//
// # Silent drops
//
// Publishing to a subject with no subscribers succeeds and the task is
// lost. The job stays pending. Detecting that needs a watchdog outside
// this package.
package dispatch
