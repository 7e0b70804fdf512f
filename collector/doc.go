// Package collector folds worker signals into job state.
//
// It consumes two subjects:
//
//	task.claim   pending -> running, records the claiming agent
//	task.result  -> completed (status "success") or failed (status "error")
//
// Messages are handled independently and may arrive in any order. The
// first terminal result wins: later results for the same job are refused
// by the store and dropped. A claim that arrives after its result is
// dropped the same way.
//
// Results for unknown jobs, and results the store fails to record, are
// logged and dropped. There is no dead-letter queue and no retry, so a
// store outage while results arrive loses those outcomes; the affected
// jobs stay pending or running.
package collector
