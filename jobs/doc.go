// Package jobs provides the durable job record and its stores.
//
// A Job is created pending by the dispatcher, optionally moved to running
// when a worker claims it, and resolved to completed or failed by the
// collector. The first terminal update wins; later ones get ErrTerminal.
//
// # Available Stores
//
//   - SQLiteStore: single-file SQL store (modernc.org/sqlite, no cgo)
//   - NATSStore: JetStream key-value bucket with revision-checked updates
//   - MemoryStore: in-process store for tests and single-binary runs
//
// # Dispatch intent
//
// A new job carries no dispatch mark. The dispatcher sets one after the
// task reaches the bus; PendingDispatch lists the jobs still missing it so
// a relay can publish them again.
package jobs
