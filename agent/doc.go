// Package agent is the worker-side runtime for the task mesh.
//
// An Agent advertises its tools through heartbeats, answers discovery
// pokes, and runs a handler for every task published on the subjects it
// serves. For each task it publishes a claim on task.claim, runs the
// handler and publishes the outcome on task.result.
//
//	a, _ := agent.New(agent.Config{
//	    Bus:     msgBus,
//	    Service: "data-agent",
//	    Version: "1.0.0",
//	    Queue:   "data-agent",
//	})
//	a.Handle("data", validate, heartbeat.Tool{Name: "validate_questionnaire"})
//	a.Start(ctx)
//	defer a.Stop()
//
// With Queue set, agents of the same service share each task subject
// through a queue group so a task is handled once per service. On buses
// without queue groups every agent receives every task.
//
// A handler that returns an error produces an "error" result. Any data it
// returned alongside the error is kept in the result.
package agent
