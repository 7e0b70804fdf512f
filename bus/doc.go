// Package bus provides the publish/subscribe transport shared by the
// coordinator and its worker agents.
//
// # Available Implementations
//
//   - NATSBus: production transport (core NATS, at-most-once)
//   - RedisBus: Redis PUBLISH/SUBSCRIBE, for deployments that already run Redis
//   - MemoryBus: in-process implementation for tests and single-binary runs
//   - BreakerBus: wraps any MessageBus and fails publishes fast while the
//     transport keeps erroring
//
// # Subjects
//
//	agent.heartbeat   agent -> registry
//	agent.discovery   registry -> agents
//	task.<type>       dispatcher -> agents of that class
//	task.claim        agent -> collector
//	task.result       agent -> collector
//
// # Consuming messages
//
// Serve drains a subscription and runs each message in its own goroutine, so
// one slow handler never stalls the others:
//
//	sub, _ := b.Subscribe("task.result")
//	go bus.Serve(ctx, sub, handler, bus.ServeOptions{MaxInFlight: 64})
//
// Queue groups spread one subject across the members of a worker class:
//
//	sub, _ := b.QueueSubscribe("task.data", "data-agents")
package bus
