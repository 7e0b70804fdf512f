// Package heartbeat provides agent liveness signals for the task mesh.
//
// # Overview
//
// Agents periodically broadcast a heartbeat on agent.heartbeat carrying
// their identity, version and the tools they offer. The coordinator's
// registry ingests these and forgets agents that fall silent.
//
// # Architecture
//
//	┌─────────────┐      agent.heartbeat       ┌─────────────┐
//	│   Sender    │ ────────────────────────>  │  Registry   │
//	│  (Agent A)  │ <────────────────────────  │(Coordinator)│
//	└─────────────┘      agent.discovery       └─────────────┘
//
// A discovery poke asks every live sender to beat immediately instead of
// waiting for its next tick.
//
// # Usage
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      bus,
//	    AgentID:  "data-agent-7f3a",
//	    Service:  "data-agent",
//	    Version:  "1.0.0",
//	    Tools:    []heartbeat.Tool{{Name: "validate-questionnaire"}},
//	    Interval: 5 * time.Second,
//	})
//	sender.Start(ctx)
//	defer sender.Stop()
//
// # Recommendations
//
//   - Keep the registry TTL at 2-3x the heartbeat interval
//   - Advertise only tools the agent actually handles
package heartbeat
