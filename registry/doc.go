// Package registry keeps the coordinator's view of which agents are alive
// and which tools they advertise.
//
// # Overview
//
// The Registry never originates capability information. It learns
// everything from heartbeats on agent.heartbeat and forgets agents that
// stop sending them. Staleness is evaluated lazily: ListActive and
// FindByTool delete every entry whose last heartbeat is at least ttl old,
// so there is no background sweeper.
//
// # Basic Usage
//
//	reg, _ := registry.New(registry.Config{
//	    Bus: msgBus,
//	    TTL: 15 * time.Second,
//	})
//	reg.Start(ctx)
//	defer reg.Close()
//
//	// Ask live agents to announce themselves now.
//	reg.RequestRefresh()
//
//	for _, a := range reg.ListActive(0) {
//	    fmt.Println(a.AgentID, a.Service, len(a.Tools))
//	}
//
// # Routing
//
// The task dispatcher does not consult the registry. Tasks are routed by
// the static task.<type> subject convention; tool lists are for
// observability and clients that want to pick a type.
//
// # Time
//
// LastSeenAt is stamped with the registry's own clock when a heartbeat is
// ingested, so agent clock skew cannot keep an entry alive. The agent's
// reported timestamp is kept on the entry for display only.
package registry
