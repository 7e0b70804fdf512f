// Package shutdown stops the coordinator's components in dependency order.
//
// # Phases
//
// Lower phases stop first; handlers sharing a phase stop concurrently.
//
//   - PhaseIntake (10): the HTTP API stops accepting submissions
//   - PhaseWorkers (20): relay, collector, registry and agents drain
//   - PhaseBus (30): the bus connection closes
//   - PhaseStorage (40): the job store closes and telemetry flushes
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Timeout: 10 * time.Second, Logger: log})
//	coord.RegisterFunc("http", shutdown.PhaseIntake, server.Shutdown)
//	coord.RegisterStop("collector", shutdown.PhaseWorkers, collector.Stop)
//	coord.RegisterStop("bus", shutdown.PhaseBus, b.Close)
//	coord.RegisterStop("store", shutdown.PhaseStorage, store.Close)
//	coord.HandleSignals()
//	<-coord.Done()
//
// A component that ignores its context is wrapped with Stopper, which
// gives up waiting once the deadline passes.
package shutdown
