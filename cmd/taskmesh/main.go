// Command taskmesh runs the coordinator: agent registry, task dispatcher,
// outbox relay, result collector and the HTTP API.
//
// Run: taskmesh -config taskmesh.toml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/collector"
	"github.com/vinayprograms/taskmesh/config"
	"github.com/vinayprograms/taskmesh/dispatch"
	"github.com/vinayprograms/taskmesh/httpapi"
	"github.com/vinayprograms/taskmesh/jobs"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/registry"
	"github.com/vinayprograms/taskmesh/shutdown"
	"github.com/vinayprograms/taskmesh/telemetry"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to taskmesh.toml (default: search standard paths)")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "taskmesh: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		configPath = config.Find()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New()
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.Exporter,
		PrettyPrint:    cfg.Telemetry.Pretty,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout: cfg.HTTP.ShutdownTimeout,
		Logger:  log,
	})
	coord.RegisterFunc("telemetry", shutdown.PhaseStorage, provider.Shutdown)

	msgBus, conn, err := openBus(cfg, log)
	if err != nil {
		coord.ShutdownWithTimeout(0)
		return fmt.Errorf("bus: %w", err)
	}
	coord.RegisterStop("bus", shutdown.PhaseBus, msgBus.Close)

	store, err := openStore(cfg, conn)
	if err != nil {
		coord.ShutdownWithTimeout(0)
		return fmt.Errorf("store: %w", err)
	}
	coord.RegisterStop("store", shutdown.PhaseStorage, store.Close)

	reg, err := registry.New(registry.Config{
		Bus:         msgBus,
		TTL:         cfg.Registry.TTL,
		MaxInFlight: cfg.Dispatch.MaxInFlight,
		Logger:      log,
	})
	if err != nil {
		coord.ShutdownWithTimeout(0)
		return err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Store:  store,
		Bus:    msgBus,
		Tracer: provider.Tracer(),
		Logger: log,
	})
	if err != nil {
		coord.ShutdownWithTimeout(0)
		return err
	}

	coll, err := collector.New(collector.Config{
		Store:       store,
		Bus:         msgBus,
		Queue:       cfg.Bus.Queue,
		MaxInFlight: cfg.Dispatch.MaxInFlight,
		Tracer:      provider.Tracer(),
		Logger:      log,
	})
	if err != nil {
		coord.ShutdownWithTimeout(0)
		return err
	}

	if err := reg.Start(ctx); err != nil {
		coord.ShutdownWithTimeout(0)
		return fmt.Errorf("registry: %w", err)
	}
	coord.RegisterStop("registry", shutdown.PhaseWorkers, reg.Close)

	if err := coll.Start(ctx); err != nil {
		coord.ShutdownWithTimeout(0)
		return fmt.Errorf("collector: %w", err)
	}
	coord.RegisterStop("collector", shutdown.PhaseWorkers, coll.Stop)

	if cfg.Dispatch.Outbox {
		relay := dispatch.NewRelay(dispatcher, dispatch.RelayConfig{
			Interval: cfg.Dispatch.RelayInterval,
			Grace:    cfg.Dispatch.Grace,
			Batch:    cfg.Dispatch.Batch,
			Logger:   log,
		})
		if err := relay.Start(ctx); err != nil {
			coord.ShutdownWithTimeout(0)
			return fmt.Errorf("relay: %w", err)
		}
		coord.RegisterStop("relay", shutdown.PhaseWorkers, relay.Stop)
	}

	srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewHandler(dispatcher, reg, store, version, log), log)
	if err := srv.Start(); err != nil {
		coord.ShutdownWithTimeout(0)
		return fmt.Errorf("http: %w", err)
	}
	coord.RegisterFunc("http", shutdown.PhaseIntake, srv.Shutdown)

	if cfg.Registry.RefreshOnStart {
		if err := reg.RequestRefresh(); err != nil {
			log.Warn("refresh_failed", map[string]interface{}{"error": err.Error()})
		}
	}

	log.Info("coordinator_started", map[string]interface{}{
		"version": version,
		"bus":     cfg.Bus.Driver,
		"store":   cfg.Store.Driver,
		"http":    srv.Addr(),
		"outbox":  cfg.Dispatch.Outbox,
	})

	coord.HandleSignals()

	select {
	case <-coord.Done():
	case err := <-srv.Err():
		if err != nil {
			log.Error("http_failed", map[string]interface{}{"error": err.Error()})
		}
		coord.ShutdownWithTimeout(0)
	}

	<-coord.Done()
	return coord.Err()
}

// openBus connects the configured transport and wraps it in a circuit
// breaker. The NATS connection is returned for the KV job store.
func openBus(cfg *config.Config, log *logging.Logger) (bus.MessageBus, *nats.Conn, error) {
	base := bus.Config{BufferSize: cfg.Bus.BufferSize, Logger: log}

	var (
		inner bus.MessageBus
		conn  *nats.Conn
	)

	switch cfg.Bus.Driver {
	case "nats":
		nc := bus.DefaultNATSConfig()
		nc.Config = base
		nc.URL = cfg.Bus.URL
		nc.Name = cfg.Bus.Name
		nc.ReconnectWait = cfg.Bus.ReconnectWait
		nc.MaxReconnects = cfg.Bus.MaxReconnects
		nb, err := bus.NewNATSBus(nc)
		if err != nil {
			return nil, nil, err
		}
		inner, conn = nb, nb.Conn()
	case "redis":
		rc := bus.DefaultRedisConfig()
		rc.Config = base
		rc.Addr = cfg.Bus.RedisAddr
		rc.Password = cfg.Bus.RedisPassword
		rc.DB = cfg.Bus.RedisDB
		rb, err := bus.NewRedisBus(rc)
		if err != nil {
			return nil, nil, err
		}
		inner = rb
	default:
		inner = bus.NewMemoryBus(base)
	}

	if !cfg.Breaker.Enabled {
		return inner, conn, nil
	}
	return bus.NewBreakerBus(inner, bus.BreakerConfig{
		Name:        cfg.Bus.Driver,
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		Interval:    cfg.Breaker.Interval,
		Logger:      log,
	}), conn, nil
}

func openStore(cfg *config.Config, conn *nats.Conn) (jobs.Store, error) {
	switch cfg.Store.Driver {
	case "nats":
		sc := jobs.DefaultNATSStoreConfig()
		sc.Conn = conn
		sc.Bucket = cfg.Store.Bucket
		sc.Replicas = cfg.Store.Replicas
		return jobs.NewNATSStore(sc, nil)
	case "memory":
		return jobs.NewMemoryStore(nil), nil
	default:
		return jobs.NewSQLiteStore(cfg.Store.Path, nil)
	}
}
