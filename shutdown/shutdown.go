package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/taskmesh/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown is returned by Shutdown while another call is
	// still running.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phases used by the coordinator process. Lower phases stop first.
const (
	// PhaseIntake stops accepting submissions (HTTP API).
	PhaseIntake = 10

	// PhaseWorkers drains the relay, collector, registry and agents.
	PhaseWorkers = 20

	// PhaseBus closes the message bus connection.
	PhaseBus = 30

	// PhaseStorage closes the job store and flushes telemetry.
	PhaseStorage = 40
)

// Handler is implemented by components that need graceful shutdown.
// The context is canceled when the shutdown timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Stopper adapts a Stop or Close method that takes no context. If ctx
// expires first the stop keeps running in the background and ctx.Err()
// is returned.
func Stopper(stop func() error) Handler {
	return HandlerFunc(func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- stop() }()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil if every handler succeeded.
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout applies to signal-triggered shutdowns and to
	// ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned by Register.
	// Default: PhaseWorkers
	DefaultPhase int

	// StopOnError skips the remaining phases after a failed handler.
	StopOnError bool

	// OnProgress is called when each handler completes.
	OnProgress func(result HandlerResult)

	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		DefaultPhase: PhaseWorkers,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
