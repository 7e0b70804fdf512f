package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/taskmesh/logging"
)

// Coordinator runs registered handlers phase by phase. Handlers in the
// same phase run concurrently.
type Coordinator struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool
	done     chan struct{}
	err      error
	result   *Result

	signals chan os.Signal
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Coordinator{
		config:  config,
		log:     logger.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler in the given phase.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers a function in the given phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// RegisterStop registers a context-free Stop or Close method.
func (c *Coordinator) RegisterStop(name string, phase int, stop func() error) {
	c.RegisterWithPhase(name, Stopper(stop), phase)
}

// Shutdown runs every handler once. A second call while the first is
// running returns ErrAlreadyShutdown; a call after completion returns
// the first call's error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		default:
			return ErrAlreadyShutdown
		}
	}
	c.started = true
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	result := c.run(ctx, handlers)

	c.mu.Lock()
	c.result = result
	c.err = result.Err
	c.mu.Unlock()
	close(c.done)

	return result.Err
}

// ShutdownWithTimeout runs Shutdown with a deadline. Zero means the
// configured Timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-c.signals:
			c.log.Info("signal_received", map[string]interface{}{
				"signal": sig.String(),
			})
			_ = c.ShutdownWithTimeout(c.config.Timeout)
		case <-c.done:
		}
		signal.Stop(c.signals)
	}()
}

// Trigger behaves like receiving SIGTERM.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the detailed result once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	c.log.Info("shutdown_started", map[string]interface{}{
		"handlers": len(handlers),
	})

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	var failed []string

	finish := func(err error) *Result {
		result.Err = err
		result.TotalDuration = time.Since(start)
		fields := map[string]interface{}{
			"duration_ms": result.TotalDuration.Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
			c.log.Error("shutdown_complete", fields)
		} else {
			c.log.Info("shutdown_complete", fields)
		}
		return result
	}

	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}

		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil {
				failed = append(failed, hr.Name)
			}
		}

		if len(failed) > 0 && c.config.StopOnError {
			break
		}
	}

	if len(failed) > 0 {
		return finish(fmt.Errorf("%w: %s", ErrHandlerFailed, strings.Join(failed, ", ")))
	}
	return finish(nil)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, reg := range group {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[idx] = hr

			fields := map[string]interface{}{
				"handler":     r.name,
				"phase":       r.phase,
				"duration_ms": hr.Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.log.Warn("shutdown_step", fields)
			} else {
				c.log.Debug("shutdown_step", fields)
			}

			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted handlers into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
