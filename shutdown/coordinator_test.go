package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/taskmesh/logging"
)

// TestShutdownSingleHandler tests basic shutdown with one handler.
func TestShutdownSingleHandler(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	called := false
	coord.RegisterFunc("store", PhaseStorage, func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected handler to be called")
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}

	result := coord.Result()
	if result == nil || len(result.Results) != 1 {
		t.Fatalf("expected 1 result, got %+v", result)
	}
	if result.Results[0].Name != "store" || result.Results[0].Phase != PhaseStorage {
		t.Errorf("unexpected result: %+v", result.Results[0])
	}
	if result.Failed() {
		t.Error("expected result.Failed() to be false")
	}
}

// TestPhaseOrder tests that the coordinator's phases run intake first and
// storage last regardless of registration order.
func TestPhaseOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	coord.RegisterStop("store", PhaseStorage, record("store"))
	coord.RegisterStop("bus", PhaseBus, record("bus"))
	coord.RegisterStop("collector", PhaseWorkers, record("collector"))
	coord.RegisterStop("http", PhaseIntake, record("http"))

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"http", "collector", "bus", "store"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

// TestSamePhaseRunsConcurrently tests that handlers sharing a phase
// overlap.
func TestSamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var active, peak atomic.Int32
	handler := func(ctx context.Context) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		active.Add(-1)
		return nil
	}

	coord.RegisterFunc("relay", PhaseWorkers, handler)
	coord.RegisterFunc("collector", PhaseWorkers, handler)
	coord.RegisterFunc("registry", PhaseWorkers, handler)

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if peak.Load() < 2 {
		t.Errorf("expected concurrent handlers, peak was %d", peak.Load())
	}
}

// TestTimeout tests that a slow handler does not hold shutdown past its
// deadline and later phases are skipped.
func TestTimeout(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	coord.RegisterStop("stuck", PhaseWorkers, func() error {
		time.Sleep(time.Second)
		return nil
	})
	var storeClosed atomic.Bool
	coord.RegisterStop("store", PhaseStorage, func() error {
		storeClosed.Store(true)
		return nil
	})

	start := time.Now()
	err := coord.ShutdownWithTimeout(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("shutdown took %v, expected to give up near the deadline", elapsed)
	}
	if storeClosed.Load() {
		t.Error("later phase should not run after the deadline")
	}

	results := coord.Result().Results
	if len(results) != 1 || !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("expected stuck handler to report the deadline, got %+v", results)
	}
}

// TestHandlerErrors tests that failures are reported by name and later
// phases still run.
func TestHandlerErrors(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	boom := errors.New("close failed")
	coord.RegisterStop("bus", PhaseBus, func() error { return boom })
	var storeClosed atomic.Bool
	coord.RegisterStop("store", PhaseStorage, func() error {
		storeClosed.Store(true)
		return nil
	})

	err := coord.ShutdownWithTimeout(5 * time.Second)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if !storeClosed.Load() {
		t.Error("expected later phase to run")
	}

	failed := coord.Result().FailedHandlers()
	if len(failed) != 1 || failed[0] != "bus" {
		t.Errorf("expected [bus], got %v", failed)
	}
	if !errors.Is(coord.Result().Results[0].Err, boom) {
		t.Errorf("expected original error, got %v", coord.Result().Results[0].Err)
	}
}

func TestStopOnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopOnError = true
	coord := NewCoordinator(cfg)

	coord.RegisterStop("bus", PhaseBus, func() error { return errors.New("close failed") })
	var storeClosed atomic.Bool
	coord.RegisterStop("store", PhaseStorage, func() error {
		storeClosed.Store(true)
		return nil
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if storeClosed.Load() {
		t.Error("expected later phase to be skipped")
	}
}

// TestDoubleShutdown tests that handlers run once and the second call
// returns the first call's error.
func TestDoubleShutdown(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var calls atomic.Int32
	coord.RegisterStop("relay", PhaseWorkers, func() error {
		calls.Add(1)
		return errors.New("relay not started")
	})

	first := coord.ShutdownWithTimeout(time.Second)
	second := coord.ShutdownWithTimeout(time.Second)

	if calls.Load() != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls.Load())
	}
	if first == nil || first != second {
		t.Errorf("expected identical errors, got %v and %v", first, second)
	}
}

func TestShutdownWhileRunning(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	release := make(chan struct{})
	entered := make(chan struct{})
	coord.RegisterFunc("slow", PhaseWorkers, func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	})

	go coord.ShutdownWithTimeout(5 * time.Second)
	<-entered

	if err := coord.Shutdown(context.Background()); !errors.Is(err, ErrAlreadyShutdown) {
		t.Errorf("expected ErrAlreadyShutdown, got %v", err)
	}
	close(release)
	<-coord.Done()
}

// TestTrigger tests that a simulated signal drives a full shutdown.
func TestTrigger(t *testing.T) {
	coord := NewCoordinator(Config{Timeout: time.Second, Logger: logging.Nop()})

	var called atomic.Bool
	coord.RegisterStop("http", PhaseIntake, func() error {
		called.Store(true)
		return nil
	})

	coord.HandleSignals()
	coord.Trigger()

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete after trigger")
	}
	if !called.Load() {
		t.Error("expected handler to run")
	}
}

func TestOnProgress(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	coord := NewCoordinator(Config{
		OnProgress: func(hr HandlerResult) {
			mu.Lock()
			seen = append(seen, hr.Name)
			mu.Unlock()
		},
	})

	coord.RegisterStop("bus", PhaseBus, func() error { return nil })
	coord.RegisterStop("store", PhaseStorage, func() error { return nil })

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(seen) != 2 || seen[0] != "bus" || seen[1] != "store" {
		t.Errorf("unexpected progress order: %v", seen)
	}
}

func TestDefaults(t *testing.T) {
	coord := NewCoordinator(Config{})
	if coord.config.Timeout != 30*time.Second {
		t.Errorf("expected 30s default timeout, got %v", coord.config.Timeout)
	}
	if coord.config.DefaultPhase != PhaseWorkers {
		t.Errorf("expected PhaseWorkers default, got %d", coord.config.DefaultPhase)
	}

	coord.Register("agent", Stopper(func() error { return nil }))
	if coord.handlers[0].phase != PhaseWorkers {
		t.Errorf("Register should use the default phase, got %d", coord.handlers[0].phase)
	}
}

func TestResultBeforeDone(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	if coord.Result() != nil {
		t.Error("expected nil result before shutdown")
	}
	if coord.Err() != nil {
		t.Error("expected nil error before shutdown")
	}
}

func TestEmptyShutdown(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if len(coord.Result().Results) != 0 {
		t.Error("expected no results")
	}
}

func TestGroupByPhase(t *testing.T) {
	regs := []registration{
		{name: "a", phase: PhaseIntake},
		{name: "b", phase: PhaseWorkers},
		{name: "c", phase: PhaseWorkers},
		{name: "d", phase: PhaseStorage},
	}

	groups := groupByPhase(regs)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if len(groups[1]) != 2 || groups[1][0].name != "b" || groups[1][1].name != "c" {
		t.Errorf("unexpected worker group: %+v", groups[1])
	}
	if groupByPhase(nil) != nil {
		t.Error("expected nil groups for no handlers")
	}
}
