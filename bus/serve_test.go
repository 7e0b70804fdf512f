package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestServe_RunsHandlersConcurrently(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("task.result")

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, sub, func(ctx context.Context, msg *Message) {
			started.Done()
			<-release
		}, ServeOptions{})
	}()

	for i := 0; i < 3; i++ {
		bus.Publish("task.result", []byte("r"))
	}

	// All three handlers block at once, so none waits on another.
	waitCh := make(chan struct{})
	go func() { started.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(time.Second):
		t.Fatal("handlers did not run concurrently")
	}

	close(release)
	sub.Unsubscribe()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil on closed subscription", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServe_RespectsMaxInFlight(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("task.result")

	var running, peak int32
	var processed int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Serve(ctx, sub, func(ctx context.Context, msg *Message) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&processed, 1)
	}, ServeOptions{MaxInFlight: 2})

	for i := 0; i < 8; i++ {
		bus.Publish("task.result", []byte("r"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&processed) < 8 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&processed); got != 8 {
		t.Fatalf("processed = %d, want 8", got)
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", p)
	}
}

func TestServe_ContextCancel(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("task.result")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, sub, func(context.Context, *Message) {}, ServeOptions{})
	}()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
