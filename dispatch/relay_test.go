package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/jobs"
)

func TestRelay_Defaults(t *testing.T) {
	f := newFixture(t)
	r := NewRelay(f.d, RelayConfig{})
	def := DefaultRelayConfig()
	if r.cfg.Interval != def.Interval || r.cfg.Grace != def.Grace || r.cfg.Batch != def.Batch {
		t.Errorf("cfg = %+v, want defaults %+v", r.cfg, def)
	}
}

func TestRelay_RepublishesAfterPublishFailure(t *testing.T) {
	f := newFixture(t)
	relay := NewRelay(f.d, RelayConfig{Grace: 10 * time.Second})
	ctx := context.Background()

	f.bus.fail.Store(true)
	job, err := f.d.Submit(ctx, questionnaireTask())
	if !errors.Is(err, errors.ErrCodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	f.bus.fail.Store(false)

	sub, _ := f.bus.Subscribe("task.data")
	defer sub.Unsubscribe()

	// Inside the grace period the job is left alone.
	if n, err := relay.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early Sweep = %d, %v; want 0, nil", n, err)
	}
	expectNoMessage(t, sub)

	f.clock.Advance(11 * time.Second)
	n, err := relay.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v; want 1, nil", n, err)
	}

	published := recvTask(t, sub)
	if published.ID != job.ID {
		t.Errorf("republished id = %q, want %q", published.ID, job.ID)
	}

	stored, _ := f.store.GetJob(ctx, job.ID)
	if stored.DispatchedAt == nil {
		t.Error("dispatch mark missing after republish")
	}

	if n, _ := relay.Sweep(ctx); n != 0 {
		t.Errorf("second Sweep republished %d jobs", n)
	}
}

func TestRelay_SkipsDispatchedAndResolved(t *testing.T) {
	f := newFixture(t)
	relay := NewRelay(f.d, RelayConfig{Grace: time.Second})
	ctx := context.Background()

	// Dispatched normally.
	if _, err := f.d.Submit(ctx, questionnaireTask()); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	// Never dispatched, but a result arrived anyway.
	f.bus.fail.Store(true)
	resolved, _ := f.d.Submit(ctx, questionnaireTask())
	f.bus.fail.Store(false)
	if _, err := f.store.UpdateStatus(ctx, resolved.ID, jobs.Update{Status: jobs.StatusCompleted}); err != nil {
		t.Fatalf("UpdateStatus error: %v", err)
	}

	f.clock.Advance(time.Minute)
	if n, err := relay.Sweep(ctx); err != nil || n != 0 {
		t.Errorf("Sweep = %d, %v; want 0, nil", n, err)
	}
}

func TestRelay_StopsOnTransportError(t *testing.T) {
	f := newFixture(t)
	relay := NewRelay(f.d, RelayConfig{Grace: time.Second})
	ctx := context.Background()

	f.bus.fail.Store(true)
	for i := 0; i < 3; i++ {
		f.d.Submit(ctx, questionnaireTask())
	}
	f.clock.Advance(time.Minute)

	n, err := relay.Sweep(ctx)
	if !errors.Is(err, errors.ErrCodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if n != 0 {
		t.Errorf("sent = %d, want 0", n)
	}

	pending, _ := f.store.PendingDispatch(ctx, f.clock.Now(), 0)
	if len(pending) != 3 {
		t.Errorf("pending = %d, want 3", len(pending))
	}
}

func TestRelay_BatchLimit(t *testing.T) {
	f := newFixture(t)
	relay := NewRelay(f.d, RelayConfig{Grace: time.Second, Batch: 2})
	ctx := context.Background()

	f.bus.fail.Store(true)
	for i := 0; i < 5; i++ {
		f.d.Submit(ctx, questionnaireTask())
	}
	f.bus.fail.Store(false)
	f.clock.Advance(time.Minute)

	total := 0
	for i := 0; i < 3; i++ {
		n, err := relay.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep error: %v", err)
		}
		if n > 2 {
			t.Errorf("sweep %d sent %d, want <= 2", i, n)
		}
		total += n
	}
	if total != 5 {
		t.Errorf("total republished = %d, want 5", total)
	}
}

func TestRelay_StartStop(t *testing.T) {
	f := newFixture(t)
	relay := NewRelay(f.d, RelayConfig{Interval: 10 * time.Millisecond, Grace: time.Second})
	ctx := context.Background()

	f.bus.fail.Store(true)
	job, _ := f.d.Submit(ctx, questionnaireTask())
	f.bus.fail.Store(false)
	f.clock.Advance(time.Minute)

	sub, _ := f.bus.Subscribe("task.data")
	defer sub.Unsubscribe()

	if err := relay.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := relay.Start(ctx); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	if got := recvTask(t, sub); got.ID != job.ID {
		t.Errorf("republished id = %q, want %q", got.ID, job.ID)
	}

	if err := relay.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := relay.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestRelay_ContextCancel(t *testing.T) {
	f := newFixture(t)
	relay := NewRelay(f.d, RelayConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	relay.Start(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for relay.running.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := relay.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted after cancel, got %v", err)
	}
}
