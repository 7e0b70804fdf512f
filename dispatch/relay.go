package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	taskerrors "github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/logging"
)

// Relay errors.
var (
	ErrAlreadyStarted = errors.New("relay already started")
	ErrNotStarted     = errors.New("relay not started")
)

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	// Interval between sweeps.
	// Default: 5 seconds
	Interval time.Duration

	// Grace leaves freshly created jobs to Submit. Only jobs older than
	// this are republished.
	// Default: 10 seconds
	Grace time.Duration

	// Batch caps jobs republished per sweep.
	// Default: 100
	Batch int

	Logger *logging.Logger
}

// DefaultRelayConfig returns configuration with sensible defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Interval: 5 * time.Second,
		Grace:    10 * time.Second,
		Batch:    100,
	}
}

// Relay republishes pending jobs that never got a dispatch mark.
type Relay struct {
	d   *Dispatcher
	cfg RelayConfig
	log *logging.Logger

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRelay creates a relay for d. Zero config fields take defaults.
func NewRelay(d *Dispatcher, cfg RelayConfig) *Relay {
	def := DefaultRelayConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = d.log
	}

	return &Relay{
		d:   d,
		cfg: cfg,
		log: logger.WithComponent("relay"),
	}
}

// Sweep republishes one batch of overdue jobs and returns how many went
// out. It stops at the first transport error since the rest would fail
// the same way.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	cutoff := r.d.now().Add(-r.cfg.Grace)

	pending, err := r.d.store.PendingDispatch(ctx, cutoff, r.cfg.Batch)
	if err != nil {
		return 0, taskerrors.Persistence("list pending dispatch", err)
	}

	sent := 0
	for _, job := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := r.d.Redispatch(ctx, job); err != nil {
			if taskerrors.Is(err, taskerrors.ErrCodeUnavailable) {
				return sent, err
			}
			r.log.Warn("redispatch_failed", map[string]interface{}{
				"job":   job.ID,
				"error": err.Error(),
			})
			continue
		}
		sent++
	}
	return sent, nil
}

// Start begins sweeping every Interval until Stop or ctx ends.
func (r *Relay) Start(ctx context.Context) error {
	if r.running.Swap(true) {
		return ErrAlreadyStarted
	}

	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.run(ctx)
	return nil
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.running.Store(false)
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Warn("sweep_failed", map[string]interface{}{
					"sent":  n,
					"error": err.Error(),
				})
			} else if n > 0 {
				r.log.Info("sweep", map[string]interface{}{"sent": n})
			}
		}
	}
}

// Stop ends the sweep loop and waits for an in-progress sweep.
func (r *Relay) Stop() error {
	if !r.running.Swap(false) {
		return ErrNotStarted
	}
	close(r.stopCh)
	<-r.doneCh
	return nil
}
