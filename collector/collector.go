package collector

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/jobs"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/tasks"
	"github.com/vinayprograms/taskmesh/telemetry"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = stderrors.New("collector already started")

// Config configures a Collector.
type Config struct {
	Store jobs.Store
	Bus   bus.MessageBus

	// Queue, when set, joins a queue group so that several coordinators
	// share the result stream instead of each handling every message.
	Queue string

	// MaxInFlight caps concurrently handled messages per subject.
	// Default: 64
	MaxInFlight int

	// Tracer defaults to the global tracer.
	Tracer *telemetry.Tracer

	Logger *logging.Logger

	// Now stamps completed_at. Default: time.Now
	Now func() time.Time
}

// Collector applies results and claims to the job store.
type Collector struct {
	store       jobs.Store
	bus         bus.MessageBus
	queue       string
	maxInFlight int
	tracer      *telemetry.Tracer
	log         *logging.Logger
	now         func() time.Time

	mu     sync.Mutex
	subs   []bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a collector.
func New(cfg Config) (*Collector, error) {
	if cfg.Store == nil || cfg.Bus == nil {
		return nil, errors.Validation("collector needs a store and a bus")
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Collector{
		store:       cfg.Store,
		bus:         cfg.Bus,
		queue:       cfg.Queue,
		maxInFlight: cfg.MaxInFlight,
		tracer:      tracer,
		log:         logger.WithComponent("collector"),
		now:         now,
	}, nil
}

// HandleResult moves the job named by r to completed or failed.
//
// Errors are NOT_FOUND for unknown jobs, CONFLICT when the job is already
// terminal and PERSISTENCE when the store fails.
func (c *Collector) HandleResult(ctx context.Context, r tasks.Result) (job *jobs.Job, err error) {
	ctx, span := c.tracer.StartJobSpan(ctx, telemetry.SpanResult, telemetry.JobAttrs{
		ID:     r.TaskID,
		Status: string(r.Status),
	})
	defer func() { telemetry.EndSpan(span, err) }()

	if err := r.Validate(); err != nil {
		return nil, err
	}

	status := jobs.StatusFailed
	if r.Succeeded() {
		status = jobs.StatusCompleted
	}

	job, err = c.store.UpdateStatus(ctx, r.TaskID, jobs.Update{
		Status:      status,
		CompletedAt: c.now(),
		Result:      r.Data,
		Error:       r.Error,
	})
	if err != nil {
		return job, storeError(r.TaskID, err)
	}

	telemetry.AnnotateJob(span, telemetry.JobAttrs{Type: job.Type, TraceID: job.TraceID})
	elapsed := time.Duration(0)
	if job.CompletedAt != nil {
		elapsed = job.CompletedAt.Sub(job.CreatedAt)
	}
	c.log.WithTraceID(job.TraceID).JobResolved(job.ID, string(job.Status), elapsed)
	return job, nil
}

// HandleClaim moves a pending job to running.
func (c *Collector) HandleClaim(ctx context.Context, cl tasks.Claim) (job *jobs.Job, err error) {
	ctx, span := c.tracer.StartJobSpan(ctx, telemetry.SpanClaim, telemetry.JobAttrs{
		ID:      cl.TaskID,
		AgentID: cl.AgentID,
	})
	defer func() { telemetry.EndSpan(span, err) }()

	job, err = c.store.UpdateStatus(ctx, cl.TaskID, jobs.Update{
		Status:    jobs.StatusRunning,
		ClaimedBy: cl.AgentID,
	})
	if err != nil {
		return job, storeError(cl.TaskID, err)
	}

	c.log.JobClaimed(job.ID, cl.AgentID)
	return job, nil
}

func storeError(id string, err error) error {
	switch {
	case stderrors.Is(err, jobs.ErrNotFound):
		return errors.NotFound(fmt.Sprintf("job %s not found", id), errors.WithJobID(id))
	case stderrors.Is(err, jobs.ErrTerminal), stderrors.Is(err, jobs.ErrInvalidTransition):
		return errors.Conflict(err.Error(), errors.WithJobID(id), errors.WithCause(err))
	default:
		return errors.Persistence("update job", err, errors.WithJobID(id))
	}
}

// Start subscribes to task.result and task.claim. Handling continues until
// Stop or ctx ends.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs != nil {
		return ErrAlreadyStarted
	}

	handlers := []struct {
		subject string
		h       bus.Handler
	}{
		{tasks.SubjectResult, c.onResult},
		{tasks.SubjectClaim, c.onClaim},
	}

	ctx, cancel := context.WithCancel(ctx)
	var subs []bus.Subscription
	for _, hs := range handlers {
		sub, err := c.subscribe(hs.subject)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			cancel()
			return fmt.Errorf("subscribe %s: %w", hs.subject, err)
		}
		subs = append(subs, sub)

		c.wg.Add(1)
		go func(sub bus.Subscription, h bus.Handler) {
			defer c.wg.Done()
			bus.Serve(ctx, sub, h, bus.ServeOptions{MaxInFlight: c.maxInFlight})
		}(sub, hs.h)
	}

	c.subs = subs
	c.cancel = cancel
	return nil
}

func (c *Collector) subscribe(subject string) (bus.Subscription, error) {
	if c.queue != "" {
		return c.bus.QueueSubscribe(subject, c.queue)
	}
	return c.bus.Subscribe(subject)
}

// Stop unsubscribes and waits for in-flight messages.
func (c *Collector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs == nil {
		return nil
	}

	var firstErr error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// Unsubscribing closes the message channels; in-flight handlers finish
	// with a live context before it is canceled.
	c.wg.Wait()
	c.cancel()

	c.subs = nil
	c.cancel = nil
	return firstErr
}

func (c *Collector) onResult(ctx context.Context, msg *bus.Message) {
	r, err := tasks.UnmarshalResult(msg.Data)
	if err != nil {
		c.log.MessageDropped(msg.Subject, "malformed result", err)
		return
	}
	if _, err := c.HandleResult(ctx, r); err != nil {
		c.drop(msg.Subject, err)
	}
}

func (c *Collector) onClaim(ctx context.Context, msg *bus.Message) {
	cl, err := tasks.UnmarshalClaim(msg.Data)
	if err != nil {
		c.log.MessageDropped(msg.Subject, "malformed claim", err)
		return
	}
	if _, err := c.HandleClaim(ctx, cl); err != nil {
		c.drop(msg.Subject, err)
	}
}

// drop logs a message that could not be applied. Conflicts are expected
// under redelivery and are logged at warn.
func (c *Collector) drop(subject string, err error) {
	switch errors.Code(err) {
	case errors.ErrCodeConflict:
		c.log.Warn("message_ignored", map[string]interface{}{
			"subject": subject,
			"job":     errors.As(err).JobID(),
			"reason":  err.Error(),
		})
	case errors.ErrCodeNotFound:
		c.log.MessageDropped(subject, "unknown job", err)
	default:
		c.log.MessageDropped(subject, "store failure", err)
	}
}
