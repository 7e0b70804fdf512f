package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/jobs"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/tasks"
	"github.com/vinayprograms/taskmesh/telemetry"
)

// Config configures a Dispatcher.
type Config struct {
	Store jobs.Store
	Bus   bus.MessageBus

	// Tracer defaults to the global tracer.
	Tracer *telemetry.Tracer

	Logger *logging.Logger

	// Now stamps dispatch marks. Default: time.Now
	Now func() time.Time
}

// Dispatcher submits tasks. It is safe for concurrent use.
type Dispatcher struct {
	store  jobs.Store
	bus    bus.MessageBus
	tracer *telemetry.Tracer
	log    *logging.Logger
	now    func() time.Time
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Bus == nil {
		return nil, errors.Validation("dispatcher needs a store and a bus")
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

	return &Dispatcher{
		store:  cfg.Store,
		bus:    cfg.Bus,
		tracer: tracer,
		log:    logger.WithComponent("dispatch"),
		now:    now,
	}, nil
}

// Submit validates, persists and publishes a task. The returned job is the
// persisted record; worker pickup is not awaited.
//
// When the publish fails the job is still returned, together with an
// UNAVAILABLE error naming it. It stays pending for the Relay.
func (d *Dispatcher) Submit(ctx context.Context, task tasks.Task) (job *jobs.Job, err error) {
	ctx, span := d.tracer.StartJobSpan(ctx, telemetry.SpanSubmit, telemetry.JobAttrs{
		Type:    task.Type,
		TraceID: task.ID,
	})
	defer func() { telemetry.EndSpan(span, err) }()

	if err := task.Validate(); err != nil {
		return nil, err
	}

	job, err = d.store.CreateJob(ctx, jobs.NewJob{
		Type:    task.Type,
		Config:  task.Payload,
		TraceID: task.ID,
	})
	if err != nil {
		return nil, errors.Persistence("create job", err)
	}
	telemetry.AnnotateJob(span, telemetry.JobAttrs{ID: job.ID})

	if err := d.publish(ctx, job); err != nil {
		d.log.WithTraceID(job.TraceID).Error("job_publish_failed", map[string]interface{}{
			"job":   job.ID,
			"type":  job.Type,
			"error": err.Error(),
		})
		return job, err
	}

	d.log.WithTraceID(job.TraceID).JobSubmitted(job.ID, job.Type, job.TraceID)
	return job, nil
}

// Redispatch publishes an already persisted pending job again. Jobs that
// are no longer pending are skipped.
func (d *Dispatcher) Redispatch(ctx context.Context, job *jobs.Job) (err error) {
	ctx, span := d.tracer.StartPublishSpan(ctx, telemetry.SpanRedeliver, tasks.Subject(job.Type), telemetry.JobAttrs{
		ID:      job.ID,
		Type:    job.Type,
		TraceID: job.TraceID,
	})
	defer func() { telemetry.EndSpan(span, err) }()

	if job.Status != jobs.StatusPending {
		return nil
	}

	if err := d.publish(ctx, job); err != nil {
		return err
	}

	d.log.JobRedelivered(job.ID, job.Type, d.now().Sub(job.CreatedAt))
	return nil
}

// publish sends the bus form of job and records the dispatch mark. A
// failed mark is only logged: the task is already on the bus and a later
// republish is absorbed by the terminal guard.
func (d *Dispatcher) publish(ctx context.Context, job *jobs.Job) error {
	msg := tasks.Task{
		ID:      job.ID,
		Type:    job.Type,
		Payload: job.Config,
	}
	data, err := msg.Marshal()
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInternal, "encode task", errors.WithJobID(job.ID))
	}

	subject := tasks.Subject(job.Type)
	if err := d.bus.Publish(subject, data); err != nil {
		return errors.Transport(fmt.Sprintf("publish %s", subject), err,
			errors.WithJobID(job.ID),
			errors.WithMetadata("subject", subject),
		)
	}

	at := d.now()
	if err := d.store.MarkDispatched(ctx, job.ID, at); err != nil {
		d.log.Warn("mark_dispatched_failed", map[string]interface{}{
			"job":   job.ID,
			"error": err.Error(),
		})
		return nil
	}
	job.DispatchedAt = &at
	return nil
}
