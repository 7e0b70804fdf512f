package agent

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/heartbeat"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/tasks"
	"github.com/vinayprograms/taskmesh/telemetry"
)

// Common errors.
var (
	ErrAlreadyStarted = stderrors.New("agent already started")
	ErrDuplicateType  = stderrors.New("task type already handled")
	ErrInvalidConfig  = stderrors.New("invalid configuration")
)

// HandlerFunc processes one task. Returned data is sent with the result
// whether or not err is nil.
type HandlerFunc func(ctx context.Context, task tasks.Task) (map[string]interface{}, error)

// Config configures an Agent.
type Config struct {
	Bus bus.MessageBus

	// Service is the agent's logical name. Required.
	Service string

	Version string

	// AgentID defaults to <service>-<uuid>.
	AgentID string

	// Queue joins task subjects as a queue group when the bus supports it.
	Queue string

	// HeartbeatInterval defaults to 5 seconds.
	HeartbeatInterval time.Duration

	// MaxInFlight caps concurrently running handlers per task type.
	// Default: 64
	MaxInFlight int

	// DisableClaims stops the agent publishing task.claim.
	DisableClaims bool

	// Tracer defaults to the global tracer.
	Tracer *telemetry.Tracer

	Logger *logging.Logger
}

type route struct {
	taskType string
	fn       HandlerFunc
	tools    []heartbeat.Tool
	schemas  []payloadSchema
}

// Agent runs task handlers and keeps itself visible to the coordinator.
type Agent struct {
	bus         bus.MessageBus
	id          string
	queue       string
	maxInFlight int
	claims      bool
	tracer      *telemetry.Tracer
	log         *logging.Logger
	sender      *heartbeat.Sender

	mu     sync.Mutex
	routes []route
	subs   []bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent. Register handlers with Handle before Start.
func New(cfg Config) (*Agent, error) {
	if cfg.Bus == nil || cfg.Service == "" {
		return nil, ErrInvalidConfig
	}

	id := cfg.AgentID
	if id == "" {
		id = cfg.Service + "-" + uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}

	sender, err := heartbeat.NewSender(heartbeat.SenderConfig{
		Bus:      cfg.Bus,
		AgentID:  id,
		Service:  cfg.Service,
		Version:  cfg.Version,
		Interval: cfg.HeartbeatInterval,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Agent{
		bus:         cfg.Bus,
		id:          id,
		queue:       cfg.Queue,
		maxInFlight: cfg.MaxInFlight,
		claims:      !cfg.DisableClaims,
		tracer:      tracer,
		log:         logger.WithComponent("agent"),
		sender:      sender,
	}, nil
}

// ID returns the agent id used in heartbeats and claims.
func (a *Agent) ID() string {
	return a.id
}

// Heartbeat exposes the agent's sender, e.g. to attach metadata.
func (a *Agent) Heartbeat() *heartbeat.Sender {
	return a.sender
}

// Handle registers fn for tasks of taskType and advertises tools for it.
// A tool's InputSchema is enforced: payloads that fail it get an error
// result without fn being called.
func (a *Agent) Handle(taskType string, fn HandlerFunc, tools ...heartbeat.Tool) error {
	if err := tasks.ValidateType(taskType); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("handler for %q is nil", taskType)
	}
	schemas, err := compileSchemas(tools)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.subs != nil {
		return ErrAlreadyStarted
	}
	for _, r := range a.routes {
		if r.taskType == taskType {
			return fmt.Errorf("%w: %s", ErrDuplicateType, taskType)
		}
	}
	a.routes = append(a.routes, route{taskType: taskType, fn: fn, tools: tools, schemas: schemas})
	return nil
}

// Start subscribes to every handled task subject and starts heartbeats.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.subs != nil {
		return ErrAlreadyStarted
	}

	var tools []heartbeat.Tool
	for _, r := range a.routes {
		tools = append(tools, r.tools...)
	}
	a.sender.SetTools(tools)

	ctx, cancel := context.WithCancel(ctx)
	subs := make([]bus.Subscription, 0, len(a.routes))
	for _, r := range a.routes {
		sub, err := a.subscribe(tasks.Subject(r.taskType))
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			cancel()
			return fmt.Errorf("subscribe %s: %w", tasks.Subject(r.taskType), err)
		}
		subs = append(subs, sub)

		a.wg.Add(1)
		go func(sub bus.Subscription, r route) {
			defer a.wg.Done()
			bus.Serve(ctx, sub, func(ctx context.Context, msg *bus.Message) {
				a.process(ctx, msg, r)
			}, bus.ServeOptions{MaxInFlight: a.maxInFlight})
		}(sub, r)
	}

	if err := a.sender.Start(ctx); err != nil {
		for _, s := range subs {
			s.Unsubscribe()
		}
		cancel()
		a.wg.Wait()
		return err
	}

	a.subs = subs
	a.cancel = cancel
	a.log.Info("agent_started", map[string]interface{}{
		"agent": a.id,
		"types": len(a.routes),
		"tools": len(tools),
	})
	return nil
}

func (a *Agent) subscribe(subject string) (bus.Subscription, error) {
	if a.queue == "" {
		return a.bus.Subscribe(subject)
	}
	sub, err := a.bus.QueueSubscribe(subject, a.queue)
	if stderrors.Is(err, bus.ErrUnsupported) {
		a.log.Warn("queue_unsupported", map[string]interface{}{
			"subject": subject,
			"queue":   a.queue,
		})
		return a.bus.Subscribe(subject)
	}
	return sub, err
}

// Stop stops heartbeats, unsubscribes and waits for running handlers.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.subs == nil {
		return nil
	}

	if err := a.sender.Stop(); err != nil && err != heartbeat.ErrNotStarted {
		a.log.Warn("heartbeat_stop_failed", map[string]interface{}{"error": err.Error()})
	}

	var firstErr error
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.wg.Wait()
	a.cancel()

	a.subs = nil
	a.cancel = nil
	return firstErr
}

func (a *Agent) process(ctx context.Context, msg *bus.Message, r route) {
	var task tasks.Task
	if err := json.Unmarshal(msg.Data, &task); err != nil || task.ID == "" {
		a.log.MessageDropped(msg.Subject, "malformed task", err)
		return
	}

	ctx, span := a.tracer.StartJobSpan(ctx, telemetry.SpanAgentTask, telemetry.JobAttrs{
		ID:      task.ID,
		Type:    task.Type,
		AgentID: a.id,
	})

	if a.claims {
		a.publish(tasks.SubjectClaim, tasks.Claim{TaskID: task.ID, AgentID: a.id})
	}

	var data map[string]interface{}
	err := checkPayload(r.schemas, task.Payload)
	if err == nil {
		data, err = a.run(ctx, r.fn, task)
	}

	result := tasks.Result{TaskID: task.ID, Status: tasks.ResultSuccess, Data: data}
	if err != nil {
		result.Status = tasks.ResultError
		result.Error = err.Error()
	}
	a.publish(tasks.SubjectResult, result)

	a.log.Debug("task_done", map[string]interface{}{
		"job":    task.ID,
		"type":   task.Type,
		"status": string(result.Status),
	})
	telemetry.EndSpan(span, err)
}

// run calls fn and turns a panic into an error result.
func (a *Agent) run(ctx context.Context, fn HandlerFunc, task tasks.Task) (data map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, task)
}

func (a *Agent) publish(subject string, v interface{ Marshal() ([]byte, error) }) {
	data, err := v.Marshal()
	if err == nil {
		err = a.bus.Publish(subject, data)
	}
	if err != nil {
		a.log.Error("publish_failed", map[string]interface{}{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}
