package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	// ErrNotFound indicates the job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrTerminal indicates the job already reached completed or failed.
	ErrTerminal = errors.New("job already terminal")

	// ErrInvalidTransition indicates a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store closed")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a job in s may move to next.
//
//	pending -> running | completed | failed
//	running -> completed | failed
//
// Nothing leaves a terminal status and nothing returns to pending.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Job is the durable record of one submitted task.
type Job struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Status    Status                 `json:"status"`
	Config    map[string]interface{} `json:"config"`
	TraceID   string                 `json:"trace_id,omitempty"`
	ClaimedBy string                 `json:"claimed_by,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DispatchedAt is nil until the task has been handed to the bus.
	// A pending job with no dispatch mark is an outstanding dispatch intent.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Config = cloneMap(j.Config)
	c.Result = cloneMap(j.Result)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.DispatchedAt != nil {
		t := *j.DispatchedAt
		c.DispatchedAt = &t
	}
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// NewJob describes a job to create.
type NewJob struct {
	Type    string
	Config  map[string]interface{}
	TraceID string
}

// Update is a requested status change.
type Update struct {
	Status Status

	// CompletedAt stamps terminal transitions. Zero uses the store clock.
	CompletedAt time.Time

	// ClaimedBy records the agent on pending -> running.
	ClaimedBy string

	Result map[string]interface{}
	Error  string
}

// Filter narrows ListJobs. Zero fields match everything.
type Filter struct {
	Status Status
	Type   string
	Limit  int
}

// Store persists jobs. UpdateStatus is a conditional single-row update:
// it never overwrites a terminal job.
type Store interface {
	// CreateJob inserts a pending job with a store-generated id. The job is
	// created without a dispatch mark in the same write.
	CreateJob(ctx context.Context, nj NewJob) (*Job, error)

	// GetJob returns ErrNotFound for unknown ids.
	GetJob(ctx context.Context, id string) (*Job, error)

	// UpdateStatus applies u if the lifecycle allows it. Returns ErrNotFound,
	// ErrTerminal or ErrInvalidTransition otherwise.
	UpdateStatus(ctx context.Context, id string, u Update) (*Job, error)

	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, f Filter) ([]*Job, error)

	// MarkDispatched records that the task reached the bus.
	MarkDispatched(ctx context.Context, id string, at time.Time) error

	// PendingDispatch returns pending jobs without a dispatch mark created
	// at or before cutoff, oldest first.
	PendingDispatch(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)

	Close() error
}

// Clock returns the current time. Stores take one so tests can pin it.
type Clock func() time.Time

func newJob(nj NewJob, now time.Time) *Job {
	cfg := nj.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	return &Job{
		ID:        uuid.NewString(),
		Type:      nj.Type,
		Status:    StatusPending,
		Config:    cloneMap(cfg),
		TraceID:   nj.TraceID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Apply validates u against the job's current status and mutates job.
// Every store funnels through it so the lifecycle rules live in one place.
func Apply(job *Job, u Update, now time.Time) error {
	if job.Status.IsTerminal() {
		return ErrTerminal
	}
	if !u.Status.Valid() || !job.Status.CanTransition(u.Status) {
		return ErrInvalidTransition
	}

	job.Status = u.Status
	job.UpdatedAt = now

	switch {
	case u.Status == StatusRunning:
		job.ClaimedBy = u.ClaimedBy
	case u.Status.IsTerminal():
		at := u.CompletedAt
		if at.IsZero() {
			at = now
		}
		job.CompletedAt = &at
		job.Result = cloneMap(u.Result)
		job.Error = u.Error
	}
	return nil
}
