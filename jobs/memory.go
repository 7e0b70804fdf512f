package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	now    Clock
	closed bool
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now Clock) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		jobs: make(map[string]*Job),
		now:  now,
	}
}

// CreateJob inserts a pending job.
func (s *MemoryStore) CreateJob(ctx context.Context, nj NewJob) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	job := newJob(nj, s.now())
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

// GetJob returns a copy of the job.
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// UpdateStatus applies u under the store lock.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, u Update) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := job.Clone()
	if err := Apply(next, u, s.now()); err != nil {
		return job.Clone(), err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

// ListJobs returns matching jobs newest first.
func (s *MemoryStore) ListJobs(ctx context.Context, f Filter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []*Job
	for _, job := range s.jobs {
		if matches(job, f) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// MarkDispatched stamps the dispatch time.
func (s *MemoryStore) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.DispatchedAt = &at
	return nil
}

// PendingDispatch lists undispatched pending jobs, oldest first.
func (s *MemoryStore) PendingDispatch(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []*Job
	for _, job := range s.jobs {
		if needsDispatch(job, cutoff) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func matches(job *Job, f Filter) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Type != "" && job.Type != f.Type {
		return false
	}
	return true
}

func needsDispatch(job *Job, cutoff time.Time) bool {
	return job.Status == StatusPending && job.DispatchedAt == nil && !job.CreatedAt.After(cutoff)
}
