package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store on a JetStream key-value bucket, one key per
// job. Updates are revision-checked, so two collectors racing on the same
// job cannot both win.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSStoreConfig
	now    Clock
	closed atomic.Bool
}

// NATSStoreConfig holds JetStream KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// Replicas for the bucket stream. Default: 1
	Replicas int

	// OpTimeout bounds each KV call that has no caller deadline.
	OpTimeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:    "taskmesh-jobs",
		Replicas:  1,
		OpTimeout: 5 * time.Second,
	}
}

// NewNATSStore creates or binds the bucket.
func NewNATSStore(cfg NATSStoreConfig, now Clock) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = def.Replicas
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if now == nil {
		now = time.Now
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "taskmesh job records",
		History:     1,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{kv: kv, config: cfg, now: now}, nil
}

func (s *NATSStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

// CreateJob stores a pending job. kv.Create fails if the key exists, so a
// uuid collision can never overwrite another job.
func (s *NATSStore) CreateJob(ctx context.Context, nj NewJob) (*Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	job := newJob(nj, s.now())
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	if _, err := s.kv.Create(ctx, job.ID, data); err != nil {
		return nil, fmt.Errorf("kv create: %w", err)
	}
	return job, nil
}

// GetJob loads one job.
func (s *NATSStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	job, _, err := s.load(ctx, id)
	return job, err
}

func (s *NATSStore) load(ctx context.Context, id string) (*Job, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrInvalidKey) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("kv get: %w", err)
	}

	var job Job
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return nil, 0, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, entry.Revision(), nil
}

// UpdateStatus applies u and writes with kv.Update at the revision it read.
// A wrong-revision failure means someone else wrote first: reload and
// re-evaluate, which turns a lost race on a terminal update into ErrTerminal.
func (s *NATSStore) UpdateStatus(ctx context.Context, id string, u Update) (*Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		job, rev, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := Apply(job, u, s.now()); err != nil {
			return job, err
		}

		data, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("encode job: %w", err)
		}
		if _, err := s.kv.Update(ctx, id, data, rev); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				continue
			}
			return nil, fmt.Errorf("kv update: %w", err)
		}
		return job, nil
	}
	return nil, fmt.Errorf("update job %s: concurrent modification", id)
}

// ListJobs scans the bucket. Fine for the job volumes a single coordinator
// holds; a SQL store is the better fit for large histories.
func (s *NATSStore) ListJobs(ctx context.Context, f Filter) ([]*Job, error) {
	all, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var out []*Job
	for _, job := range all {
		if matches(job, f) {
			out = append(out, job)
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

// MarkDispatched stamps the dispatch time at the current revision.
func (s *NATSStore) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		job, rev, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		job.DispatchedAt = &at

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		if _, err := s.kv.Update(ctx, id, data, rev); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				continue
			}
			return fmt.Errorf("kv update: %w", err)
		}
		return nil
	}
	return fmt.Errorf("mark dispatched %s: concurrent modification", id)
}

// PendingDispatch lists undispatched pending jobs, oldest first.
func (s *NATSStore) PendingDispatch(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	all, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var out []*Job
	for _, job := range all {
		if needsDispatch(job, cutoff) {
			out = append(out, job)
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

func (s *NATSStore) scan(ctx context.Context) ([]*Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}

	var out []*Job
	for key := range lister.Keys() {
		job, _, err := s.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue // deleted between list and get
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Close marks the store closed. The connection belongs to the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}
