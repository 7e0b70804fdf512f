package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// maxCASAttempts bounds read-apply-write retries when a concurrent writer
// changes the row between the read and the conditional update.
const maxCASAttempts = 5

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	now    Clock
	closed atomic.Bool
}

// NewSQLiteStore opens (or creates) the database at dsn and ensures the
// jobs table exists. ":memory:" gives a private in-memory database.
func NewSQLiteStore(dsn string, now Clock) (*SQLiteStore, error) {
	if now == nil {
		now = time.Now
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite has one writer. One connection also keeps an in-memory
	// database from splitting into several.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if dsn != ":memory:" && !strings.Contains(dsn, "mode=memory") {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	s := &SQLiteStore{db: db, now: now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			type          TEXT NOT NULL,
			status        TEXT NOT NULL,
			config        TEXT NOT NULL,
			trace_id      TEXT NOT NULL DEFAULT '',
			claimed_by    TEXT NOT NULL DEFAULT '',
			result        TEXT,
			error         TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			completed_at  INTEGER,
			dispatched_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_outbox ON jobs(status, dispatched_at, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const jobColumns = `id, type, status, config, trace_id, claimed_by, result, error,
	created_at, updated_at, completed_at, dispatched_at`

// CreateJob inserts a pending job. The row is the dispatch intent: its
// dispatched_at stays NULL until MarkDispatched.
func (s *SQLiteStore) CreateJob(ctx context.Context, nj NewJob) (*Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	job := newJob(nj, s.now())
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, status, config, trace_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, string(job.Status), string(cfg), job.TraceID,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob loads one job.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// UpdateStatus reads the row, applies the lifecycle rules and writes back
// only if the status is still the one it read. Every allowed transition
// changes the status, so the status column is a sufficient version.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, u Update) (*Job, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := job.Status

		if err := Apply(job, u, s.now()); err != nil {
			return job, err
		}

		var result sql.NullString
		if job.Result != nil {
			data, err := json.Marshal(job.Result)
			if err != nil {
				return nil, fmt.Errorf("encode result: %w", err)
			}
			result = sql.NullString{String: string(data), Valid: true}
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, claimed_by = ?, result = ?, error = ?,
				updated_at = ?, completed_at = ?
			 WHERE id = ? AND status = ?`,
			string(job.Status), job.ClaimedBy, result, job.Error,
			job.UpdatedAt.UnixNano(), nullTime(job.CompletedAt),
			id, string(prev),
		)
		if err != nil {
			return nil, fmt.Errorf("update job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return job, nil
		}
	}
	return nil, fmt.Errorf("update job %s: concurrent modification", id)
}

// ListJobs returns matching jobs newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, f Filter) ([]*Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return s.queryJobs(ctx, query, args...)
}

// MarkDispatched stamps dispatched_at.
func (s *SQLiteStore) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	if s.closed.Load() {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET dispatched_at = ? WHERE id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark dispatched %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingDispatch lists undispatched pending jobs, oldest first.
func (s *SQLiteStore) PendingDispatch(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ? AND dispatched_at IS NULL AND created_at <= ?
		 ORDER BY created_at ASC LIMIT ?`,
		string(StatusPending), cutoff.UnixNano(), limit,
	)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                   Job
		status, cfg           string
		result                sql.NullString
		created, updated      int64
		completed, dispatched sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Type, &status, &cfg, &job.TraceID, &job.ClaimedBy,
		&result, &job.Error, &created, &updated, &completed, &dispatched)
	if err != nil {
		return nil, err
	}

	job.Status = Status(status)
	if err := json.Unmarshal([]byte(cfg), &job.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &job.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	job.CreatedAt = time.Unix(0, created)
	job.UpdatedAt = time.Unix(0, updated)
	job.CompletedAt = timePtr(completed)
	job.DispatchedAt = timePtr(dispatched)
	return &job, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
