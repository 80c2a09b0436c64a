// Package postgres provides the Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements jobs.Store on Postgres. ApplyTransition serializes per
// job with SELECT FOR UPDATE, which keeps Seq gapless under concurrent
// writers without table-level locking.
type Store struct {
	pool  pgxPool
	clock jobs.Clock
}

// NewStore connects a pool and returns a Store.
func NewStore(ctx context.Context, cfg Config, clock jobs.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, clock: clock}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for testing).
func NewStoreWithPool(pool pgxPool, clock jobs.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the jobs tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	crawler_type TEXT NOT NULL,
	priority INT NOT NULL,
	state TEXT NOT NULL,
	seq BIGINT NOT NULL,
	targets JSONB NOT NULL,
	config BYTEA,
	config_type TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	result BYTEA,
	result_content_type TEXT NOT NULL DEFAULT '',
	error_text TEXT NOT NULL DEFAULT '',
	tags JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (state);
CREATE TABLE IF NOT EXISTS job_transitions (
	job_id TEXT NOT NULL REFERENCES jobs (id),
	seq BIGINT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL,
	at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, seq)
);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const jobColumns = `id, owner_id, crawler_type, priority, state, seq, targets, config,
	config_type, cancel_requested, result, result_content_type, error_text, tags,
	created_at, updated_at`

// CreateJob inserts the job in pending state with seq 0 and records the
// creation transition in the same transaction.
func (s *Store) CreateJob(ctx context.Context, job jobs.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required: %w", jobs.ErrInvalidInput)
	}
	targetsJSON, err := json.Marshal(job.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	tagsJSON, err := json.Marshal(job.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO jobs (id, owner_id, crawler_type, priority, state, seq, targets, config,
	config_type, tags, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $10)`,
		job.ID, job.OwnerID, string(job.CrawlerType), int(job.Priority),
		string(jobs.StatePending), targetsJSON, job.Config, job.ConfigType,
		tagsJSON, createdAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("job %s already exists: %w", job.ID, jobs.ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO job_transitions (job_id, seq, from_state, to_state, at)
VALUES ($1, 0, '', $2, $3)`,
		job.ID, string(jobs.StatePending), createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert creation transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

// GetJob returns the current snapshot of one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.Job{}, fmt.Errorf("job %s: %w", jobID, jobs.ErrNotFound)
		}
		return jobs.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs pages jobs newest first with optional owner and state filters.
func (s *Store) ListJobs(ctx context.Context, q jobs.ListQuery) ([]jobs.Job, error) {
	state := ""
	if q.State != nil {
		state = string(*q.State)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE ($1 = '' OR owner_id = $1)
  AND ($2 = '' OR state = $2)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`,
		q.OwnerID, state, limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs rows: %w", err)
	}
	return out, nil
}

// ListTransitions returns the full history of one job ordered by seq.
func (s *Store) ListTransitions(ctx context.Context, jobID string) ([]jobs.Transition, error) {
	rows, err := s.pool.Query(ctx, `
SELECT job_id, seq, from_state, to_state, at
FROM job_transitions
WHERE job_id = $1
ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []jobs.Transition
	for rows.Next() {
		var tr jobs.Transition
		var from, to string
		if err := rows.Scan(&tr.JobID, &tr.Seq, &from, &to, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		tr.From = jobs.State(from)
		tr.To = jobs.State(to)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transitions rows: %w", err)
	}
	if len(out) == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ApplyTransition advances the job under a row lock iff its current state
// matches fromExpected and the edge is legal.
func (s *Store) ApplyTransition(
	ctx context.Context,
	jobID string,
	fromExpected, to jobs.State,
	outcome *jobs.Outcome,
) (jobs.Job, jobs.Transition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return jobs.Job{}, jobs.Transition{}, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.Job{}, jobs.Transition{}, fmt.Errorf("job %s: %w", jobID, jobs.ErrNotFound)
		}
		return jobs.Job{}, jobs.Transition{}, fmt.Errorf("lock job: %w", err)
	}
	if job.State != fromExpected {
		return jobs.Job{}, jobs.Transition{}, fmt.Errorf(
			"job %s is %s, expected %s: %w", jobID, job.State, fromExpected, jobs.ErrConflict)
	}
	if !jobs.CanTransition(fromExpected, to) {
		return jobs.Job{}, jobs.Transition{}, fmt.Errorf(
			"transition %s -> %s: %w", fromExpected, to, jobs.ErrIllegalTransition)
	}

	now := s.clock.Now()
	job.State = to
	job.Seq++
	job.UpdatedAt = now
	if outcome != nil && jobs.IsTerminal(to) {
		job.Outcome = *outcome
	}

	_, err = tx.Exec(ctx, `
UPDATE jobs
SET state = $2, seq = $3, result = $4, result_content_type = $5, error_text = $6, updated_at = $7
WHERE id = $1`,
		jobID, string(to), job.Seq,
		job.Outcome.Result, job.Outcome.ContentType, job.Outcome.ErrorText, now,
	)
	if err != nil {
		return jobs.Job{}, jobs.Transition{}, fmt.Errorf("update job: %w", err)
	}

	tr := jobs.Transition{JobID: jobID, Seq: job.Seq, From: fromExpected, To: to, At: now}
	_, err = tx.Exec(ctx, `
INSERT INTO job_transitions (job_id, seq, from_state, to_state, at)
VALUES ($1, $2, $3, $4, $5)`,
		jobID, tr.Seq, string(tr.From), string(tr.To), tr.At,
	)
	if err != nil {
		return jobs.Job{}, jobs.Transition{}, fmt.Errorf("insert transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return jobs.Job{}, jobs.Transition{}, fmt.Errorf("commit transition: %w", err)
	}
	return job, tr, nil
}

// SetCancelRequested flips the cancellation flag and returns the job as of
// the flag being set.
func (s *Store) SetCancelRequested(ctx context.Context, jobID string) (jobs.Job, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE jobs
SET cancel_requested = TRUE, updated_at = $2
WHERE id = $1
RETURNING `+jobColumns, jobID, s.clock.Now())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.Job{}, fmt.Errorf("job %s: %w", jobID, jobs.ErrNotFound)
		}
		return jobs.Job{}, fmt.Errorf("set cancel requested: %w", err)
	}
	return job, nil
}

// CountByState aggregates job counts for the stats surface.
func (s *Store) CountByState(ctx context.Context) (map[jobs.State]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	out := make(map[jobs.State]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		out[jobs.State(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (jobs.Job, error) {
	var job jobs.Job
	var crawlerType, state string
	var priority int
	var targetsJSON, tagsJSON []byte
	err := row.Scan(
		&job.ID, &job.OwnerID, &crawlerType, &priority, &state, &job.Seq,
		&targetsJSON, &job.Config, &job.ConfigType, &job.CancelRequested,
		&job.Outcome.Result, &job.Outcome.ContentType, &job.Outcome.ErrorText,
		&tagsJSON, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return jobs.Job{}, err
	}
	job.CrawlerType = jobs.CrawlerType(crawlerType)
	job.Priority = jobs.Priority(priority)
	job.State = jobs.State(state)
	if len(targetsJSON) > 0 {
		if err := json.Unmarshal(targetsJSON, &job.Targets); err != nil {
			return jobs.Job{}, fmt.Errorf("unmarshal targets: %w", err)
		}
	}
	if len(tagsJSON) > 0 && string(tagsJSON) != "null" {
		if err := json.Unmarshal(tagsJSON, &job.Tags); err != nil {
			return jobs.Job{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return job, nil
}
