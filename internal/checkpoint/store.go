// Package checkpoint persists per-job replication progress. The store is
// the only global mutable state in the engine: one writer per job, and the
// cursor only ever advances through an atomic chunk commit.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Store is a Postgres-backed checkpoint store.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// NewStore wraps a pgx pool.
func NewStore(pool *pgxpool.Pool, log *logrus.Entry) *Store {
	return &Store{pool: pool, log: log}
}

// EnsureSchema creates the checkpoint tables when missing. The jobs table
// is last-write-wins per identity; the history table is append-only, one
// row per committed chunk.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS replication_jobs (
			id                     BIGSERIAL PRIMARY KEY,
			resource_type          TEXT NOT NULL,
			range_start            TIMESTAMPTZ NOT NULL,
			range_end              TIMESTAMPTZ NOT NULL,
			last_cursor            TEXT NOT NULL DEFAULT '',
			status                 TEXT NOT NULL DEFAULT 'pending',
			rows_processed         BIGINT NOT NULL DEFAULT 0,
			last_chunk_duration_ms BIGINT NOT NULL DEFAULT 0,
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (resource_type, range_start, range_end)
		)`,
		`CREATE TABLE IF NOT EXISTS replication_job_history (
			id           BIGSERIAL PRIMARY KEY,
			job_id       BIGINT NOT NULL REFERENCES replication_jobs(id),
			sequence     INT NOT NULL,
			api_calls    INT NOT NULL,
			retries      INT NOT NULL DEFAULT 0,
			row_count    BIGINT NOT NULL,
			duration_ms  BIGINT NOT NULL,
			start_cursor TEXT NOT NULL,
			end_cursor   TEXT NOT NULL,
			committed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure checkpoint schema: %w", err)
		}
	}
	return nil
}

// LoadJob returns the last committed state for an identity, or nil when no
// job exists yet.
func (s *Store) LoadJob(ctx context.Context, id Identity) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, last_cursor, status, rows_processed, last_chunk_duration_ms, updated_at
		FROM replication_jobs
		WHERE resource_type = $1 AND range_start = $2 AND range_end = $3`,
		id.Resource, id.RangeStart, id.RangeEnd)

	job := &Job{Identity: id}
	var status string
	err := row.Scan(&job.ID, &job.LastCursor, &status, &job.RowsProcessed, &job.LastChunkDurationMs, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id.Key(), err)
	}
	job.Status = Status(status)
	return job, nil
}

// CreateJob inserts a pending job row for a new identity. Safe to call
// concurrently; the existing row wins.
func (s *Store) CreateJob(ctx context.Context, id Identity) (*Job, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO replication_jobs (resource_type, range_start, range_end, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resource_type, range_start, range_end) DO NOTHING`,
		id.Resource, id.RangeStart, id.RangeEnd, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", id.Key(), err)
	}
	job, err := s.LoadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("create job %s: row not visible after insert", id.Key())
	}
	return job, nil
}

// CommitChunk atomically advances the job past one committed chunk: cursor,
// counts, status and the history row apply together or not at all. The
// update is guarded on the chunk's start cursor so a stale writer cannot
// regress a checkpoint.
func (s *Store) CommitChunk(ctx context.Context, chunk Chunk, status Status) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE replication_jobs
		SET last_cursor = $1,
		    status = $2,
		    rows_processed = rows_processed + $3,
		    last_chunk_duration_ms = $4,
		    updated_at = now()
		WHERE id = $5 AND last_cursor = $6`,
		chunk.EndCursor, string(status), chunk.Rows,
		chunk.Duration.Milliseconds(), chunk.JobID, chunk.StartCursor)
	if err != nil {
		return fmt.Errorf("commit chunk %d/%d: %w", chunk.JobID, chunk.Sequence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commit chunk %d/%d: cursor moved underneath us, refusing to regress", chunk.JobID, chunk.Sequence)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO replication_job_history
			(job_id, sequence, api_calls, retries, row_count, duration_ms, start_cursor, end_cursor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		chunk.JobID, chunk.Sequence, chunk.APICalls, chunk.Retries, chunk.Rows,
		chunk.Duration.Milliseconds(), chunk.StartCursor, chunk.EndCursor)
	if err != nil {
		return fmt.Errorf("record chunk history %d/%d: %w", chunk.JobID, chunk.Sequence, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunk %d/%d: %w", chunk.JobID, chunk.Sequence, err)
	}

	s.log.WithFields(logrus.Fields{
		"job":      chunk.JobID,
		"sequence": chunk.Sequence,
		"rows":     chunk.Rows,
		"cursor":   chunk.EndCursor,
	}).Debug("chunk committed")
	return nil
}

// ResetCursor clears a job's cursor and counters so the next run
// re-extracts the window from the beginning. Replaying committed rows is
// safe: staging and merge both upsert by natural id.
func (s *Store) ResetCursor(ctx context.Context, jobID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE replication_jobs
		SET last_cursor = '', status = $1, rows_processed = 0, updated_at = now()
		WHERE id = $2`,
		string(StatusPending), jobID)
	if err != nil {
		return fmt.Errorf("reset cursor for job %d: %w", jobID, err)
	}
	return nil
}

// SetStatus updates only the job status, leaving the cursor untouched.
// Used for run start (running) and terminal failure reporting.
func (s *Store) SetStatus(ctx context.Context, jobID int64, status Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE replication_jobs SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), jobID)
	if err != nil {
		return fmt.Errorf("set job %d status %s: %w", jobID, status, err)
	}
	return nil
}

// ListJobs returns all known jobs, most recently updated first.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, resource_type, range_start, range_end, last_cursor, status,
		       rows_processed, last_chunk_duration_ms, updated_at
		FROM replication_jobs
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		var status string
		if err := rows.Scan(&job.ID, &job.Identity.Resource, &job.Identity.RangeStart,
			&job.Identity.RangeEnd, &job.LastCursor, &status,
			&job.RowsProcessed, &job.LastChunkDurationMs, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Status = Status(status)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ChunkHistory returns the committed chunks for a job in commit order.
func (s *Store) ChunkHistory(ctx context.Context, jobID int64) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, sequence, api_calls, retries, row_count, duration_ms, start_cursor, end_cursor
		FROM replication_job_history
		WHERE job_id = $1
		ORDER BY sequence`, jobID)
	if err != nil {
		return nil, fmt.Errorf("chunk history for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var durationMs int64
		if err := rows.Scan(&c.JobID, &c.Sequence, &c.APICalls, &c.Retries, &c.Rows, &durationMs,
			&c.StartCursor, &c.EndCursor); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Duration = time.Duration(durationMs) * time.Millisecond
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
