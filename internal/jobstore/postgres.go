package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the ingestion_jobs table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS ingestion_jobs (
    id                UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    collection_id     UUID         NOT NULL,
    status            TEXT         NOT NULL DEFAULT 'pending',
    file_handle       TEXT         NOT NULL,
    file_name         TEXT         NOT NULL DEFAULT '',
    file_size         BIGINT       NOT NULL DEFAULT 0,
    file_type         TEXT         NOT NULL DEFAULT '',
    strategy          TEXT         NOT NULL DEFAULT 'fixed_size',
    chunk_size        INTEGER      NOT NULL DEFAULT 500,
    chunk_overlap     INTEGER      NOT NULL DEFAULT 50,
    total_chunks      INTEGER      NOT NULL DEFAULT 0,
    processed_chunks  INTEGER      NOT NULL DEFAULT 0,
    failed_chunks     INTEGER      NOT NULL DEFAULT 0,
    error_message     TEXT         NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at        TIMESTAMPTZ,
    completed_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_status_created
    ON ingestion_jobs (status, created_at);

CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_collection
    ON ingestion_jobs (collection_id);
`

// jobColumns is the column list scanned by scanJob, kept in one place so
// every query stays in sync.
const jobColumns = `id, collection_id, status, file_handle, file_name, file_size, file_type,
	strategy, chunk_size, chunk_overlap, total_chunks, processed_chunks, failed_chunks,
	error_message, created_at, started_at, completed_at`

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore using the given connection pool.
// The caller is responsible for calling [PostgresStore.Migrate] to ensure
// the schema exists before issuing queries.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate executes the [Schema] DDL, creating the ingestion_jobs table and
// indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("jobstore: migrate: %w", err)
	}
	return nil
}

// Create implements [Store].
func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	const q = `
		INSERT INTO ingestion_jobs (
			collection_id, file_handle, file_name, file_size, file_type,
			strategy, chunk_size, chunk_overlap
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, status, created_at`

	err := s.pool.QueryRow(ctx, q,
		job.CollectionID, job.FileHandle, job.FileName, job.FileSize, job.FileType,
		job.Strategy, job.ChunkSize, job.ChunkOverlap,
	).Scan(&job.ID, &job.Status, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("jobstore: create: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	q := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get: %w", err)
	}
	return job, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM ingestion_jobs ORDER BY created_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list: %w", err)
	}

	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Job, error) {
		job, err := scanJob(row)
		if err != nil {
			return Job{}, err
		}
		return *job, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobstore: scan jobs: %w", err)
	}
	if jobs == nil {
		jobs = []Job{}
	}
	return jobs, nil
}

// UpdateProgress implements [Store] with a single atomic increment.
func (s *PostgresStore) UpdateProgress(ctx context.Context, id uuid.UUID, processedDelta, failedDelta, totalChunks int) error {
	const q = `
		UPDATE ingestion_jobs
		SET    processed_chunks = processed_chunks + $2,
		       failed_chunks    = failed_chunks + $3,
		       total_chunks     = CASE WHEN $4 >= 0 THEN $4 ELSE total_chunks END
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, processedDelta, failedDelta, totalChunks)
	if err != nil {
		return fmt.Errorf("jobstore: update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition implements [Store]. The current status is read under a row lock
// so concurrent transitions on the same job serialise.
func (s *PostgresStore) Transition(ctx context.Context, id uuid.UUID, status Status, errMsg string) (*Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobstore: transition: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current Status
	err = tx.QueryRow(ctx, `SELECT status FROM ingestion_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: transition: lock: %w", err)
	}
	if !current.CanTransitionTo(status) {
		return nil, illegalTransition(id, current, status)
	}

	q, args := transitionQuery(id, status, errMsg)
	job, err := scanJob(tx.QueryRow(ctx, q, args...))
	if err != nil {
		return nil, fmt.Errorf("jobstore: transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("jobstore: transition: commit: %w", err)
	}
	return job, nil
}

// transitionQuery builds the UPDATE statement applying the side effects for
// the target status, returning the full job row.
func transitionQuery(id uuid.UUID, status Status, errMsg string) (string, []any) {
	set := `status = $2`
	args := []any{id, status}
	switch status {
	case StatusProcessing:
		set += `, started_at = now()`
	case StatusCompleted, StatusCancelled:
		set += `, completed_at = now()`
	case StatusFailed:
		set += `, completed_at = now(), error_message = $3`
		args = append(args, errMsg)
	case StatusPending: // retry or re-queue
		set += `, total_chunks = 0, processed_chunks = 0, failed_chunks = 0,
		       error_message = '', started_at = NULL, completed_at = NULL`
	}
	return `UPDATE ingestion_jobs SET ` + set + ` WHERE id = $1 RETURNING ` + jobColumns, args
}

// ClaimPending implements [Store] using SKIP LOCKED so concurrent claimers
// never receive the same job.
func (s *PostgresStore) ClaimPending(ctx context.Context) (*Job, error) {
	q := `
		UPDATE ingestion_jobs
		SET    status = 'processing', started_at = now()
		WHERE  id = (
			SELECT id FROM ingestion_jobs
			WHERE  status = 'pending'
			ORDER  BY created_at
			LIMIT  1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, q))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPending
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: claim pending: %w", err)
	}
	return job, nil
}

// scanJob scans one full job row.
func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.CollectionID, &j.Status, &j.FileHandle, &j.FileName, &j.FileSize, &j.FileType,
		&j.Strategy, &j.ChunkSize, &j.ChunkOverlap, &j.TotalChunks, &j.ProcessedChunks, &j.FailedChunks,
		&j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
