package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub-oss/tagging-service/internal/models"
)

// Store wraps pgxpool for Postgres persistence of jobs, runs, and tag
// assignments. All mutating operations run inside single-writer
// transactions so readers never observe a torn write between run creation
// and the owning job's counter bump.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertJob inserts or touches a Job row for repoID. Status is set to
// queued only on first insert; a touch never regresses an in-progress or
// terminal status.
func (s *Store) UpsertJob(ctx context.Context, repoID string) (models.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (repository_id, status, runs, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (repository_id) DO UPDATE SET updated_at = $3
		RETURNING id, repository_id, status, last_run_at, runs, created_at, updated_at
	`, repoID, models.StatusQueued, now)
	return scanJob(row)
}

// GetJobByRepositoryID fetches the canonical Job row for a repository, if any.
func (s *Store) GetJobByRepositoryID(ctx context.Context, repoID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, repository_id, status, last_run_at, runs, created_at, updated_at
		FROM jobs WHERE repository_id = $1
	`, repoID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJobByID fetches a job by its numeric primary key.
func (s *Store) GetJobByID(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, repository_id, status, last_run_at, runs, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// StartRun atomically creates a running JobRun, increments the owning job's
// runs counter, stamps last_run_at, and flips the job to running.
func (s *Store) StartRun(ctx context.Context, jobID int64) (models.JobRun, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.JobRun{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	externalID := uuid.New().String()

	var run models.JobRun
	row := tx.QueryRow(ctx, `
		INSERT INTO job_runs (external_id, job_id, status, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, external_id, job_id, status, started_at
	`, externalID, jobID, models.RunStatusRunning, now)
	if err := row.Scan(&run.ID, &run.ExternalID, &run.JobID, &run.Status, &run.StartedAt); err != nil {
		return models.JobRun{}, fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET runs = runs + 1, last_run_at = $2, status = $3, updated_at = $2
		WHERE id = $1
	`, jobID, now, models.StatusRunning); err != nil {
		return models.JobRun{}, fmt.Errorf("touch job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.JobRun{}, fmt.Errorf("commit: %w", err)
	}
	return run, nil
}

// CompleteRun seals a run with a terminal status and sets the owning job's
// status to match. A run may be completed exactly once; callers enforce the
// running -> succeeded|failed transition upstream.
func (s *Store) CompleteRun(ctx context.Context, runID int64, p models.CompleteRunParams) (models.JobRun, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.JobRun{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var run models.JobRun
	row := tx.QueryRow(ctx, `
		UPDATE job_runs
		SET status = $2, completed_at = $3, error_message = $4, prompt = $5,
		    prompt_tokens = $6, completion_tokens = $7, latency_ms = $8, raw_response = $9
		WHERE id = $1
		RETURNING id, external_id, job_id, status, started_at, completed_at, error_message,
		          prompt, prompt_tokens, completion_tokens, latency_ms, raw_response
	`, runID, p.Status, now, p.ErrorMessage, p.Prompt, p.PromptTokens, p.CompletionTokens, p.LatencyMs, p.RawResponse)
	if err := scanRunRow(row, &run); err != nil {
		return models.JobRun{}, fmt.Errorf("seal run: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1
	`, run.JobID, p.Status, now); err != nil {
		return models.JobRun{}, fmt.Errorf("update job status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.JobRun{}, fmt.Errorf("commit: %w", err)
	}
	return run, nil
}

// RecordAssignments batch-inserts tag assignments for a run inside a single
// transaction. It is a no-op for an empty slice.
func (s *Store) RecordAssignments(ctx context.Context, runID int64, inputs []models.AssignmentInput) error {
	if len(inputs) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, in := range inputs {
		batch.Queue(`
			INSERT INTO tag_assignments (job_run_id, scope, target, key, value, confidence, applied_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, runID, in.Scope, in.Target, in.Key, in.Value, in.Confidence, time.Now().UTC())
	}
	br := tx.SendBatch(ctx, batch)
	for range inputs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert assignment: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LatestSuccessfulRun returns the most recently completed successful run
// for a repository, if any.
func (s *Store) LatestSuccessfulRun(ctx context.Context, repoID string) (models.JobRun, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT r.id, r.external_id, r.job_id, r.status, r.started_at, r.completed_at, r.error_message,
		       r.prompt, r.prompt_tokens, r.completion_tokens, r.latency_ms, r.raw_response
		FROM job_runs r
		JOIN jobs j ON j.id = r.job_id
		WHERE j.repository_id = $1 AND r.status = $2
		ORDER BY r.completed_at DESC NULLS LAST
		LIMIT 1
	`, repoID, models.RunStatusSucceeded)
	var run models.JobRun
	err := scanRunRow(row, &run)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, false, nil
	}
	if err != nil {
		return models.JobRun{}, false, fmt.Errorf("latest successful run: %w", err)
	}
	return run, true, nil
}

// HasRecentSuccessfulRun reports whether a successful run exists with a
// non-null completedAt such that 0 <= now - completedAt <= maxAge. A future
// completedAt (clock skew) returns false, not true.
func (s *Store) HasRecentSuccessfulRun(ctx context.Context, repoID string, maxAge time.Duration) (bool, error) {
	run, ok, err := s.LatestSuccessfulRun(ctx, repoID)
	if err != nil || !ok || run.CompletedAt == nil {
		return false, err
	}
	age := time.Since(*run.CompletedAt)
	if age < 0 {
		return false, nil
	}
	return age <= maxAge, nil
}

// GetRunByID fetches a run by its numeric primary key.
func (s *Store) GetRunByID(ctx context.Context, id int64) (models.JobRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_id, job_id, status, started_at, completed_at, error_message,
		       prompt, prompt_tokens, completion_tokens, latency_ms, raw_response
		FROM job_runs WHERE id = $1
	`, id)
	var run models.JobRun
	if err := scanRunRow(row, &run); err != nil {
		return models.JobRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// GetAssignmentsForRun lists all tag assignments produced by a run.
func (s *Store) GetAssignmentsForRun(ctx context.Context, runID int64) ([]models.TagAssignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_run_id, scope, target, key, value, confidence, applied_at
		FROM tag_assignments WHERE job_run_id = $1 ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var out []models.TagAssignment
	for rows.Next() {
		var a models.TagAssignment
		var conf pgtype.Float8
		if err := rows.Scan(&a.ID, &a.JobRunID, &a.Scope, &a.Target, &a.Key, &a.Value, &conf, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		if conf.Valid {
			v := conf.Float64
			a.Confidence = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListRecentJobs returns up to limit jobs ordered by most recently updated.
func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, repository_id, status, last_run_at, runs, created_at, updated_at
		FROM jobs ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobs returns the count of jobs grouped by status.
func (s *Store) CountJobs(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ReapOrphanedRuns seals any run still `running` after olderThan as failed.
// Grounded on the teacher's RequeueExpired lease-reclaim pattern, applied to
// the audit store instead of the queue: a run left running past the grace
// window almost certainly means the worker process died mid-pipeline.
func (s *Store) ReapOrphanedRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM job_runs WHERE status = $1 AND started_at < $2
	`, models.RunStatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query orphaned runs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan orphaned run: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	msg := "orphaned: process restarted before run completed"
	for _, id := range ids {
		if _, err := s.CompleteRun(ctx, id, models.CompleteRunParams{
			Status:       models.RunStatusFailed,
			ErrorMessage: &msg,
		}); err != nil {
			return 0, fmt.Errorf("reap run %d: %w", id, err)
		}
	}
	return len(ids), nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var lastRun pgtype.Timestamptz
	if err := row.Scan(&j.ID, &j.RepositoryID, &j.Status, &lastRun, &j.Runs, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		j.LastRunAt = &t
	}
	return j, nil
}

func scanJobRows(rows pgx.Rows) (models.Job, error) {
	var j models.Job
	var lastRun pgtype.Timestamptz
	if err := rows.Scan(&j.ID, &j.RepositoryID, &j.Status, &lastRun, &j.Runs, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if lastRun.Valid {
		t := lastRun.Time
		j.LastRunAt = &t
	}
	return j, nil
}

func scanRunRow(row pgx.Row, run *models.JobRun) error {
	var completed pgtype.Timestamptz
	var errMsg, prompt, rawResponse pgtype.Text
	var promptTokens, completionTokens pgtype.Int4
	var latency pgtype.Int8

	if err := row.Scan(&run.ID, &run.ExternalID, &run.JobID, &run.Status, &run.StartedAt, &completed,
		&errMsg, &prompt, &promptTokens, &completionTokens, &latency, &rawResponse); err != nil {
		return err
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	run.ErrorMessage = textPtr(errMsg)
	run.Prompt = textPtr(prompt)
	run.RawResponse = textPtr(rawResponse)
	if promptTokens.Valid {
		v := int(promptTokens.Int32)
		run.PromptTokens = &v
	}
	if completionTokens.Valid {
		v := int(completionTokens.Int32)
		run.CompletionTokens = &v
	}
	if latency.Valid {
		v := latency.Int64
		run.LatencyMs = &v
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
