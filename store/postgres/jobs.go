package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pithecene-io/seam/retry"
	"github.com/pithecene-io/seam/store"
	"github.com/pithecene-io/seam/types"
)

// requeueDelay computes the next availability offset for a failed row.
// The attempt that just failed seeds the exponential curve; an upstream
// retry-after hint wins when larger.
func requeueDelay(attempt int, cfg store.Config, retryAfter time.Duration) time.Duration {
	return retry.DelayWithHint(attempt, cfg.Backoff, retryAfter)
}

const jobColumns = `job_id, interrogation_key, input_json, status, priority,
       attempt_count, max_attempts, available_utc,
       COALESCE(locked_by, ''), COALESCE(lock_expires_utc, 'epoch'::timestamptz),
       COALESCE(model_hint, ''), COALESCE(last_error, ''), created_utc`

func scanJob(row pgx.Row) (*types.Job, error) {
	job := &types.Job{}
	err := row.Scan(
		&job.JobID, &job.InterrogationKey, &job.InputJSON, &job.Status, &job.Priority,
		&job.AttemptCount, &job.MaxAttempts, &job.AvailableAt,
		&job.LockedBy, &job.LockExpiresAt,
		&job.ModelHint, &job.LastError, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueJob implements store.JobStore.
func (s *Store) EnqueueJob(ctx context.Context, job *types.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.JobID == "" {
		job.JobID = types.NewID()
	}
	input := job.InputJSON
	if len(input) == 0 {
		input = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job (job_id, interrogation_key, input_json, priority, max_attempts, model_hint)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
		job.JobID, job.InterrogationKey, input, job.Priority, job.MaxAttempts, job.ModelHint,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// ClaimNextJob implements store.JobStore.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*types.Job, error) {
	return withClaimRetry(ctx, func(ctx context.Context) (*types.Job, error) {
		job, err := scanJob(s.pool.QueryRow(ctx, `
			WITH candidate AS (
				SELECT job_id FROM job
				WHERE attempt_count < max_attempts
				  AND ((status = 'queued' AND available_utc <= now()
				        AND (lock_expires_utc IS NULL OR lock_expires_utc <= now()))
				    OR (status = 'running' AND lock_expires_utc <= now()))
				ORDER BY priority DESC, created_utc ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE job j
			SET status = 'running',
			    locked_by = $1,
			    lock_expires_utc = now() + make_interval(secs => $2),
			    attempt_count = attempt_count + 1
			FROM candidate c
			WHERE j.job_id = c.job_id
			RETURNING `+jobColumns,
			workerID, lease.Seconds()))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		return job, nil
	})
}

// HeartbeatJob implements store.JobStore.
func (s *Store) HeartbeatJob(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job
		SET lock_expires_utc = now() + make_interval(secs => $1)
		WHERE job_id = $2 AND locked_by = $3
		  AND status = 'running' AND lock_expires_utc > now()`,
		lease.Seconds(), jobID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// CompleteJob implements store.JobStore. A skipped outcome closes the job as
// succeeded; the skip itself is recorded on the run.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string, outcome store.Outcome, opts store.CompleteOptions) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attemptCount, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempt_count, max_attempts FROM job
		WHERE job_id = $1 AND locked_by = $2 AND status = 'running'
		FOR UPDATE`,
		jobID, workerID,
	).Scan(&attemptCount, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("failed to load job for complete: %w", err)
	}

	switch outcome {
	case store.OutcomeSucceeded, store.OutcomeSkipped:
		_, err = tx.Exec(ctx, `
			UPDATE job
			SET status = 'succeeded', locked_by = NULL, lock_expires_utc = NULL
			WHERE job_id = $1`,
			jobID,
		)
	case store.OutcomeFailed:
		if !opts.Terminal && attemptCount < maxAttempts {
			delay := requeueDelay(attemptCount, s.cfg, opts.RetryAfter)
			_, err = tx.Exec(ctx, `
				UPDATE job
				SET status = 'queued', locked_by = NULL, lock_expires_utc = NULL,
				    available_utc = now() + make_interval(secs => $1),
				    last_error = $2
				WHERE job_id = $3`,
				delay.Seconds(), opts.Error, jobID,
			)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE job
				SET status = 'dead', locked_by = NULL, lock_expires_utc = NULL,
				    last_error = $1
				WHERE job_id = $2`,
				opts.Error, jobID,
			)
		}
	default:
		return fmt.Errorf("invalid outcome %q", outcome)
	}
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit complete: %w", err)
	}
	return nil
}

// GetJob implements store.JobStore.
func (s *Store) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs implements store.JobStore.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM job ORDER BY created_utc DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// JobStats implements store.JobStore.
func (s *Store) JobStats(ctx context.Context) (store.Stats, error) {
	return s.statusCounts(ctx, `SELECT status, count(*) FROM job GROUP BY status`)
}

// CreateRun implements store.RunStore.
func (s *Store) CreateRun(ctx context.Context, run *types.Run) error {
	if run.RunID == "" {
		run.RunID = types.NewID()
	}
	if run.Status == "" {
		run.Status = types.RunRunning
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run (run_id, job_id, status, model_name)
		VALUES ($1, $2, $3, NULLIF($4, ''))`,
		run.RunID, run.JobID, string(run.Status), run.ModelName,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun implements store.RunStore. The WHERE clause refuses a second
// terminal update; runs are append-only after completion.
func (s *Store) FinishRun(ctx context.Context, runID string, status types.RunStatus, metricsJSON []byte, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE run
		SET status = $1, completed_utc = now(), metrics_json = $2, error = NULLIF($3, '')
		WHERE run_id = $4 AND completed_utc IS NULL`,
		string(status), metricsJSON, errMsg, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s already finished or %w", runID, store.ErrNotFound)
	}
	return nil
}

// ListRunsForJob implements store.RunStore.
func (s *Store) ListRunsForJob(ctx context.Context, jobID string) ([]*types.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, job_id, status, COALESCE(model_name, ''),
		       started_utc, COALESCE(completed_utc, 'epoch'::timestamptz),
		       metrics_json, COALESCE(error, '')
		FROM run WHERE job_id = $1 ORDER BY started_utc ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		run := &types.Run{}
		if err := rows.Scan(
			&run.RunID, &run.JobID, &run.Status, &run.ModelName,
			&run.StartedAt, &run.CompletedAt, &run.MetricsJSON, &run.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// InsertArtifact implements store.RunStore.
func (s *Store) InsertArtifact(ctx context.Context, artifact *types.Artifact) error {
	if err := artifact.Validate(); err != nil {
		return err
	}
	if artifact.ArtifactID == "" {
		artifact.ArtifactID = types.NewID()
	}
	var content *string
	if artifact.StoredInSQL {
		text := string(artifact.Content)
		content = &text
	}
	metadata, err := marshalJSON(artifact.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO artifact (artifact_id, run_id, artifact_type, lake_uri, content,
		                      content_mime_type, content_sha256, byte_count,
		                      stored_in_sql, mirrored_to_lake, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)`,
		artifact.ArtifactID, artifact.RunID, string(artifact.ArtifactType), artifact.LakeURI, content,
		artifact.ContentMIMEType, artifact.ContentSHA256, artifact.ByteCount,
		artifact.StoredInSQL, artifact.MirroredToLake, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// ListArtifactsForRun implements store.RunStore.
func (s *Store) ListArtifactsForRun(ctx context.Context, runID string) ([]*types.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT artifact_id, run_id, artifact_type, COALESCE(lake_uri, ''),
		       COALESCE(content, ''), content_mime_type, content_sha256, byte_count,
		       stored_in_sql, mirrored_to_lake, metadata, created_utc
		FROM artifact WHERE run_id = $1 ORDER BY created_utc ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*types.Artifact
	for rows.Next() {
		a := &types.Artifact{}
		var content string
		var metadata []byte
		if err := rows.Scan(
			&a.ArtifactID, &a.RunID, &a.ArtifactType, &a.LakeURI,
			&content, &a.ContentMIMEType, &a.ContentSHA256, &a.ByteCount,
			&a.StoredInSQL, &a.MirroredToLake, &metadata, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if a.StoredInSQL {
			a.Content = []byte(content)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode artifact metadata: %w", err)
			}
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return artifacts, nil
}
