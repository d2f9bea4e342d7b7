// Package store defines the durable state contracts for both queues.
//
// The store is the system's only shared mutable state and its concurrency
// primitive. Two tables — work_items (ingest) and job (llm) — share one
// contract: enqueue-with-dedupe, lease-based claim, heartbeat, complete with
// requeue-or-dead, and automatic recovery of expired leases at claim time.
//
// Every mutation reports by return value. Nothing in this package panics
// across the claim/complete boundary; doing so would break lease accounting.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pithecene-io/seam/retry"
	"github.com/pithecene-io/seam/types"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound indicates the row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseLost indicates the caller no longer holds the row's lease:
	// the lease expired and another worker re-claimed it.
	ErrLeaseLost = errors.New("lease lost")
)

// Outcome is the terminal report a worker makes for a claimed row.
type Outcome string

const (
	// OutcomeSucceeded marks the row completed.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed requeues the row with backoff, or moves it to its
	// terminal failure state once attempts are exhausted.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped marks the row deliberately not processed.
	OutcomeSkipped Outcome = "skipped"
)

// CompleteOptions carries optional inputs to Complete calls.
type CompleteOptions struct {
	// Error is the failure message recorded on OutcomeFailed.
	Error string
	// RetryAfter is an upstream retry-after hint; honored when it exceeds
	// the computed backoff.
	RetryAfter time.Duration
	// Terminal marks a failed outcome non-retryable. The row goes straight
	// to its terminal failure state even with attempts remaining, e.g. on
	// a 4xx upstream or a handler contract violation.
	Terminal bool
}

// Stats is a count-by-status snapshot for one queue.
// Reads are non-blocking with respect to ongoing claims.
type Stats map[string]int

// WorkItemStore is the ingest queue contract.
type WorkItemStore interface {
	// EnqueueWorkItem inserts the item, returning false if its dedupe key
	// already exists. Duplicates are the expected path on re-runs and never
	// error.
	EnqueueWorkItem(ctx context.Context, item *types.WorkItem) (bool, error)

	// ClaimWorkItems atomically claims up to limit pending items for
	// workerID, ordered by priority (desc) then created_at (asc). Rows with
	// expired leases are eligible regardless of their in_progress status.
	// A row is returned to at most one worker per claim window.
	ClaimWorkItems(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*types.WorkItem, error)

	// HeartbeatWorkItem extends the lease iff workerID still holds it;
	// otherwise ErrLeaseLost.
	HeartbeatWorkItem(ctx context.Context, itemID, workerID string, lease time.Duration) error

	// CompleteWorkItem records the outcome. OutcomeFailed requeues with
	// backoff while attempts remain, else the item goes to failed.
	CompleteWorkItem(ctx context.Context, itemID, workerID string, outcome Outcome, opts CompleteOptions) error

	// GetWorkItem fetches one item by id.
	GetWorkItem(ctx context.Context, itemID string) (*types.WorkItem, error)

	// WorkItemStats returns count-by-status.
	WorkItemStats(ctx context.Context) (Stats, error)

	// MarkSourceFailed force-fails every non-terminal item of a source.
	// Returns the number of rows moved.
	MarkSourceFailed(ctx context.Context, sourceName string) (int, error)

	// ResetCompletedToPending returns completed items of a source to
	// pending for re-ingestion. Returns the number of rows moved.
	ResetCompletedToPending(ctx context.Context, sourceName string) (int, error)
}

// JobStore is the LLM derivation queue contract.
type JobStore interface {
	// EnqueueJob inserts a new job in queued status.
	EnqueueJob(ctx context.Context, job *types.Job) error

	// ClaimNextJob claims the single highest-priority available job for
	// workerID, or returns nil when the queue has nothing claimable.
	ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*types.Job, error)

	// HeartbeatJob extends the lease iff workerID still holds it;
	// otherwise ErrLeaseLost.
	HeartbeatJob(ctx context.Context, jobID, workerID string, lease time.Duration) error

	// CompleteJob records the outcome. OutcomeFailed requeues with backoff
	// while attempts remain, else the job goes to dead. OutcomeSkipped
	// closes the job as succeeded (the skip is the outcome).
	CompleteJob(ctx context.Context, jobID, workerID string, outcome Outcome, opts CompleteOptions) error

	// GetJob fetches one job by id.
	GetJob(ctx context.Context, jobID string) (*types.Job, error)

	// ListJobs returns the most recent jobs, newest first.
	ListJobs(ctx context.Context, limit int) ([]*types.Job, error)

	// JobStats returns count-by-status.
	JobStats(ctx context.Context) (Stats, error)
}

// RunStore persists runs and artifacts. Both are append-only: after the
// terminal update a row never changes.
type RunStore interface {
	// CreateRun inserts a run in running status.
	CreateRun(ctx context.Context, run *types.Run) error

	// FinishRun records the terminal status, metrics, and error of a run.
	FinishRun(ctx context.Context, runID string, status types.RunStatus, metricsJSON []byte, errMsg string) error

	// ListRunsForJob returns a job's runs, oldest first.
	ListRunsForJob(ctx context.Context, jobID string) ([]*types.Run, error)

	// InsertArtifact persists one artifact row. The artifact must satisfy
	// types.Artifact.Validate.
	InsertArtifact(ctx context.Context, artifact *types.Artifact) error

	// ListArtifactsForRun returns a run's artifacts in insertion order.
	ListArtifactsForRun(ctx context.Context, runID string) ([]*types.Artifact, error)
}

// Store composes the full persistent state surface.
type Store interface {
	WorkItemStore
	JobStore
	RunStore

	// Close releases the underlying connections.
	Close() error
}

// Config holds the queue policy knobs shared by implementations.
type Config struct {
	// WorkItemMaxAttempts bounds ingest retries (work_items carry no
	// per-row max).
	WorkItemMaxAttempts int
	// Backoff drives requeue scheduling for failed rows.
	Backoff retry.Config
}

// DefaultConfig returns the queue policy used when a caller supplies none.
func DefaultConfig() Config {
	return Config{
		WorkItemMaxAttempts: 3,
		Backoff:             retry.DefaultConfig(),
	}
}
