package types

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle status of an LLM derivation job.
type JobStatus string

const (
	// JobQueued indicates the job is waiting to be claimed.
	JobQueued JobStatus = "queued"
	// JobRunning indicates a worker holds the job's lease.
	JobRunning JobStatus = "running"
	// JobSucceeded indicates a run finished with a usable outcome
	// (including a deliberate skip).
	JobSucceeded JobStatus = "succeeded"
	// JobFailed indicates the last run failed; the job may still requeue.
	JobFailed JobStatus = "failed"
	// JobDead indicates attempts are exhausted. Never auto-retried.
	JobDead JobStatus = "dead"
)

// IsTerminal returns true if the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobDead
}

// Job is one row of the LLM derivation queue.
//
// A job is claimable iff status=queued, available_utc has passed, any
// previous lease has expired, and attempts remain. The store enforces this
// in the claim query; nothing else mutates queue rows.
type Job struct {
	JobID string

	// InterrogationKey identifies the versioned prompt/schema contract the
	// handler implements, e.g. "page_classification.v2".
	InterrogationKey string

	// InputJSON is the opaque input envelope handed to the handler.
	InputJSON []byte

	Status   JobStatus
	Priority int

	AttemptCount int
	MaxAttempts  int

	// AvailableAt is the earliest instant the job may be claimed.
	// Pushed into the future by retry backoff.
	AvailableAt time.Time

	LockedBy      string
	LockExpiresAt time.Time

	// ModelHint optionally overrides the handler's default model.
	ModelHint string

	LastError string

	CreatedAt time.Time
}

// Validate checks the fields required for enqueue.
func (j *Job) Validate() error {
	if j.InterrogationKey == "" {
		return errors.New("job has no interrogation_key")
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", j.MaxAttempts)
	}
	return nil
}
