// Package adapter defines the event-bus boundary for job completion.
//
// Adapters publish terminal job outcomes to downstream systems. The
// dispatcher owns adapter lifecycle; users provide configuration only.
// Publishing is best effort: a failed publish is logged, never fed back
// into queue state.
package adapter

import "context"

// JobCompletedEvent is the payload published when a job reaches a terminal
// status.
type JobCompletedEvent struct {
	EventType string `json:"event_type"` // always "job_completed"

	JobID            string `json:"job_id"`
	RunID            string `json:"run_id"`
	InterrogationKey string `json:"interrogation_key"`

	// Status is the job's terminal status: succeeded or dead.
	Status string `json:"status"`
	// RunStatus is the final run's status: succeeded, failed, or skipped.
	RunStatus string `json:"run_status"`

	Attempt   int    `json:"attempt"`
	WorkerID  string `json:"worker_id"`
	ModelName string `json:"model_name,omitempty"`
	Error     string `json:"error,omitempty"`

	DurationMs int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"` // ISO 8601
}

// Adapter publishes job completion events to a downstream system.
// Implementations must be safe for concurrent use by multiple workers.
type Adapter interface {
	// Publish sends a job completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *JobCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}
