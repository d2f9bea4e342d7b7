package types

import "time"

// RunStatus is the status of a single execution attempt.
type RunStatus string

const (
	// RunRunning indicates the run is in flight.
	RunRunning RunStatus = "running"
	// RunSucceeded indicates the handler produced its output.
	RunSucceeded RunStatus = "succeeded"
	// RunFailed indicates the handler returned or raised an error.
	RunFailed RunStatus = "failed"
	// RunSkipped indicates the handler declined the job with a reason.
	RunSkipped RunStatus = "skipped"
)

// Run is one execution attempt of a Job. Runs are append-only: after the
// terminal update that sets CompletedAt, the row never changes again.
// Navigation from job to runs is a lookup query; the run holds the owning
// foreign key.
type Run struct {
	RunID string
	JobID string

	Status RunStatus

	// ModelName is the model that served this run, when known.
	ModelName string

	StartedAt   time.Time
	CompletedAt time.Time

	// MetricsJSON carries token counts, durations, and model metadata
	// captured from the provider.
	MetricsJSON []byte

	Error string
}
