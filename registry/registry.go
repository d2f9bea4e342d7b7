// Package registry maps interrogation keys to job type definitions and
// their handlers.
//
// The registry is populated during process startup and read-only once
// workers start; no locking is needed on the dispatch path, the mutex only
// guards registration races in tests.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pithecene-io/seam/log"
	"github.com/pithecene-io/seam/types"
)

// ExecutionMode selects between real and side-effect-free execution.
type ExecutionMode string

const (
	// ModeLive performs real LLM calls and artifact writes.
	ModeLive ExecutionMode = "live"
	// ModeDryRun forbids external side effects. Handlers return a
	// synthetic success carrying a dry-run marker.
	ModeDryRun ExecutionMode = "dry_run"
)

// RunContext is the read-only execution context handed to a handler.
type RunContext struct {
	JobID    string
	RunID    string
	WorkerID string

	JobType       string
	AttemptNumber int
	MaxAttempts   int

	ExecutionMode ExecutionMode

	StartedAt time.Time

	logger *log.Logger
}

// NewRunContext builds a context and binds its logger to the correlation
// fields. Every handler log line carries them.
func NewRunContext(jobID, runID, workerID, jobType string, attempt, maxAttempts int, mode ExecutionMode) *RunContext {
	rc := &RunContext{
		JobID:         jobID,
		RunID:         runID,
		WorkerID:      workerID,
		JobType:       jobType,
		AttemptNumber: attempt,
		MaxAttempts:   maxAttempts,
		ExecutionMode: mode,
		StartedAt:     time.Now().UTC(),
	}
	rc.logger = log.NewLogger(rc.Correlation())
	return rc
}

// CorrelationID renders the job-run pair.
func (rc *RunContext) CorrelationID() string {
	return rc.JobID + "-" + rc.RunID
}

// Correlation returns the log correlation for this run.
func (rc *RunContext) Correlation() log.Correlation {
	return log.Correlation{
		JobID:    rc.JobID,
		RunID:    rc.RunID,
		WorkerID: rc.WorkerID,
		Attempt:  rc.AttemptNumber,
	}
}

// Logger returns the run-scoped logger.
func (rc *RunContext) Logger() *log.Logger {
	return rc.logger
}

// DryRun reports whether side effects are forbidden.
func (rc *RunContext) DryRun() bool {
	return rc.ExecutionMode == ModeDryRun
}

// HandlerFunc executes one job attempt. The result is a tagged variant;
// handlers report failure through it, never by panicking.
type HandlerFunc func(ctx context.Context, job *types.Job, rc *RunContext) types.HandlerResult

// JobTypeDefinition describes one registered job type.
type JobTypeDefinition struct {
	JobType     string
	DisplayName string

	// InterrogationKey is the versioned prompt/schema contract this
	// handler implements. It is the dispatch lookup key.
	InterrogationKey string

	Handler HandlerFunc

	MaxAttempts     int
	DefaultPriority int
	// TimeoutSeconds caps handler wall time. Zero means no cap.
	TimeoutSeconds int

	Version     string
	Description string
	Tags        []string
}

// Validate checks the fields required for registration.
func (d *JobTypeDefinition) Validate() error {
	if d.JobType == "" {
		return fmt.Errorf("job type definition has no job_type")
	}
	if d.InterrogationKey == "" {
		return fmt.Errorf("job type %q has no interrogation_key", d.JobType)
	}
	if d.Handler == nil {
		return fmt.Errorf("job type %q has no handler", d.JobType)
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("job type %q max_attempts must be >= 1", d.JobType)
	}
	return nil
}

// Registry holds job type definitions keyed by interrogation key.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*JobTypeDefinition
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byKey: make(map[string]*JobTypeDefinition)}
}

// Register adds a definition. Duplicate interrogation keys error; silent
// replacement would make dispatch behavior depend on registration order.
func (r *Registry) Register(def *JobTypeDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[def.InterrogationKey]; exists {
		return fmt.Errorf("interrogation key %q already registered", def.InterrogationKey)
	}
	r.byKey[def.InterrogationKey] = def
	return nil
}

// Get looks up a definition by interrogation key. Missing keys return nil.
func (r *Registry) Get(interrogationKey string) *JobTypeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[interrogationKey]
}

// List returns every definition, sorted by interrogation key.
func (r *Registry) List() []*JobTypeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*JobTypeDefinition, 0, len(r.byKey))
	for _, def := range r.byKey {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].InterrogationKey < defs[j].InterrogationKey
	})
	return defs
}
