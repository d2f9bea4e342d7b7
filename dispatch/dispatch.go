// Package dispatch runs the LLM job worker pool.
//
// Each worker is a sequential loop: claim one job, open a run, resolve the
// handler, invoke it, persist artifacts, close the run, complete the job.
// Nothing propagates across the claim/complete boundary by panic; every
// handler outcome, including a panic, is converted into a completed row so
// lease accounting stays intact.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pithecene-io/seam/adapter"
	"github.com/pithecene-io/seam/lake"
	"github.com/pithecene-io/seam/log"
	"github.com/pithecene-io/seam/metrics"
	"github.com/pithecene-io/seam/registry"
	"github.com/pithecene-io/seam/store"
	"github.com/pithecene-io/seam/types"
)

// ErrTerminal marks a handler failure as non-retryable. Handlers wrap
// contract violations (invalid input envelope, unparseable provider output)
// with it so the job goes straight to dead instead of burning retries.
var ErrTerminal = errors.New("terminal failure")

// Terminal wraps err so the dispatcher completes the job without requeue.
func Terminal(err error) error {
	return fmt.Errorf("%w: %w", ErrTerminal, err)
}

// Config tunes the dispatcher.
type Config struct {
	// WorkerID prefixes per-worker ids, e.g. "dispatch" yields
	// dispatch-0..n-1.
	WorkerID string `yaml:"worker_id"`

	MaxWorkers   int `yaml:"max_workers"`
	LeaseSeconds int `yaml:"lease_seconds"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// PollInterval is how long an idle worker waits before re-checking
	// the queue.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Mode propagates to every RunContext. Dry-run forbids handler side
	// effects and keeps non-trivial artifacts out of the lake.
	Mode registry.ExecutionMode `yaml:"mode"`
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "dispatch"
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 60
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Duration(c.LeaseSeconds) * time.Second / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Mode == "" {
		c.Mode = registry.ModeLive
	}
	return c
}

// Dispatcher claims jobs and executes their handlers.
type Dispatcher struct {
	cfg       Config
	store     store.Store
	reg       *registry.Registry
	lake      lake.Store
	bus       adapter.Adapter
	collector *metrics.Collector
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithAdapter publishes terminal job outcomes to the given adapter.
func WithAdapter(a adapter.Adapter) Option {
	return func(d *Dispatcher) { d.bus = a }
}

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.collector = c }
}

// New builds a Dispatcher.
func New(cfg Config, st store.Store, reg *registry.Registry, lk lake.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:   cfg.withDefaults(),
		store: st,
		reg:   reg,
		lake:  lk,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes the worker pool until the context is canceled. Workers
// finish their current job before exiting; unfinished claims are recovered
// by lease expiry.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.MaxWorkers; i++ {
		workerID := fmt.Sprintf("%s-%d", d.cfg.WorkerID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID string) {
	logger := log.NewWorkerLogger(workerID).Sugar()
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := d.ProcessNext(ctx, workerID)
		if err != nil {
			logger.Warnf("dispatch cycle failed: %v", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// ProcessNext claims and executes at most one job. It reports whether a job
// was processed; (false, nil) means the queue had nothing claimable.
func (d *Dispatcher) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	lease := time.Duration(d.cfg.LeaseSeconds) * time.Second
	job, err := d.store.ClaimNextJob(ctx, workerID, lease)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	d.collector.IncJobsClaimed()
	d.execute(ctx, workerID, job)
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, workerID string, job *types.Job) {
	def := d.reg.Get(job.InterrogationKey)
	jobType := "unknown"
	if def != nil {
		jobType = def.JobType
	}

	run := &types.Run{
		JobID:     job.JobID,
		ModelName: job.ModelHint,
		StartedAt: time.Now().UTC(),
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		// Abandon the claim; the job resumes via lease expiry.
		log.NewWorkerLogger(workerID).Sugar().Errorf("failed to create run for job %s: %v", job.JobID, err)
		return
	}
	d.collector.IncRunStarted()

	rc := registry.NewRunContext(job.JobID, run.RunID, workerID, jobType,
		job.AttemptCount, job.MaxAttempts, d.cfg.Mode)
	logger := rc.Logger().Sugar()
	logger.Infof("run started: interrogation_key=%s mode=%s", job.InterrogationKey, d.cfg.Mode)

	var result types.HandlerResult
	if def == nil {
		// Registry misses return nil; the job is unservable and retrying
		// cannot fix that.
		result = types.Failed(Terminal(fmt.Errorf("no handler registered for interrogation_key %q", job.InterrogationKey)))
	} else {
		handlerCtx, stopHeartbeat := d.startHeartbeat(ctx, job.JobID, workerID, rc)
		result = d.invoke(handlerCtx, def, job, rc)
		stopHeartbeat()
	}

	d.finish(ctx, workerID, job, run, rc, result)
}

// startHeartbeat extends the job lease on an interval until the returned
// stop function runs. A lost lease cancels the handler context; continuing
// would double-execute against the worker that stole the job.
func (d *Dispatcher) startHeartbeat(ctx context.Context, jobID, workerID string, rc *registry.RunContext) (context.Context, func()) {
	handlerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	lease := time.Duration(d.cfg.LeaseSeconds) * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-handlerCtx.Done():
				return
			case <-ticker.C:
				if err := d.store.HeartbeatJob(handlerCtx, jobID, workerID, lease); err != nil {
					if errors.Is(err, store.ErrLeaseLost) {
						d.collector.IncLeasesLost()
						rc.Logger().Sugar().Warnf("lease lost, canceling handler")
						cancel()
						return
					}
					rc.Logger().Sugar().Warnf("heartbeat failed: %v", err)
				}
			}
		}
	}()

	return handlerCtx, func() {
		close(done)
		cancel()
		wg.Wait()
	}
}

// invoke runs the handler with the definition's timeout and converts panics
// and timeouts into failed results.
func (d *Dispatcher) invoke(ctx context.Context, def *registry.JobTypeDefinition, job *types.Job, rc *registry.RunContext) types.HandlerResult {
	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	results := make(chan types.HandlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- types.Failed(fmt.Errorf("handler panic: %v\n%s", r, debug.Stack()))
			}
		}()
		results <- def.Handler(ctx, job, rc)
	}()

	select {
	case result := <-results:
		return result
	case <-ctx.Done():
		// The handler goroutine is left to drain into the buffered channel.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.Failed(errors.New("timeout"))
		}
		return types.Failed(fmt.Errorf("handler canceled: %w", ctx.Err()))
	}
}

// finish closes the run, completes the job, and publishes the outcome.
func (d *Dispatcher) finish(ctx context.Context, workerID string, job *types.Job, run *types.Run, rc *registry.RunContext, result types.HandlerResult) {
	logger := rc.Logger().Sugar()
	metricsJSON := d.buildMetrics(rc, result)

	switch result.Status {
	case types.ResultSucceeded:
		if err := d.persistArtifacts(ctx, run, rc, result.Artifacts); err != nil {
			// Infrastructure failure; the attempt failed even though the
			// handler succeeded. Idempotent lake writes make the retry safe.
			result = types.Failed(fmt.Errorf("failed to persist artifacts: %w", err))
			break
		}
		d.collector.IncRunSucceeded()
		d.finishRun(ctx, run.RunID, types.RunSucceeded, metricsJSON, "")
		d.completeJob(ctx, job.JobID, workerID, store.OutcomeSucceeded, store.CompleteOptions{})
		logger.Infof("run succeeded")

	case types.ResultSkipped:
		d.collector.IncRunSkipped()
		d.finishRun(ctx, run.RunID, types.RunSkipped, metricsJSON, result.SkipReason)
		// The skip is the outcome; the job closes as succeeded.
		d.completeJob(ctx, job.JobID, workerID, store.OutcomeSkipped, store.CompleteOptions{})
		logger.Infof("run skipped: %s", result.SkipReason)
	}

	if result.Status == types.ResultFailed {
		errMsg := "handler failed"
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		d.collector.IncRunFailed()
		d.finishRun(ctx, run.RunID, types.RunFailed, metricsJSON, errMsg)
		d.completeJob(ctx, job.JobID, workerID, store.OutcomeFailed, store.CompleteOptions{
			Error:    errMsg,
			Terminal: errors.Is(result.Err, ErrTerminal),
		})
		logger.Errorf("run failed: %s", errMsg)
	}

	d.publish(ctx, job, run, rc, result)
}

func (d *Dispatcher) finishRun(ctx context.Context, runID string, status types.RunStatus, metricsJSON []byte, errMsg string) {
	if err := d.store.FinishRun(ctx, runID, status, metricsJSON, errMsg); err != nil {
		log.NewWorkerLogger("").Sugar().Errorf("failed to finish run %s: %v", runID, err)
	}
}

func (d *Dispatcher) completeJob(ctx context.Context, jobID, workerID string, outcome store.Outcome, opts store.CompleteOptions) {
	if err := d.store.CompleteJob(ctx, jobID, workerID, outcome, opts); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			d.collector.IncLeasesLost()
		}
		log.NewWorkerLogger(workerID).Sugar().Errorf("failed to complete job %s: %v", jobID, err)
	}
}

// buildMetrics merges handler metrics with dispatcher-level measurements.
func (d *Dispatcher) buildMetrics(rc *registry.RunContext, result types.HandlerResult) []byte {
	merged := make(map[string]any, len(result.Metrics)+3)
	for k, v := range result.Metrics {
		merged[k] = v
	}
	merged["total_ms"] = time.Since(rc.StartedAt).Milliseconds()
	merged["execution_mode"] = string(rc.ExecutionMode)
	if len(result.ValidationErrors) > 0 {
		merged["validation_errors"] = result.ValidationErrors
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return []byte(`{}`)
	}
	return encoded
}

// publish sends the terminal outcome to the event bus, best effort.
func (d *Dispatcher) publish(ctx context.Context, job *types.Job, run *types.Run, rc *registry.RunContext, result types.HandlerResult) {
	if d.bus == nil {
		return
	}
	final, err := d.store.GetJob(ctx, job.JobID)
	if err != nil || !final.Status.IsTerminal() {
		return
	}

	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	event := &adapter.JobCompletedEvent{
		EventType:        "job_completed",
		JobID:            job.JobID,
		RunID:            run.RunID,
		InterrogationKey: job.InterrogationKey,
		Status:           string(final.Status),
		RunStatus:        string(runStatusFor(result.Status)),
		Attempt:          job.AttemptCount,
		WorkerID:         rc.WorkerID,
		ModelName:        run.ModelName,
		Error:            errMsg,
		DurationMs:       time.Since(rc.StartedAt).Milliseconds(),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.bus.Publish(publishCtx, event); err != nil {
		rc.Logger().Sugar().Warnf("failed to publish job completion: %v", err)
	}
}

func runStatusFor(s types.ResultStatus) types.RunStatus {
	switch s {
	case types.ResultSucceeded:
		return types.RunSucceeded
	case types.ResultSkipped:
		return types.RunSkipped
	default:
		return types.RunFailed
	}
}
