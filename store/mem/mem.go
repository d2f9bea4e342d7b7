// Package mem provides an in-memory Store implementation.
//
// It honors the full queue contract — dedupe, priority ordering, leases,
// heartbeat, requeue-with-backoff, dead — and backs local development runs
// and the queue contract tests. State does not survive the process.
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pithecene-io/seam/retry"
	"github.com/pithecene-io/seam/store"
	"github.com/pithecene-io/seam/types"
)

// Store is an in-memory store.Store. Safe for concurrent use; every
// operation takes the single mutex, which serializes claims the way row
// locks do in the SQL implementation.
type Store struct {
	cfg store.Config
	now func() time.Time

	mu         sync.Mutex
	items      map[string]*types.WorkItem
	dedupe     map[string]string // dedupe key -> work item id
	jobs       map[string]*types.Job
	jobOrder   []string
	runs       map[string]*types.Run
	runOrder   map[string][]string // job id -> run ids
	artifacts  map[string][]*types.Artifact
	itemsOrder []string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use this to expire leases
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(cfg store.Config, opts ...Option) *Store {
	s := &Store{
		cfg:       cfg,
		now:       time.Now,
		items:     make(map[string]*types.WorkItem),
		dedupe:    make(map[string]string),
		jobs:      make(map[string]*types.Job),
		runs:      make(map[string]*types.Run),
		runOrder:  make(map[string][]string),
		artifacts: make(map[string][]*types.Artifact),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- WorkItemStore ---

// EnqueueWorkItem implements store.WorkItemStore.
func (s *Store) EnqueueWorkItem(_ context.Context, item *types.WorkItem) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := item.DedupeKey()
	if _, exists := s.dedupe[key]; exists {
		return false, nil
	}

	now := s.now().UTC()
	cp := *item
	if cp.WorkItemID == "" {
		cp.WorkItemID = types.NewID()
	}
	cp.Status = types.WorkItemPending
	cp.Attempt = 0
	if cp.AvailableAt.IsZero() {
		cp.AvailableAt = now
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.items[cp.WorkItemID] = &cp
	s.dedupe[key] = cp.WorkItemID
	s.itemsOrder = append(s.itemsOrder, cp.WorkItemID)
	item.WorkItemID = cp.WorkItemID
	return true, nil
}

// ClaimWorkItems implements store.WorkItemStore.
func (s *Store) ClaimWorkItems(_ context.Context, workerID string, limit int, lease time.Duration) ([]*types.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	eligible := make([]*types.WorkItem, 0)
	for _, id := range s.itemsOrder {
		item := s.items[id]
		if s.itemClaimable(item, now) {
			eligible = append(eligible, item)
		}
	}

	// Priority desc, then created_at asc (oldest first).
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*types.WorkItem, 0, len(eligible))
	for _, item := range eligible {
		item.Status = types.WorkItemInProgress
		item.LockedBy = workerID
		item.LockExpiresAt = now.Add(lease)
		item.Attempt++
		item.UpdatedAt = now
		cp := *item
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// itemClaimable mirrors the SQL claim predicate.
func (s *Store) itemClaimable(item *types.WorkItem, now time.Time) bool {
	if item.Attempt >= s.cfg.WorkItemMaxAttempts {
		return false
	}
	switch item.Status {
	case types.WorkItemPending:
		return !item.AvailableAt.After(now)
	case types.WorkItemInProgress:
		// Expired lease: re-claimable by any worker.
		return !item.LockExpiresAt.After(now)
	default:
		return false
	}
}

// HeartbeatWorkItem implements store.WorkItemStore.
func (s *Store) HeartbeatWorkItem(_ context.Context, itemID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("work item %s: %w", itemID, store.ErrNotFound)
	}

	now := s.now().UTC()
	if item.Status != types.WorkItemInProgress || item.LockedBy != workerID || !item.LockExpiresAt.After(now) {
		return store.ErrLeaseLost
	}

	item.LockExpiresAt = now.Add(lease)
	item.UpdatedAt = now
	return nil
}

// CompleteWorkItem implements store.WorkItemStore.
func (s *Store) CompleteWorkItem(_ context.Context, itemID, workerID string, outcome store.Outcome, opts store.CompleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("work item %s: %w", itemID, store.ErrNotFound)
	}
	if item.Status != types.WorkItemInProgress || item.LockedBy != workerID {
		return store.ErrLeaseLost
	}

	now := s.now().UTC()
	item.LockedBy = ""
	item.LockExpiresAt = time.Time{}
	item.UpdatedAt = now

	switch outcome {
	case store.OutcomeSucceeded:
		item.Status = types.WorkItemCompleted
	case store.OutcomeSkipped:
		item.Status = types.WorkItemSkipped
	case store.OutcomeFailed:
		item.LastError = opts.Error
		if !opts.Terminal && item.Attempt < s.cfg.WorkItemMaxAttempts {
			item.Status = types.WorkItemPending
			item.AvailableAt = now.Add(retry.DelayWithHint(item.Attempt, s.cfg.Backoff, opts.RetryAfter))
		} else {
			item.Status = types.WorkItemFailed
		}
	default:
		return fmt.Errorf("invalid outcome %q", outcome)
	}
	return nil
}

// GetWorkItem implements store.WorkItemStore.
func (s *Store) GetWorkItem(_ context.Context, itemID string) (*types.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", itemID, store.ErrNotFound)
	}
	cp := *item
	return &cp, nil
}

// WorkItemStats implements store.WorkItemStore.
func (s *Store) WorkItemStats(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(store.Stats)
	for _, item := range s.items {
		stats[string(item.Status)]++
	}
	return stats, nil
}

// MarkSourceFailed implements store.WorkItemStore.
func (s *Store) MarkSourceFailed(_ context.Context, sourceName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	moved := 0
	for _, item := range s.items {
		if item.SourceName == sourceName && !item.Status.IsTerminal() {
			item.Status = types.WorkItemFailed
			item.LockedBy = ""
			item.UpdatedAt = now
			moved++
		}
	}
	return moved, nil
}

// ResetCompletedToPending implements store.WorkItemStore.
func (s *Store) ResetCompletedToPending(_ context.Context, sourceName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	moved := 0
	for _, item := range s.items {
		if item.SourceName == sourceName && item.Status == types.WorkItemCompleted {
			item.Status = types.WorkItemPending
			item.Attempt = 0
			item.UpdatedAt = now
			moved++
		}
	}
	return moved, nil
}

// --- JobStore ---

// EnqueueJob implements store.JobStore.
func (s *Store) EnqueueJob(_ context.Context, job *types.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	cp := *job
	if cp.JobID == "" {
		cp.JobID = types.NewID()
	}
	cp.Status = types.JobQueued
	cp.AttemptCount = 0
	if cp.AvailableAt.IsZero() {
		cp.AvailableAt = now
	}
	cp.CreatedAt = now

	s.jobs[cp.JobID] = &cp
	s.jobOrder = append(s.jobOrder, cp.JobID)
	job.JobID = cp.JobID
	return nil
}

// ClaimNextJob implements store.JobStore.
func (s *Store) ClaimNextJob(_ context.Context, workerID string, lease time.Duration) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var best *types.Job
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if !jobClaimable(job, now) {
			continue
		}
		if best == nil ||
			job.Priority > best.Priority ||
			(job.Priority == best.Priority && job.CreatedAt.Before(best.CreatedAt)) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = types.JobRunning
	best.LockedBy = workerID
	best.LockExpiresAt = now.Add(lease)
	best.AttemptCount++
	cp := *best
	return &cp, nil
}

// jobClaimable mirrors the SQL claim predicate: queued and available, or
// running with an expired lease, with attempts remaining.
func jobClaimable(job *types.Job, now time.Time) bool {
	if job.AttemptCount >= job.MaxAttempts {
		return false
	}
	switch job.Status {
	case types.JobQueued:
		if job.AvailableAt.After(now) {
			return false
		}
		return job.LockedBy == "" || !job.LockExpiresAt.After(now)
	case types.JobRunning:
		return !job.LockExpiresAt.After(now)
	default:
		return false
	}
}

// HeartbeatJob implements store.JobStore.
func (s *Store) HeartbeatJob(_ context.Context, jobID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}

	now := s.now().UTC()
	if job.Status != types.JobRunning || job.LockedBy != workerID || !job.LockExpiresAt.After(now) {
		return store.ErrLeaseLost
	}

	job.LockExpiresAt = now.Add(lease)
	return nil
}

// CompleteJob implements store.JobStore.
func (s *Store) CompleteJob(_ context.Context, jobID, workerID string, outcome store.Outcome, opts store.CompleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	if job.Status != types.JobRunning || job.LockedBy != workerID {
		return store.ErrLeaseLost
	}

	now := s.now().UTC()
	job.LockedBy = ""
	job.LockExpiresAt = time.Time{}

	switch outcome {
	case store.OutcomeSucceeded, store.OutcomeSkipped:
		job.Status = types.JobSucceeded
	case store.OutcomeFailed:
		job.LastError = opts.Error
		if !opts.Terminal && job.AttemptCount < job.MaxAttempts {
			job.Status = types.JobQueued
			job.AvailableAt = now.Add(retry.DelayWithHint(job.AttemptCount, s.cfg.Backoff, opts.RetryAfter))
		} else {
			job.Status = types.JobDead
		}
	default:
		return fmt.Errorf("invalid outcome %q", outcome)
	}
	return nil
}

// GetJob implements store.JobStore.
func (s *Store) GetJob(_ context.Context, jobID string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

// ListJobs implements store.JobStore.
func (s *Store) ListJobs(_ context.Context, limit int) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Job, 0, limit)
	for i := len(s.jobOrder) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.jobs[s.jobOrder[i]]
		out = append(out, &cp)
	}
	return out, nil
}

// JobStats implements store.JobStore.
func (s *Store) JobStats(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(store.Stats)
	for _, job := range s.jobs {
		stats[string(job.Status)]++
	}
	return stats, nil
}

// --- RunStore ---

// CreateRun implements store.RunStore.
func (s *Store) CreateRun(_ context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	if cp.RunID == "" {
		cp.RunID = types.NewID()
	}
	cp.Status = types.RunRunning
	if cp.StartedAt.IsZero() {
		cp.StartedAt = s.now().UTC()
	}

	s.runs[cp.RunID] = &cp
	s.runOrder[cp.JobID] = append(s.runOrder[cp.JobID], cp.RunID)
	run.RunID = cp.RunID
	return nil
}

// FinishRun implements store.RunStore.
func (s *Store) FinishRun(_ context.Context, runID string, status types.RunStatus, metricsJSON []byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if !run.CompletedAt.IsZero() {
		return fmt.Errorf("run %s already finished", runID)
	}

	run.Status = status
	run.MetricsJSON = metricsJSON
	run.Error = errMsg
	run.CompletedAt = s.now().UTC()
	return nil
}

// ListRunsForJob implements store.RunStore.
func (s *Store) ListRunsForJob(_ context.Context, jobID string) ([]*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.runOrder[jobID]
	out := make([]*types.Run, 0, len(ids))
	for _, id := range ids {
		cp := *s.runs[id]
		out = append(out, &cp)
	}
	return out, nil
}

// InsertArtifact implements store.RunStore.
func (s *Store) InsertArtifact(_ context.Context, artifact *types.Artifact) error {
	if err := artifact.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *artifact
	if cp.ArtifactID == "" {
		cp.ArtifactID = types.NewID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}

	s.artifacts[cp.RunID] = append(s.artifacts[cp.RunID], &cp)
	artifact.ArtifactID = cp.ArtifactID
	return nil
}

// ListArtifactsForRun implements store.RunStore.
func (s *Store) ListArtifactsForRun(_ context.Context, runID string) ([]*types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.artifacts[runID]
	out := make([]*types.Artifact, 0, len(rows))
	for _, a := range rows {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// Verify Store implements store.Store.
var _ store.Store = (*Store)(nil)
