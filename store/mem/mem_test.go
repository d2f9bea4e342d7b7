package mem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/seam/retry"
	"github.com/pithecene-io/seam/store"
	"github.com/pithecene-io/seam/types"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() store.Config {
	return store.Config{
		WorkItemMaxAttempts: 3,
		Backoff: retry.Config{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			Jitter:       true,
			MaxAttempts:  3,
		},
	}
}

func newItem(resourceID string) *types.WorkItem {
	return &types.WorkItem{
		SourceSystem:  "mediawiki",
		SourceName:    "stable_src",
		ResourceType:  "page",
		ResourceID:    resourceID,
		RequestURI:    "https://example.org/" + resourceID,
		RequestMethod: "GET",
	}
}

func newJob(key string) *types.Job {
	return &types.Job{
		InterrogationKey: key,
		InputJSON:        []byte(`{}`),
		Priority:         100,
		MaxAttempts:      3,
	}
}

func TestEnqueueWorkItem_DedupeOnReplay(t *testing.T) {
	s := New(testConfig())
	ctx := context.Background()

	// Enqueue five, complete all.
	for i := range 5 {
		accepted, err := s.EnqueueWorkItem(ctx, newItem(fmt.Sprintf("res-%d", i)))
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		if !accepted {
			t.Fatalf("first enqueue of res-%d reported duplicate", i)
		}
	}
	claimed, err := s.ClaimWorkItems(ctx, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	for _, item := range claimed {
		if err := s.CompleteWorkItem(ctx, item.WorkItemID, "w1", store.OutcomeSucceeded, store.CompleteOptions{}); err != nil {
			t.Fatalf("complete failed: %v", err)
		}
	}

	// Enqueue the same five again: all duplicates, row count unchanged.
	for i := range 5 {
		accepted, err := s.EnqueueWorkItem(ctx, newItem(fmt.Sprintf("res-%d", i)))
		if err != nil {
			t.Fatalf("replay enqueue failed: %v", err)
		}
		if accepted {
			t.Errorf("replay enqueue of res-%d was accepted, want duplicate", i)
		}
	}

	stats, err := s.WorkItemStats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	if total != 5 {
		t.Errorf("row count = %d, want exactly 5 after replay", total)
	}
}

func TestClaimWorkItems_PriorityThenAge(t *testing.T) {
	clock := newFakeClock()
	s := New(testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	low := newItem("low")
	low.Priority = 1
	if _, err := s.EnqueueWorkItem(ctx, low); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Second)
	high := newItem("high")
	high.Priority = 10
	if _, err := s.EnqueueWorkItem(ctx, high); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimWorkItems(ctx, "w1", 1, time.Minute)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ResourceID != "high" {
		t.Errorf("claim order wrong: got %+v, want high-priority first", claimed)
	}
}

func TestClaim_SingleWinnerUnderContention(t *testing.T) {
	s := New(testConfig())
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, newJob("page_classification.v2")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			job, err := s.ClaimNextJob(ctx, fmt.Sprintf("w%d", id), time.Minute)
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if job != nil {
				wins <- job.LockedBy
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("claim winners = %d, want exactly 1", count)
	}
}

func TestLeaseRecovery(t *testing.T) {
	clock := newFakeClock()
	s := New(testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, newJob("page_classification.v2")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Worker A claims with a 5 second lease and goes silent.
	jobA, err := s.ClaimNextJob(ctx, "worker-a", 5*time.Second)
	if err != nil {
		t.Fatalf("claim A failed: %v", err)
	}
	if jobA == nil {
		t.Fatal("worker A claimed nothing")
	}
	if jobA.AttemptCount != 1 {
		t.Errorf("attempt after first claim = %d, want 1", jobA.AttemptCount)
	}

	// Before expiry nobody else can claim.
	clock.Advance(3 * time.Second)
	if job, _ := s.ClaimNextJob(ctx, "worker-b", 5*time.Second); job != nil {
		t.Fatal("worker B claimed before lease expiry")
	}

	// 7 seconds after the claim the lease has expired.
	clock.Advance(4 * time.Second)
	jobB, err := s.ClaimNextJob(ctx, "worker-b", 5*time.Second)
	if err != nil {
		t.Fatalf("claim B failed: %v", err)
	}
	if jobB == nil {
		t.Fatal("worker B did not recover the expired lease")
	}
	if jobB.JobID != jobA.JobID {
		t.Errorf("worker B claimed %s, want %s", jobB.JobID, jobA.JobID)
	}
	if jobB.AttemptCount != 2 {
		t.Errorf("attempt after recovery = %d, want 2", jobB.AttemptCount)
	}

	// Worker A's late heartbeat and complete both report the lost lease.
	if err := s.HeartbeatJob(ctx, jobA.JobID, "worker-a", time.Minute); !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("stale heartbeat = %v, want ErrLeaseLost", err)
	}
	if err := s.CompleteJob(ctx, jobA.JobID, "worker-a", store.OutcomeSucceeded, store.CompleteOptions{}); !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("stale complete = %v, want ErrLeaseLost", err)
	}
}

func TestHeartbeat_ExtendsLease(t *testing.T) {
	clock := newFakeClock()
	s := New(testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, newJob("k")); err != nil {
		t.Fatal(err)
	}
	job, err := s.ClaimNextJob(ctx, "w1", 5*time.Second)
	if err != nil || job == nil {
		t.Fatalf("claim failed: %v %v", job, err)
	}

	clock.Advance(4 * time.Second)
	if err := s.HeartbeatJob(ctx, job.JobID, "w1", 5*time.Second); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	// 8s after claim, but only 4s after heartbeat: still held.
	clock.Advance(4 * time.Second)
	if stolen, _ := s.ClaimNextJob(ctx, "w2", 5*time.Second); stolen != nil {
		t.Error("lease stolen despite heartbeat")
	}
}

func TestCompleteJob_FailureRequeuesWithBackoff(t *testing.T) {
	clock := newFakeClock()
	s := New(testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, newJob("k")); err != nil {
		t.Fatal(err)
	}

	job, _ := s.ClaimNextJob(ctx, "w1", time.Minute)
	if err := s.CompleteJob(ctx, job.JobID, "w1", store.OutcomeFailed, store.CompleteOptions{Error: "upstream 503"}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	got, _ := s.GetJob(ctx, job.JobID)
	if got.Status != types.JobQueued {
		t.Fatalf("status after first failure = %s, want queued", got.Status)
	}
	if got.LastError != "upstream 503" {
		t.Errorf("last_error = %q", got.LastError)
	}
	if !got.AvailableAt.After(clock.Now()) {
		t.Error("available_at not pushed into the future by backoff")
	}

	// Not claimable until the backoff elapses.
	if j, _ := s.ClaimNextJob(ctx, "w1", time.Minute); j != nil {
		t.Fatal("job claimable before backoff elapsed")
	}
	clock.Advance(2 * time.Second)

	// Exhaust remaining attempts.
	for range 2 {
		j, err := s.ClaimNextJob(ctx, "w1", time.Minute)
		if err != nil || j == nil {
			t.Fatalf("reclaim failed: %v %v", j, err)
		}
		if err := s.CompleteJob(ctx, j.JobID, "w1", store.OutcomeFailed, store.CompleteOptions{Error: "again"}); err != nil {
			t.Fatalf("complete failed: %v", err)
		}
		clock.Advance(5 * time.Second)
	}

	got, _ = s.GetJob(ctx, job.JobID)
	if got.Status != types.JobDead {
		t.Errorf("status after exhausting attempts = %s, want dead", got.Status)
	}
	if j, _ := s.ClaimNextJob(ctx, "w1", time.Minute); j != nil {
		t.Error("dead job must never be claimable")
	}
}

func TestCompleteJob_RetryAfterHintWins(t *testing.T) {
	clock := newFakeClock()
	s := New(testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, newJob("k")); err != nil {
		t.Fatal(err)
	}
	job, _ := s.ClaimNextJob(ctx, "w1", time.Minute)

	hint := 30 * time.Second
	if err := s.CompleteJob(ctx, job.JobID, "w1", store.OutcomeFailed, store.CompleteOptions{Error: "429", RetryAfter: hint}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetJob(ctx, job.JobID)
	if got.AvailableAt.Before(clock.Now().Add(hint)) {
		t.Errorf("available_at %v ignores retry-after hint", got.AvailableAt)
	}
}

func TestCompleteJob_SkippedClosesAsSucceeded(t *testing.T) {
	s := New(testConfig())
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, newJob("k")); err != nil {
		t.Fatal(err)
	}
	job, _ := s.ClaimNextJob(ctx, "w1", time.Minute)
	if err := s.CompleteJob(ctx, job.JobID, "w1", store.OutcomeSkipped, store.CompleteOptions{}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetJob(ctx, job.JobID)
	if got.Status != types.JobSucceeded {
		t.Errorf("skip outcome left job %s, want succeeded", got.Status)
	}
}

func TestWorkItem_FailedRequeueThenTerminal(t *testing.T) {
	clock := newFakeClock()
	s := New(testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	if _, err := s.EnqueueWorkItem(ctx, newItem("r")); err != nil {
		t.Fatal(err)
	}

	var itemID string
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.ClaimWorkItems(ctx, "w1", 1, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: claimed %d items, want 1", attempt, len(claimed))
		}
		itemID = claimed[0].WorkItemID
		if claimed[0].Attempt != attempt {
			t.Errorf("attempt counter = %d, want %d", claimed[0].Attempt, attempt)
		}
		if err := s.CompleteWorkItem(ctx, itemID, "w1", store.OutcomeFailed, store.CompleteOptions{Error: "boom"}); err != nil {
			t.Fatal(err)
		}
		clock.Advance(5 * time.Second)
	}

	item, _ := s.GetWorkItem(ctx, itemID)
	if item.Status != types.WorkItemFailed {
		t.Errorf("status = %s, want failed after max attempts", item.Status)
	}
	if claimed, _ := s.ClaimWorkItems(ctx, "w1", 1, time.Minute); len(claimed) != 0 {
		t.Error("terminally failed item must not be claimable")
	}
}

func TestAdminOps(t *testing.T) {
	s := New(testConfig())
	ctx := context.Background()

	for i := range 3 {
		if _, err := s.EnqueueWorkItem(ctx, newItem(fmt.Sprintf("r%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	claimed, _ := s.ClaimWorkItems(ctx, "w1", 1, time.Minute)
	_ = s.CompleteWorkItem(ctx, claimed[0].WorkItemID, "w1", store.OutcomeSucceeded, store.CompleteOptions{})

	moved, err := s.MarkSourceFailed(ctx, "stable_src")
	if err != nil {
		t.Fatal(err)
	}
	if moved != 2 {
		t.Errorf("MarkSourceFailed moved %d, want 2 (completed row untouched)", moved)
	}

	moved, err = s.ResetCompletedToPending(ctx, "stable_src")
	if err != nil {
		t.Fatal(err)
	}
	if moved != 1 {
		t.Errorf("ResetCompletedToPending moved %d, want 1", moved)
	}
}

func TestRunAndArtifactRows(t *testing.T) {
	s := New(testConfig())
	ctx := context.Background()

	job := newJob("k")
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	run := &types.Run{JobID: job.JobID, ModelName: "qwen2.5:7b"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	artifact := &types.Artifact{
		RunID:         run.RunID,
		ArtifactType:  types.ArtifactOutputJSON,
		Content:       []byte(`{"label":"stub"}`),
		ContentSHA256: "deadbeef",
		StoredInSQL:   true,
	}
	if err := s.InsertArtifact(ctx, artifact); err != nil {
		t.Fatalf("InsertArtifact failed: %v", err)
	}

	if err := s.FinishRun(ctx, run.RunID, types.RunSucceeded, []byte(`{"total_tokens":10}`), ""); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	// Runs are append-only after completion.
	if err := s.FinishRun(ctx, run.RunID, types.RunFailed, nil, "late"); err == nil {
		t.Error("second FinishRun should fail")
	}

	runs, _ := s.ListRunsForJob(ctx, job.JobID)
	if len(runs) != 1 || runs[0].Status != types.RunSucceeded {
		t.Errorf("ListRunsForJob = %+v", runs)
	}
	arts, _ := s.ListArtifactsForRun(ctx, run.RunID)
	if len(arts) != 1 || arts[0].ArtifactType != types.ArtifactOutputJSON {
		t.Errorf("ListArtifactsForRun = %+v", arts)
	}
}
