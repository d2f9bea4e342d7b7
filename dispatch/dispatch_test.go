package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/seam/adapter"
	"github.com/pithecene-io/seam/lake"
	"github.com/pithecene-io/seam/llm"
	"github.com/pithecene-io/seam/registry"
	"github.com/pithecene-io/seam/store"
	"github.com/pithecene-io/seam/store/mem"
	"github.com/pithecene-io/seam/types"
)

type stubAdapter struct {
	mu     sync.Mutex
	events []*adapter.JobCompletedEvent
}

func (a *stubAdapter) Publish(_ context.Context, event *adapter.JobCompletedEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *stubAdapter) Close() error { return nil }

var _ adapter.Adapter = (*stubAdapter)(nil)

func testInput(t *testing.T) []byte {
	t.Helper()
	input, err := json.Marshal(map[string]any{
		"entity_type": "page",
		"entity_id":   "p-123",
		"evidence": []map[string]string{
			{"name": "page:p-123", "content": "An article about tidal power."},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return input
}

func enqueueClassification(t *testing.T, st store.Store, maxAttempts int) string {
	t.Helper()
	job := &types.Job{
		InterrogationKey: "page_classification.v2",
		InputJSON:        testInput(t),
		MaxAttempts:      maxAttempts,
		Priority:         100,
	}
	if err := st.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job.JobID
}

func newTestDispatcher(t *testing.T, mode registry.ExecutionMode, client llm.Client, opts ...Option) (*Dispatcher, *mem.Store, *lake.StubStore) {
	t.Helper()
	st := mem.New(store.DefaultConfig())
	lk := lake.NewStubStore()
	reg := registry.New()
	if err := RegisterBuiltins(reg, client, nil, "stub-model"); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	d := New(Config{Mode: mode, LeaseSeconds: 30}, st, reg, lk, opts...)
	return d, st, lk
}

func TestProcessNextEmptyQueue(t *testing.T) {
	d, _, _ := newTestDispatcher(t, registry.ModeLive, llm.NewStub("{}"))
	processed, err := d.ProcessNext(context.Background(), "w-0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed {
		t.Fatal("processed should be false on an empty queue")
	}
}

func TestDispatchSucceeded(t *testing.T) {
	ctx := context.Background()
	stub := llm.NewStub(`{"category":"article","confidence":0.92,"rationale":"energy reporting"}`)
	d, st, lk := newTestDispatcher(t, registry.ModeLive, stub)

	jobID := enqueueClassification(t, st, 3)
	processed, err := d.ProcessNext(ctx, "w-0")
	if err != nil || !processed {
		t.Fatalf("processed=%v err=%v", processed, err)
	}

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != types.JobSucceeded {
		t.Fatalf("job status = %s, want succeeded", job.Status)
	}

	runs, err := st.ListRunsForJob(ctx, jobID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs=%d err=%v", len(runs), err)
	}
	run := runs[0]
	if run.Status != types.RunSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}
	var runMetrics map[string]any
	if err := json.Unmarshal(run.MetricsJSON, &runMetrics); err != nil {
		t.Fatalf("metrics_json: %v", err)
	}
	if runMetrics["total_tokens"] != float64(15) {
		t.Fatalf("total_tokens = %v, want 15", runMetrics["total_tokens"])
	}
	if runMetrics["execution_mode"] != "live" {
		t.Fatalf("execution_mode = %v", runMetrics["execution_mode"])
	}

	artifacts, err := st.ListArtifactsForRun(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	byType := map[types.ArtifactType]*types.Artifact{}
	for _, a := range artifacts {
		byType[a.ArtifactType] = a
	}
	for _, want := range []types.ArtifactType{
		types.ArtifactPromptText, types.ArtifactEvidenceBundle,
		types.ArtifactOutputJSON, types.ArtifactRequestJSON, types.ArtifactResponseJSON,
	} {
		if byType[want] == nil {
			t.Fatalf("missing artifact %s", want)
		}
	}

	bundle := byType[types.ArtifactEvidenceBundle]
	if !bundle.MirroredToLake || bundle.LakeURI == "" {
		t.Fatalf("evidence bundle should be lake-mirrored, got %+v", bundle)
	}
	if bundle.StoredInSQL {
		t.Fatal("evidence bundle should be lake-only")
	}
	if lk.Len() != 2 {
		t.Fatalf("lake blobs = %d, want 2 (evidence bundle + raw response)", lk.Len())
	}

	output := byType[types.ArtifactOutputJSON]
	if !output.StoredInSQL || len(output.Content) == 0 {
		t.Fatalf("output_json should be inline, got %+v", output)
	}
	if output.ContentSHA256 == "" {
		t.Fatal("output_json missing content_sha256")
	}
}

func TestDispatchDryRunHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	stub := llm.NewStub(`{"category":"article","confidence":0.9}`)
	d, st, lk := newTestDispatcher(t, registry.ModeDryRun, stub)

	jobID := enqueueClassification(t, st, 3)
	if _, err := d.ProcessNext(ctx, "w-0"); err != nil {
		t.Fatal(err)
	}

	if stub.CallCount() != 0 {
		t.Fatalf("dry run made %d chat calls, want 0", stub.CallCount())
	}
	if lk.Len() != 0 || len(lk.Puts) != 0 {
		t.Fatalf("dry run wrote %d lake blobs, want 0", lk.Len())
	}

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != types.JobSucceeded {
		t.Fatalf("job status = %s, want succeeded", job.Status)
	}

	runs, _ := st.ListRunsForJob(ctx, jobID)
	artifacts, _ := st.ListArtifactsForRun(ctx, runs[0].RunID)
	var sawOutput bool
	for _, a := range artifacts {
		if a.MirroredToLake {
			t.Fatalf("dry run artifact %s mirrored to lake", a.ArtifactType)
		}
		if a.ArtifactType == types.ArtifactOutputJSON {
			sawOutput = true
			if !strings.Contains(string(a.Content), "dry_run") {
				t.Fatalf("dry run output missing marker: %s", a.Content)
			}
		}
	}
	if !sawOutput {
		t.Fatal("dry run produced no output_json artifact")
	}
}

func TestDispatchNoHandlerIsTerminal(t *testing.T) {
	ctx := context.Background()
	d, st, _ := newTestDispatcher(t, registry.ModeLive, llm.NewStub("{}"))

	job := &types.Job{
		InterrogationKey: "does_not_exist.v1",
		InputJSON:        []byte(`{}`),
		MaxAttempts:      3,
	}
	if err := st.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ProcessNext(ctx, "w-0"); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.JobDead {
		t.Fatalf("job status = %s, want dead (no retries for a missing handler)", got.Status)
	}
	if !strings.Contains(got.LastError, "no handler registered") {
		t.Fatalf("last_error = %q", got.LastError)
	}
}

func TestDispatchInvalidEnvelopeIsTerminal(t *testing.T) {
	ctx := context.Background()
	d, st, _ := newTestDispatcher(t, registry.ModeLive, llm.NewStub("{}"))

	job := &types.Job{
		InterrogationKey: "page_classification.v2",
		InputJSON:        []byte(`{"entity_type":"page"}`),
		MaxAttempts:      3,
	}
	if err := st.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ProcessNext(ctx, "w-0"); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetJob(ctx, job.JobID)
	if got.Status != types.JobDead {
		t.Fatalf("job status = %s, want dead", got.Status)
	}
}

func TestDispatchProviderFailureRequeues(t *testing.T) {
	ctx := context.Background()
	stub := &llm.StubClient{Responses: []llm.ChatResponse{{ErrorMessage: "connection refused"}}}
	d, st, _ := newTestDispatcher(t, registry.ModeLive, stub)

	jobID := enqueueClassification(t, st, 3)
	if _, err := d.ProcessNext(ctx, "w-0"); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetJob(ctx, jobID)
	if got.Status != types.JobQueued {
		t.Fatalf("job status = %s, want queued (provider failures retry)", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if !strings.Contains(got.LastError, "connection refused") {
		t.Fatalf("last_error = %q", got.LastError)
	}
	if !got.AvailableAt.After(time.Now().UTC()) {
		t.Fatal("available_utc should be pushed into the future by backoff")
	}
}

func TestDispatchSchemaViolationIsTerminal(t *testing.T) {
	ctx := context.Background()
	stub := llm.NewStub("not json at all")
	d, st, _ := newTestDispatcher(t, registry.ModeLive, stub)

	jobID := enqueueClassification(t, st, 3)
	if _, err := d.ProcessNext(ctx, "w-0"); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetJob(ctx, jobID)
	if got.Status != types.JobDead {
		t.Fatalf("job status = %s, want dead (schema violations never retry)", got.Status)
	}
	runs, _ := st.ListRunsForJob(ctx, jobID)
	if len(runs) != 1 || runs[0].Status != types.RunFailed {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestDispatchPanicRecovery(t *testing.T) {
	ctx := context.Background()
	st := mem.New(store.DefaultConfig())
	reg := registry.New()
	err := reg.Register(&registry.JobTypeDefinition{
		JobType:          "panicky",
		InterrogationKey: "panicky.v1",
		MaxAttempts:      3,
		Handler: func(context.Context, *types.Job, *registry.RunContext) types.HandlerResult {
			panic("boom")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	d := New(Config{LeaseSeconds: 30}, st, reg, lake.NewStubStore())

	job := &types.Job{InterrogationKey: "panicky.v1", MaxAttempts: 3}
	if err := st.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ProcessNext(ctx, "w-0"); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetJob(ctx, job.JobID)
	if got.Status != types.JobQueued {
		t.Fatalf("job status = %s, want queued (panics retry like failures)", got.Status)
	}
	if !strings.Contains(got.LastError, "handler panic: boom") {
		t.Fatalf("last_error = %q", got.LastError)
	}
}

func TestDispatchTimeout(t *testing.T) {
	ctx := context.Background()
	st := mem.New(store.DefaultConfig())
	reg := registry.New()
	err := reg.Register(&registry.JobTypeDefinition{
		JobType:          "slow",
		InterrogationKey: "slow.v1",
		MaxAttempts:      3,
		TimeoutSeconds:   1,
		Handler: func(ctx context.Context, _ *types.Job, _ *registry.RunContext) types.HandlerResult {
			<-ctx.Done()
			return types.Succeeded(nil, nil, nil)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	d := New(Config{LeaseSeconds: 30}, st, reg, lake.NewStubStore())

	job := &types.Job{InterrogationKey: "slow.v1", MaxAttempts: 3}
	if err := st.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ProcessNext(ctx, "w-0"); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetJob(ctx, job.JobID)
	if got.Status != types.JobQueued {
		t.Fatalf("job status = %s, want queued", got.Status)
	}
	if got.LastError != "timeout" {
		t.Fatalf("last_error = %q, want %q", got.LastError, "timeout")
	}
}

func TestDispatchSkippedClosesJobSucceeded(t *testing.T) {
	ctx := context.Background()
	st := mem.New(store.DefaultConfig())
	reg := registry.New()
	err := reg.Register(&registry.JobTypeDefinition{
		JobType:          "skipper",
		InterrogationKey: "skipper.v1",
		MaxAttempts:      3,
		Handler: func(context.Context, *types.Job, *registry.RunContext) types.HandlerResult {
			return types.Skipped("nothing to classify")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	d := New(Config{LeaseSeconds: 30}, st, reg, lake.NewStubStore())

	job := &types.Job{InterrogationKey: "skipper.v1", MaxAttempts: 3}
	if err := st.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ProcessNext(ctx, "w-0"); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetJob(ctx, job.JobID)
	if got.Status != types.JobSucceeded {
		t.Fatalf("job status = %s, want succeeded (the skip is the outcome)", got.Status)
	}
	runs, _ := st.ListRunsForJob(ctx, job.JobID)
	if len(runs) != 1 || runs[0].Status != types.RunSkipped {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Error != "nothing to classify" {
		t.Fatalf("skip reason = %q", runs[0].Error)
	}
}

func TestDispatchPublishesTerminalEvent(t *testing.T) {
	ctx := context.Background()
	bus := &stubAdapter{}
	stub := llm.NewStub(`{"category":"article","confidence":0.9}`)
	d, st, _ := newTestDispatcher(t, registry.ModeLive, stub, WithAdapter(bus))

	jobID := enqueueClassification(t, st, 3)
	if _, err := d.ProcessNext(ctx, "w-0"); err != nil {
		t.Fatal(err)
	}

	if len(bus.events) != 1 {
		t.Fatalf("events = %d, want 1", len(bus.events))
	}
	ev := bus.events[0]
	if ev.EventType != "job_completed" || ev.JobID != jobID {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Status != "succeeded" || ev.RunStatus != "succeeded" {
		t.Fatalf("event status = %s/%s", ev.Status, ev.RunStatus)
	}
	if ev.RunID == "" {
		t.Fatal("event missing run_id")
	}
}

func TestDispatchDoesNotPublishOnRequeue(t *testing.T) {
	ctx := context.Background()
	bus := &stubAdapter{}
	stub := &llm.StubClient{Responses: []llm.ChatResponse{{ErrorMessage: "transient"}}}
	d, st, _ := newTestDispatcher(t, registry.ModeLive, stub, WithAdapter(bus))

	enqueueClassification(t, st, 3)
	if _, err := d.ProcessNext(ctx, "w-0"); err != nil {
		t.Fatal(err)
	}
	if len(bus.events) != 0 {
		t.Fatalf("requeued job published %d events, want 0", len(bus.events))
	}
}

func TestDispatchArtifactFailureFailsAttempt(t *testing.T) {
	ctx := context.Background()
	st := mem.New(store.DefaultConfig())
	lk := lake.NewStubStore()
	lk.FailPut = errors.New("disk full")
	reg := registry.New()
	stub := llm.NewStub(`{"category":"article","confidence":0.9}`)
	if err := RegisterBuiltins(reg, stub, nil, "stub-model"); err != nil {
		t.Fatal(err)
	}
	d := New(Config{Mode: registry.ModeLive, LeaseSeconds: 30}, st, reg, lk)

	jobID := enqueueClassification(t, st, 3)
	if _, err := d.ProcessNext(ctx, "w-0"); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetJob(ctx, jobID)
	if got.Status != types.JobQueued {
		t.Fatalf("job status = %s, want queued (lake failures are retryable)", got.Status)
	}
	if !strings.Contains(got.LastError, "disk full") {
		t.Fatalf("last_error = %q", got.LastError)
	}
}

func TestRunDrainsOnCancel(t *testing.T) {
	st := mem.New(store.DefaultConfig())
	reg := registry.New()
	stub := llm.NewStub(`{"category":"article","confidence":0.9}`)
	if err := RegisterBuiltins(reg, stub, nil, "stub-model"); err != nil {
		t.Fatal(err)
	}
	d := New(Config{MaxWorkers: 2, PollInterval: 10 * time.Millisecond, LeaseSeconds: 30},
		st, reg, lake.NewStubStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	jobID := enqueueClassification(t, st, 3)
	deadline := time.After(2 * time.Second)
	for {
		job, err := st.GetJob(context.Background(), jobID)
		if err == nil && job.Status.IsTerminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never reached a terminal status")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not drain after cancel")
	}
}
