package types

import "testing"

func TestWorkItem_DedupeKey(t *testing.T) {
	item := &WorkItem{
		SourceSystem: "mediawiki",
		SourceName:   "enwiki",
		ResourceType: "page",
		ResourceID:   "42",
	}

	if got := item.DedupeKey(); got != "mediawiki:enwiki:page:42" {
		t.Errorf("DedupeKey() = %q, want %q", got, "mediawiki:enwiki:page:42")
	}

	item.Variant = "html"
	if got := item.DedupeKey(); got != "mediawiki:enwiki:page:42:html" {
		t.Errorf("DedupeKey() with variant = %q, want %q", got, "mediawiki:enwiki:page:42:html")
	}
}

func TestWorkItem_Validate(t *testing.T) {
	item := &WorkItem{
		SourceSystem: "mediawiki",
		SourceName:   "enwiki",
		ResourceType: "page",
		ResourceID:   "42",
		RequestURI:   "https://en.wikipedia.org/w/api.php?page=42",
	}
	if err := item.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	item.ResourceID = ""
	if err := item.Validate(); err == nil {
		t.Error("Validate() with empty resource_id should fail")
	}
}

func TestJob_Validate(t *testing.T) {
	job := &Job{InterrogationKey: "page_classification.v2", MaxAttempts: 3}
	if err := job.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	job.MaxAttempts = 0
	if err := job.Validate(); err == nil {
		t.Error("Validate() with max_attempts=0 should fail")
	}

	job = &Job{MaxAttempts: 3}
	if err := job.Validate(); err == nil {
		t.Error("Validate() without interrogation_key should fail")
	}
}

func TestArtifact_Validate(t *testing.T) {
	a := &Artifact{
		ArtifactType:  ArtifactOutputJSON,
		ContentSHA256: "abc",
		StoredInSQL:   true,
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	a.StoredInSQL = false
	if err := a.Validate(); err == nil {
		t.Error("Validate() with neither storage flag should fail")
	}

	a.MirroredToLake = true
	if err := a.Validate(); err == nil {
		t.Error("Validate() mirrored without lake_uri should fail")
	}

	a.LakeURI = "lake://llm_runs/2025/01/02/r1/output_json.json"
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestStatusTerminality(t *testing.T) {
	if !JobDead.IsTerminal() || !JobSucceeded.IsTerminal() {
		t.Error("dead and succeeded must be terminal")
	}
	if JobQueued.IsTerminal() || JobRunning.IsTerminal() || JobFailed.IsTerminal() {
		t.Error("queued, running, failed must not be terminal (failed may requeue)")
	}
	if !WorkItemCompleted.IsTerminal() || WorkItemPending.IsTerminal() {
		t.Error("work item terminality wrong")
	}
}
