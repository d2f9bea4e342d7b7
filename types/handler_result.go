package types

// ResultStatus is the tagged variant discriminator for handler results.
type ResultStatus string

const (
	// ResultSucceeded indicates the handler produced its declared output.
	ResultSucceeded ResultStatus = "succeeded"
	// ResultFailed indicates the handler failed; the dispatcher decides
	// between requeue and dead based on remaining attempts.
	ResultFailed ResultStatus = "failed"
	// ResultSkipped indicates the handler declined the job. The skip is the
	// outcome: the run closes as skipped and the job as succeeded.
	ResultSkipped ResultStatus = "skipped"
)

// ArtifactSpec is a handler's declaration of one output to persist.
// The dispatcher computes the content hash and applies the storage policy.
type ArtifactSpec struct {
	ArtifactType ArtifactType
	Content      []byte
	MIMEType     string

	StoredInSQL    bool
	MirroredToLake bool

	// Metadata carries artifact-specific annotations, e.g. redaction notes.
	Metadata map[string]any
}

// HandlerResult is the uniform result every job handler returns.
//
// The variant fields are mutually exclusive: Output/Artifacts/Metrics are
// meaningful only for succeeded, Err only for failed, SkipReason only for
// skipped.
type HandlerResult struct {
	Status ResultStatus

	// Output is the structured output payload (succeeded only).
	Output []byte
	// Artifacts are the outputs to persist (succeeded only).
	Artifacts []ArtifactSpec
	// Metrics is free-form run metrics merged into the run row.
	Metrics map[string]any

	// Err is the failure (failed only).
	Err error

	// SkipReason explains why the handler declined (skipped only).
	SkipReason string

	// ValidationErrors lists schema violations found in the provider output,
	// recorded for diagnostics on both failed and succeeded results.
	ValidationErrors []string
}

// Succeeded builds a succeeded result.
func Succeeded(output []byte, artifacts []ArtifactSpec, metrics map[string]any) HandlerResult {
	return HandlerResult{
		Status:    ResultSucceeded,
		Output:    output,
		Artifacts: artifacts,
		Metrics:   metrics,
	}
}

// Failed builds a failed result.
func Failed(err error) HandlerResult {
	return HandlerResult{Status: ResultFailed, Err: err}
}

// Skipped builds a skipped result with a reason.
func Skipped(reason string) HandlerResult {
	return HandlerResult{Status: ResultSkipped, SkipReason: reason}
}
