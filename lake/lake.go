// Package lake provides deterministic, idempotent persistence of content
// blobs into the data lake.
//
// Every write is content-addressed: the digest is computed before any I/O,
// and a blob already present at the target path with the same digest is a
// no-op. Combined with deterministic path derivation this makes lake writes
// safe to repeat, which is how the at-least-once execution model stays
// byte-exact on re-runs.
package lake

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/pithecene-io/seam/canonical"
)

// WriteStatus reports what a Put actually did.
type WriteStatus string

const (
	// StatusWritten indicates new bytes landed at the path.
	StatusWritten WriteStatus = "written"
	// StatusSkipped indicates the path already held the same digest.
	StatusSkipped WriteStatus = "skipped"
)

// WriteResult describes one completed Put.
type WriteResult struct {
	// LakeURI is the path of the blob relative to the store base.
	LakeURI string
	// ContentSHA256 is the lowercase hex digest of the written bytes.
	ContentSHA256 string
	// ByteCount is the blob length.
	ByteCount int64
	// Status distinguishes a fresh write from an idempotent skip.
	Status WriteStatus
}

// Store persists content blobs at deterministic paths.
//
// Implementations must be idempotent: a Put to a path that already holds the
// same digest reports StatusSkipped without rewriting. A Put to a path
// holding different bytes is a digest conflict and fails.
type Store interface {
	// Put writes data at the given lake-relative path.
	Put(ctx context.Context, lakePath string, data []byte) (*WriteResult, error)

	// Get reads the blob at the given lake-relative path.
	Get(ctx context.Context, lakePath string) ([]byte, error)

	// Close releases store resources.
	Close() error
}

// IngestPath derives the lake path for an ingest record:
// <kind>/<source_system>/<source_name>/<resource_type>/YYYY/MM/DD/<id>.<ext>
//
// The function is pure; day partitioning uses the record's own timestamp in
// UTC, never the wall clock, so replays land at the same path.
func IngestPath(kind, sourceSystem, sourceName, resourceType string, day time.Time, id, ext string) string {
	d := day.UTC()
	return path.Join(
		kind,
		sourceSystem,
		sourceName,
		resourceType,
		fmt.Sprintf("%04d/%02d/%02d", d.Year(), d.Month(), d.Day()),
		id+"."+ext,
	)
}

// RunArtifactPath derives the lake path for an LLM run artifact:
// llm_runs/YYYY/MM/DD/<run_id>/<artifact_type>.<ext>
func RunArtifactPath(day time.Time, runID, artifactType, ext string) string {
	d := day.UTC()
	return path.Join(
		"llm_runs",
		fmt.Sprintf("%04d/%02d/%02d", d.Year(), d.Month(), d.Day()),
		runID,
		artifactType+"."+ext,
	)
}

// ExtForMIME maps the artifact MIME types this system emits to file
// extensions. Unknown types get "bin".
func ExtForMIME(mimeType string) string {
	switch mimeType {
	case "application/json":
		return "json"
	case "text/plain", "text/plain; charset=utf-8":
		return "txt"
	case "text/html":
		return "html"
	default:
		return "bin"
	}
}

// digestOf computes the content digest a store compares against.
func digestOf(data []byte) string {
	return canonical.HashBytes(data)
}
