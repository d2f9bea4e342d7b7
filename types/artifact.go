package types

import (
	"errors"
	"time"
)

// ArtifactType classifies a run output.
type ArtifactType string

const (
	// ArtifactRequestJSON is the request envelope sent to the provider.
	ArtifactRequestJSON ArtifactType = "request_json"
	// ArtifactResponseJSON is the raw provider response.
	ArtifactResponseJSON ArtifactType = "response_json"
	// ArtifactPromptText is the rendered prompt text.
	ArtifactPromptText ArtifactType = "prompt_text"
	// ArtifactEvidenceBundle is the bounded evidence attached to the run.
	ArtifactEvidenceBundle ArtifactType = "evidence_bundle"
	// ArtifactOutputJSON is the structured, schema-validated output.
	ArtifactOutputJSON ArtifactType = "output_json"
)

// Artifact is a durable, content-addressed output of one run.
//
// Storage is declared per artifact: StoredInSQL keeps the payload inline in
// Content; MirroredToLake writes it to the lake at LakeURI. At least one must
// hold, and ContentSHA256 always covers the canonical bytes regardless of
// where they live.
type Artifact struct {
	ArtifactID string
	RunID      string

	ArtifactType ArtifactType

	// LakeURI is set iff MirroredToLake.
	LakeURI string
	// Content holds the full payload when StoredInSQL.
	Content         []byte
	ContentMIMEType string

	ContentSHA256 string
	ByteCount     int64

	StoredInSQL    bool
	MirroredToLake bool

	CreatedAt time.Time

	// Metadata carries artifact-specific annotations, e.g. redaction notes.
	Metadata map[string]any
}

// Validate enforces the storage invariant.
func (a *Artifact) Validate() error {
	if !a.StoredInSQL && !a.MirroredToLake {
		return errors.New("artifact must be stored in sql, mirrored to lake, or both")
	}
	if a.MirroredToLake && a.LakeURI == "" {
		return errors.New("artifact mirrored to lake must carry a lake_uri")
	}
	if a.ContentSHA256 == "" {
		return errors.New("artifact must carry content_sha256")
	}
	return nil
}
