// Package chunk provides deterministic, offset-preserving text chunking.
//
// Chunking is byte-based: chunk_size and overlap count bytes of the input,
// and every chunk records offsets into the ORIGINAL content such that
// content[start:end] equals the chunk's bytes exactly. Determinism is the
// point: the same (content, source, policy version) always yields the same
// chunk list and the same chunk ids, so downstream stores can dedupe on
// chunk_id across re-runs.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pithecene-io/seam/canonical"
)

// Policy controls how a source's content is windowed.
type Policy struct {
	// ChunkSize is the maximum chunk length in bytes.
	ChunkSize int `yaml:"chunk_size"`
	// Overlap is how many bytes consecutive chunks share. The window step
	// is ChunkSize - Overlap.
	Overlap int `yaml:"overlap"`
	// MaxChunksPerSource truncates the chunk list when positive.
	MaxChunksPerSource int `yaml:"max_chunks_per_source"`
	// Version participates in chunk id derivation; bump it whenever the
	// policy changes so old and new chunks never collide.
	Version string `yaml:"version"`
}

// Validate checks the windowing bounds.
func (p Policy) Validate() error {
	if p.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", p.ChunkSize)
	}
	if p.Overlap < 0 || p.Overlap >= p.ChunkSize {
		return fmt.Errorf("overlap must satisfy 0 <= overlap < chunk_size, got %d", p.Overlap)
	}
	return nil
}

// Offsets locates a chunk inside its original content.
type Offsets struct {
	Start      int `json:"start"`
	End        int `json:"end"`
	ChunkIndex int `json:"chunk_index"`
}

// Chunk is one window of a source's content.
type Chunk struct {
	// ChunkID is deterministic over (source_id, source_type, chunk_index,
	// policy version). Identical content under different sources yields
	// different ids.
	ChunkID string

	SourceID   string
	SourceType string
	// SourceRef optionally points back at the source, e.g. a lake URI.
	SourceRef string

	Content       []byte
	ContentSHA256 string
	ByteCount     int

	Offsets Offsets

	// Policy is the snapshot the chunk was produced under.
	Policy Policy
}

// ID derives the deterministic chunk id.
func ID(sourceID, sourceType string, chunkIndex int, policyVersion string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%s", sourceID, sourceType, chunkIndex, policyVersion))
	return hex.EncodeToString(sum[:])
}

// Split windows content per the policy. Empty content yields an empty list.
func Split(content []byte, sourceID, sourceType, sourceRef string, policy Policy) ([]Chunk, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, nil
	}

	step := policy.ChunkSize - policy.Overlap
	var chunks []Chunk
	for start, index := 0, 0; start < len(content); start, index = start+step, index+1 {
		if policy.MaxChunksPerSource > 0 && index >= policy.MaxChunksPerSource {
			break
		}
		end := start + policy.ChunkSize
		if end > len(content) {
			end = len(content)
		}
		window := content[start:end]
		chunks = append(chunks, Chunk{
			ChunkID:       ID(sourceID, sourceType, index, policy.Version),
			SourceID:      sourceID,
			SourceType:    sourceType,
			SourceRef:     sourceRef,
			Content:       window,
			ContentSHA256: canonical.HashBytes(window),
			ByteCount:     len(window),
			Offsets:       Offsets{Start: start, End: end, ChunkIndex: index},
			Policy:        policy,
		})
		if end == len(content) {
			break
		}
	}
	return chunks, nil
}
