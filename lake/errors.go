package lake

import (
	"errors"
	"fmt"
)

// Sentinel errors for lake failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrNotFound indicates the target path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDigestConflict indicates the path already holds different bytes.
	// Content-addressed paths make this unreachable in normal operation;
	// seeing it means the path derivation inputs were tampered with.
	ErrDigestConflict = errors.New("digest conflict")
)

// PathError wraps an underlying error with the lake path involved.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("lake %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }
