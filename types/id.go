package types

import "github.com/google/uuid"

// NewID mints an opaque 128-bit identifier for queue rows, runs, and
// artifacts. Identifiers are random; ordering always comes from timestamps
// and priorities, never from id comparison.
func NewID() string {
	return uuid.NewString()
}
