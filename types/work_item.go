// Package types defines core domain types for the seam runtime.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"fmt"
	"time"
)

// WorkItemStatus is the lifecycle status of an ingest work item.
type WorkItemStatus string

const (
	// WorkItemPending indicates the item is waiting to be claimed.
	WorkItemPending WorkItemStatus = "pending"
	// WorkItemInProgress indicates the item is claimed by a worker.
	WorkItemInProgress WorkItemStatus = "in_progress"
	// WorkItemCompleted indicates the item finished successfully.
	WorkItemCompleted WorkItemStatus = "completed"
	// WorkItemFailed indicates the item exhausted its attempts.
	WorkItemFailed WorkItemStatus = "failed"
	// WorkItemSkipped indicates the item was deliberately not processed.
	WorkItemSkipped WorkItemStatus = "skipped"
)

// IsTerminal returns true if the status admits no further transitions.
func (s WorkItemStatus) IsTerminal() bool {
	return s == WorkItemCompleted || s == WorkItemFailed || s == WorkItemSkipped
}

// WorkItem is one row of the ingest queue.
//
// The four-tuple (SourceSystem, SourceName, ResourceType, ResourceID) plus the
// optional Variant forms the natural key; its rendering is the dedupe key,
// unique across the table.
type WorkItem struct {
	WorkItemID   string
	SourceSystem string
	SourceName   string
	ResourceType string
	ResourceID   string

	RequestURI    string
	RequestMethod string
	// RequestHeaders are optional headers sent with the fetch.
	RequestHeaders map[string]string
	// RequestBody is the optional request body for non-GET fetches.
	RequestBody []byte

	// Variant distinguishes alternate renderings of the same resource
	// (e.g. "raw" vs "html"). Empty means unvariant. Part of the dedupe key.
	Variant string

	Status   WorkItemStatus
	Priority int
	Attempt  int

	// AvailableAt is the earliest instant the item may be (re)claimed.
	// Pushed into the future by retry backoff on failure.
	AvailableAt time.Time

	LockedBy      string
	LockExpiresAt time.Time

	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Metadata is an arbitrary caller-defined mapping carried with the item.
	Metadata map[string]any
}

// DedupeKey renders the natural key as
// source_system:source_name:resource_type:resource_id[:variant].
func (w *WorkItem) DedupeKey() string {
	key := fmt.Sprintf("%s:%s:%s:%s", w.SourceSystem, w.SourceName, w.ResourceType, w.ResourceID)
	if w.Variant != "" {
		key += ":" + w.Variant
	}
	return key
}

// Validate checks the fields required for enqueue.
func (w *WorkItem) Validate() error {
	if w.SourceSystem == "" || w.SourceName == "" || w.ResourceType == "" || w.ResourceID == "" {
		return fmt.Errorf("work item natural key incomplete: %q/%q/%q/%q",
			w.SourceSystem, w.SourceName, w.ResourceType, w.ResourceID)
	}
	if w.RequestURI == "" {
		return fmt.Errorf("work item %s has no request_uri", w.DedupeKey())
	}
	return nil
}
