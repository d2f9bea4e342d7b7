// Package metrics provides counter collection for worker loops.
//
// The Collector accumulates counters for one runner or dispatcher process.
// It is a leaf package with no internal dependencies. Counters are absorbed
// into run metrics_json at completion rather than exported live.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Ingest queue
	ItemsClaimed   int64
	ItemsCompleted int64
	ItemsFailed    int64
	ItemsSkipped   int64

	// Connector
	FetchSuccess int64
	FetchFailure int64

	// Lake
	LakeWriteSuccess int64
	LakeWriteSkipped int64
	LakeWriteFailure int64

	// Discovery
	Discovered        int64
	DiscoveredDeduped int64

	// LLM queue
	JobsClaimed   int64
	RunsStarted   int64
	RunsSucceeded int64
	RunsFailed    int64
	RunsSkipped   int64
	LeasesLost    int64

	// Dimensions (informational, set at construction)
	WorkerID string
	Backend  string
}

// Collector accumulates counters for one worker process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	itemsClaimed   int64
	itemsCompleted int64
	itemsFailed    int64
	itemsSkipped   int64

	fetchSuccess int64
	fetchFailure int64

	lakeWriteSuccess int64
	lakeWriteSkipped int64
	lakeWriteFailure int64

	discovered        int64
	discoveredDeduped int64

	jobsClaimed   int64
	runsStarted   int64
	runsSucceeded int64
	runsFailed    int64
	runsSkipped   int64
	leasesLost    int64

	workerID string
	backend  string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(workerID, backend string) *Collector {
	return &Collector{workerID: workerID, backend: backend}
}

// inc assumes the caller already handled a nil receiver.
func (c *Collector) inc(counter *int64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

// --- Ingest queue ---

// IncItemsClaimed records one claimed work item.
func (c *Collector) IncItemsClaimed() {
	if c == nil {
		return
	}
	c.inc(&c.itemsClaimed)
}

// IncItemsCompleted records one completed work item.
func (c *Collector) IncItemsCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.itemsCompleted)
}

// IncItemsFailed records one failed work item outcome.
func (c *Collector) IncItemsFailed() {
	if c == nil {
		return
	}
	c.inc(&c.itemsFailed)
}

// IncItemsSkipped records one skipped work item.
func (c *Collector) IncItemsSkipped() {
	if c == nil {
		return
	}
	c.inc(&c.itemsSkipped)
}

// --- Connector ---

// IncFetchSuccess records a 2xx fetch.
func (c *Collector) IncFetchSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.fetchSuccess)
}

// IncFetchFailure records a non-2xx or transport-failed fetch.
func (c *Collector) IncFetchFailure() {
	if c == nil {
		return
	}
	c.inc(&c.fetchFailure)
}

// --- Lake ---
// Lake counters are per-call. A skipped write is the idempotent no-op path,
// counted separately from success so replays are visible.

// IncLakeWriteSuccess records a written blob.
func (c *Collector) IncLakeWriteSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.lakeWriteSuccess)
}

// IncLakeWriteSkipped records an idempotent no-op write.
func (c *Collector) IncLakeWriteSkipped() {
	if c == nil {
		return
	}
	c.inc(&c.lakeWriteSkipped)
}

// IncLakeWriteFailure records a failed write.
func (c *Collector) IncLakeWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.lakeWriteFailure)
}

// --- Discovery ---

// IncDiscovered records a work item yielded by a discovery plugin.
func (c *Collector) IncDiscovered() {
	if c == nil {
		return
	}
	c.inc(&c.discovered)
}

// IncDiscoveredDeduped records a discovered item dropped as a duplicate.
func (c *Collector) IncDiscoveredDeduped() {
	if c == nil {
		return
	}
	c.inc(&c.discoveredDeduped)
}

// --- LLM queue ---

// IncJobsClaimed records one claimed job.
func (c *Collector) IncJobsClaimed() {
	if c == nil {
		return
	}
	c.inc(&c.jobsClaimed)
}

// IncRunStarted records a run entering running.
func (c *Collector) IncRunStarted() {
	if c == nil {
		return
	}
	c.inc(&c.runsStarted)
}

// IncRunSucceeded records a run finishing succeeded.
func (c *Collector) IncRunSucceeded() {
	if c == nil {
		return
	}
	c.inc(&c.runsSucceeded)
}

// IncRunFailed records a run finishing failed.
func (c *Collector) IncRunFailed() {
	if c == nil {
		return
	}
	c.inc(&c.runsFailed)
}

// IncRunSkipped records a run finishing skipped.
func (c *Collector) IncRunSkipped() {
	if c == nil {
		return
	}
	c.inc(&c.runsSkipped)
}

// IncLeasesLost records a heartbeat or complete rejected for a lost lease.
func (c *Collector) IncLeasesLost() {
	if c == nil {
		return
	}
	c.inc(&c.leasesLost)
}

// Snapshot returns an immutable point-in-time view of all counters.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		ItemsClaimed:   c.itemsClaimed,
		ItemsCompleted: c.itemsCompleted,
		ItemsFailed:    c.itemsFailed,
		ItemsSkipped:   c.itemsSkipped,

		FetchSuccess: c.fetchSuccess,
		FetchFailure: c.fetchFailure,

		LakeWriteSuccess: c.lakeWriteSuccess,
		LakeWriteSkipped: c.lakeWriteSkipped,
		LakeWriteFailure: c.lakeWriteFailure,

		Discovered:        c.discovered,
		DiscoveredDeduped: c.discoveredDeduped,

		JobsClaimed:   c.jobsClaimed,
		RunsStarted:   c.runsStarted,
		RunsSucceeded: c.runsSucceeded,
		RunsFailed:    c.runsFailed,
		RunsSkipped:   c.runsSkipped,
		LeasesLost:    c.leasesLost,

		WorkerID: c.workerID,
		Backend:  c.backend,
	}
}
