// Package runner implements the ingest loop: claim work items, fetch their
// resources, persist canonical exchange records to the lake, and enqueue
// whatever discovery finds in the responses.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/seam/connector"
	"github.com/pithecene-io/seam/lake"
	"github.com/pithecene-io/seam/log"
	"github.com/pithecene-io/seam/metrics"
	"github.com/pithecene-io/seam/record"
	"github.com/pithecene-io/seam/store"
	"github.com/pithecene-io/seam/types"
)

// Discoverer inspects a fetched response and yields further work items.
// Implementations are registered per runner; every discoverer sees every
// successful fetch.
type Discoverer interface {
	// Name identifies the discoverer in logs.
	Name() string

	// Discover extracts follow-up work items from a successful fetch.
	// Returned items are enqueued with dedupe; duplicates are dropped
	// silently.
	Discover(ctx context.Context, item *types.WorkItem, resp connector.Response) ([]*types.WorkItem, error)
}

// Config tunes the ingest runner.
type Config struct {
	WorkerID string `yaml:"worker_id"`

	// BatchSize is how many items one claim round-trip fetches.
	BatchSize int `yaml:"batch_size"`
	// MaxItems stops the runner after processing this many items.
	// Zero means unbounded.
	MaxItems int `yaml:"max_items"`

	LeaseSeconds      int           `yaml:"lease_seconds"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "runner"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 300
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Duration(c.LeaseSeconds) * time.Second / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Runner drains the ingest queue.
type Runner struct {
	cfg   Config
	store store.Store
	lake  lake.Store

	// connectors is keyed by source_system; an item with no connector is
	// unservable and fails terminally.
	connectors map[string]connector.Connector

	discoverers []Discoverer
	collector   *metrics.Collector
	logger      *log.SugaredLogger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithDiscoverer registers a discovery plugin. Order is invocation order.
func WithDiscoverer(d Discoverer) Option {
	return func(r *Runner) { r.discoverers = append(r.discoverers, d) }
}

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(r *Runner) { r.collector = c }
}

// New builds a Runner over the given connectors, keyed by source system.
func New(cfg Config, st store.Store, lk lake.Store, connectors map[string]connector.Connector, opts ...Option) *Runner {
	cfg = cfg.withDefaults()
	r := &Runner{
		cfg:        cfg,
		store:      st,
		lake:       lk,
		connectors: connectors,
		logger:     log.NewWorkerLogger(cfg.WorkerID).Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the queue until the context is canceled or MaxItems is reached.
// It returns the number of items processed.
func (r *Runner) Run(ctx context.Context) (int, error) {
	processed := 0
	for {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		limit := r.cfg.BatchSize
		if r.cfg.MaxItems > 0 {
			if remaining := r.cfg.MaxItems - processed; remaining < limit {
				limit = remaining
			}
		}
		if limit <= 0 {
			return processed, nil
		}

		items, err := r.store.ClaimWorkItems(ctx, r.cfg.WorkerID,
			limit, time.Duration(r.cfg.LeaseSeconds)*time.Second)
		if err != nil {
			return processed, fmt.Errorf("failed to claim work items: %w", err)
		}
		if len(items) == 0 {
			if r.cfg.MaxItems > 0 {
				// Bounded runs stop at queue exhaustion instead of polling.
				return processed, nil
			}
			select {
			case <-ctx.Done():
				return processed, ctx.Err()
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		for _, item := range items {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			r.collector.IncItemsClaimed()
			r.processItem(ctx, item)
			processed++
		}
	}
}

// ProcessBatch claims and processes one batch. It reports the number of items
// processed; zero means the queue had nothing claimable.
func (r *Runner) ProcessBatch(ctx context.Context) (int, error) {
	items, err := r.store.ClaimWorkItems(ctx, r.cfg.WorkerID,
		r.cfg.BatchSize, time.Duration(r.cfg.LeaseSeconds)*time.Second)
	if err != nil {
		return 0, fmt.Errorf("failed to claim work items: %w", err)
	}
	for _, item := range items {
		r.collector.IncItemsClaimed()
		r.processItem(ctx, item)
	}
	return len(items), nil
}

func (r *Runner) processItem(ctx context.Context, item *types.WorkItem) {
	itemCtx, stopHeartbeat := r.startHeartbeat(ctx, item.WorkItemID)
	defer stopHeartbeat()

	logger := r.logger.With("work_item_id", item.WorkItemID, "dedupe_key", item.DedupeKey())

	conn, ok := r.connectors[item.SourceSystem]
	if !ok {
		r.fail(ctx, item, store.CompleteOptions{
			Error:    fmt.Sprintf("no connector for source_system %q", item.SourceSystem),
			Terminal: true,
		})
		return
	}

	resp := conn.Fetch(itemCtx, connector.Request{
		URI:     item.RequestURI,
		Method:  item.RequestMethod,
		Headers: item.RequestHeaders,
		Body:    item.RequestBody,
	})
	if !resp.OK() {
		r.collector.IncFetchFailure()
		r.fail(ctx, item, failureOptions(resp))
		return
	}
	r.collector.IncFetchSuccess()

	observedAt := time.Now().UTC()
	if err := r.persistExchange(itemCtx, item, resp, observedAt); err != nil {
		logger.Warnf("lake write failed: %v", err)
		r.fail(ctx, item, store.CompleteOptions{Error: err.Error()})
		return
	}

	discovered, deduped := r.discover(itemCtx, item, resp)
	if discovered > 0 {
		logger.Infof("discovery enqueued %d items (%d duplicates dropped)", discovered, deduped)
	}

	if err := r.store.CompleteWorkItem(ctx, item.WorkItemID, r.cfg.WorkerID,
		store.OutcomeSucceeded, store.CompleteOptions{}); err != nil {
		logger.Errorf("failed to complete work item: %v", err)
		return
	}
	r.collector.IncItemsCompleted()
}

// failureOptions maps a failed response onto completion options per the
// upstream error taxonomy: 429 and 5xx retry, other 4xx are terminal,
// transport errors (status 0) retry.
func failureOptions(resp connector.Response) store.CompleteOptions {
	opts := store.CompleteOptions{RetryAfter: resp.RetryAfter}
	switch {
	case resp.StatusCode == 0:
		opts.Error = resp.ErrorMessage
	case resp.StatusCode == 429:
		opts.Error = "upstream rate limited (429)"
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		opts.Error = fmt.Sprintf("upstream rejected request (%d)", resp.StatusCode)
		opts.Terminal = true
	default:
		opts.Error = fmt.Sprintf("upstream error (%d)", resp.StatusCode)
	}
	return opts
}

func (r *Runner) fail(ctx context.Context, item *types.WorkItem, opts store.CompleteOptions) {
	if err := r.store.CompleteWorkItem(ctx, item.WorkItemID, r.cfg.WorkerID,
		store.OutcomeFailed, opts); err != nil {
		r.logger.Errorf("failed to record failure for %s: %v", item.WorkItemID, err)
		return
	}
	r.collector.IncItemsFailed()
}

// persistExchange writes the canonical exchange record at its deterministic
// lake path. Re-fetches of identical content skip on digest match, which is
// what makes the loop safe under at-least-once delivery.
func (r *Runner) persistExchange(ctx context.Context, item *types.WorkItem, resp connector.Response, observedAt time.Time) error {
	exchange, err := record.FromFetch(item, resp, observedAt)
	if err != nil {
		return err
	}
	data, err := exchange.LakeJSON()
	if err != nil {
		return err
	}

	id := item.ResourceID
	if item.Variant != "" {
		id += "." + item.Variant
	}
	lakePath := lake.IngestPath("exchanges", item.SourceSystem, item.SourceName,
		item.ResourceType, observedAt, id, "json")

	result, err := r.lake.Put(ctx, lakePath, data)
	if err != nil {
		r.collector.IncLakeWriteFailure()
		return fmt.Errorf("failed to write exchange to lake: %w", err)
	}
	switch result.Status {
	case lake.StatusWritten:
		r.collector.IncLakeWriteSuccess()
	case lake.StatusSkipped:
		r.collector.IncLakeWriteSkipped()
	}
	return nil
}

// discover runs every discoverer over the response and enqueues the yield.
// Discoverer errors are logged and skipped; a bad parser must not fail an
// otherwise completed fetch.
func (r *Runner) discover(ctx context.Context, item *types.WorkItem, resp connector.Response) (enqueued, deduped int) {
	for _, d := range r.discoverers {
		found, err := d.Discover(ctx, item, resp)
		if err != nil {
			r.logger.Warnf("discoverer %s failed on %s: %v", d.Name(), item.DedupeKey(), err)
			continue
		}
		for _, next := range found {
			accepted, err := r.store.EnqueueWorkItem(ctx, next)
			if err != nil {
				r.logger.Warnf("failed to enqueue discovered item %s: %v", next.DedupeKey(), err)
				continue
			}
			if accepted {
				enqueued++
				r.collector.IncDiscovered()
			} else {
				deduped++
				r.collector.IncDiscoveredDeduped()
			}
		}
	}
	return enqueued, deduped
}

// startHeartbeat extends the item lease until the returned stop function
// runs. A lost lease cancels the item context.
func (r *Runner) startHeartbeat(ctx context.Context, itemID string) (context.Context, func()) {
	itemCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	lease := time.Duration(r.cfg.LeaseSeconds) * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-itemCtx.Done():
				return
			case <-ticker.C:
				if err := r.store.HeartbeatWorkItem(itemCtx, itemID, r.cfg.WorkerID, lease); err != nil {
					if errors.Is(err, store.ErrLeaseLost) {
						r.collector.IncLeasesLost()
						r.logger.Warnf("lease lost for %s, canceling", itemID)
						cancel()
						return
					}
					r.logger.Warnf("heartbeat failed for %s: %v", itemID, err)
				}
			}
		}
	}()

	return itemCtx, func() {
		close(done)
		cancel()
		wg.Wait()
	}
}
