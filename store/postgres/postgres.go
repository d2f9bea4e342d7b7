// Package postgres provides the PostgreSQL Store implementation.
//
// Claims use FOR UPDATE SKIP LOCKED so concurrent claimers never hand the
// same row to two workers and never block each other. All queue mutations
// are per-row; lease recovery is folded into the claim predicate rather
// than a background sweeper.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pithecene-io/seam/store"
	"github.com/pithecene-io/seam/types"
)

//go:embed schema.sql
var schemaSQL string

// claimRetries bounds retries of a claim transaction that loses a deadlock
// or serialization race under high contention.
const claimRetries = 3

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
	cfg  store.Config
}

// New connects to PostgreSQL and verifies the connection.
// The connection string is standard PostgreSQL:
//
//	postgresql://[user[:password]@][host][:port][/dbname][?param=value&...]
func New(ctx context.Context, connString string, cfg store.Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, cfg: cfg}, nil
}

// NewWithPool wraps an existing pool. Used by tests.
func NewWithPool(pool *pgxpool.Pool, cfg store.Config) *Store {
	return &Store{pool: pool, cfg: cfg}
}

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// isRetryableTxError reports deadlock (40P01) and serialization (40001)
// failures, which a claim may retry.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// withClaimRetry runs fn, retrying claim-window races with a short jittered
// sleep. Anything non-retryable surfaces immediately.
func withClaimRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < claimRetries; attempt++ {
		if attempt > 0 {
			// 50-150ms jittered pause between contention retries.
			pause := time.Duration(50+rand.Intn(100)) * time.Millisecond
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(pause):
			}
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !isRetryableTxError(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, fmt.Errorf("claim contention persisted after %d attempts: %w", claimRetries, lastErr)
}

// marshalJSON renders a map for a JSONB column, passing NULL for empty.
func marshalJSON(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

func marshalHeaders(h map[string]string) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal headers: %w", err)
	}
	return b, nil
}

const workItemColumns = `work_item_id, source_system, source_name, resource_type, resource_id,
       variant, request_uri, request_method, request_headers, request_body,
       status, priority, attempt, available_utc,
       COALESCE(locked_by, ''), COALESCE(lock_expires_utc, 'epoch'::timestamptz),
       COALESCE(last_error, ''), metadata, created_utc, updated_utc`

func scanWorkItem(row pgx.Row) (*types.WorkItem, error) {
	item := &types.WorkItem{}
	var headers, metadata []byte
	err := row.Scan(
		&item.WorkItemID, &item.SourceSystem, &item.SourceName, &item.ResourceType, &item.ResourceID,
		&item.Variant, &item.RequestURI, &item.RequestMethod, &headers, &item.RequestBody,
		&item.Status, &item.Priority, &item.Attempt, &item.AvailableAt,
		&item.LockedBy, &item.LockExpiresAt,
		&item.LastError, &metadata, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &item.RequestHeaders); err != nil {
			return nil, fmt.Errorf("failed to decode request_headers: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return item, nil
}

// EnqueueWorkItem implements store.WorkItemStore.
// The dedupe key's unique index makes replays silent: a conflict reports
// duplicate (false) without error and leaves row counts unchanged.
func (s *Store) EnqueueWorkItem(ctx context.Context, item *types.WorkItem) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}
	if item.WorkItemID == "" {
		item.WorkItemID = types.NewID()
	}
	method := item.RequestMethod
	if method == "" {
		method = "GET"
	}
	headers, err := marshalHeaders(item.RequestHeaders)
	if err != nil {
		return false, err
	}
	metadata, err := marshalJSON(item.Metadata)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO work_items (work_item_id, source_system, source_name, resource_type, resource_id,
		                        variant, dedupe_key, request_uri, request_method, request_headers,
		                        request_body, priority, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		item.WorkItemID, item.SourceSystem, item.SourceName, item.ResourceType, item.ResourceID,
		item.Variant, item.DedupeKey(), item.RequestURI, method, headers,
		item.RequestBody, item.Priority, metadata,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue work item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimWorkItems implements store.WorkItemStore.
func (s *Store) ClaimWorkItems(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*types.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	return withClaimRetry(ctx, func(ctx context.Context) ([]*types.WorkItem, error) {
		rows, err := s.pool.Query(ctx, `
			WITH candidate AS (
				SELECT work_item_id FROM work_items
				WHERE attempt < $1
				  AND ((status = 'pending' AND available_utc <= now())
				    OR (status = 'in_progress' AND lock_expires_utc <= now()))
				ORDER BY priority DESC, created_utc ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			UPDATE work_items w
			SET status = 'in_progress',
			    locked_by = $3,
			    lock_expires_utc = now() + make_interval(secs => $4),
			    attempt = attempt + 1,
			    updated_utc = now()
			FROM candidate c
			WHERE w.work_item_id = c.work_item_id
			RETURNING `+workItemColumns,
			s.cfg.WorkItemMaxAttempts, limit, workerID, lease.Seconds(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to claim work items: %w", err)
		}
		defer rows.Close()

		var claimed []*types.WorkItem
		for rows.Next() {
			item, err := scanWorkItem(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan claimed work item: %w", err)
			}
			claimed = append(claimed, item)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to claim work items: %w", err)
		}
		return claimed, nil
	})
}

// HeartbeatWorkItem implements store.WorkItemStore.
func (s *Store) HeartbeatWorkItem(ctx context.Context, itemID, workerID string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET lock_expires_utc = now() + make_interval(secs => $1), updated_utc = now()
		WHERE work_item_id = $2 AND locked_by = $3
		  AND status = 'in_progress' AND lock_expires_utc > now()`,
		lease.Seconds(), itemID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to heartbeat work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// CompleteWorkItem implements store.WorkItemStore.
func (s *Store) CompleteWorkItem(ctx context.Context, itemID, workerID string, outcome store.Outcome, opts store.CompleteOptions) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempt int
	err = tx.QueryRow(ctx, `
		SELECT attempt FROM work_items
		WHERE work_item_id = $1 AND locked_by = $2 AND status = 'in_progress'
		FOR UPDATE`,
		itemID, workerID,
	).Scan(&attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("failed to load work item for complete: %w", err)
	}

	switch outcome {
	case store.OutcomeSucceeded, store.OutcomeSkipped:
		status := types.WorkItemCompleted
		if outcome == store.OutcomeSkipped {
			status = types.WorkItemSkipped
		}
		_, err = tx.Exec(ctx, `
			UPDATE work_items
			SET status = $1, locked_by = NULL, lock_expires_utc = NULL, updated_utc = now()
			WHERE work_item_id = $2`,
			string(status), itemID,
		)
	case store.OutcomeFailed:
		if !opts.Terminal && attempt < s.cfg.WorkItemMaxAttempts {
			delay := requeueDelay(attempt, s.cfg, opts.RetryAfter)
			_, err = tx.Exec(ctx, `
				UPDATE work_items
				SET status = 'pending', locked_by = NULL, lock_expires_utc = NULL,
				    available_utc = now() + make_interval(secs => $1),
				    last_error = $2, updated_utc = now()
				WHERE work_item_id = $3`,
				delay.Seconds(), opts.Error, itemID,
			)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE work_items
				SET status = 'failed', locked_by = NULL, lock_expires_utc = NULL,
				    last_error = $1, updated_utc = now()
				WHERE work_item_id = $2`,
				opts.Error, itemID,
			)
		}
	default:
		return fmt.Errorf("invalid outcome %q", outcome)
	}
	if err != nil {
		return fmt.Errorf("failed to complete work item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit complete: %w", err)
	}
	return nil
}

// GetWorkItem implements store.WorkItemStore.
func (s *Store) GetWorkItem(ctx context.Context, itemID string) (*types.WorkItem, error) {
	item, err := scanWorkItem(s.pool.QueryRow(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE work_item_id = $1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", itemID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	return item, nil
}

// WorkItemStats implements store.WorkItemStore. The aggregate reads
// committed rows only and never blocks ongoing claims.
func (s *Store) WorkItemStats(ctx context.Context) (store.Stats, error) {
	return s.statusCounts(ctx, `SELECT status, count(*) FROM work_items GROUP BY status`)
}

// MarkSourceFailed implements store.WorkItemStore.
func (s *Store) MarkSourceFailed(ctx context.Context, sourceName string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'failed', locked_by = NULL, lock_expires_utc = NULL, updated_utc = now()
		WHERE source_name = $1 AND status NOT IN ('completed', 'failed', 'skipped')`,
		sourceName,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark source failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ResetCompletedToPending implements store.WorkItemStore.
func (s *Store) ResetCompletedToPending(ctx context.Context, sourceName string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'pending', attempt = 0, available_utc = now(),
		    last_error = NULL, updated_utc = now()
		WHERE source_name = $1 AND status = 'completed'`,
		sourceName,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset completed items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// statusCounts runs a count-by-status aggregate.
func (s *Store) statusCounts(ctx context.Context, query string) (store.Stats, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := make(store.Stats)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	return stats, nil
}

// Verify Store implements store.Store.
var _ store.Store = (*Store)(nil)
