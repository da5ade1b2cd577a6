package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

const defaultTasksTable = "rank_tasks"

// Claim modes supported by TaskStore.
const (
	ClaimSkipLocked  = "skip_locked"
	ClaimConditional = "conditional"
)

// TaskStore keeps work items in a Postgres table. Every ownership transition
// is a single conditional statement, so concurrent processes never double-own
// a row.
type TaskStore struct {
	pool      Pool
	table     string
	claimMode string
}

// NewTaskStore constructs a store from an existing pool.
func NewTaskStore(pool Pool, table, claimMode string) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, defaultTasksTable)
	if err != nil {
		return nil, err
	}
	switch claimMode {
	case "":
		claimMode = ClaimSkipLocked
	case ClaimSkipLocked, ClaimConditional:
	default:
		return nil, fmt.Errorf("unknown claim mode %q", claimMode)
	}
	return &TaskStore{pool: pool, table: name, claimMode: claimMode}, nil
}

// Enqueue inserts a pending item.
func (s *TaskStore) Enqueue(ctx context.Context, keyword, target string) (rank.WorkItem, error) {
	item := rank.WorkItem{
		Keyword: strings.TrimSpace(keyword),
		Target:  strings.TrimSpace(target),
		Status:  rank.TaskPending,
	}
	query := fmt.Sprintf(`INSERT INTO %s (keyword, target, status, retry_count) VALUES ($1, $2, 'pending', 0) RETURNING id`, s.table)
	if err := s.pool.QueryRow(ctx, query, item.Keyword, item.Target).Scan(&item.ID); err != nil {
		return rank.WorkItem{}, fmt.Errorf("enqueue task: %w", err)
	}
	return item, nil
}

// Claim transitions up to limit pending rows to processing for owner.
func (s *TaskStore) Claim(ctx context.Context, owner string, limit int, now time.Time) ([]rank.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	var (
		items []rank.WorkItem
		err   error
	)
	if s.claimMode == ClaimConditional {
		items, err = s.claimConditional(ctx, owner, limit, now)
	} else {
		items, err = s.claimSkipLocked(ctx, owner, limit, now)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *TaskStore) claimSkipLocked(ctx context.Context, owner string, limit int, now time.Time) ([]rank.WorkItem, error) {
	query := fmt.Sprintf(`
UPDATE %[1]s SET status = 'processing', worker_id = $1, started_at = $2
WHERE id IN (
	SELECT id FROM %[1]s WHERE status = 'pending' ORDER BY id LIMIT $3 FOR UPDATE SKIP LOCKED
) AND status = 'pending'
RETURNING id, keyword, target, status, worker_id, started_at, retry_count`, s.table)
	rows, err := s.pool.Query(ctx, query, owner, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	return scanItems(rows)
}

func (s *TaskStore) claimConditional(ctx context.Context, owner string, limit int, now time.Time) ([]rank.WorkItem, error) {
	sel := fmt.Sprintf(`SELECT id FROM %s WHERE status = 'pending' ORDER BY id LIMIT $1`, s.table)
	rows, err := s.pool.Query(ctx, sel, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending tasks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("select pending tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	upd := fmt.Sprintf(`
UPDATE %s SET status = 'processing', worker_id = $1, started_at = $2
WHERE id = ANY($3) AND status = 'pending'
RETURNING id, keyword, target, status, worker_id, started_at, retry_count`, s.table)
	rows, err = s.pool.Query(ctx, upd, owner, now, ids)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	return scanItems(rows)
}

func scanItems(rows pgx.Rows) ([]rank.WorkItem, error) {
	defer rows.Close()
	var items []rank.WorkItem
	for rows.Next() {
		var (
			item   rank.WorkItem
			status string
		)
		if err := rows.Scan(&item.ID, &item.Keyword, &item.Target, &status, &item.WorkerID, &item.StartedAt, &item.RetryCount); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		item.Status = rank.TaskStatus(status)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

// RecoverStale resets processing rows whose started_at precedes olderThan.
func (s *TaskStore) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'pending', worker_id = NULL, started_at = NULL
WHERE status = 'processing' AND started_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Requeue returns an owned row to pending with the item's retry count.
func (s *TaskStore) Requeue(ctx context.Context, item rank.WorkItem) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'pending', worker_id = NULL, started_at = NULL, retry_count = $1
WHERE id = $2 AND status = 'processing' AND worker_id = $3`, s.table)
	tag, err := s.pool.Exec(ctx, query, item.RetryCount, item.ID, item.WorkerID)
	if err != nil {
		return fmt.Errorf("requeue task %d: %w", item.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requeue task %d: %w", item.ID, rank.ErrClaimLost)
	}
	return nil
}

// Touch restamps started_at on an owned row.
func (s *TaskStore) Touch(ctx context.Context, item rank.WorkItem, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET started_at = $1 WHERE id = $2 AND status = 'processing' AND worker_id = $3`, s.table)
	tag, err := s.pool.Exec(ctx, query, now, item.ID, item.WorkerID)
	if err != nil {
		return fmt.Errorf("touch task %d: %w", item.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch task %d: %w", item.ID, rank.ErrClaimLost)
	}
	return nil
}

// Delete removes an owned row.
func (s *TaskStore) Delete(ctx context.Context, item rank.WorkItem) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND status = 'processing' AND worker_id = $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, item.ID, item.WorkerID)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", item.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete task %d: %w", item.ID, rank.ErrClaimLost)
	}
	return nil
}

// Ping checks connectivity.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.Join(rank.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
