package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

const defaultResultsTable = "rank_results"

// ResultStore appends terminal outcomes to a results table.
type ResultStore struct {
	pool  Pool
	table string
	now   func() time.Time
}

// NewResultStore constructs a ResultStore on an existing pool. The pool is
// owned by the caller.
func NewResultStore(pool Pool, table string, clock rank.Clock) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, defaultResultsTable)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &ResultStore{pool: pool, table: name, now: now}, nil
}

// Emit inserts one result row.
func (s *ResultStore) Emit(ctx context.Context, item rank.WorkItem, res rank.RankResult) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	task_id,
	keyword,
	target,
	status,
	resolved_id,
	total_rank,
	organic_rank,
	is_ad,
	page_number,
	page_position,
	pages_scanned,
	source,
	abandoned,
	error,
	duration_ms,
	recorded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)`, s.table)

	var totalRank, organicRank, pageNumber, pagePosition any
	var isAd any
	if res.Found() {
		totalRank = res.Entry.TotalRank
		isAd = res.Entry.IsAd
		pageNumber = res.PageNumber
		pagePosition = res.PagePosition
		if res.Entry.HasOrganicRank() {
			organicRank = res.Entry.OrganicRank
		}
	}
	args := []any{
		item.ID,
		item.Keyword,
		item.Target,
		string(res.Status),
		nullable(res.ResolvedID),
		totalRank,
		organicRank,
		isAd,
		pageNumber,
		pagePosition,
		res.PagesScanned,
		nullable(string(res.Source)),
		res.Abandoned,
		nullable(res.ErrorText),
		res.Duration.Milliseconds(),
		s.now().UTC(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
