package postgres

import (
	"context"
	"fmt"
)

// EnsureSchema creates the task and result tables when they are missing.
func EnsureSchema(ctx context.Context, pool Pool, tasksTable, resultsTable string) error {
	tasks, err := tableName(tasksTable, defaultTasksTable)
	if err != nil {
		return err
	}
	results, err := tableName(resultsTable, defaultResultsTable)
	if err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          BIGSERIAL PRIMARY KEY,
	keyword     TEXT NOT NULL,
	target      TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	worker_id   TEXT,
	started_at  TIMESTAMPTZ,
	retry_count INTEGER NOT NULL DEFAULT 0
)`, tasks),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status, id)`, tasks, tasks),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            BIGSERIAL PRIMARY KEY,
	task_id       BIGINT NOT NULL,
	keyword       TEXT NOT NULL,
	target        TEXT NOT NULL,
	status        TEXT NOT NULL,
	resolved_id   TEXT,
	total_rank    INTEGER,
	organic_rank  INTEGER,
	is_ad         BOOLEAN,
	page_number   INTEGER,
	page_position INTEGER,
	pages_scanned INTEGER NOT NULL DEFAULT 0,
	source        TEXT,
	abandoned     BOOLEAN NOT NULL DEFAULT FALSE,
	error         TEXT,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	recorded_at   TIMESTAMPTZ NOT NULL
)`, results),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
