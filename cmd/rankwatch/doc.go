// Package main hosts the rankwatch entrypoint.
//
// Architecture overview:
//   - Task store: (keyword, target) work items live in Postgres, an embedded Badger database,
//     or memory. Claims are atomic and stamped with this process's owner id; stale claims are
//     returned to pending before each cycle and on a cron schedule.
//   - Runner & pool: each cycle claims up to run.limit items and fans them out to run.workers
//     slots through an atomic cursor. Every slot opens a fresh Chrome session with its own
//     profile for each item and closes it afterwards.
//   - Engine: resolves the catalog id of the target, walks the portal search path like a
//     person would, then scans result pages. Pages after the first are read from the
//     intercepted search API response, falling back to scraping the rendered DOM.
//   - Block handling: interstitial pages abort the item. Repeated blocks across workers trigger
//     one egress rotation and a cooldown that every worker honors before navigating.
//   - Results: terminal outcomes go to the configured sinks (zap log, Postgres, Pub/Sub) before
//     the task row is deleted; retryable failures are requeued until lock.retry_max.
//   - Ops: /healthz, /readyz, /metrics and /v1/run on server.port; /v1/tasks enqueues work.
//
// Operational notes:
//   - SIGINT/SIGTERM stops handing out items. In-flight items finish within run.item_timeout
//     and claimed items that never started are released without spending a retry.
//   - Configuration comes from an optional YAML file, a .env file and RANKWATCH_* variables
//     (for example RANKWATCH_STORE_DSN, RANKWATCH_RUN_WORKERS).
//
// Quick checklist:
//   - Run once locally: go run ./cmd/rankwatch -keyword "wireless mouse" -target 82001
//   - Continuous service: set run.continuous=true and store.backend=postgres.
package main
