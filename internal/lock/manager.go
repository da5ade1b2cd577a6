// Package lock composes the task store primitives into the claim lifecycle:
// claim, stale recovery, finalize and release.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/clock/system"
	"github.com/JakeFAU/rankwatch/internal/metrics"
	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Config holds the retry budget and owner identity.
type Config struct {
	Owner         string
	RetryMax      int
	RetryNotFound bool
	RetryBlocked  bool
}

// Disposition is what Finalize did with an item.
type Disposition string

// Finalize outcomes.
const (
	Completed Disposition = "completed"
	Requeued  Disposition = "requeued"
	Abandoned Disposition = "abandoned"
)

// Manager owns every state transition of claimed items for one process.
type Manager struct {
	store  rank.TaskStore
	sink   rank.ResultSink
	clock  rank.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Manager.
func New(cfg Config, store rank.TaskStore, sink rank.ResultSink, clock rank.Clock, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("result sink is required")
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if cfg.RetryMax < 0 {
		return nil, fmt.Errorf("retry max must be >= 0")
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, sink: sink, clock: clock, cfg: cfg, logger: logger}, nil
}

// Owner returns the identity stamped on claimed rows.
func (m *Manager) Owner() string {
	return m.cfg.Owner
}

// Claim takes up to limit pending items for this owner.
func (m *Manager) Claim(ctx context.Context, limit int) ([]rank.WorkItem, error) {
	items, err := m.store.Claim(ctx, m.cfg.Owner, limit, m.clock.Now())
	if err != nil {
		return nil, storeErr("claim", err)
	}
	metrics.ObserveClaimed(len(items))
	m.logger.Debug("claimed items", zap.Int("requested", limit), zap.Int("claimed", len(items)))
	return items, nil
}

// RecoverStale returns processing items older than timeout to pending.
func (m *Manager) RecoverStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := m.clock.Now().Add(-timeout)
	n, err := m.store.RecoverStale(ctx, cutoff)
	if err != nil {
		return 0, storeErr("recover stale", err)
	}
	if n > 0 {
		metrics.ObserveStaleRecovered(n)
		m.logger.Info("recovered stale claims", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Start restamps a claimed item as it begins processing, so stale recovery
// measures from the start of work rather than from the claim. A lost claim
// returns rank.ErrClaimLost and the item must not be processed.
func (m *Manager) Start(ctx context.Context, item rank.WorkItem) (rank.WorkItem, error) {
	now := m.clock.Now()
	if err := m.store.Touch(ctx, item, now); err != nil {
		return item, storeErr("start", err)
	}
	item.StartedAt = now
	return item, nil
}

// Finalize records the terminal outcome of one claimed item. Completed and
// abandoned items are emitted to the sink before their row is deleted, so a
// crash in between re-delivers rather than loses the result.
func (m *Manager) Finalize(ctx context.Context, item rank.WorkItem, res rank.RankResult) (Disposition, error) {
	logger := m.logger.With(zap.Int64("item_id", item.ID), zap.String("status", string(res.Status)))
	if !res.Found() && m.retryable(res) && item.RetryCount < m.cfg.RetryMax {
		next := item
		next.RetryCount++
		if err := m.store.Requeue(ctx, next); err != nil {
			return "", storeErr("requeue", err)
		}
		metrics.ObserveDisposition(string(Requeued))
		logger.Info("item requeued", zap.Int("retry_count", next.RetryCount))
		return Requeued, nil
	}

	disp := Completed
	if res.Status == rank.StatusError || res.Status == rank.StatusBlocked {
		disp = Abandoned
		res.Abandoned = true
	}
	// ownership is rechecked so a recovered row is never emitted by this owner
	if err := m.store.Touch(ctx, item, m.clock.Now()); err != nil {
		return "", storeErr("finalize", err)
	}
	if err := m.sink.Emit(ctx, item, res); err != nil {
		return "", fmt.Errorf("emit result for item %d: %w", item.ID, err)
	}
	if err := m.store.Delete(ctx, item); err != nil {
		return "", storeErr("delete", err)
	}
	metrics.ObserveDisposition(string(disp))
	logger.Debug("item finalized", zap.String("disposition", string(disp)))
	return disp, nil
}

// Release hands claimed items that never started back to pending without
// spending a retry.
func (m *Manager) Release(ctx context.Context, items []rank.WorkItem) (int, error) {
	released := 0
	for _, item := range items {
		if err := m.store.Requeue(ctx, item); err != nil {
			if errors.Is(err, rank.ErrClaimLost) {
				m.logger.Warn("release skipped lost claim", zap.Int64("item_id", item.ID))
				continue
			}
			return released, storeErr("release", err)
		}
		released++
		metrics.ObserveDisposition("released")
	}
	if released > 0 {
		m.logger.Info("released unstarted items", zap.Int("count", released))
	}
	return released, nil
}

func (m *Manager) retryable(res rank.RankResult) bool {
	switch res.Status {
	case rank.StatusNotFound:
		return m.cfg.RetryNotFound
	case rank.StatusBlocked:
		return m.cfg.RetryBlocked
	case rank.StatusError:
		return rank.IsRetryable(res.Err)
	default:
		return false
	}
}

func storeErr(op string, err error) error {
	if errors.Is(err, rank.ErrClaimLost) || errors.Is(err, rank.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, rank.ErrStoreUnavailable, err)
}
