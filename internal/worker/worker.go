// Package worker runs one work item at a time on a browser session owned by a
// single pool slot.
package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/clock/system"
	"github.com/JakeFAU/rankwatch/internal/logging"
	"github.com/JakeFAU/rankwatch/internal/metrics"
	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Resolver turns one item into a terminal result on a page.
type Resolver interface {
	Resolve(ctx context.Context, page rank.Page, item rank.WorkItem) rank.RankResult
}

// BlockRecorder receives every terminal outcome for consecutive-block tracking.
type BlockRecorder interface {
	Record(ctx context.Context, blocked bool) bool
}

// Config controls Worker behavior.
type Config struct {
	Slot        int
	ItemTimeout time.Duration
	DelayMin    time.Duration
	DelayMax    time.Duration
	// RecordTimeout bounds the block recorder, which may rotate egress after
	// the item context has expired.
	RecordTimeout time.Duration
}

// Worker processes items for one slot. It is not safe for concurrent use;
// the dispatcher gives each slot its own Worker.
type Worker struct {
	cfg      Config
	sessions rank.SessionFactory
	resolver Resolver
	monitor  BlockRecorder
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// New constructs a Worker. A nil monitor disables block tracking.
func New(cfg Config, sessions rank.SessionFactory, resolver Resolver, monitor BlockRecorder, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 6 * time.Minute
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 2 * time.Minute
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	return &Worker{
		cfg:      cfg,
		sessions: sessions,
		resolver: resolver,
		monitor:  monitor,
		logger:   logger.With(zap.Int("slot", cfg.Slot)),
		sleep:    system.Sleep,
	}
}

// Slot returns the pool slot this worker owns.
func (w *Worker) Slot() int {
	return w.cfg.Slot
}

// Process resolves item and always returns a terminal result. The item runs
// detached from ctx cancellation and is bounded by the item timeout instead,
// so a shutdown lets it finish.
func (w *Worker) Process(ctx context.Context, item rank.WorkItem) (res rank.RankResult) {
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ItemTimeout)
	defer cancel()

	logger := logging.ForItem(w.logger, item)
	start := time.Now()
	metrics.IncActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("item panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res = rank.Failed(fmt.Errorf("panic: %v", r))
		}
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		metrics.DecActiveWorkers()
		metrics.ObserveItem(string(res.Status), res.Duration)
		if w.monitor != nil {
			w.record(ctx, res.Status == rank.StatusBlocked)
		}
		logger.Info("item finished", logging.ResultFields(res)...)
	}()

	logger.Debug("item started")
	err := w.withSession(itemCtx, func(page rank.Page) {
		res = w.resolver.Resolve(itemCtx, page, item)
	})
	if err != nil {
		res = rank.Failed(err)
	}
	return res
}

// record runs the block recorder on its own deadline, detached from both the
// caller and the item context.
func (w *Worker) record(ctx context.Context, blocked bool) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RecordTimeout)
	defer cancel()
	w.monitor.Record(recordCtx, blocked)
}

// withSession opens a fresh session for this slot, runs fn, and closes the
// session on every exit path including a panic in fn.
func (w *Worker) withSession(ctx context.Context, fn func(rank.Page)) error {
	session, err := w.sessions.Open(ctx, w.cfg.Slot)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			w.logger.Warn("close session", zap.Error(cerr))
		}
	}()
	fn(session)
	return nil
}

// Pause waits a random duration in [DelayMin, DelayMax] between items.
func (w *Worker) Pause(ctx context.Context) error {
	d := w.cfg.DelayMin
	if spread := w.cfg.DelayMax - w.cfg.DelayMin; spread > 0 {
		d += rand.N(spread + 1)
	}
	if d <= 0 {
		return ctx.Err()
	}
	return w.sleep(ctx, d)
}
