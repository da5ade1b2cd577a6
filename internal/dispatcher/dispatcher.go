// Package dispatcher fans a claimed batch out to a fixed pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Processor is one pool slot.
type Processor interface {
	Process(ctx context.Context, item rank.WorkItem) rank.RankResult
	Pause(ctx context.Context) error
	Slot() int
}

// StartFunc runs on the worker goroutine just before the item at index is
// processed and returns the item to process. rank.ErrClaimLost skips the item;
// any other error stops the run.
type StartFunc func(index int) (rank.WorkItem, error)

// ResultFunc receives each terminal result with the index of its item. It is
// called from worker goroutines concurrently. A returned error stops the run.
type ResultFunc func(res rank.RankResult, index int) error

// Report describes how far a batch got.
type Report struct {
	Processed int
	Skipped   []int
	Unstarted []int
}

// Dispatcher hands out batch indexes through an atomic cursor, so every item
// is started at most once and workers never wait on each other.
type Dispatcher struct {
	workers []Processor
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []Processor, logger *zap.Logger) (*Dispatcher, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("at least one worker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, logger: logger}, nil
}

// Size returns the number of pool slots.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run processes items until all are done, ctx is canceled, or a callback
// fails. Cancellation stops index hand-out only; in-flight items finish. The
// report lists the indexes that were never started so the caller can release
// them. onStart may be nil.
func (d *Dispatcher) Run(ctx context.Context, items []rank.WorkItem, onStart StartFunc, onResult ResultFunc) (Report, error) {
	batch := append([]rank.WorkItem(nil), items...)
	started := make([]atomic.Bool, len(batch))
	skipped := make([]atomic.Bool, len(batch))

	var (
		cursor    atomic.Int64
		processed atomic.Int64
		stopped   atomic.Bool
		errOnce   sync.Once
		firstErr  error
		wg        sync.WaitGroup
	)
	fail := func(err error) {
		errOnce.Do(func() { firstErr = err })
		stopped.Store(true)
	}

	next := func() (int, bool) {
		if stopped.Load() || ctx.Err() != nil {
			return 0, false
		}
		i := int(cursor.Add(1) - 1)
		if i >= len(batch) {
			return 0, false
		}
		return i, true
	}

	pool := d.workers
	if len(batch) < len(pool) {
		pool = pool[:len(batch)]
	}
	for _, w := range pool {
		wg.Add(1)
		go func(w Processor) {
			defer wg.Done()
			pause := false
			for {
				if pause && w.Pause(ctx) != nil {
					return
				}
				pause = true
				i, ok := next()
				if !ok {
					return
				}
				item := batch[i]
				if onStart != nil {
					var err error
					item, err = onStart(i)
					if errors.Is(err, rank.ErrClaimLost) {
						started[i].Store(true)
						skipped[i].Store(true)
						d.logger.Warn("claim lost before start, skipping",
							zap.Int("slot", w.Slot()), zap.Int64("item_id", batch[i].ID))
						pause = false
						continue
					}
					if err != nil {
						d.logger.Error("item start failed, stopping dispatch",
							zap.Int("slot", w.Slot()), zap.Int64("item_id", batch[i].ID), zap.Error(err))
						fail(err)
						return
					}
				}
				started[i].Store(true)
				res := w.Process(ctx, item)
				processed.Add(1)
				if err := onResult(res, i); err != nil {
					d.logger.Error("result handling failed, stopping dispatch",
						zap.Int("slot", w.Slot()), zap.Int64("item_id", batch[i].ID), zap.Error(err))
					fail(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	report := Report{Processed: int(processed.Load())}
	for i := range started {
		if skipped[i].Load() {
			report.Skipped = append(report.Skipped, i)
		}
		if !started[i].Load() {
			report.Unstarted = append(report.Unstarted, i)
		}
	}
	if firstErr != nil {
		return report, fmt.Errorf("dispatch: %w", firstErr)
	}
	if len(report.Unstarted) > 0 && ctx.Err() != nil {
		d.logger.Info("dispatch interrupted", zap.Int("unstarted", len(report.Unstarted)))
	}
	return report, nil
}
