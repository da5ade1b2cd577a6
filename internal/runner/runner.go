// Package runner drives claim cycles: recover stale claims, claim a batch,
// dispatch it to the worker pool, and release whatever never started.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/clock/system"
	"github.com/JakeFAU/rankwatch/internal/dispatcher"
	"github.com/JakeFAU/rankwatch/internal/lock"
	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Locker is the subset of lock.Manager the runner drives.
type Locker interface {
	Owner() string
	Claim(ctx context.Context, limit int) ([]rank.WorkItem, error)
	RecoverStale(ctx context.Context, timeout time.Duration) (int, error)
	Start(ctx context.Context, item rank.WorkItem) (rank.WorkItem, error)
	Finalize(ctx context.Context, item rank.WorkItem, res rank.RankResult) (lock.Disposition, error)
	Release(ctx context.Context, items []rank.WorkItem) (int, error)
}

// Pool runs a batch across the worker slots.
type Pool interface {
	Run(ctx context.Context, items []rank.WorkItem, onStart dispatcher.StartFunc, onResult dispatcher.ResultFunc) (dispatcher.Report, error)
}

// Config shapes the cycles.
type Config struct {
	Limit         int
	StaleTimeout  time.Duration
	SweepSchedule string
	Continuous    bool
	IdleInterval  time.Duration
}

// Runner is safe for one Run at a time; Status may be read concurrently.
type Runner struct {
	cfg      Config
	schedule cron.Schedule
	locks    Locker
	pool     Pool
	clock    rank.Clock
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error

	mu     sync.Mutex
	status rank.RunSnapshot
}

// New validates cfg and constructs a Runner.
func New(cfg Config, locks Locker, pool Pool, clock rank.Clock, logger *zap.Logger) (*Runner, error) {
	if locks == nil || pool == nil {
		return nil, fmt.Errorf("lock manager and pool are required")
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	if cfg.StaleTimeout <= 0 {
		return nil, fmt.Errorf("stale timeout must be > 0")
	}
	var schedule cron.Schedule
	if cfg.SweepSchedule != "" {
		s, err := cron.ParseStandard(cfg.SweepSchedule)
		if err != nil {
			return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
		schedule = s
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 30 * time.Second
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		schedule: schedule,
		locks:    locks,
		pool:     pool,
		clock:    clock,
		logger:   logger,
		sleep:    system.Sleep,
		status:   rank.RunSnapshot{Owner: locks.Owner()},
	}, nil
}

// Run executes one cycle, or keeps cycling until ctx ends when continuous.
// Stale recovery also runs on the sweep schedule while Run is active.
func (r *Runner) Run(ctx context.Context) error {
	r.setRunning(true)
	defer r.setRunning(false)

	stopSweep := r.startSweep(ctx)
	defer stopSweep()

	for {
		claimed, err := r.Cycle(ctx)
		if err != nil {
			return err
		}
		if !r.cfg.Continuous || ctx.Err() != nil {
			return nil
		}
		if claimed == 0 {
			r.logger.Debug("no pending items", zap.Duration("idle", r.cfg.IdleInterval))
			if err := r.sleep(ctx, r.cfg.IdleInterval); err != nil {
				return nil
			}
		}
	}
}

// Cycle runs one recover-claim-dispatch-release pass and returns the number
// of items claimed. Store failures abort; lost claims are logged and skipped.
func (r *Runner) Cycle(ctx context.Context) (int, error) {
	recovered, err := r.locks.RecoverStale(ctx, r.cfg.StaleTimeout)
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	items, err := r.locks.Claim(ctx, r.cfg.Limit)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	r.update(func(s *rank.RunSnapshot) {
		s.Cycles++
		s.Recovered += recovered
		s.Claimed += len(items)
		s.LastCycleAt = r.clock.Now()
	})
	if len(items) == 0 {
		return 0, nil
	}
	r.logger.Info("cycle started", zap.Int("claimed", len(items)), zap.Int("recovered", recovered))

	// start, finalize and release must complete even while shutting down
	detached := context.WithoutCancel(ctx)
	onStart := func(index int) (rank.WorkItem, error) {
		started, err := r.locks.Start(detached, items[index])
		if err != nil {
			return rank.WorkItem{}, err
		}
		items[index] = started
		return started, nil
	}
	report, runErr := r.pool.Run(ctx, items, onStart, func(res rank.RankResult, index int) error {
		disp, err := r.locks.Finalize(detached, items[index], res)
		if errors.Is(err, rank.ErrClaimLost) {
			r.logger.Warn("claim lost before finalize", zap.Int64("item_id", items[index].ID), zap.Error(err))
			r.update(func(s *rank.RunSnapshot) { s.Lost++ })
			return nil
		}
		if err != nil {
			return err
		}
		r.record(res, disp)
		return nil
	})
	if len(report.Skipped) > 0 {
		r.update(func(s *rank.RunSnapshot) { s.Lost += len(report.Skipped) })
	}

	var releaseErr error
	if len(report.Unstarted) > 0 {
		unstarted := make([]rank.WorkItem, 0, len(report.Unstarted))
		for _, i := range report.Unstarted {
			unstarted = append(unstarted, items[i])
		}
		released, err := r.locks.Release(detached, unstarted)
		r.update(func(s *rank.RunSnapshot) { s.Released += released })
		if err != nil {
			releaseErr = fmt.Errorf("release unstarted: %w", err)
		}
	}
	r.logger.Info("cycle finished",
		zap.Int("processed", report.Processed),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("unstarted", len(report.Unstarted)),
	)
	return len(items), errors.Join(runErr, releaseErr)
}

// Status returns a copy of the counters accumulated by this runner.
func (r *Runner) Status() rank.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) record(res rank.RankResult, disp lock.Disposition) {
	r.update(func(s *rank.RunSnapshot) {
		switch res.Status {
		case rank.StatusFound:
			s.Found++
		case rank.StatusNotFound:
			s.NotFound++
		case rank.StatusBlocked:
			s.Blocked++
		default:
			s.Errors++
		}
		switch disp {
		case lock.Requeued:
			s.Requeued++
		case lock.Abandoned:
			s.Abandoned++
		}
	})
}

func (r *Runner) update(fn func(*rank.RunSnapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
}

func (r *Runner) setRunning(running bool) {
	r.update(func(s *rank.RunSnapshot) { s.Running = running })
}

// startSweep schedules stale recovery and returns a func that stops it and
// waits for a sweep in progress.
func (r *Runner) startSweep(ctx context.Context) func() {
	if r.schedule == nil {
		return func() {}
	}
	c := cron.New(cron.WithLogger(cronLogger{r.logger.Sugar()}))
	c.Schedule(r.schedule, cron.FuncJob(func() {
		n, err := r.locks.RecoverStale(ctx, r.cfg.StaleTimeout)
		if err != nil {
			r.logger.Error("scheduled stale recovery failed", zap.Error(err))
			return
		}
		r.update(func(s *rank.RunSnapshot) { s.Recovered += n })
	}))
	c.Start()
	return func() { <-c.Stop().Done() }
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
