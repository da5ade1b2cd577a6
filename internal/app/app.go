// Package app builds the long-lived services from configuration and runs
// them: task store, result sinks, browser pool, runner and ops server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/api"
	"github.com/JakeFAU/rankwatch/internal/block"
	"github.com/JakeFAU/rankwatch/internal/browser"
	"github.com/JakeFAU/rankwatch/internal/clock/system"
	"github.com/JakeFAU/rankwatch/internal/config"
	"github.com/JakeFAU/rankwatch/internal/dispatcher"
	"github.com/JakeFAU/rankwatch/internal/egress"
	"github.com/JakeFAU/rankwatch/internal/engine"
	"github.com/JakeFAU/rankwatch/internal/extract"
	collyfetcher "github.com/JakeFAU/rankwatch/internal/fetcher/colly"
	"github.com/JakeFAU/rankwatch/internal/hash/sha256"
	"github.com/JakeFAU/rankwatch/internal/id/uuid"
	"github.com/JakeFAU/rankwatch/internal/lock"
	"github.com/JakeFAU/rankwatch/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/rankwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/rankwatch/internal/rank"
	"github.com/JakeFAU/rankwatch/internal/runner"
	"github.com/JakeFAU/rankwatch/internal/sink"
	"github.com/JakeFAU/rankwatch/internal/snapshot"
	badgerstore "github.com/JakeFAU/rankwatch/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/rankwatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/rankwatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/rankwatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/rankwatch/internal/storage/postgres"
	"github.com/JakeFAU/rankwatch/internal/worker"
)

// Option customizes Build.
type Option func(*options)

type options struct {
	sessions rank.SessionFactory
}

// WithSessionFactory replaces the chromedp session factory.
func WithSessionFactory(f rank.SessionFactory) Option {
	return func(o *options) { o.sessions = f }
}

type taskStore interface {
	rank.TaskStore
	rank.TaskProducer
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     rank.Clock
	store     taskStore
	results   *pgstore.ResultStore
	monitor   *block.Monitor
	runner    *runner.Runner
	apiServer *api.Server
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Build creates the application's dependencies. On error, everything built so
// far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Backend),
		zap.Int("workers", cfg.Run.Workers),
		zap.Int("limit", cfg.Run.Limit),
	)

	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}
	resultSink, err := a.setupSinks(ctx)
	if err != nil {
		return nil, err
	}
	snapshots, err := a.setupSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	owner := cfg.Run.Owner
	if owner == "" {
		owner, err = uuid.New().OwnerID()
		if err != nil {
			return nil, fmt.Errorf("owner id: %w", err)
		}
	}
	locks, err := lock.New(lock.Config{
		Owner:         owner,
		RetryMax:      cfg.Lock.RetryMax,
		RetryNotFound: cfg.Lock.RetryNotFound,
		RetryBlocked:  cfg.Lock.RetryBlocked,
	}, a.store, resultSink, a.clock, logger.Named("lock"))
	if err != nil {
		return nil, fmt.Errorf("lock manager init failed: %w", err)
	}

	rotator := egress.New(egress.Config{
		Mode:       cfg.Egress.Mode,
		Endpoint:   cfg.Egress.Endpoint,
		Method:     cfg.Egress.Method,
		Command:    cfg.Egress.Command,
		IPCheckURL: cfg.Egress.IPCheckURL,
		Settle:     cfg.Egress.Settle,
		Timeout:    cfg.Egress.Timeout,
	}, nil)
	a.monitor = block.New(block.Config{
		Threshold: cfg.Block.Threshold,
		Cooldown:  cfg.Block.Cooldown,
		Phrases:   cfg.Block.Phrases,
	}, rotator, a.clock, logger.Named("block"))

	eng, err := a.setupEngine(snapshots)
	if err != nil {
		return nil, err
	}

	sessions := o.sessions
	if sessions == nil {
		sessions = browser.NewFactory(browserConfig(cfg.Browser), logger.Named("browser"))
	}
	var workers []dispatcher.Processor
	for slot := range cfg.Run.Workers {
		workers = append(workers, worker.New(worker.Config{
			Slot:          slot,
			ItemTimeout:   cfg.Run.ItemTimeout,
			DelayMin:      cfg.Run.ItemDelayMin,
			DelayMax:      cfg.Run.ItemDelayMax,
			RecordTimeout: 3*cfg.Egress.Timeout + cfg.Egress.Settle,
		}, sessions, eng, a.monitor, logger.Named("worker")))
	}
	pool, err := dispatcher.New(workers, logger.Named("dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	a.runner, err = runner.New(runner.Config{
		Limit:         cfg.Run.Limit,
		StaleTimeout:  cfg.Lock.StaleTimeout,
		SweepSchedule: cfg.Lock.SweepSchedule,
		Continuous:    cfg.Run.Continuous,
		IdleInterval:  cfg.Run.IdleInterval,
	}, locks, pool, a.clock, logger.Named("runner"))
	if err != nil {
		return nil, fmt.Errorf("runner init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.store, a.runner, a.store, logger.Named("api"))
	a.logger.Info("application built", zap.String("owner", owner))
	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	cfg := a.cfg.Store
	switch cfg.Backend {
	case "postgres":
		pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		a.onClose("postgres pool", func() error { pool.Close(); return nil })
		if err := pgstore.EnsureSchema(ctx, pool, cfg.TasksTable, cfg.ResultsTable); err != nil {
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
		store, err := pgstore.NewTaskStore(pool, cfg.TasksTable, cfg.ClaimMode)
		if err != nil {
			return fmt.Errorf("postgres task store init failed: %w", err)
		}
		if a.cfg.Results.Postgres {
			a.results, err = pgstore.NewResultStore(pool, cfg.ResultsTable, a.clock)
			if err != nil {
				return fmt.Errorf("postgres result store init failed: %w", err)
			}
		}
		a.store = store
		a.logger.Info("using postgres task store", zap.String("table", cfg.TasksTable), zap.String("claim_mode", cfg.ClaimMode))
	case "badger":
		store, err := badgerstore.Open(cfg.BadgerDir)
		if err != nil {
			return fmt.Errorf("badger task store init failed: %w", err)
		}
		a.onClose("badger task store", store.Close)
		a.store = store
		a.logger.Info("using badger task store", zap.String("dir", cfg.BadgerDir))
	default:
		a.store = memorystorage.NewTaskStore()
		a.logger.Info("using in-memory task store")
	}
	if a.cfg.Results.Postgres && a.results == nil {
		pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return fmt.Errorf("postgres results init failed: %w", err)
		}
		a.onClose("postgres results pool", func() error { pool.Close(); return nil })
		if err := pgstore.EnsureSchema(ctx, pool, cfg.TasksTable, cfg.ResultsTable); err != nil {
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
		a.results, err = pgstore.NewResultStore(pool, cfg.ResultsTable, a.clock)
		if err != nil {
			return fmt.Errorf("postgres result store init failed: %w", err)
		}
	}
	return nil
}

func (a *App) setupSinks(ctx context.Context) (rank.ResultSink, error) {
	var sinks sink.Multi
	if a.cfg.Results.Log {
		sinks = append(sinks, sink.NewLogSink(a.logger.Named("results")))
	}
	if a.results != nil {
		sinks = append(sinks, a.results)
		a.logger.Info("postgres result sink enabled", zap.String("table", a.cfg.Store.ResultsTable))
	}
	if ps := a.cfg.Results.PubSub; ps.TopicName != "" {
		pub, err := gcppublisher.New(ctx, gcppublisher.Config{ProjectID: ps.ProjectID, TopicName: ps.TopicName})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.onClose("pubsub publisher", pub.Close)
		sinks = append(sinks, pub)
		a.logger.Info("pubsub result sink enabled",
			zap.String("project", ps.ProjectID),
			zap.String("topic", ps.TopicName),
		)
	}
	if len(sinks) == 0 {
		a.logger.Warn("no result sink configured, falling back to log sink")
		sinks = append(sinks, sink.NewLogSink(a.logger.Named("results")))
	}
	return sinks, nil
}

func (a *App) setupSnapshots(ctx context.Context) (engine.Snapshotter, error) {
	cfg := a.cfg.Snapshots
	if !cfg.Enabled {
		a.logger.Info("page snapshots disabled")
		return nil, nil
	}
	var store rank.BlobStore
	switch cfg.Backend {
	case "gcs":
		gcs, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		a.onClose("gcs snapshot store", gcs.Close)
		store = gcs
		a.logger.Info("using gcs snapshot store", zap.String("bucket", cfg.Bucket))
	case "local":
		local, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local snapshot store init failed: %w", err)
		}
		store = local
		a.logger.Info("using local snapshot store", zap.String("path", cfg.LocalDir))
	default:
		store = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory snapshot store")
	}
	return snapshot.New(store, sha256.New(), cfg.Prefix, a.logger.Named("snapshot")), nil
}

func (a *App) setupEngine(snapshots engine.Snapshotter) (*engine.Engine, error) {
	cfg := a.cfg
	deps := engine.Deps{
		Gate:      a.monitor,
		Pacer:     ratelimit.New(ratelimit.Config{RPS: cfg.Navigation.RPS, Burst: cfg.Navigation.Burst}),
		Snapshots: snapshots,
		Logger:    a.logger.Named("engine"),
	}
	if cfg.Resolve.Probe {
		deps.Prober = collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Resolve.UserAgent,
			Timeout:   cfg.Resolve.ProbeTimeout,
		})
	}
	eng, err := engine.New(engine.Config{
		Search: engine.SearchConfig{
			PortalURL:           cfg.Search.PortalURL,
			SearchInput:         cfg.Search.SearchInput,
			ShoppingTab:         cfg.Search.ShoppingTab,
			ResultsURLSubstring: cfg.Search.ResultsURLSubstring,
			ResultsAPISubstring: cfg.Search.ResultsAPISubstring,
			APIPageParam:        cfg.Search.APIPageParam,
			PaginationSelector:  cfg.Search.PaginationSelector,
			PageParam:           cfg.Search.PageParam,
			PageSize:            cfg.Search.PageSize,
			MaxPages:            cfg.Search.MaxPages,
			CaptureTimeout:      cfg.Search.CaptureTimeout,
			TransitionTimeout:   cfg.Search.TransitionTimeout,
		},
		Resolve: engine.ResolveConfig{
			DirectPatterns:    cfg.Resolve.DirectPatterns,
			StorefrontDomains: cfg.Resolve.StorefrontDomains,
			ScriptPatterns:    cfg.Resolve.ScriptPatterns,
			MetaNames:         cfg.Resolve.MetaNames,
		},
		DOM: extract.DOMConfig{
			ItemSelector:   cfg.DOM.ItemSelector,
			IDAttr:         cfg.DOM.IDAttr,
			TitleAttr:      cfg.DOM.TitleAttr,
			AdAttr:         cfg.DOM.AdAttr,
			AdValues:       cfg.DOM.AdValues,
			MetaAttr:       cfg.DOM.MetaAttr,
			OrganicKey:     cfg.DOM.OrganicKey,
			TitleSelectors: cfg.DOM.TitleSelectors,
			AncestorDepth:  cfg.DOM.AncestorDepth,
		},
		Retry: engine.RetryConfig{
			MaxAttempts: cfg.Navigation.MaxAttempts,
			BaseDelay:   cfg.Navigation.BackoffBase,
			MaxDelay:    cfg.Navigation.BackoffMax,
		},
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}
	return eng, nil
}

func browserConfig(c config.BrowserConfig) browser.Config {
	return browser.Config{
		ProfileDir:    c.ProfileDir,
		Headless:      c.Headless,
		UserAgent:     c.UserAgent,
		NavTimeout:    c.NavTimeout,
		ActionTimeout: c.ActionTimeout,
		WindowWidth:   c.WindowWidth,
		WindowHeight:  c.WindowHeight,
		SettleSteps:   c.SettleSteps,
		SettleStepPx:  c.SettleStepPx,
		SettlePause:   c.SettlePause,
		SettleDelay:   c.SettleDelay,
		SettleJitter:  c.SettleJitter,
		TypeDelayMin:  c.TypeDelayMin,
		TypeDelayMax:  c.TypeDelayMax,
		Stealth:       c.Stealth,
	}
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Enqueue adds a pending work item to the task store.
func (a *App) Enqueue(ctx context.Context, keyword, target string) (rank.WorkItem, error) {
	item, err := a.store.Enqueue(ctx, keyword, target)
	if err != nil {
		return rank.WorkItem{}, fmt.Errorf("enqueue: %w", err)
	}
	a.logger.Info("task enqueued", zap.Int64("item_id", item.ID), zap.String("keyword", keyword))
	return item, nil
}

// Status returns the counters of the runner.
func (a *App) Status() rank.RunSnapshot {
	return a.runner.Status()
}

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the ops endpoints and drives the runner until it finishes or ctx
// is canceled. Cancellation stops new items; in-flight items complete.
func (a *App) Run(ctx context.Context) error {
	var srv *http.Server
	if a.cfg.Server.Port > 0 {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	runErr := a.runner.Run(ctx)
	if runErr != nil {
		a.logger.Error("run aborted", zap.Error(runErr))
	} else {
		a.logger.Info("run finished", zap.Any("status", a.runner.Status()))
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	return runErr
}

// Close releases every resource in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
