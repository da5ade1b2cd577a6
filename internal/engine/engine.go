// Package engine resolves the search rank of one work item by driving a
// browser page through a human-like search path and scanning result pages.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/extract"
	collyfetcher "github.com/JakeFAU/rankwatch/internal/fetcher/colly"
	"github.com/JakeFAU/rankwatch/internal/logging"
	"github.com/JakeFAU/rankwatch/internal/rank"
)

// SearchConfig describes the entry path and pagination of the search site.
type SearchConfig struct {
	PortalURL           string
	SearchInput         string
	ShoppingTab         string
	ResultsURLSubstring string
	ResultsAPISubstring string
	APIPageParam        string
	PaginationSelector  string
	PageParam           string
	PageSize            int
	MaxPages            int
	CaptureTimeout      time.Duration
	TransitionTimeout   time.Duration
}

// ResolveConfig lists the patterns used to derive a catalog identifier.
type ResolveConfig struct {
	DirectPatterns    []string
	StorefrontDomains []string
	ScriptPatterns    []string
	MetaNames         []string
}

// Config bundles the engine settings.
type Config struct {
	Search  SearchConfig
	Resolve ResolveConfig
	DOM     extract.DOMConfig
	Retry   RetryConfig
}

// BlockGate classifies page text and holds navigations during a cooldown.
type BlockGate interface {
	IsBlocked(text string) bool
	Wait(ctx context.Context) error
}

// Pacer bounds the navigation rate across workers.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Prober fetches a page over plain HTTP.
type Prober interface {
	Probe(ctx context.Context, url string) (collyfetcher.Page, error)
}

// Snapshotter keeps the HTML of unreadable pages.
type Snapshotter interface {
	Save(ctx context.Context, item rank.WorkItem, reason, html string) (string, error)
}

// Deps are the collaborators of an Engine. Gate is required.
type Deps struct {
	Gate      BlockGate
	Pacer     Pacer
	Prober    Prober
	Snapshots Snapshotter
	Logger    *zap.Logger
}

// Engine is safe for concurrent use; all per-item state lives on the stack.
type Engine struct {
	cfg         Config
	direct      []*regexp.Regexp
	scripts     []*regexp.Regexp
	storefronts *storefrontMatcher
	gate        BlockGate
	pacer       Pacer
	prober      Prober
	snapshots   Snapshotter
	retry       *retryPolicy
	logger      *zap.Logger
}

// New validates cfg and compiles its patterns.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Gate == nil {
		return nil, fmt.Errorf("block gate is required")
	}
	if cfg.Search.PageSize <= 0 || cfg.Search.MaxPages <= 0 {
		return nil, fmt.Errorf("page size and max pages must be > 0")
	}
	if !strings.Contains(cfg.Search.PaginationSelector, "%d") {
		return nil, fmt.Errorf("pagination selector must contain %%d")
	}
	direct, err := compileAll(cfg.Resolve.DirectPatterns)
	if err != nil {
		return nil, fmt.Errorf("direct patterns: %w", err)
	}
	scripts, err := compileAll(cfg.Resolve.ScriptPatterns)
	if err != nil {
		return nil, fmt.Errorf("script patterns: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:         cfg,
		direct:      direct,
		scripts:     scripts,
		storefronts: newStorefrontMatcher(cfg.Resolve.StorefrontDomains),
		gate:        deps.Gate,
		pacer:       deps.Pacer,
		prober:      deps.Prober,
		snapshots:   deps.Snapshots,
		retry:       newRetryPolicy(cfg.Retry),
		logger:      logger,
	}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Resolve runs the state machine for item on page and always returns a
// terminal result; failures are carried in the result, never returned.
func (e *Engine) Resolve(ctx context.Context, page rank.Page, item rank.WorkItem) rank.RankResult {
	start := time.Now()
	logger := logging.ForItem(e.logger, item)
	res := e.resolve(ctx, page, item, logger)
	res.Duration = time.Since(start)
	return res
}

func (e *Engine) resolve(ctx context.Context, page rank.Page, item rank.WorkItem, logger *zap.Logger) rank.RankResult {
	target, err := e.resolveIdentifier(ctx, page, item)
	if err != nil {
		logger.Info("identifier resolution failed", zap.Error(err))
		return rank.Failed(err)
	}
	logger = logger.With(zap.String("resolved_id", target))

	resultsURL, err := e.enterSearch(ctx, page, item)
	if err != nil {
		res := rank.Failed(err)
		res.ResolvedID = target
		return res
	}

	scanned := 0
	for n := 1; n <= e.cfg.Search.MaxPages; n++ {
		data, err := e.fetchPage(ctx, page, item, resultsURL, n)
		if err != nil {
			res := rank.Failed(err)
			res.ResolvedID = target
			res.PagesScanned = scanned
			return res
		}
		scanned = n
		if !data.Usable() {
			logger.Warn("page yielded no entries", zap.Int("page", n), zap.Error(data.Err))
			continue
		}
		logger.Debug("page scanned", zap.Int("page", n), zap.String("source", string(data.Source)), zap.Int("entries", len(data.Entries)))
		for _, entry := range data.Entries {
			if rank.NormalizeID(entry.Identifier) != target {
				continue
			}
			return rank.RankResult{
				Status:       rank.StatusFound,
				Entry:        entry,
				PageNumber:   n,
				PagePosition: entry.PagePosition,
				ResolvedID:   target,
				PagesScanned: n,
				Source:       data.Source,
			}
		}
	}
	return rank.RankResult{Status: rank.StatusNotFound, ResolvedID: target, PagesScanned: scanned}
}

// beforeNavigation honors the block cooldown and the shared pacer.
func (e *Engine) beforeNavigation(ctx context.Context) error {
	if err := e.gate.Wait(ctx); err != nil {
		return err
	}
	if e.pacer != nil {
		if err := e.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) navigate(ctx context.Context, page rank.Page, url string) error {
	return e.retry.do(ctx, func(ctx context.Context) error {
		if err := e.beforeNavigation(ctx); err != nil {
			return err
		}
		return page.Navigate(ctx, url)
	})
}

// checkBlocked reads the rendered text and aborts with ErrBlocked on an
// interstitial. Unreadable text is not treated as a block.
func (e *Engine) checkBlocked(ctx context.Context, page rank.Page, item rank.WorkItem, where string) error {
	text, err := page.VisibleText(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Debug("visible text unavailable", zap.Int64("item_id", item.ID), zap.String("at", where), zap.Error(err))
		return nil
	}
	if !e.gate.IsBlocked(text) {
		return nil
	}
	e.snapshot(ctx, page, item, "blocked")
	return fmt.Errorf("%w: at %s", rank.ErrBlocked, where)
}

func (e *Engine) snapshot(ctx context.Context, page rank.Page, item rank.WorkItem, reason string) {
	if e.snapshots == nil {
		return
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return
	}
	// failures are logged by the snapshotter
	_, _ = e.snapshots.Save(ctx, item, reason, html)
}
