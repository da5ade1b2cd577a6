package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/extract"
	"github.com/JakeFAU/rankwatch/internal/metrics"
	"github.com/JakeFAU/rankwatch/internal/rank"
)

// fetchPage produces the entries of results page n. Only blocks, navigation
// failures and cancellation are returned as errors; an unreadable page comes
// back as extract.Unavailable.
func (e *Engine) fetchPage(ctx context.Context, page rank.Page, item rank.WorkItem, resultsURL string, n int) (extract.PageData, error) {
	var (
		data extract.PageData
		err  error
	)
	if n == 1 {
		data = e.scrape(ctx, page, item, n)
	} else {
		data, err = e.paginate(ctx, page, item, resultsURL, n)
	}
	if err != nil {
		return extract.PageData{}, err
	}
	if data.Shifted > 0 {
		e.logger.Warn("distinct products shared a rank, later ones shifted",
			zap.Int64("item_id", item.ID), zap.Int("page", n), zap.Int("shifted", data.Shifted))
	}
	metrics.ObservePage(string(data.Source))
	return data, nil
}

// paginate clicks the pagination control and decodes the intercepted API
// response, falling back to loading the page-indexed URL and scraping it.
func (e *Engine) paginate(ctx context.Context, page rank.Page, item rank.WorkItem, resultsURL string, n int) (extract.PageData, error) {
	s := e.cfg.Search
	selector := strings.ReplaceAll(s.PaginationSelector, "%d", strconv.Itoa(n))
	if err := e.beforeNavigation(ctx); err != nil {
		return extract.PageData{}, err
	}
	payload, err := page.ClickAndCapture(ctx, selector, e.apiResponseFor(n), s.CaptureTimeout)
	if err == nil {
		entries, derr := extract.DecodeIntercepted(payload, n, s.PageSize)
		if derr == nil {
			derr = extract.CheckPageWindow(entries, n, s.PageSize)
		}
		if derr == nil && len(entries) > 0 {
			if err := e.checkBlocked(ctx, page, item, fmt.Sprintf("page %d", n)); err != nil {
				return extract.PageData{}, err
			}
			return extract.Intercepted(n, entries), nil
		}
		err = derr
	}
	if ctx.Err() != nil {
		return extract.PageData{}, ctx.Err()
	}
	e.logger.Debug("intercepted page unavailable, scraping",
		zap.Int64("item_id", item.ID), zap.Int("page", n), zap.Error(err),
		zap.Bool("timeout", errors.Is(err, rank.ErrCaptureTimeout)),
		zap.Bool("control_missing", errors.Is(err, rank.ErrElementMissing)))

	target, err := pagedURL(resultsURL, s.PageParam, n)
	if err != nil {
		return extract.Unavailable(n, err), nil
	}
	if err := e.navigate(ctx, page, target); err != nil {
		return extract.PageData{}, err
	}
	if err := e.checkBlocked(ctx, page, item, fmt.Sprintf("page %d", n)); err != nil {
		return extract.PageData{}, err
	}
	return e.scrape(ctx, page, item, n), nil
}

// apiResponseFor matches the background search response of results page n.
// A response naming another page is ignored; one that names no page is
// accepted and left to the rank window check.
func (e *Engine) apiResponseFor(n int) func(string) bool {
	s := e.cfg.Search
	want := strconv.Itoa(n)
	return func(raw string) bool {
		if !strings.Contains(raw, s.ResultsAPISubstring) {
			return false
		}
		if s.APIPageParam == "" {
			return true
		}
		u, err := url.Parse(raw)
		if err != nil {
			return false
		}
		got, ok := u.Query()[s.APIPageParam]
		return !ok || (len(got) > 0 && got[0] == want)
	}
}

// scrape settles the current page and decodes its DOM.
func (e *Engine) scrape(ctx context.Context, page rank.Page, item rank.WorkItem, n int) extract.PageData {
	if err := page.Settle(ctx); err != nil {
		return extract.Unavailable(n, fmt.Errorf("%w: settle: %w", rank.ErrExtraction, err))
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return extract.Unavailable(n, fmt.Errorf("%w: read html: %w", rank.ErrExtraction, err))
	}
	entries, err := extract.DecodeDOM(html, n, e.cfg.Search.PageSize, e.cfg.DOM)
	if err != nil {
		return extract.Unavailable(n, err)
	}
	if len(entries) == 0 {
		if e.snapshots != nil {
			_, _ = e.snapshots.Save(ctx, item, fmt.Sprintf("empty-page-%d", n), html)
		}
		return extract.Unavailable(n, fmt.Errorf("%w: no result cards on page %d", rank.ErrExtraction, n))
	}
	return extract.Scraped(n, entries)
}

func pagedURL(base, param string, n int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: results url %q: %w", rank.ErrExtraction, base, err)
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
