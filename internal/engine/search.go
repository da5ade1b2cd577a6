package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// enterSearch walks portal home, search box, and shopping tab, and returns the
// URL of the first results page.
func (e *Engine) enterSearch(ctx context.Context, page rank.Page, item rank.WorkItem) (string, error) {
	s := e.cfg.Search
	if err := e.navigate(ctx, page, s.PortalURL); err != nil {
		return "", err
	}
	if err := e.checkBlocked(ctx, page, item, "portal"); err != nil {
		return "", err
	}
	if err := page.Type(ctx, s.SearchInput, item.Keyword); err != nil {
		return "", navErr("type keyword", err)
	}
	if err := e.beforeNavigation(ctx); err != nil {
		return "", err
	}
	if err := page.Submit(ctx, s.SearchInput); err != nil {
		return "", navErr("submit search", err)
	}
	if err := e.checkBlocked(ctx, page, item, "search"); err != nil {
		return "", err
	}
	if err := e.beforeNavigation(ctx); err != nil {
		return "", err
	}
	if err := page.ClickDetached(ctx, s.ShoppingTab); err != nil {
		return "", navErr("open shopping tab", err)
	}
	// the tab switch is often a client-side transition without a load event
	if err := page.WaitURL(ctx, s.ResultsURLSubstring, s.TransitionTimeout); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		loc, lerr := page.Location(ctx)
		if lerr != nil || !strings.Contains(loc, s.ResultsURLSubstring) {
			return "", navErr("reach results page", err)
		}
	}
	if err := e.checkBlocked(ctx, page, item, "results"); err != nil {
		return "", err
	}
	loc, err := page.Location(ctx)
	if err != nil {
		return "", navErr("read results url", err)
	}
	return loc, nil
}

func navErr(step string, err error) error {
	if errors.Is(err, rank.ErrNavigation) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", step, err)
	}
	return fmt.Errorf("%w: %s: %w", rank.ErrNavigation, step, err)
}
