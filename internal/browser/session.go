// Package browser drives Chrome through chromedp. Each Session is one tab in a
// browser process bound to a worker slot's persistent profile directory.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/JakeFAU/rankwatch/internal/clock/system"
	"github.com/JakeFAU/rankwatch/internal/rank"
)

const (
	removeTargetJS = `(() => { const el = document.querySelector(%q); if (el) { el.removeAttribute('target'); } return !!el; })()`
	visibleTextJS  = `document.body ? document.body.innerText : ""`
	scrollJS       = `window.scrollBy(0, %d)`
	pollInterval   = 200 * time.Millisecond
)

// Session implements rank.Session on top of one chromedp tab.
type Session struct {
	cfg         Config
	slot        int
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	capture     *capture
}

var _ rank.Session = (*Session)(nil)

// Slot returns the worker slot the session belongs to.
func (s *Session) Slot() int { return s.slot }

// Close tears down the tab and the browser process.
func (s *Session) Close() error {
	s.tabCancel()
	s.allocCancel()
	return nil
}

// run executes actions bounded by timeout and by the caller's ctx. The tab
// context is the parent so that an expiring deadline only aborts this call.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url and waits for the body element.
func (s *Session) Navigate(ctx context.Context, url string) error {
	err := s.run(ctx, s.cfg.NavTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", rank.ErrNavigation, url, err)
	}
	return nil
}

// Location returns the current URL.
func (s *Session) Location(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// HTML returns the serialized document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// VisibleText returns the rendered text of the body.
func (s *Session) VisibleText(ctx context.Context) (string, error) {
	var text string
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(visibleTextJS, &text)); err != nil {
		return "", fmt.Errorf("read visible text: %w", err)
	}
	return text, nil
}

// Type focuses selector and enters text one character at a time.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	if err := s.waitVisible(ctx, selector); err != nil {
		return err
	}
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("focus %s: %w", selector, err)
	}
	for _, r := range text {
		if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.SendKeys(selector, string(r), chromedp.ByQuery)); err != nil {
			return fmt.Errorf("type into %s: %w", selector, err)
		}
		if err := system.Sleep(ctx, randDuration(s.cfg.TypeDelayMin, s.cfg.TypeDelayMax)); err != nil {
			return err
		}
	}
	return nil
}

// Submit presses Enter in selector.
func (s *Session) Submit(ctx context.Context, selector string) error {
	if err := s.run(ctx, s.cfg.NavTimeout, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("%w: submit %s: %w", rank.ErrNavigation, selector, err)
	}
	return nil
}

// ClickDetached strips the target attribute so the link opens in this tab,
// then clicks it.
func (s *Session) ClickDetached(ctx context.Context, selector string) error {
	if err := s.waitVisible(ctx, selector); err != nil {
		return err
	}
	var found bool
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(fmt.Sprintf(removeTargetJS, selector), &found)); err != nil {
		return fmt.Errorf("detach %s: %w", selector, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", rank.ErrElementMissing, selector)
	}
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// WaitURL polls the location until it contains substr or timeout elapses.
func (s *Session) WaitURL(ctx context.Context, substr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		loc, err := s.Location(ctx)
		if err == nil && strings.Contains(loc, substr) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: url containing %q", rank.ErrCaptureTimeout, substr)
		}
		if err := system.Sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// Settle scrolls through the page in fixed steps so lazily rendered cards
// load, then waits a jittered delay.
func (s *Session) Settle(ctx context.Context) error {
	for i := 0; i < s.cfg.SettleSteps; i++ {
		if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(fmt.Sprintf(scrollJS, s.cfg.SettleStepPx), nil)); err != nil {
			return fmt.Errorf("settle scroll: %w", err)
		}
		if err := system.Sleep(ctx, s.cfg.SettlePause); err != nil {
			return err
		}
	}
	return system.Sleep(ctx, s.cfg.SettleDelay+randDuration(0, s.cfg.SettleJitter))
}

// ClickAndCapture clicks selector and returns the body of the first response
// whose URL satisfies match.
func (s *Session) ClickAndCapture(ctx context.Context, selector string, match func(url string) bool, timeout time.Duration) ([]byte, error) {
	done := s.capture.arm(match)
	defer s.capture.disarm()
	if err := s.ClickDetached(ctx, selector); err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("capture after %s: %w", selector, res.err)
		}
		return res.body, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: response after %s", rank.ErrCaptureTimeout, selector)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ObservedURLs returns request and response URLs seen since the session opened.
func (s *Session) ObservedURLs() []string {
	return s.capture.observed()
}

func (s *Session) waitVisible(ctx context.Context, selector string) error {
	err := s.run(ctx, s.cfg.ActionTimeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", rank.ErrElementMissing, selector)
	}
	return fmt.Errorf("wait for %s: %w", selector, err)
}

func bodyFetcher(tabCtx context.Context) fetchFunc {
	return func(ctx context.Context, id network.RequestID) ([]byte, error) {
		c := chromedp.FromContext(tabCtx)
		if c == nil || c.Target == nil {
			return nil, errors.New("tab is not attached")
		}
		body, err := network.GetResponseBody(id).Do(cdp.WithExecutor(ctx, c.Target))
		if err != nil {
			return nil, fmt.Errorf("get response body: %w", err)
		}
		return body, nil
	}
}

func randDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
