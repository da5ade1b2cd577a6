package browser

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Config controls browser processes and human-like pacing inside a page.
type Config struct {
	ProfileDir    string
	Headless      bool
	UserAgent     string
	NavTimeout    time.Duration
	ActionTimeout time.Duration
	WindowWidth   int
	WindowHeight  int
	SettleSteps   int
	SettleStepPx  int
	SettlePause   time.Duration
	SettleDelay   time.Duration
	SettleJitter  time.Duration
	TypeDelayMin  time.Duration
	TypeDelayMax  time.Duration
	Stealth       bool
}

func (c Config) withDefaults() Config {
	if c.ProfileDir == "" {
		c.ProfileDir = "profiles"
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 45 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.WindowWidth <= 0 || c.WindowHeight <= 0 {
		c.WindowWidth, c.WindowHeight = 1366, 900
	}
	if c.SettleStepPx <= 0 {
		c.SettleStepPx = 900
	}
	return c
}

// Factory opens sessions; it implements rank.SessionFactory.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// NewFactory creates a Factory.
func NewFactory(cfg Config, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg.withDefaults(), logger: logger}
}

// ProfilePath returns the persistent profile directory of a slot.
func (f *Factory) ProfilePath(slot int) string {
	return filepath.Join(f.cfg.ProfileDir, fmt.Sprintf("slot-%d", slot))
}

func (f *Factory) allocatorOptions(slot int) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(f.ProfilePath(slot)),
		chromedp.WindowSize(f.cfg.WindowWidth, f.cfg.WindowHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if f.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	return opts
}

// Open starts a browser for slot and returns its first tab. The caller owns the
// session and must Close it.
func (f *Factory) Open(ctx context.Context, slot int) (rank.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions(slot)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:         f.cfg,
		slot:        slot,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}
	s.capture = newCapture(tabCtx, bodyFetcher(tabCtx), defaultURLHistory)
	chromedp.ListenTarget(tabCtx, s.capture.onEvent)

	// The first Run allocates the browser and must use the tab context itself.
	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx, f.setup())
	stop()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open browser for slot %d: %w", slot, err)
	}
	f.logger.Debug("browser session opened", zap.Int("slot", slot), zap.String("profile", f.ProfilePath(slot)))
	return s, nil
}

func (f *Factory) setup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if f.cfg.Stealth {
			if _, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx); err != nil {
				return fmt.Errorf("inject stealth script: %w", err)
			}
		}
		return nil
	})
}
