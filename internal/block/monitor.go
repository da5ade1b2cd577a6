// Package block detects interstitial pages and escalates repeated blocks into
// an egress identity rotation followed by a fleet-wide cooldown.
package block

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/clock/system"
	"github.com/JakeFAU/rankwatch/internal/metrics"
	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Config tunes detection and escalation.
type Config struct {
	Threshold int
	Cooldown  time.Duration
	Phrases   []string
}

// Monitor tracks consecutive blocked outcomes across all workers.
type Monitor struct {
	cfg     Config
	phrases []string
	rotator rank.EgressRotator
	clock   rank.Clock
	logger  *zap.Logger

	mu            sync.Mutex
	consecutive   int
	cooldownUntil time.Time

	rotateMu sync.Mutex
}

// New constructs a Monitor. A nil rotator disables rotation but keeps the cooldown.
func New(cfg Config, rotator rank.EgressRotator, clock rank.Clock, logger *zap.Logger) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	phrases := make([]string, 0, len(cfg.Phrases))
	for _, p := range cfg.Phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Monitor{
		cfg:     cfg,
		phrases: phrases,
		rotator: rotator,
		clock:   clock,
		logger:  logger,
	}
}

// IsBlocked reports whether rendered page text matches a known challenge phrase.
func (m *Monitor) IsBlocked(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range m.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Record feeds one item outcome into the consecutive-block counter. Any
// non-blocked outcome resets it. Reaching the threshold resets the counter
// before rotating, whatever the rotation reports, and starts the cooldown.
// It returns true when this call triggered a rotation.
func (m *Monitor) Record(ctx context.Context, blocked bool) bool {
	m.mu.Lock()
	if !blocked {
		m.consecutive = 0
		m.mu.Unlock()
		return false
	}
	m.consecutive++
	metrics.ObserveBlock()
	if m.consecutive < m.cfg.Threshold {
		m.mu.Unlock()
		return false
	}
	count := m.consecutive
	m.consecutive = 0
	m.mu.Unlock()

	m.logger.Warn("block threshold reached", zap.Int("consecutive", count))
	m.rotate(ctx)
	return true
}

func (m *Monitor) rotate(ctx context.Context) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	if m.rotator != nil {
		rot, err := m.rotator.Rotate(ctx)
		metrics.ObserveRotation(err == nil && rot.Success)
		switch {
		case err != nil:
			m.logger.Error("egress rotation failed", zap.Error(err))
		case !rot.Success:
			m.logger.Warn("egress rotation reported no change",
				zap.String("old_address", rot.OldAddress),
				zap.String("new_address", rot.NewAddress),
			)
		default:
			m.logger.Info("egress rotated",
				zap.String("old_address", rot.OldAddress),
				zap.String("new_address", rot.NewAddress),
			)
		}
	}

	m.mu.Lock()
	m.cooldownUntil = m.clock.Now().Add(m.cfg.Cooldown)
	m.mu.Unlock()
}

// Wait blocks until any active cooldown has elapsed.
func (m *Monitor) Wait(ctx context.Context) error {
	m.mu.Lock()
	remaining := m.cooldownUntil.Sub(m.clock.Now())
	m.mu.Unlock()
	if remaining <= 0 {
		return nil
	}
	m.logger.Debug("waiting out block cooldown", zap.Duration("remaining", remaining))
	return system.Sleep(ctx, remaining)
}

// Consecutive returns the current consecutive-block count.
func (m *Monitor) Consecutive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive
}

// CoolingDown reports whether a cooldown is active.
func (m *Monitor) CoolingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Before(m.cooldownUntil)
}
