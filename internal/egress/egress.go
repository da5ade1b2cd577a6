// Package egress requests a new network identity when the block monitor
// decides the current one is burned. Rotation itself is external: an HTTP
// toggle endpoint (for example a modem or proxy controller) or a local command.
package egress

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/rankwatch/internal/clock/system"
	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Config is shared by the rotator implementations.
type Config struct {
	Mode       string
	Endpoint   string
	Method     string
	Command    []string
	IPCheckURL string
	Settle     time.Duration
	Timeout    time.Duration
}

// New selects a rotator by mode. Unknown or empty modes yield Noop.
func New(cfg Config, client *http.Client) rank.EgressRotator {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	switch cfg.Mode {
	case "http":
		return NewHTTP(cfg, client)
	case "command":
		return NewCommand(cfg, client)
	default:
		return Noop{}
	}
}

// Noop reports success without changing anything.
type Noop struct{}

// Rotate implements rank.EgressRotator.
func (Noop) Rotate(context.Context) (rank.Rotation, error) {
	return rank.Rotation{Success: true}, nil
}

// addressChecker looks up the public address through an echo endpoint.
type addressChecker struct {
	url    string
	client *http.Client
}

func (a addressChecker) current(ctx context.Context) (string, error) {
	if a.url == "" {
		return "", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return "", fmt.Errorf("build ip check request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ip check: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("ip check: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read ip check body: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// finish waits for the new identity to settle and fills in the new address.
// Without an ip check URL the toggle's own success is taken at face value.
func (a addressChecker) finish(ctx context.Context, rot rank.Rotation, settle time.Duration, toggled bool) (rank.Rotation, error) {
	if err := system.Sleep(ctx, settle); err != nil {
		return rot, fmt.Errorf("wait for egress settle: %w", err)
	}
	if a.url == "" {
		rot.Success = toggled
		return rot, nil
	}
	addr, err := a.current(ctx)
	if err != nil {
		return rot, err
	}
	rot.NewAddress = addr
	rot.Success = toggled && addr != "" && addr != rot.OldAddress
	return rot, nil
}
