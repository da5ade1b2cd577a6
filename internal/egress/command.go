package egress

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// CommandRotator runs a local program that swaps the egress identity, such as
// a script toggling a tethered device's airplane mode.
type CommandRotator struct {
	cfg     Config
	checker addressChecker
}

// NewCommand constructs a CommandRotator.
func NewCommand(cfg Config, client *http.Client) *CommandRotator {
	return &CommandRotator{
		cfg:     cfg,
		checker: addressChecker{url: cfg.IPCheckURL, client: client},
	}
}

// Rotate implements rank.EgressRotator.
func (r *CommandRotator) Rotate(ctx context.Context) (rank.Rotation, error) {
	var rot rank.Rotation
	if len(r.cfg.Command) == 0 {
		return rot, fmt.Errorf("egress command is empty")
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	old, err := r.checker.current(ctx)
	if err != nil {
		return rot, err
	}
	rot.OldAddress = old

	//nolint:gosec // command comes from operator configuration
	cmd := exec.CommandContext(ctx, r.cfg.Command[0], r.cfg.Command[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return rot, fmt.Errorf("run egress command: %w (output: %s)", err, truncate(out, 200))
	}
	return r.checker.finish(ctx, rot, r.cfg.Settle, true)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
