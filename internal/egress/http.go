package egress

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// HTTPRotator calls a toggle endpoint that swaps the egress identity.
type HTTPRotator struct {
	cfg     Config
	client  *http.Client
	checker addressChecker
}

// NewHTTP constructs an HTTPRotator.
func NewHTTP(cfg Config, client *http.Client) *HTTPRotator {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	return &HTTPRotator{
		cfg:     cfg,
		client:  client,
		checker: addressChecker{url: cfg.IPCheckURL, client: client},
	}
}

// Rotate implements rank.EgressRotator.
func (r *HTTPRotator) Rotate(ctx context.Context) (rank.Rotation, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	var rot rank.Rotation
	old, err := r.checker.current(ctx)
	if err != nil {
		return rot, err
	}
	rot.OldAddress = old

	req, err := http.NewRequestWithContext(ctx, r.cfg.Method, r.cfg.Endpoint, nil)
	if err != nil {
		return rot, fmt.Errorf("build toggle request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return rot, fmt.Errorf("call toggle endpoint: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return r.checker.finish(ctx, rot, r.cfg.Settle, resp.StatusCode/100 == 2)
}
