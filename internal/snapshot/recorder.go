// Package snapshot stores the rendered HTML of pages that could not be read
// (interstitials, empty result pages) so they can be inspected later.
package snapshot

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Recorder writes snapshots under <prefix>/<item_id>/<sha256>.html.
type Recorder struct {
	store  rank.BlobStore
	hasher rank.Hasher
	prefix string
	logger *zap.Logger
}

// New constructs a Recorder. A nil store yields a Recorder whose Save is a no-op.
func New(store rank.BlobStore, hasher rank.Hasher, prefix string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		hasher: hasher,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Save writes html and returns its URI. Failures are logged and returned, but
// callers treat them as non-fatal.
func (r *Recorder) Save(ctx context.Context, item rank.WorkItem, reason, html string) (string, error) {
	if r == nil || r.store == nil || html == "" {
		return "", nil
	}
	sum, err := r.hasher.Hash([]byte(html))
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	key := path.Join(r.prefix, strconv.FormatInt(item.ID, 10), sum+".html")
	uri, err := r.store.PutObject(ctx, key, "text/html; charset=utf-8", strings.NewReader(html))
	if err != nil {
		r.logger.Warn("snapshot write failed", zap.Int64("item_id", item.ID), zap.String("reason", reason), zap.Error(err))
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	r.logger.Info("snapshot stored", zap.Int64("item_id", item.ID), zap.String("reason", reason), zap.String("uri", uri))
	return uri, nil
}
