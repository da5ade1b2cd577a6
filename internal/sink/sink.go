// Package sink provides rank.ResultSink implementations that do not need an
// external system: a structured log sink, an in-memory recorder, and a fan-out.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Record is the wire shape of one emitted outcome.
type Record struct {
	TaskID       int64             `json:"task_id"`
	Keyword      string            `json:"keyword"`
	Target       string            `json:"target"`
	RetryCount   int               `json:"retry_count"`
	Status       rank.ResultStatus `json:"status"`
	ResolvedID   string            `json:"resolved_id,omitempty"`
	TotalRank    int               `json:"total_rank,omitempty"`
	OrganicRank  int               `json:"organic_rank,omitempty"`
	IsAd         bool              `json:"is_ad,omitempty"`
	DisplayName  string            `json:"display_name,omitempty"`
	PageNumber   int               `json:"page_number,omitempty"`
	PagePosition int               `json:"page_position,omitempty"`
	PagesScanned int               `json:"pages_scanned"`
	Source       rank.Source       `json:"source,omitempty"`
	Abandoned    bool              `json:"abandoned,omitempty"`
	Error        string            `json:"error,omitempty"`
	DurationMS   int64             `json:"duration_ms"`
	RecordedAt   time.Time         `json:"recorded_at"`
}

// NewRecord flattens an item and its result.
func NewRecord(item rank.WorkItem, res rank.RankResult, now time.Time) Record {
	rec := Record{
		TaskID:       item.ID,
		Keyword:      item.Keyword,
		Target:       item.Target,
		RetryCount:   item.RetryCount,
		Status:       res.Status,
		ResolvedID:   res.ResolvedID,
		PagesScanned: res.PagesScanned,
		Source:       res.Source,
		Abandoned:    res.Abandoned,
		Error:        res.ErrorText,
		DurationMS:   res.Duration.Milliseconds(),
		RecordedAt:   now.UTC(),
	}
	if res.Found() {
		rec.TotalRank = res.Entry.TotalRank
		rec.OrganicRank = res.Entry.OrganicRank
		rec.IsAd = res.Entry.IsAd
		rec.DisplayName = res.Entry.DisplayName
		rec.PageNumber = res.PageNumber
		rec.PagePosition = res.PagePosition
	}
	return rec
}

// Multi emits to every sink in order and joins their errors.
type Multi []rank.ResultSink

// Emit calls each sink even when an earlier one fails.
func (m Multi) Emit(ctx context.Context, item rank.WorkItem, res rank.RankResult) error {
	var errs []error
	for i, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, item, res); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
