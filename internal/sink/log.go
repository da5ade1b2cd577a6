package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/logging"
	"github.com/JakeFAU/rankwatch/internal/rank"
)

// LogSink writes each outcome as one structured log line. Useful during
// development or when no durable store is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Emit logs the outcome; it never fails.
func (s *LogSink) Emit(_ context.Context, item rank.WorkItem, res rank.RankResult) error {
	fields := append([]zap.Field{
		zap.Int64("item_id", item.ID),
		zap.String("keyword", item.Keyword),
		zap.String("target", item.Target),
		zap.Bool("abandoned", res.Abandoned),
	}, logging.ResultFields(res)...)
	if res.Found() || res.Status == rank.StatusNotFound {
		s.logger.Info("rank result", fields...)
		return nil
	}
	s.logger.Warn("rank result", fields...)
	return nil
}
