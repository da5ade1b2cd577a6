// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Config selects the encoder flavour and minimum level.
type Config struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// New builds a zap.Logger configured for development or production.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}
	if cfg.Development {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if cfg.Level != "" {
			zcfg.Level = level
		}
		logger, err := zcfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	zcfg := zap.NewProductionConfig()
	zcfg.DisableStacktrace = false
	zcfg.EncoderConfig.TimeKey = "ts"
	if cfg.Level != "" {
		zcfg.Level = level
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// ForItem scopes a logger to one work item.
func ForItem(logger *zap.Logger, item rank.WorkItem) *zap.Logger {
	return logger.With(
		zap.Int64("item_id", item.ID),
		zap.String("keyword", item.Keyword),
		zap.Int("retry_count", item.RetryCount),
	)
}

// ResultFields flattens a result into log fields.
func ResultFields(res rank.RankResult) []zap.Field {
	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Int("pages_scanned", res.PagesScanned),
		zap.Duration("duration", res.Duration),
	}
	if res.ResolvedID != "" {
		fields = append(fields, zap.String("resolved_id", res.ResolvedID))
	}
	if res.Found() {
		fields = append(fields,
			zap.Int("total_rank", res.Entry.TotalRank),
			zap.Int("organic_rank", res.Entry.OrganicRank),
			zap.Bool("is_ad", res.Entry.IsAd),
			zap.Int("page", res.PageNumber),
			zap.Int("page_position", res.PagePosition),
			zap.String("source", string(res.Source)),
		)
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err), zap.String("error_kind", rank.Kind(res.Err)))
	}
	return fields
}
