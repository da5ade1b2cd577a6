package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/app"
	"github.com/JakeFAU/rankwatch/internal/config"
	"github.com/JakeFAU/rankwatch/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", ".env", "Path to an optional .env file")
	keyword := flag.String("keyword", "", "Enqueue one task with this search keyword before running")
	target := flag.String("target", "", "Target URL or catalog id for -keyword")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load env file failed: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	code := run(cfg, logger, *keyword, *target)
	if syncErr := logger.Sync(); syncErr != nil && !errors.Is(syncErr, syscall.EINVAL) {
		fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
	}
	os.Exit(code)
}

func run(cfg config.Config, logger *zap.Logger, keyword, target string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	if keyword != "" || target != "" {
		if keyword == "" || target == "" {
			logger.Error("-keyword and -target must be given together")
			return 2
		}
		if _, err := a.Enqueue(ctx, keyword, target); err != nil {
			logger.Error("enqueue failed", zap.Error(err))
			return 1
		}
	}

	if err := a.Run(ctx); err != nil {
		return 1
	}
	return 0
}
