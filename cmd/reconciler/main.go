package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"airdrop/internal/app"
	"airdrop/internal/config"
	"airdrop/internal/logger"

	"go.uber.org/zap"
)

// One reconciler pass for an external scheduler. Exits non-zero when the pass fails.
func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciler: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(logger.Configuration{
		LogFile:   cfg.LogFile,
		ErrorFile: cfg.LogErrorFile,
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "reconciler: init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Error("reconciler: pass failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Service.Reconcile(ctx)
	if report != nil {
		logger.Info("reconciler: report",
			zap.String("post id", report.PostID),
			zap.Int("participants", report.Participants),
			zap.Int64("marked", report.Marked),
			zap.Int("remaining", report.Remaining),
			zap.Int("paid", report.Paid),
			zap.Int("failed", report.Failed),
			zap.String("skipped", report.Skipped),
			zap.Duration("duration", report.Duration),
		)
	}
	return err
}
