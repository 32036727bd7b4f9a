package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"airdrop/internal/api"
	"airdrop/internal/app"
	"airdrop/internal/config"
	"airdrop/internal/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "distributor: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(logger.Configuration{
		LogFile:   cfg.LogFile,
		ErrorFile: cfg.LogErrorFile,
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "distributor: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("distributor: stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.ReconcileSchedule != "" {
		scheduler, err := app.NewScheduler(ctx, a.Service, cfg.ReconcileSchedule)
		if err != nil {
			return fmt.Errorf("schedule reconciler: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           api.NewRouter(api.NewHandler(ctx, a.Service, cfg.UIRedirectURL), cfg.AdminAPIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("distributor: listening", zap.String("addr", server.Addr), zap.String("chain", cfg.Chain))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-waitForInterrupt():
			logger.Info("distributor: interrupt received, shutting down")
		}
		// Stops background reconciler passes along with the server.
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func waitForInterrupt() <-chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	return sigCh
}
