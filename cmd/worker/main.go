// Command worker runs the job runner without the HTTP API, for deployments
// that scale senders separately from the gateway (RUN_WORKER=false there).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/app"
	"github.com/lalithlochan/lynk/internal/config"
	"github.com/lalithlochan/lynk/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("starting lynk worker",
		zap.String("queue_backend", cfg.QueueBackend),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)

	if err := a.Runner.Start(ctx); err != nil {
		return fmt.Errorf("runner: %w", err)
	}

	logger.Info("worker stopped")
	return nil
}
