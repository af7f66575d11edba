// Package main is the entrypoint for the long-running ingestor daemon.
//
// It runs a scheduling pass over every
// enabled account on SCHEDULER_INTERVAL, and serves the ops endpoints
// (/health, /live, /metrics, on-demand runs). On SIGINT or SIGTERM it stops
// scheduling, shuts the ops server down and waits up to
// SCHEDULER_DRAIN_TIMEOUT for in-flight workers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adsingest/internal/app"
	"adsingest/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.ProviderFor(os.Getenv("APP_ENV"), os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("ingestor starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"metrics_sink", cfg.Observability.MetricsSink,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := a.OpsServer()
	if err != nil {
		return fmt.Errorf("creating ops server: %w", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe(":" + cfg.Server.Port)
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		schedule(ctx, a, cfg.Scheduler)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("ops server failed", "error", err)
		}
		stop()
	}
	<-loopDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Scheduler.DrainTimeout)
	defer cancelDrain()
	if err := a.Dispatcher.Drain(drainCtx); err != nil {
		logger.Warn("workers still running at drain deadline; their tuples will be recovered as stale", "error", err)
	}

	logger.Info("ingestor stopped")
	return nil
}

// schedule runs a pass immediately and then on every tick until ctx ends.
// Each pass first sweeps stale claims, so tuples held by a crashed process
// are released before admission.
func schedule(ctx context.Context, a *app.App, cfg config.SchedulerConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pass(ctx, a, cfg.StaleRefreshAfter)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pass(ctx context.Context, a *app.App, staleAfter time.Duration) {
	if _, err := a.Recovery.Sweep(ctx, staleAfter); err != nil {
		a.Logger.ErrorContext(ctx, "recovery sweep failed", "error", err)
	}
	res, err := a.Scheduler.RunAll(ctx, time.Now())
	if err != nil {
		a.Logger.ErrorContext(ctx, "scheduling pass failed", "error", err)
		return
	}
	a.Logger.InfoContext(ctx, "scheduling pass complete",
		"pass_id", res.PassID,
		"accounts", res.Accounts,
		"dispatched", res.Dispatched,
		"failed_accounts", res.Failed,
	)
}
