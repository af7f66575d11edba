// Package main is the entrypoint for the Report Scheduler Lambda function.
//
// An EventBridge rule invokes it on the scheduling interval with an empty
// payload, which runs a pass over every enabled account. An operator can
// invoke it with {"account_id": "..."} to run a single account. Workers are
// dispatched in-process, so the handler waits for them before returning; a
// worker still running at the invocation deadline leaves its tuple claimed
// until the next stale sweep releases it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"adsingest/internal/app"
	"adsingest/internal/config"
	"adsingest/internal/ingest"
)

// deadlineMargin is kept free at the end of an invocation for the response.
const deadlineMargin = 5 * time.Second

// Input is the invocation payload.
type Input struct {
	AccountID string `json:"account_id,omitempty"`
}

// Output summarizes the invocation.
type Output struct {
	PassID     string   `json:"pass_id,omitempty"`
	Accounts   int      `json:"accounts"`
	Dispatched int      `json:"dispatched"`
	Recovered  int      `json:"recovered"`
	Failed     []string `json:"failed,omitempty"`
	Completed  bool     `json:"completed"`
}

type sweeper interface {
	Sweep(ctx context.Context, staleAfter time.Duration) (int, error)
}

type passRunner interface {
	RunAll(ctx context.Context, now time.Time) (ingest.PassResult, error)
	RunOne(ctx context.Context, accountID string, now time.Time) (ingest.AccountResult, error)
}

type waiter interface {
	Wait()
}

type handlerDeps struct {
	Recovery   sweeper
	Scheduler  passRunner
	Workers    waiter
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("ReportScheduler Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.ProviderFor(os.Getenv("APP_ENV"), os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = app.NewLogger(cfg.LogLevel)

	a, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	logger.Info("ReportScheduler Lambda initialized",
		"metrics_sink", cfg.Observability.MetricsSink,
		"concurrency_budget", cfg.Scheduler.ConcurrencyBudget,
	)

	lambda.Start(newHandler(handlerDeps{
		Recovery:   a.Recovery,
		Scheduler:  a.Scheduler,
		Workers:    a.Dispatcher,
		StaleAfter: cfg.Scheduler.StaleRefreshAfter,
		Now:        time.Now,
		Logger:     logger,
	}))
}

// newHandler returns the Lambda handler. It sweeps stale claims, runs the
// pass, then waits for dispatched workers until shortly before the
// invocation deadline.
func newHandler(deps handlerDeps) func(ctx context.Context, input Input) (Output, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, input Input) (Output, error) {
		logger.InfoContext(ctx, "ReportScheduler handler invoked", "account_id", input.AccountID)

		var out Output
		recovered, err := deps.Recovery.Sweep(ctx, deps.StaleAfter)
		if err != nil {
			logger.ErrorContext(ctx, "recovery sweep failed", "error", err)
		}
		out.Recovered = recovered

		now := deps.Now()
		if input.AccountID != "" {
			res, err := deps.Scheduler.RunOne(ctx, input.AccountID, now)
			if err != nil {
				return out, fmt.Errorf("report scheduler failed for account %s: %w", input.AccountID, err)
			}
			out.Accounts = 1
			out.Dispatched = res.Dispatched
		} else {
			res, err := deps.Scheduler.RunAll(ctx, now)
			if err != nil {
				return out, fmt.Errorf("report scheduler failed: %w", err)
			}
			out.PassID = res.PassID
			out.Accounts = res.Accounts
			out.Dispatched = res.Dispatched
			out.Failed = res.Failed
		}

		out.Completed = waitForWorkers(ctx, deps.Workers)
		if !out.Completed {
			logger.WarnContext(ctx, "invocation deadline reached with workers still running",
				"dispatched", out.Dispatched,
			)
		}

		logger.InfoContext(ctx, "ReportScheduler pass complete",
			"pass_id", out.PassID,
			"accounts", out.Accounts,
			"dispatched", out.Dispatched,
			"recovered", out.Recovered,
			"failed_accounts", out.Failed,
			"completed", out.Completed,
		)
		return out, nil
	}
}

// waitForWorkers blocks until the workers finish or ctx's deadline, less
// deadlineMargin, passes. It reports whether the workers finished.
func waitForWorkers(ctx context.Context, w waiter) bool {
	waitCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline.Add(-deadlineMargin))
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-waitCtx.Done():
		return false
	}
}
