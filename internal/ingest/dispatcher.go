package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"adsingest/internal/types"
)

// DefaultWorkerTimeout bounds a single worker run.
const DefaultWorkerTimeout = 10 * time.Minute

// ErrDispatcherClosed is returned by Dispatch once Drain has started.
var ErrDispatcherClosed = errors.New("dispatcher is draining")

// Runner runs one claimed tuple. *Worker satisfies it.
type Runner interface {
	Run(ctx context.Context, id int64) error
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Runner        Runner
	WorkerTimeout time.Duration
	Logger        *slog.Logger
}

// Dispatcher runs each claimed tuple on its own goroutine and tracks them so
// shutdown can wait. Workers get a context detached from the caller's
// cancellation, so a shutdown signal lets the current external call finish
// within WorkerTimeout.
type Dispatcher struct {
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.WorkerTimeout
	if timeout <= 0 {
		timeout = DefaultWorkerTimeout
	}
	return &Dispatcher{
		runner:  cfg.Runner,
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch starts a worker for t and returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, t types.ReportTuple) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.run(ctx, t)
	}()
	return nil
}

func (d *Dispatcher) run(parent context.Context, t types.ReportTuple) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.timeout)
	defer cancel()

	start := time.Now()
	err := d.safeRun(ctx, t.ID)
	if err != nil {
		d.logger.ErrorContext(ctx, "tuple worker failed",
			"tuple_id", t.ID,
			"account_id", t.AccountID,
			"aggregation", string(t.Aggregation),
			"entity_type", string(t.EntityType),
			"pass_id", types.GetPassID(ctx),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return
	}
	d.logger.DebugContext(ctx, "tuple worker finished",
		"tuple_id", t.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// safeRun turns a worker panic into an error so one tuple cannot take the
// process down.
func (d *Dispatcher) safeRun(ctx context.Context, id int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "tuple worker panicked",
				"tuple_id", id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return d.runner.Run(ctx, id)
}

// Drain stops accepting work and waits for running workers, up to ctx's
// deadline. It returns ctx.Err() if workers are still running when ctx ends.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched worker has finished, without closing
// the dispatcher.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
