package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"adsingest/internal/accounts"
	"adsingest/internal/eligibility"
	"adsingest/internal/types"
)

// DefaultClearTimeout bounds the final release of a tuple, which runs on a
// fresh context so it still happens after the worker's context is done.
const DefaultClearTimeout = 10 * time.Second

// ReportAPI is the subset of the Ads reporting client a worker drives.
type ReportAPI interface {
	StatusFetcher
	CreateReport(ctx context.Context, req types.ReportRequest) (string, error)
}

// ReportProcessor parses a completed report into aggregates.
type ReportProcessor interface {
	Process(ctx context.Context, t *types.ReportTuple, status *types.ReportStatus) (int, error)
}

// TupleRegistry is the set of tuple transitions a worker performs.
// *registry.Registry satisfies it.
type TupleRegistry interface {
	Get(ctx context.Context, id int64) (*types.ReportTuple, error)
	MarkReportCreated(ctx context.Context, t *types.ReportTuple, reportID string, now time.Time) (*types.ReportTuple, error)
	MarkParsing(ctx context.Context, t *types.ReportTuple, now time.Time) (*types.ReportTuple, error)
	MarkCompleted(ctx context.Context, t *types.ReportTuple, now time.Time) (*types.ReportTuple, error)
	MarkFailed(ctx context.Context, t *types.ReportTuple, cause error, now time.Time) (*types.ReportTuple, error)
	RecordError(ctx context.Context, t *types.ReportTuple, cause error, now time.Time) (*types.ReportTuple, error)
	DiscardReport(ctx context.Context, t *types.ReportTuple, reason string, now time.Time) (*types.ReportTuple, error)
	ClearRefreshing(ctx context.Context, t *types.ReportTuple, now time.Time) (*types.ReportTuple, error)
}

// Metrics receives ingestion telemetry. Implementations must not block.
type Metrics interface {
	RecordOutcome(ctx context.Context, agg types.Aggregation, entity types.EntityType, outcome types.TupleOutcome)
	RecordRows(ctx context.Context, agg types.Aggregation, entity types.EntityType, rows int)
	RecordDispatched(ctx context.Context, n int)
	RecordRecovered(ctx context.Context, n int)
}

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	Registry     TupleRegistry
	API          ReportAPI
	Parser       ReportProcessor
	Metrics      Metrics // optional
	HandleTTL    time.Duration
	ClearTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Worker carries one claimed tuple through a single create or process step.
type Worker struct {
	registry     TupleRegistry
	api          ReportAPI
	parser       ReportProcessor
	metrics      Metrics
	handleTTL    time.Duration
	clearTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	clearTimeout := cfg.ClearTimeout
	if clearTimeout <= 0 {
		clearTimeout = DefaultClearTimeout
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Worker{
		registry:     cfg.Registry,
		api:          cfg.API,
		parser:       cfg.Parser,
		metrics:      metrics,
		handleTTL:    cfg.HandleTTL,
		clearTimeout: clearTimeout,
		now:          now,
		logger:       logger,
	}
}

// Run processes the claimed tuple id. Failures of the external API or the
// parser are recorded on the tuple; the returned error is for logging at the
// dispatch boundary. The tuple is always released before Run returns unless
// it could not be loaded.
func (w *Worker) Run(ctx context.Context, id int64) error {
	t, err := w.registry.Get(ctx, id)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundTuple) {
			w.logger.WarnContext(ctx, "claimed tuple disappeared", "tuple_id", id)
			return nil
		}
		return fmt.Errorf("loading tuple %d: %w", id, err)
	}

	released := false
	defer func() {
		if !released {
			w.release(ctx, t)
		}
	}()

	loc, err := accounts.Location(t.CountryCode)
	if err != nil {
		w.recordError(ctx, t, err)
		w.metrics.RecordOutcome(ctx, t.Aggregation, t.EntityType, types.OutcomeFailed)
		return err
	}

	decision, err := DecideAction(ctx, t, w.api, w.handleTTL, w.now(), loc)
	if err != nil {
		w.recordError(ctx, t, err)
		w.metrics.RecordOutcome(ctx, t.Aggregation, t.EntityType, types.OutcomeFailed)
		return fmt.Errorf("deciding action for tuple %d: %w", id, err)
	}

	w.logger.InfoContext(ctx, "tuple action decided",
		"tuple_id", t.ID,
		"account_id", t.AccountID,
		"aggregation", string(t.Aggregation),
		"entity_type", string(t.EntityType),
		"period_start", t.PeriodStart.Format(time.DateTime),
		"action", string(decision.Action),
	)

	switch decision.Action {
	case ActionCreate:
		released, err = w.create(ctx, t)
		return err
	case ActionProcess:
		return w.process(ctx, t, decision.Status)
	case ActionDiscard:
		updated, err := w.registry.DiscardReport(ctx, t, decision.Reason, w.now())
		if err != nil {
			return err
		}
		t = updated
		w.logger.WarnContext(ctx, "report handle discarded",
			"tuple_id", t.ID,
			"account_id", t.AccountID,
			"reason", decision.Reason,
		)
		w.metrics.RecordOutcome(ctx, t.Aggregation, t.EntityType, types.OutcomeDiscarded)
		return nil
	default:
		w.metrics.RecordOutcome(ctx, t.Aggregation, t.EntityType, types.OutcomeWaiting)
		return nil
	}
}

// create requests a report for the tuple's period. It reports whether the
// tuple was released by the registry update.
func (w *Worker) create(ctx context.Context, t *types.ReportTuple) (bool, error) {
	start, end := eligibility.ReportDates(t.PeriodStart)
	reportID, err := w.api.CreateReport(ctx, types.ReportRequest{
		AccountID:   t.AccountID,
		CountryCode: t.CountryCode,
		Aggregation: t.Aggregation,
		EntityType:  t.EntityType,
		StartDate:   start,
		EndDate:     end,
	})
	if err != nil {
		w.recordError(ctx, t, err)
		w.metrics.RecordOutcome(ctx, t.Aggregation, t.EntityType, types.OutcomeFailed)
		return false, fmt.Errorf("creating report for tuple %d: %w", t.ID, err)
	}

	if _, err := w.registry.MarkReportCreated(ctx, t, reportID, w.now()); err != nil {
		return false, fmt.Errorf("storing report %s for tuple %d: %w", reportID, t.ID, err)
	}
	w.logger.InfoContext(ctx, "report requested",
		"tuple_id", t.ID,
		"account_id", t.AccountID,
		"report_id", reportID,
	)
	w.metrics.RecordOutcome(ctx, t.Aggregation, t.EntityType, types.OutcomeCreated)
	return true, nil
}

func (w *Worker) process(ctx context.Context, t *types.ReportTuple, status *types.ReportStatus) error {
	updated, err := w.registry.MarkParsing(ctx, t, w.now())
	if err != nil {
		return err
	}
	*t = *updated

	rows, perr := w.parser.Process(ctx, t, status)
	if perr != nil {
		if failed, err := w.registry.MarkFailed(ctx, t, perr, w.now()); err == nil {
			*t = *failed
		} else {
			w.logger.ErrorContext(ctx, "failed to mark tuple failed", "tuple_id", t.ID, "error", err)
		}
		w.metrics.RecordOutcome(ctx, t.Aggregation, t.EntityType, types.OutcomeFailed)
		return fmt.Errorf("processing report for tuple %d: %w", t.ID, perr)
	}

	completed, err := w.registry.MarkCompleted(ctx, t, w.now())
	if err != nil {
		return err
	}
	*t = *completed
	w.metrics.RecordRows(ctx, t.Aggregation, t.EntityType, rows)
	w.metrics.RecordOutcome(ctx, t.Aggregation, t.EntityType, types.OutcomeProcessed)
	return nil
}

// recordError stores cause on the tuple, keeping its status. A failed write
// is logged; the caller still returns cause.
func (w *Worker) recordError(ctx context.Context, t *types.ReportTuple, cause error) {
	updated, err := w.registry.RecordError(ctx, t, cause, w.now())
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to record tuple error",
			"tuple_id", t.ID,
			"account_id", t.AccountID,
			"cause", cause.Error(),
			"error", err,
		)
		return
	}
	*t = *updated
}

// release clears refreshing on a context that survives ctx's cancellation.
func (w *Worker) release(ctx context.Context, t *types.ReportTuple) {
	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.clearTimeout)
	defer cancel()
	if _, err := w.registry.ClearRefreshing(clearCtx, t, w.now()); err != nil {
		w.logger.ErrorContext(ctx, "failed to release tuple",
			"tuple_id", t.ID,
			"account_id", t.AccountID,
			"error", err,
		)
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordOutcome(context.Context, types.Aggregation, types.EntityType, types.TupleOutcome) {}

func (nopMetrics) RecordRows(context.Context, types.Aggregation, types.EntityType, int) {}

func (nopMetrics) RecordDispatched(context.Context, int) {}

func (nopMetrics) RecordRecovered(context.Context, int) {}
