// Package registry owns the lifecycle of report dataset tuples: backfilling
// the retention window and every state transition a worker makes. Each
// mutation publishes the resulting state to the configured Notifier.
package registry

import (
	"context"
	"log/slog"
	"time"

	"adsingest/internal/accounts"
	"adsingest/internal/eligibility"
	"adsingest/internal/types"
)

// TupleStore is the persistence the registry needs. *db.ReportTupleRepository
// satisfies it.
type TupleStore interface {
	InsertMissing(ctx context.Context, tuples []types.ReportTuple) (int, error)
	Get(ctx context.Context, id int64) (*types.ReportTuple, error)
	ClaimForRefresh(ctx context.Context, ids []int64, now time.Time) ([]types.ReportTuple, error)
	MarkReportCreated(ctx context.Context, id int64, reportID string, createdAt time.Time, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error)
	MarkParsing(ctx context.Context, id int64, now time.Time) (*types.ReportTuple, error)
	MarkCompleted(ctx context.Context, id int64, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error)
	MarkFailed(ctx context.Context, id int64, msg string, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error)
	RecordError(ctx context.Context, id int64, msg string, now time.Time) (*types.ReportTuple, error)
	DiscardReport(ctx context.Context, id int64, reason string, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error)
	ClearRefreshing(ctx context.Context, id int64, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error)
	RecoverStale(ctx context.Context, cutoff, now time.Time) ([]types.ReportTuple, error)
}

// Notifier receives every tuple state change.
type Notifier interface {
	Publish(ctx context.Context, change types.TupleChange) error
}

// Config holds the registry's collaborators.
type Config struct {
	Store    TupleStore
	Notifier Notifier // optional
	Logger   *slog.Logger
}

// Registry is the only writer of report tuples.
type Registry struct {
	store    TupleStore
	notifier Notifier
	logger   *slog.Logger
}

// New creates a Registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		logger:   logger,
	}
}

// Backfill ensures a tuple exists for every period in the retention window of
// every (aggregation, entity type) pair. Existing tuples are left alone.
// It returns the number of tuples created.
func (r *Registry) Backfill(ctx context.Context, accountID, countryCode string, now time.Time) (int, error) {
	loc, err := accounts.Location(countryCode)
	if err != nil {
		return 0, err
	}

	var tuples []types.ReportTuple
	for _, agg := range types.Aggregations {
		starts := eligibility.PeriodStarts(agg, now, loc)
		for _, entity := range types.EntityTypes {
			for _, start := range starts {
				tuples = append(tuples, types.ReportTuple{
					AccountID:     accountID,
					CountryCode:   countryCode,
					PeriodStart:   start,
					Aggregation:   agg,
					EntityType:    entity,
					Status:        types.DatasetMissing,
					NextRefreshAt: eligibility.NextRefreshTime(start, agg, nil, false, now, loc),
				})
			}
		}
	}

	inserted, err := r.store.InsertMissing(ctx, tuples)
	if err != nil {
		return inserted, err
	}
	if inserted > 0 {
		r.logger.InfoContext(ctx, "backfilled report tuples",
			"account_id", accountID,
			"country_code", countryCode,
			"inserted", inserted,
			"window", len(tuples),
		)
	}
	return inserted, nil
}

// Get returns the current state of a tuple.
func (r *Registry) Get(ctx context.Context, id int64) (*types.ReportTuple, error) {
	return r.store.Get(ctx, id)
}

// ClaimForRefresh marks the tuples refreshing and returns those this caller
// now owns.
func (r *Registry) ClaimForRefresh(ctx context.Context, ids []int64, now time.Time) ([]types.ReportTuple, error) {
	claimed, err := r.store.ClaimForRefresh(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		r.publish(ctx, &claimed[i], now)
	}
	return claimed, nil
}

// MarkReportCreated records a newly requested report. The creation stamp is
// now in the account's local wall time.
func (r *Registry) MarkReportCreated(ctx context.Context, t *types.ReportTuple, reportID string, now time.Time) (*types.ReportTuple, error) {
	loc, err := accounts.Location(t.CountryCode)
	if err != nil {
		return nil, err
	}
	createdAt := eligibility.ToNaive(now, loc)
	next := eligibility.NextRefreshTime(t.PeriodStart, t.Aggregation, &createdAt, true, now, loc)
	return r.apply(ctx, now, func() (*types.ReportTuple, error) {
		return r.store.MarkReportCreated(ctx, t.ID, reportID, createdAt, next, now)
	})
}

// MarkParsing records that the report is being downloaded and parsed.
func (r *Registry) MarkParsing(ctx context.Context, t *types.ReportTuple, now time.Time) (*types.ReportTuple, error) {
	return r.apply(ctx, now, func() (*types.ReportTuple, error) {
		return r.store.MarkParsing(ctx, t.ID, now)
	})
}

// MarkCompleted records a successful parse and schedules the next offset.
func (r *Registry) MarkCompleted(ctx context.Context, t *types.ReportTuple, now time.Time) (*types.ReportTuple, error) {
	loc, err := accounts.Location(t.CountryCode)
	if err != nil {
		return nil, err
	}
	next := eligibility.NextRefreshTime(t.PeriodStart, t.Aggregation, t.LastReportCreatedAt, false, now, loc)
	return r.apply(ctx, now, func() (*types.ReportTuple, error) {
		return r.store.MarkCompleted(ctx, t.ID, next, now)
	})
}

// MarkFailed records a failed parse. The report handle is kept, so the
// tuple is polled again.
func (r *Registry) MarkFailed(ctx context.Context, t *types.ReportTuple, cause error, now time.Time) (*types.ReportTuple, error) {
	next, err := r.nextRefresh(t, now)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, now, func() (*types.ReportTuple, error) {
		return r.store.MarkFailed(ctx, t.ID, cause.Error(), next, now)
	})
}

// RecordError stores a failure that does not change the tuple's status,
// such as a rejected report request.
func (r *Registry) RecordError(ctx context.Context, t *types.ReportTuple, cause error, now time.Time) (*types.ReportTuple, error) {
	return r.apply(ctx, now, func() (*types.ReportTuple, error) {
		return r.store.RecordError(ctx, t.ID, cause.Error(), now)
	})
}

// DiscardReport drops a report handle that will never complete. The
// creation stamp is cleared with it so the reached offset is requested again.
func (r *Registry) DiscardReport(ctx context.Context, t *types.ReportTuple, reason string, now time.Time) (*types.ReportTuple, error) {
	loc, err := accounts.Location(t.CountryCode)
	if err != nil {
		return nil, err
	}
	next := eligibility.NextRefreshTime(t.PeriodStart, t.Aggregation, nil, false, now, loc)
	return r.apply(ctx, now, func() (*types.ReportTuple, error) {
		return r.store.DiscardReport(ctx, t.ID, reason, next, now)
	})
}

// ClearRefreshing releases the tuple and recomputes its next refresh time
// from its current state.
func (r *Registry) ClearRefreshing(ctx context.Context, t *types.ReportTuple, now time.Time) (*types.ReportTuple, error) {
	next, err := r.nextRefresh(t, now)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, now, func() (*types.ReportTuple, error) {
		return r.store.ClearRefreshing(ctx, t.ID, next, now)
	})
}

// RecoverStale releases tuples that have been refreshing for longer than
// staleAfter. It returns how many were released.
func (r *Registry) RecoverStale(ctx context.Context, staleAfter time.Duration, now time.Time) (int, error) {
	recovered, err := r.store.RecoverStale(ctx, now.Add(-staleAfter), now)
	if err != nil {
		return 0, err
	}
	for i := range recovered {
		t := &recovered[i]
		r.logger.WarnContext(ctx, "released stale refreshing tuple",
			"tuple_id", t.ID,
			"account_id", t.AccountID,
			"aggregation", string(t.Aggregation),
			"entity_type", string(t.EntityType),
			"period_start", t.PeriodStart.Format(time.DateTime),
		)
		r.publish(ctx, t, now)
	}
	return len(recovered), nil
}

func (r *Registry) nextRefresh(t *types.ReportTuple, now time.Time) (*time.Time, error) {
	loc, err := accounts.Location(t.CountryCode)
	if err != nil {
		return nil, err
	}
	return eligibility.NextRefreshTime(t.PeriodStart, t.Aggregation, t.LastReportCreatedAt, t.InFlight(), now, loc), nil
}

func (r *Registry) apply(ctx context.Context, now time.Time, mutate func() (*types.ReportTuple, error)) (*types.ReportTuple, error) {
	updated, err := mutate()
	if err != nil {
		return nil, err
	}
	r.publish(ctx, updated, now)
	return updated, nil
}

// publish never fails the mutation that triggered it.
func (r *Registry) publish(ctx context.Context, t *types.ReportTuple, now time.Time) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Publish(ctx, types.ChangeOf(t, now)); err != nil {
		r.logger.ErrorContext(ctx, "failed to publish tuple change",
			"tuple_id", t.ID,
			"account_id", t.AccountID,
			"status", string(t.Status),
			"error", err,
		)
	}
}
