package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adsingest/internal/types"

	"github.com/jackc/pgx/v5"
)

// ReportTupleRepository persists report dataset tuples. Every mutation is a
// single-row update by primary key that returns the new row, so callers can
// publish the resulting state.
type ReportTupleRepository struct {
	db DBTX
}

// NewReportTupleRepository creates a ReportTupleRepository.
func NewReportTupleRepository(db DBTX) *ReportTupleRepository {
	return &ReportTupleRepository{db: db}
}

const tupleColumns = `id, account_id, country_code, period_start, aggregation, entity_type,
	status, refreshing, refreshing_since, report_id, last_report_created_at,
	next_refresh_at, error, updated_at`

func scanTuple(row pgx.Row) (*types.ReportTuple, error) {
	var t types.ReportTuple
	err := row.Scan(
		&t.ID,
		&t.AccountID,
		&t.CountryCode,
		&t.PeriodStart,
		&t.Aggregation,
		&t.EntityType,
		&t.Status,
		&t.Refreshing,
		&t.RefreshingSince,
		&t.ReportID,
		&t.LastReportCreatedAt,
		&t.NextRefreshAt,
		&t.Error,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTuples(rows pgx.Rows) ([]types.ReportTuple, error) {
	defer rows.Close()
	var out []types.ReportTuple
	for rows.Next() {
		t, err := scanTuple(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// InsertMissing inserts tuples with status=missing, leaving any existing row
// for the same key untouched. Returns the number of rows actually inserted.
func (r *ReportTupleRepository) InsertMissing(ctx context.Context, tuples []types.ReportTuple) (int, error) {
	const q = `INSERT INTO report_datasets
		(account_id, country_code, period_start, aggregation, entity_type, status, next_refresh_at)
		VALUES ($1, $2, $3, $4, $5, 'missing', $6)
		ON CONFLICT (account_id, period_start, aggregation, entity_type) DO NOTHING`

	var inserted int64
	for start := 0; start < len(tuples); start += batchSize {
		end := min(start+batchSize, len(tuples))
		b := &pgx.Batch{}
		for _, t := range tuples[start:end] {
			b.Queue(q, t.AccountID, t.CountryCode, t.PeriodStart, string(t.Aggregation), string(t.EntityType), t.NextRefreshAt)
		}
		n, err := execBatch(ctx, r.db, b)
		inserted += n
		if err != nil {
			return int(inserted), types.NewAppError(types.ErrCodeInternalDB, "failed to backfill report tuples", err)
		}
	}
	return int(inserted), nil
}

// Get returns the tuple with the given id.
func (r *ReportTupleRepository) Get(ctx context.Context, id int64) (*types.ReportTuple, error) {
	t, err := scanTuple(r.db.QueryRow(ctx,
		`SELECT `+tupleColumns+` FROM report_datasets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundTuple, fmt.Sprintf("report tuple %d not found", id), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load report tuple", err)
	}
	return t, nil
}

// CountRefreshing counts tuples currently owned by a worker for one
// (account, aggregation, entity type) slice.
func (r *ReportTupleRepository) CountRefreshing(ctx context.Context, accountID string, agg types.Aggregation, entity types.EntityType) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM report_datasets
		 WHERE account_id = $1 AND aggregation = $2 AND entity_type = $3 AND refreshing = TRUE`,
		accountID, string(agg), string(entity),
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count refreshing tuples", err)
	}
	return n, nil
}

// SelectDue returns up to limit tuples that are not refreshing and either
// due or holding a report handle. In-flight tuples come first, then the
// newest periods, then the soonest refresh time.
func (r *ReportTupleRepository) SelectDue(ctx context.Context, accountID string, agg types.Aggregation, entity types.EntityType, now time.Time, limit int) ([]types.ReportTuple, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+tupleColumns+` FROM report_datasets
		 WHERE account_id = $1 AND aggregation = $2 AND entity_type = $3
		   AND refreshing = FALSE
		   AND (next_refresh_at <= $4 OR report_id IS NOT NULL)
		 ORDER BY (report_id IS NOT NULL) DESC, period_start DESC, next_refresh_at ASC NULLS LAST
		 LIMIT $5`,
		accountID, string(agg), string(entity), now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to select due tuples", err)
	}
	tuples, err := collectTuples(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan due tuples", err)
	}
	return tuples, nil
}

// ClaimForRefresh marks the given tuples refreshing in one conditional
// update. Only rows that were not already refreshing are returned; a
// concurrent scheduler that won the race keeps its rows.
func (r *ReportTupleRepository) ClaimForRefresh(ctx context.Context, ids []int64, now time.Time) ([]types.ReportTuple, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`UPDATE report_datasets
		 SET refreshing = TRUE, refreshing_since = $2, updated_at = $2
		 WHERE id = ANY($1) AND refreshing = FALSE
		 RETURNING `+tupleColumns,
		ids, now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim tuples", err)
	}
	tuples, err := collectTuples(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan claimed tuples", err)
	}
	return tuples, nil
}

// MarkReportCreated stores a new report handle, sets status=fetching and
// releases the tuple.
func (r *ReportTupleRepository) MarkReportCreated(ctx context.Context, id int64, reportID string, createdAt time.Time, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error) {
	return r.update(ctx, "mark report created",
		`SET status = 'fetching', report_id = $2, last_report_created_at = $3,
		     next_refresh_at = $4, error = NULL, refreshing = FALSE,
		     refreshing_since = NULL, updated_at = $5`,
		id, reportID, createdAt, nextRefresh, now)
}

// MarkParsing sets status=parsing. The tuple stays refreshing.
func (r *ReportTupleRepository) MarkParsing(ctx context.Context, id int64, now time.Time) (*types.ReportTuple, error) {
	return r.update(ctx, "mark parsing",
		`SET status = 'parsing', updated_at = $2`,
		id, now)
}

// MarkCompleted clears the report handle and error and sets status=completed.
func (r *ReportTupleRepository) MarkCompleted(ctx context.Context, id int64, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error) {
	return r.update(ctx, "mark completed",
		`SET status = 'completed', report_id = NULL, error = NULL,
		     next_refresh_at = $2, updated_at = $3`,
		id, nextRefresh, now)
}

// MarkFailed sets status=failed with msg. The report handle is kept.
func (r *ReportTupleRepository) MarkFailed(ctx context.Context, id int64, msg string, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error) {
	return r.update(ctx, "mark failed",
		`SET status = 'failed', error = $2, next_refresh_at = $3, updated_at = $4`,
		id, msg, nextRefresh, now)
}

// RecordError stores msg without changing status.
func (r *ReportTupleRepository) RecordError(ctx context.Context, id int64, msg string, now time.Time) (*types.ReportTuple, error) {
	return r.update(ctx, "record error",
		`SET error = $2, updated_at = $3`,
		id, msg, now)
}

// DiscardReport drops a dead report handle so the current offset can be
// requested again, and sets status=failed with reason.
func (r *ReportTupleRepository) DiscardReport(ctx context.Context, id int64, reason string, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error) {
	return r.update(ctx, "discard report",
		`SET status = 'failed', report_id = NULL, last_report_created_at = NULL,
		     error = $2, next_refresh_at = $3, updated_at = $4`,
		id, reason, nextRefresh, now)
}

// ClearRefreshing releases the tuple and stores its next refresh time.
func (r *ReportTupleRepository) ClearRefreshing(ctx context.Context, id int64, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error) {
	return r.update(ctx, "clear refreshing",
		`SET refreshing = FALSE, refreshing_since = NULL, next_refresh_at = $2, updated_at = $3`,
		id, nextRefresh, now)
}

// RecoverStale releases tuples claimed before cutoff whose worker never
// finished, and returns them.
func (r *ReportTupleRepository) RecoverStale(ctx context.Context, cutoff, now time.Time) ([]types.ReportTuple, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE report_datasets
		 SET refreshing = FALSE, refreshing_since = NULL, updated_at = $2
		 WHERE refreshing = TRUE AND (refreshing_since IS NULL OR refreshing_since < $1)
		 RETURNING `+tupleColumns,
		cutoff, now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to recover stale tuples", err)
	}
	tuples, err := collectTuples(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan recovered tuples", err)
	}
	return tuples, nil
}

// update runs "UPDATE report_datasets <set> WHERE id = $1 RETURNING ...".
func (r *ReportTupleRepository) update(ctx context.Context, op, set string, id int64, args ...any) (*types.ReportTuple, error) {
	t, err := scanTuple(r.db.QueryRow(ctx,
		`UPDATE report_datasets `+set+` WHERE id = $1 RETURNING `+tupleColumns,
		append([]any{id}, args...)...,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundTuple, fmt.Sprintf("report tuple %d not found", id), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to "+op, err)
	}
	return t, nil
}
