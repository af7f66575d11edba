package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"adsingest/internal/types"
)

func tupleValues(t types.ReportTuple) []any {
	return []any{
		t.ID, t.AccountID, t.CountryCode, t.PeriodStart, t.Aggregation, t.EntityType,
		t.Status, t.Refreshing, t.RefreshingSince, t.ReportID, t.LastReportCreatedAt,
		t.NextRefreshAt, t.Error, t.UpdatedAt,
	}
}

func sampleTuple(id int64) types.ReportTuple {
	return types.ReportTuple{
		ID:          id,
		AccountID:   "acct-1",
		CountryCode: "US",
		PeriodStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Aggregation: types.AggregationDaily,
		EntityType:  types.EntityTarget,
		Status:      types.DatasetMissing,
		UpdatedAt:   time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestReportTupleRepository_InsertMissing_BatchesAndCounts(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReportTupleRepository(db)

	tuples := make([]types.ReportTuple, 1200)
	for i := range tuples {
		tuples[i] = sampleTuple(0)
		tuples[i].PeriodStart = tuples[i].PeriodStart.AddDate(0, 0, -i)
	}

	var sizes []int
	db.On("SendBatch", mock.Anything, mock.MatchedBy(func(b *pgx.Batch) bool {
		sizes = append(sizes, b.Len())
		return true
	})).Return(&mockBatch{tag: pgconn.NewCommandTag("INSERT 0 1")})

	n, err := repo.InsertMissing(context.Background(), tuples)
	require.NoError(t, err)
	assert.Equal(t, 1200, n)
	assert.Equal(t, []int{500, 500, 200}, sizes)
}

func TestReportTupleRepository_InsertMissing_ExistingRowsUntouched(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReportTupleRepository(db)

	var captured *pgx.Batch
	db.On("SendBatch", mock.Anything, mock.MatchedBy(func(b *pgx.Batch) bool {
		captured = b
		return true
	})).Return(&mockBatch{tag: pgconn.NewCommandTag("INSERT 0 0")})

	n, err := repo.InsertMissing(context.Background(), []types.ReportTuple{sampleTuple(0)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NotNil(t, captured)
	assert.Contains(t, captured.QueuedQueries[0].SQL, "ON CONFLICT (account_id, period_start, aggregation, entity_type) DO NOTHING")
}

func TestReportTupleRepository_InsertMissing_BatchError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReportTupleRepository(db)

	batch := &mockBatch{tag: pgconn.NewCommandTag("INSERT 0 1"), err: errors.New("conn reset"), failAt: 1}
	db.On("SendBatch", mock.Anything, mock.Anything).Return(batch)

	n, err := repo.InsertMissing(context.Background(), []types.ReportTuple{sampleTuple(0), sampleTuple(0), sampleTuple(0)})
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
	assert.Equal(t, 1, n)
	assert.True(t, batch.closed)
}

func TestReportTupleRepository_Get(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReportTupleRepository(db)

	want := sampleTuple(42)
	rid := "rep-1"
	want.ReportID = &rid

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{int64(42)}).
		Return(valuesRow(tupleValues(want)...))

	got, err := repo.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func TestReportTupleRepository_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReportTupleRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Get(context.Background(), 7)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundTuple))
}

func TestReportTupleRepository_CountRefreshing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReportTupleRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"acct-1", "hourly", "product"}).
		Return(valuesRow(3))

	n, err := repo.CountRefreshing(context.Background(), "acct-1", types.AggregationHourly, types.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReportTupleRepository_SelectDue(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReportTupleRepository(db)
	now := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)

	t.Run("no slots skips the query", func(t *testing.T) {
		got, err := repo.SelectDue(context.Background(), "acct-1", types.AggregationDaily, types.EntityTarget, now, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
		db.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("passes limit and scans rows", func(t *testing.T) {
		a, b := sampleTuple(1), sampleTuple(2)
		var sql string
		db.On("Query", mock.Anything, mock.MatchedBy(func(s string) bool { sql = s; return true }),
			[]any{"acct-1", "daily", "target", now, 2}).
			Return(newMockRows([][]any{tupleValues(a), tupleValues(b)}), nil).Once()

		got, err := repo.SelectDue(context.Background(), "acct-1", types.AggregationDaily, types.EntityTarget, now, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(1), got[0].ID)
		assert.Contains(t, sql, "ORDER BY (report_id IS NOT NULL) DESC, period_start DESC, next_refresh_at ASC NULLS LAST")
		assert.Contains(t, sql, "refreshing = FALSE")
	})
}

func TestReportTupleRepository_ClaimForRefresh_ReturnsOnlyClaimed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReportTupleRepository(db)
	now := time.Now().UTC()

	claimed := sampleTuple(2)
	claimed.Refreshing = true
	claimed.RefreshingSince = &now

	db.On("Query", mock.Anything, mock.MatchedBy(func(s string) bool {
		return strings.Contains(s, "id = ANY($1)") && strings.Contains(s, "refreshing = FALSE")
	}), []any{[]int64{1, 2}, now}).
		Return(newMockRows([][]any{tupleValues(claimed)}), nil)

	got, err := repo.ClaimForRefresh(context.Background(), []int64{1, 2}, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
	assert.True(t, got[0].Refreshing)
}

func TestReportTupleRepository_Mutations(t *testing.T) {
	now := time.Date(2025, 1, 2, 6, 0, 0, 0, time.UTC)
	next := now.Add(5 * time.Minute)

	tests := []struct {
		name string
		call func(r *ReportTupleRepository) (*types.ReportTuple, error)
		sql  string
	}{
		{"report created", func(r *ReportTupleRepository) (*types.ReportTuple, error) {
			return r.MarkReportCreated(context.Background(), 9, "rep-9", now, &next, now)
		}, "status = 'fetching'"},
		{"parsing", func(r *ReportTupleRepository) (*types.ReportTuple, error) {
			return r.MarkParsing(context.Background(), 9, now)
		}, "status = 'parsing'"},
		{"completed", func(r *ReportTupleRepository) (*types.ReportTuple, error) {
			return r.MarkCompleted(context.Background(), 9, nil, now)
		}, "report_id = NULL, error = NULL"},
		{"failed", func(r *ReportTupleRepository) (*types.ReportTuple, error) {
			return r.MarkFailed(context.Background(), 9, "boom", &next, now)
		}, "status = 'failed', error = $2"},
		{"record error", func(r *ReportTupleRepository) (*types.ReportTuple, error) {
			return r.RecordError(context.Background(), 9, "boom", now)
		}, "SET error = $2"},
		{"discard", func(r *ReportTupleRepository) (*types.ReportTuple, error) {
			return r.DiscardReport(context.Background(), 9, "report FAILED", &next, now)
		}, "last_report_created_at = NULL"},
		{"clear refreshing", func(r *ReportTupleRepository) (*types.ReportTuple, error) {
			return r.ClearRefreshing(context.Background(), 9, &next, now)
		}, "refreshing = FALSE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewReportTupleRepository(db)

			want := sampleTuple(9)
			var sql string
			db.On("QueryRow", mock.Anything, mock.MatchedBy(func(s string) bool { sql = s; return true }), mock.Anything).
				Return(valuesRow(tupleValues(want)...))

			got, err := tt.call(repo)
			require.NoError(t, err)
			assert.Equal(t, int64(9), got.ID)
			assert.Contains(t, sql, tt.sql)
			assert.Contains(t, sql, "WHERE id = $1")
		})
	}
}

func TestReportTupleRepository_Mutation_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReportTupleRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.MarkParsing(context.Background(), 1, time.Now())
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundTuple))
}

func TestReportTupleRepository_RecoverStale(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReportTupleRepository(db)
	now := time.Now().UTC()
	cutoff := now.Add(-30 * time.Minute)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{cutoff, now}).
		Return(newMockRows([][]any{tupleValues(sampleTuple(3)), tupleValues(sampleTuple(4))}), nil)

	got, err := repo.RecoverStale(context.Background(), cutoff, now)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
