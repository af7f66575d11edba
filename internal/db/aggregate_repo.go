package db

import (
	"context"
	"fmt"

	"adsingest/internal/types"

	"github.com/jackc/pgx/v5"
)

// AggregateRepository writes report rows into the hourly and daily metric
// tables. Rows are point-in-time totals, so a conflicting row is overwritten.
type AggregateRepository struct {
	db DBTX
}

// NewAggregateRepository creates an AggregateRepository.
func NewAggregateRepository(db DBTX) *AggregateRepository {
	return &AggregateRepository{db: db}
}

func metricsTable(agg types.Aggregation) (string, error) {
	switch agg {
	case types.AggregationHourly:
		return "ads_hourly_metrics", nil
	case types.AggregationDaily:
		return "ads_daily_metrics", nil
	default:
		return "", types.NewAppError(types.ErrCodeValidationInvalidBucket, fmt.Sprintf("unknown aggregation %q", agg), nil)
	}
}

// Upsert writes rows into the table for agg in one transaction and returns
// the number of rows written. Either every row is written or none is.
// Replaying the same rows leaves the table unchanged.
func (r *AggregateRepository) Upsert(ctx context.Context, agg types.Aggregation, rows []types.AggregateRow) (int, error) {
	table, err := metricsTable(agg)
	if err != nil {
		return 0, err
	}
	q := `INSERT INTO ` + table + ` AS m
		(account_id, bucket_start, bucket_date, bucket_hour, ad_id, entity_type, entity_id,
		 campaign_id, ad_group_id, match_type, impressions, clicks, spend, sales, orders, updated_at)
		VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (account_id, bucket_start, ad_id, entity_type, entity_id) DO UPDATE SET
			bucket_date = EXCLUDED.bucket_date,
			bucket_hour = EXCLUDED.bucket_hour,
			campaign_id = EXCLUDED.campaign_id,
			ad_group_id = EXCLUDED.ad_group_id,
			match_type  = EXCLUDED.match_type,
			impressions = EXCLUDED.impressions,
			clicks      = EXCLUDED.clicks,
			spend       = EXCLUDED.spend,
			sales       = EXCLUDED.sales,
			orders      = EXCLUDED.orders,
			updated_at  = NOW()`

	if len(rows) == 0 {
		return 0, nil
	}
	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		for start := 0; start < len(rows); start += batchSize {
			end := min(start+batchSize, len(rows))
			b := &pgx.Batch{}
			for _, row := range rows[start:end] {
				b.Queue(q,
					row.AccountID,
					row.BucketStart.UTC(),
					row.BucketDate,
					row.BucketHour,
					row.AdID,
					string(row.EntityType),
					row.EntityID,
					row.CampaignID,
					row.AdGroupID,
					string(row.MatchType),
					row.Impressions,
					row.Clicks,
					row.Spend,
					row.Sales,
					row.Orders,
				)
			}
			if _, err := execBatch(ctx, tx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert "+table, err)
	}
	return len(rows), nil
}
