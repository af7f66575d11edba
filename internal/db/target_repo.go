package db

import (
	"context"
	"errors"

	"adsingest/internal/types"

	"github.com/jackc/pgx/v5"
)

// TargetRepository resolves report rows to internal targeting and product
// entities.
type TargetRepository struct {
	db DBTX
}

// NewTargetRepository creates a TargetRepository.
func NewTargetRepository(db DBTX) *TargetRepository {
	return &TargetRepository{db: db}
}

// FindTarget returns the internal id of the target matching key. Keyword
// text and ASINs compare case-insensitively. found is false when no row
// matches.
func (r *TargetRepository) FindTarget(ctx context.Context, key types.TargetKey) (id string, found bool, err error) {
	err = r.db.QueryRow(ctx,
		`SELECT id::text FROM ads_targets
		 WHERE account_id = $1 AND ad_group_id = $2 AND target_type = $3 AND match_type = $4
		   AND ($5 = '' OR lower(value) = lower($5))
		 ORDER BY id
		 LIMIT 1`,
		key.AccountID, key.AdGroupID, string(key.TargetType), string(key.MatchType), key.Value,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.NewAppError(types.ErrCodeInternalDB, "failed to look up target", err)
	}
	return id, true, nil
}

// FindProduct returns the internal id of the advertised product, preferring
// an exact ad id match over the (ad group, ASIN) fallback.
func (r *TargetRepository) FindProduct(ctx context.Context, key types.ProductKey) (id string, found bool, err error) {
	err = r.db.QueryRow(ctx,
		`SELECT id::text FROM ads_products
		 WHERE account_id = $1
		   AND (ad_id = $2 OR ($3 <> '' AND ad_group_id = $3 AND upper(asin) = upper($4)))
		 ORDER BY (ad_id = $2) DESC, id
		 LIMIT 1`,
		key.AccountID, key.AdID, key.AdGroupID, key.ASIN,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.NewAppError(types.ErrCodeInternalDB, "failed to look up product", err)
	}
	return id, true, nil
}
