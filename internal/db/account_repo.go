package db

import (
	"context"

	"adsingest/internal/types"
)

// AccountRepository reads the advertising accounts registered for ingestion.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates an AccountRepository.
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

// ListAccounts returns every account, enabled or not, ordered by id.
func (r *AccountRepository) ListAccounts(ctx context.Context) ([]types.Account, error) {
	rows, err := r.db.Query(ctx,
		`SELECT account_id, country_code, enabled FROM ads_accounts ORDER BY account_id`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list accounts", err)
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		var a types.Account
		if err := rows.Scan(&a.ID, &a.CountryCode, &a.Enabled); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan account", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate accounts", err)
	}
	return out, nil
}

// Upsert registers or updates an account.
func (r *AccountRepository) Upsert(ctx context.Context, a types.Account) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO ads_accounts (account_id, country_code, enabled)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (account_id) DO UPDATE
		   SET country_code = EXCLUDED.country_code, enabled = EXCLUDED.enabled`,
		a.ID, a.CountryCode, a.Enabled,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert account", err)
	}
	return nil
}
