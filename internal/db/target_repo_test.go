package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"adsingest/internal/types"
)

func TestTargetRepository_FindTarget(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTargetRepository(db)

	key := types.TargetKey{
		AccountID:  "acct-1",
		AdGroupID:  "ag-1",
		TargetType: types.TargetProduct,
		MatchType:  types.MatchProductSimilar,
		Value:      "B000X",
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"),
		[]any{"acct-1", "ag-1", "PRODUCT", "PRODUCT_SIMILAR", "B000X"}).
		Return(valuesRow("55"))

	id, found, err := repo.FindTarget(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "55", id)
}

func TestTargetRepository_FindTarget_NoMatch(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTargetRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, found, err := repo.FindTarget(context.Background(), types.TargetKey{AccountID: "a"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTargetRepository_FindProduct_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTargetRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("timeout")})

	_, _, err := repo.FindProduct(context.Background(), types.ProductKey{AccountID: "a", AdID: "1"})
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}
