package accounts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsingest/internal/types"
)

func TestParseRoster(t *testing.T) {
	raw := []byte(`
accounts:
  - account_id: "111"
    country_code: us
  - account_id: "222"
    country_code: DE
    enabled: false
`)
	accts, err := parseRoster(raw)
	require.NoError(t, err)
	require.Len(t, accts, 2)

	assert.Equal(t, types.Account{ID: "111", CountryCode: "US", Enabled: true}, accts[0])
	assert.Equal(t, types.Account{ID: "222", CountryCode: "DE", Enabled: false}, accts[1])
}

func TestParseRoster_RejectsUnknownCountry(t *testing.T) {
	_, err := parseRoster([]byte("accounts:\n  - account_id: \"1\"\n    country_code: ZZ\n"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidCountry))
}

func TestParseRoster_RejectsMissingID(t *testing.T) {
	_, err := parseRoster([]byte("accounts:\n  - country_code: US\n"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
}

func TestLoadRoster_RoundTrip(t *testing.T) {
	accts := []types.Account{{ID: "333", CountryCode: "JP", Enabled: true}}
	raw, err := MarshalRoster(accts)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	loaded, err := LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, accts, loaded)
}

func TestLoadRoster_MissingFile(t *testing.T) {
	_, err := LoadRoster(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

type stubLister struct {
	accts []types.Account
	err   error
}

func (s stubLister) ListAccounts(context.Context) ([]types.Account, error) {
	return s.accts, s.err
}

func TestSource_EnabledMergesRosterOverStore(t *testing.T) {
	store := stubLister{accts: []types.Account{
		{ID: "b", CountryCode: "US", Enabled: true},
		{ID: "a", CountryCode: "UK", Enabled: true},
		{ID: "c", CountryCode: "DE", Enabled: true},
	}}
	roster := []types.Account{
		{ID: "c", CountryCode: "DE", Enabled: false},
		{ID: "d", CountryCode: "JP", Enabled: true},
	}

	got, err := NewSource(store, roster).Enabled(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids)
}

func TestSource_EnabledStoreError(t *testing.T) {
	_, err := NewSource(stubLister{err: errors.New("db down")}, nil).Enabled(context.Background())
	assert.Error(t, err)
}

func TestSource_Get(t *testing.T) {
	src := NewSource(nil, []types.Account{{ID: "x", CountryCode: "US", Enabled: false}})

	acct, err := src.Get(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "US", acct.CountryCode)

	_, err = src.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundAccount))
}
