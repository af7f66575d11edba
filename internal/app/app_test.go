package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsingest/internal/types"
)

type recordingWriter struct {
	upserted []types.Account
	err      error
}

func (w *recordingWriter) Upsert(_ context.Context, a types.Account) error {
	if w.err != nil {
		return w.err
	}
	w.upserted = append(w.upserted, a)
	return nil
}

func writeRoster(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSyncRoster_NoFile(t *testing.T) {
	w := &recordingWriter{}
	roster, err := syncRoster(context.Background(), "", w, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, roster)
	assert.Empty(t, w.upserted)
}

func TestSyncRoster_UpsertsEveryEntry(t *testing.T) {
	path := writeRoster(t, `
accounts:
  - account_id: "111"
    country_code: US
  - account_id: "222"
    country_code: JP
    enabled: false
`)
	w := &recordingWriter{}

	roster, err := syncRoster(context.Background(), path, w, slog.Default())

	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, roster, w.upserted)
	assert.True(t, w.upserted[0].Enabled)
	assert.False(t, w.upserted[1].Enabled)
}

func TestSyncRoster_WriteFailure(t *testing.T) {
	path := writeRoster(t, "accounts:\n  - account_id: \"111\"\n    country_code: US\n")
	w := &recordingWriter{err: errors.New("db down")}

	_, err := syncRoster(context.Background(), path, w, slog.Default())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "111")
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, NewLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, NewLogger("info").Enabled(ctx, slog.LevelDebug))
	assert.False(t, NewLogger("error").Enabled(ctx, slog.LevelWarn))
	assert.True(t, NewLogger("bogus").Enabled(ctx, slog.LevelInfo))
}
