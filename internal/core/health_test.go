package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeHealth(t *testing.T, body []byte) healthResponse {
	t.Helper()
	var resp healthResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestHandleHealth_NoProbes(t *testing.T) {
	srv := newTestServer(t, &stubRunner{}, nil)
	rec := do(t, srv, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeHealth(t, rec.Body.Bytes()).Status)
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	db := &mockHealthProbe{name: "database"}
	ads := &mockHealthProbe{name: "ads_api"}
	srv := newTestServer(t, &stubRunner{}, nil, WithHealthProbes(db, ads))

	rec := do(t, srv, http.MethodGet, "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeHealth(t, rec.Body.Bytes())
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Components["database"].Status)
	assert.Equal(t, "healthy", resp.Components["ads_api"].Status)
	assert.True(t, db.called.Load())
	assert.True(t, ads.called.Load())
}

func TestHandleHealth_OneFailing(t *testing.T) {
	srv := newTestServer(t, &stubRunner{}, nil, WithHealthProbes(
		&mockHealthProbe{name: "database", checkErr: errors.New("connection refused")},
		&mockHealthProbe{name: "ads_api"},
	))

	rec := do(t, srv, http.MethodGet, "/health")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeHealth(t, rec.Body.Bytes())
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "connection refused", resp.Components["database"].Message)
	assert.Equal(t, "healthy", resp.Components["ads_api"].Status)
}

func TestHandleHealth_SlowProbeTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the health deadline")
	}
	srv := newTestServer(t, &stubRunner{}, nil, WithHealthProbes(
		&mockHealthProbe{name: "slow", delay: time.Minute},
	))

	start := time.Now()
	rec := do(t, srv, http.MethodGet, "/health")

	assert.Less(t, time.Since(start), healthCheckTimeout+time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decodeHealth(t, rec.Body.Bytes()).Components["slow"].Status)
}

func TestHandleHealth_PanickingProbe(t *testing.T) {
	srv := newTestServer(t, &stubRunner{}, nil, WithHealthProbes(ProbeFunc{
		ProbeName: "broken",
		Fn:        func(context.Context) error { panic("nil pool") },
	}))

	rec := do(t, srv, http.MethodGet, "/health")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decodeHealth(t, rec.Body.Bytes()).Components["broken"].Message, "nil pool")
}
