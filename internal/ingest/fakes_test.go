package ingest

import (
	"context"
	"sync"

	"adsingest/internal/types"
)

type fakeAPI struct {
	mu        sync.Mutex
	reportID  string
	createErr error
	status    *types.ReportStatus
	statusErr error
	requests  []types.ReportRequest
}

func (f *fakeAPI) CreateReport(_ context.Context, req types.ReportRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.reportID, nil
}

func (f *fakeAPI) GetReportStatus(_ context.Context, _, _, reportID string) (*types.ReportStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	s := *f.status
	s.ReportID = reportID
	return &s, nil
}

type fakeParser struct {
	rows  int
	err   error
	calls int
}

func (f *fakeParser) Process(_ context.Context, _ *types.ReportTuple, _ *types.ReportStatus) (int, error) {
	f.calls++
	return f.rows, f.err
}

type fakeMetrics struct {
	mu         sync.Mutex
	outcomes   []types.TupleOutcome
	rows       int
	dispatched int
	recovered  int
}

func (m *fakeMetrics) RecordOutcome(_ context.Context, _ types.Aggregation, _ types.EntityType, o types.TupleOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
}

func (m *fakeMetrics) RecordRows(_ context.Context, _ types.Aggregation, _ types.EntityType, rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows += rows
}

func (m *fakeMetrics) RecordDispatched(_ context.Context, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched += n
}

func (m *fakeMetrics) RecordRecovered(_ context.Context, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovered += n
}
