// Package registrytest provides an in-memory tuple store for tests of the
// registry and its callers.
package registrytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"adsingest/internal/types"
)

// Store is an in-memory equivalent of the report_datasets table.
type Store struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*types.ReportTuple
	keys   map[types.DatasetKey]int64

	// Err, when set, is returned by every call.
	Err error
	// ClaimHook runs before ClaimForRefresh applies, letting tests simulate
	// a concurrent scheduler winning some rows.
	ClaimHook func(ids []int64)
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		rows: make(map[int64]*types.ReportTuple),
		keys: make(map[types.DatasetKey]int64),
	}
}

// Put inserts or replaces a tuple and returns its id.
func (s *Store) Put(t types.ReportTuple) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.keys[t.Key()]; ok {
		t.ID = id
	} else if t.ID == 0 {
		s.nextID++
		t.ID = s.nextID
	} else if t.ID > s.nextID {
		s.nextID = t.ID
	}
	cp := t
	s.rows[t.ID] = &cp
	s.keys[t.Key()] = t.ID
	return t.ID
}

// Snapshot returns a copy of the tuple with id, or nil.
func (s *Store) Snapshot(id int64) *types.ReportTuple {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// All returns every tuple ordered by id.
func (s *Store) All() []types.ReportTuple {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ReportTuple, 0, len(s.rows))
	for _, t := range s.rows {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) InsertMissing(_ context.Context, tuples []types.ReportTuple) (int, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, t := range tuples {
		if _, ok := s.keys[t.Key()]; ok {
			continue
		}
		s.nextID++
		t.ID = s.nextID
		t.Status = types.DatasetMissing
		cp := t
		s.rows[t.ID] = &cp
		s.keys[t.Key()] = t.ID
		inserted++
	}
	return inserted, nil
}

func (s *Store) Get(_ context.Context, id int64) (*types.ReportTuple, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if t := s.Snapshot(id); t != nil {
		return t, nil
	}
	return nil, notFound(id)
}

func (s *Store) CountRefreshing(_ context.Context, accountID string, agg types.Aggregation, entity types.EntityType) (int, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.rows {
		if t.AccountID == accountID && t.Aggregation == agg && t.EntityType == entity && t.Refreshing {
			n++
		}
	}
	return n, nil
}

func (s *Store) SelectDue(_ context.Context, accountID string, agg types.Aggregation, entity types.EntityType, now time.Time, limit int) ([]types.ReportTuple, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	var due []types.ReportTuple
	for _, t := range s.rows {
		if t.AccountID != accountID || t.Aggregation != agg || t.EntityType != entity || t.Refreshing {
			continue
		}
		if t.InFlight() || (t.NextRefreshAt != nil && !t.NextRefreshAt.After(now)) {
			due = append(due, *t)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.InFlight() != b.InFlight() {
			return a.InFlight()
		}
		if !a.PeriodStart.Equal(b.PeriodStart) {
			return a.PeriodStart.After(b.PeriodStart)
		}
		switch {
		case a.NextRefreshAt == nil:
			return false
		case b.NextRefreshAt == nil:
			return true
		default:
			return a.NextRefreshAt.Before(*b.NextRefreshAt)
		}
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) ClaimForRefresh(_ context.Context, ids []int64, now time.Time) ([]types.ReportTuple, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.ClaimHook != nil {
		s.ClaimHook(ids)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ReportTuple
	for _, id := range ids {
		t, ok := s.rows[id]
		if !ok || t.Refreshing {
			continue
		}
		t.Refreshing = true
		since := now
		t.RefreshingSince = &since
		t.UpdatedAt = now
		out = append(out, *t)
	}
	return out, nil
}

func (s *Store) MarkReportCreated(_ context.Context, id int64, reportID string, createdAt time.Time, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error) {
	return s.mutate(id, now, func(t *types.ReportTuple) {
		t.Status = types.DatasetFetching
		t.ReportID = &reportID
		t.LastReportCreatedAt = &createdAt
		t.NextRefreshAt = nextRefresh
		t.Error = nil
		t.Refreshing = false
		t.RefreshingSince = nil
	})
}

func (s *Store) MarkParsing(_ context.Context, id int64, now time.Time) (*types.ReportTuple, error) {
	return s.mutate(id, now, func(t *types.ReportTuple) {
		t.Status = types.DatasetParsing
	})
}

func (s *Store) MarkCompleted(_ context.Context, id int64, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error) {
	return s.mutate(id, now, func(t *types.ReportTuple) {
		t.Status = types.DatasetCompleted
		t.ReportID = nil
		t.Error = nil
		t.NextRefreshAt = nextRefresh
	})
}

func (s *Store) MarkFailed(_ context.Context, id int64, msg string, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error) {
	return s.mutate(id, now, func(t *types.ReportTuple) {
		t.Status = types.DatasetFailed
		t.Error = &msg
		t.NextRefreshAt = nextRefresh
	})
}

func (s *Store) RecordError(_ context.Context, id int64, msg string, now time.Time) (*types.ReportTuple, error) {
	return s.mutate(id, now, func(t *types.ReportTuple) {
		t.Error = &msg
	})
}

func (s *Store) DiscardReport(_ context.Context, id int64, reason string, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error) {
	return s.mutate(id, now, func(t *types.ReportTuple) {
		t.Status = types.DatasetFailed
		t.ReportID = nil
		t.LastReportCreatedAt = nil
		t.Error = &reason
		t.NextRefreshAt = nextRefresh
	})
}

func (s *Store) ClearRefreshing(_ context.Context, id int64, nextRefresh *time.Time, now time.Time) (*types.ReportTuple, error) {
	return s.mutate(id, now, func(t *types.ReportTuple) {
		t.Refreshing = false
		t.RefreshingSince = nil
		t.NextRefreshAt = nextRefresh
	})
}

func (s *Store) RecoverStale(_ context.Context, cutoff, now time.Time) ([]types.ReportTuple, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ReportTuple
	for _, t := range s.rows {
		if !t.Refreshing || (t.RefreshingSince != nil && !t.RefreshingSince.Before(cutoff)) {
			continue
		}
		t.Refreshing = false
		t.RefreshingSince = nil
		t.UpdatedAt = now
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) mutate(id int64, now time.Time, fn func(*types.ReportTuple)) (*types.ReportTuple, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return nil, notFound(id)
	}
	fn(t)
	t.UpdatedAt = now
	cp := *t
	return &cp, nil
}

func notFound(id int64) error {
	return types.NewAppError(types.ErrCodeNotFoundTuple, fmt.Sprintf("report tuple %d not found", id), nil)
}

// Notifier records published changes.
type Notifier struct {
	mu      sync.Mutex
	Changes []types.TupleChange
	Err     error
}

func (n *Notifier) Publish(_ context.Context, change types.TupleChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Changes = append(n.Changes, change)
	return n.Err
}

// Published returns a copy of the recorded changes.
func (n *Notifier) Published() []types.TupleChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.TupleChange(nil), n.Changes...)
}
