package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"adsingest/internal/types"
)

const (
	// DefaultConcurrencyBudget caps refreshing tuples per account, aggregation
	// and entity type.
	DefaultConcurrencyBudget = 5
	// DefaultAccountParallelism caps accounts scheduled at once by RunAll.
	DefaultAccountParallelism = 4
)

// pairs are the (aggregation, entity type) combinations scheduled per account.
var pairs = []struct {
	agg    types.Aggregation
	entity types.EntityType
}{
	{types.AggregationHourly, types.EntityTarget},
	{types.AggregationHourly, types.EntityProduct},
	{types.AggregationDaily, types.EntityTarget},
	{types.AggregationDaily, types.EntityProduct},
}

// DueSelector reads admission state. *db.ReportTupleRepository satisfies it.
type DueSelector interface {
	CountRefreshing(ctx context.Context, accountID string, agg types.Aggregation, entity types.EntityType) (int, error)
	SelectDue(ctx context.Context, accountID string, agg types.Aggregation, entity types.EntityType, now time.Time, limit int) ([]types.ReportTuple, error)
}

// ClaimRegistry is the registry surface the scheduler needs.
type ClaimRegistry interface {
	Backfill(ctx context.Context, accountID, countryCode string, now time.Time) (int, error)
	ClaimForRefresh(ctx context.Context, ids []int64, now time.Time) ([]types.ReportTuple, error)
	ClearRefreshing(ctx context.Context, t *types.ReportTuple, now time.Time) (*types.ReportTuple, error)
}

// AccountSource lists the accounts to schedule.
type AccountSource interface {
	Enabled(ctx context.Context) ([]types.Account, error)
	Get(ctx context.Context, accountID string) (types.Account, error)
}

// TupleDispatcher hands claimed tuples to workers. *Dispatcher satisfies it.
type TupleDispatcher interface {
	Dispatch(ctx context.Context, t types.ReportTuple) error
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Selector           DueSelector
	Registry           ClaimRegistry
	Accounts           AccountSource
	Dispatcher         TupleDispatcher
	Metrics            Metrics // optional
	Budget             int
	AccountParallelism int
	Logger             *slog.Logger
}

// Scheduler admits due tuples within a per-pair concurrency budget and
// dispatches them.
type Scheduler struct {
	selector    DueSelector
	registry    ClaimRegistry
	accounts    AccountSource
	dispatcher  TupleDispatcher
	metrics     Metrics
	budget      int
	parallelism int
	logger      *slog.Logger
}

// AccountResult summarizes one account's pass.
type AccountResult struct {
	AccountID  string `json:"account_id"`
	Backfilled int    `json:"backfilled"`
	Dispatched int    `json:"dispatched"`
}

// PassResult summarizes a RunAll pass.
type PassResult struct {
	PassID     string   `json:"pass_id"`
	Accounts   int      `json:"accounts"`
	Dispatched int      `json:"dispatched"`
	Failed     []string `json:"failed,omitempty"`
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = DefaultConcurrencyBudget
	}
	parallelism := cfg.AccountParallelism
	if parallelism <= 0 {
		parallelism = DefaultAccountParallelism
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Scheduler{
		selector:    cfg.Selector,
		registry:    cfg.Registry,
		accounts:    cfg.Accounts,
		dispatcher:  cfg.Dispatcher,
		metrics:     metrics,
		budget:      budget,
		parallelism: parallelism,
		logger:      logger,
	}
}

// RunAccount backfills the account and dispatches its due tuples. Per pair,
// at most budget minus the currently refreshing count are claimed, and only
// tuples the claim actually marked are dispatched.
func (s *Scheduler) RunAccount(ctx context.Context, acct types.Account, now time.Time) (AccountResult, error) {
	res := AccountResult{AccountID: acct.ID}

	inserted, err := s.registry.Backfill(ctx, acct.ID, acct.CountryCode, now)
	if err != nil {
		return res, err
	}
	res.Backfilled = inserted

	for _, p := range pairs {
		n, err := s.admit(ctx, acct, p.agg, p.entity, now)
		res.Dispatched += n
		if err != nil {
			return res, err
		}
	}

	s.logger.InfoContext(ctx, "account scheduled",
		"account_id", acct.ID,
		"pass_id", types.GetPassID(ctx),
		"backfilled", res.Backfilled,
		"dispatched", res.Dispatched,
	)
	return res, nil
}

func (s *Scheduler) admit(ctx context.Context, acct types.Account, agg types.Aggregation, entity types.EntityType, now time.Time) (int, error) {
	refreshing, err := s.selector.CountRefreshing(ctx, acct.ID, agg, entity)
	if err != nil {
		return 0, err
	}
	slots := s.budget - refreshing
	if slots <= 0 {
		s.logger.DebugContext(ctx, "no free slots",
			"account_id", acct.ID,
			"aggregation", string(agg),
			"entity_type", string(entity),
			"refreshing", refreshing,
		)
		return 0, nil
	}

	due, err := s.selector.SelectDue(ctx, acct.ID, agg, entity, now, slots)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	if len(due) > slots {
		due = due[:slots]
	}

	ids := make([]int64, len(due))
	for i := range due {
		ids[i] = due[i].ID
	}
	claimed, err := s.registry.ClaimForRefresh(ctx, ids, now)
	if err != nil {
		return 0, err
	}
	if len(claimed) < len(ids) {
		s.logger.InfoContext(ctx, "some tuples were claimed elsewhere",
			"account_id", acct.ID,
			"requested", len(ids),
			"claimed", len(claimed),
		)
	}

	dispatched := 0
	for i := range claimed {
		t := claimed[i]
		if err := s.dispatcher.Dispatch(ctx, t); err != nil {
			s.logger.WarnContext(ctx, "dispatch refused, releasing tuple",
				"tuple_id", t.ID,
				"error", err,
			)
			if _, clearErr := s.registry.ClearRefreshing(context.WithoutCancel(ctx), &t, now); clearErr != nil {
				s.logger.ErrorContext(ctx, "failed to release undispatched tuple", "tuple_id", t.ID, "error", clearErr)
			}
			continue
		}
		dispatched++
	}
	s.metrics.RecordDispatched(ctx, dispatched)
	return dispatched, nil
}

// RunAll schedules every enabled account with bounded parallelism. An
// account's failure is logged and does not stop the others.
func (s *Scheduler) RunAll(ctx context.Context, now time.Time) (PassResult, error) {
	passID := uuid.NewString()
	ctx = types.WithPassID(ctx, passID)
	res := PassResult{PassID: passID}

	accts, err := s.accounts.Enabled(ctx)
	if err != nil {
		return res, err
	}
	res.Accounts = len(accts)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, acct := range accts {
		g.Go(func() error {
			r, err := s.RunAccount(gctx, acct, now)
			mu.Lock()
			defer mu.Unlock()
			res.Dispatched += r.Dispatched
			if err != nil {
				res.Failed = append(res.Failed, acct.ID)
				s.logger.ErrorContext(gctx, "account scheduling failed",
					"account_id", acct.ID,
					"pass_id", passID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoContext(ctx, "scheduling pass complete",
		"pass_id", passID,
		"accounts", res.Accounts,
		"dispatched", res.Dispatched,
		"failed", len(res.Failed),
	)
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

// RunOne schedules a single account by id.
func (s *Scheduler) RunOne(ctx context.Context, accountID string, now time.Time) (AccountResult, error) {
	ctx = types.WithPassID(ctx, uuid.NewString())
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return AccountResult{AccountID: accountID}, err
	}
	if !acct.Enabled {
		return AccountResult{AccountID: accountID}, types.NewAppError(types.ErrCodeNotFoundAccount, "account "+accountID+" is disabled", nil)
	}
	return s.RunAccount(ctx, acct, now)
}
