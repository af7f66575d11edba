package ingest

import (
	"context"
	"log/slog"
	"time"
)

// DefaultStaleAfter is how long a tuple may stay refreshing before the
// recovery sweep releases it.
const DefaultStaleAfter = 30 * time.Minute

// StaleReleaser releases abandoned tuples. *registry.Registry satisfies it.
type StaleReleaser interface {
	RecoverStale(ctx context.Context, staleAfter time.Duration, now time.Time) (int, error)
}

// Recovery releases tuples whose worker died without clearing refreshing.
type Recovery struct {
	registry StaleReleaser
	metrics  Metrics
	now      func() time.Time
	logger   *slog.Logger
}

// NewRecovery creates a Recovery. metrics and now may be nil.
func NewRecovery(registry StaleReleaser, metrics Metrics, now func() time.Time, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if now == nil {
		now = time.Now
	}
	return &Recovery{registry: registry, metrics: metrics, now: now, logger: logger}
}

// Sweep releases every tuple refreshing for longer than staleAfter and
// returns how many were released.
func (r *Recovery) Sweep(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	n, err := r.registry.RecoverStale(ctx, staleAfter, r.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.WarnContext(ctx, "recovery sweep released tuples", "count", n, "stale_after", staleAfter.String())
		r.metrics.RecordRecovered(ctx, n)
	}
	return n, nil
}
