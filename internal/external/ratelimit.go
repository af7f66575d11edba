package external

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"adsingest/internal/types"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultMaxConcurrent      = 2
	defaultMinSpacing         = 500 * time.Millisecond
	defaultThrottleBuffer     = 250 * time.Millisecond
	defaultMaxThrottleRetries = 5

	// fallbackThrottleWait is used when a 429 carries no parseable
	// Retry-After and no earlier wait has been recorded.
	fallbackThrottleWait = 5000 * time.Millisecond

	// maxThrottleWait caps a single wait, including far-future HTTP-dates.
	maxThrottleWait = 10 * time.Minute
)

// Timer is the subset of *time.Timer the limiter needs. It exists so tests
// can control when spacing reverts to baseline.
type Timer interface {
	Stop() bool
}

// ThrottleRecorder receives one event per 429 seen by the limiter.
type ThrottleRecorder interface {
	RecordThrottle(ctx context.Context, wait time.Duration)
}

// LimiterConfig holds the baseline cadence of an AdaptiveLimiter.
type LimiterConfig struct {
	MaxConcurrent      int
	MinSpacing         time.Duration
	ThrottleBuffer     time.Duration
	MaxThrottleRetries int
	Logger             *slog.Logger
	Recorder           ThrottleRecorder
}

// AdaptiveLimiter governs every call to the Ads API in the process. It caps
// in-flight calls, enforces a minimum spacing between call starts, and widens
// that spacing after a 429 until the server's requested wait has elapsed.
//
// One limiter is constructed at startup and injected into every client.
type AdaptiveLimiter struct {
	sem        *semaphore.Weighted
	spacing    *rate.Limiter
	baseline   time.Duration
	buffer     time.Duration
	maxRetries int
	logger     *slog.Logger
	recorder   ThrottleRecorder

	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	sleep     func(context.Context, time.Duration) error

	mu       sync.Mutex
	current  time.Duration
	lastWait time.Duration
	revert   Timer
	gen      uint64
}

// LimiterOption is a functional option for configuring an AdaptiveLimiter.
type LimiterOption func(*AdaptiveLimiter)

// WithClock overrides the time source used to interpret HTTP-date Retry-After values.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *AdaptiveLimiter) {
		l.now = now
	}
}

// WithAfterFunc overrides how the spacing revert is scheduled.
func WithAfterFunc(fn func(time.Duration, func()) Timer) LimiterOption {
	return func(l *AdaptiveLimiter) {
		l.afterFunc = fn
	}
}

// WithThrottleSleep overrides the wait performed before a throttled call is retried.
func WithThrottleSleep(fn func(context.Context, time.Duration) error) LimiterOption {
	return func(l *AdaptiveLimiter) {
		l.sleep = fn
	}
}

// NewAdaptiveLimiter creates a limiter. Zero values in cfg take the defaults
// (2 concurrent calls, 500ms spacing, 250ms buffer). A negative
// MaxThrottleRetries selects the default of 5; zero disables retries.
func NewAdaptiveLimiter(cfg LimiterConfig, opts ...LimiterOption) *AdaptiveLimiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = defaultMinSpacing
	}
	if cfg.ThrottleBuffer <= 0 {
		cfg.ThrottleBuffer = defaultThrottleBuffer
	}
	if cfg.MaxThrottleRetries < 0 {
		cfg.MaxThrottleRetries = defaultMaxThrottleRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &AdaptiveLimiter{
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		spacing:    rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		baseline:   cfg.MinSpacing,
		buffer:     cfg.ThrottleBuffer,
		maxRetries: cfg.MaxThrottleRetries,
		logger:     logger,
		recorder:   cfg.Recorder,
		current:    cfg.MinSpacing,
		now:        time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Spacing returns the minimum interval currently enforced between call starts.
func (l *AdaptiveLimiter) Spacing() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Do runs fn under the limiter. A 429 response widens the spacing and the
// call is retried after the server's requested wait; the caller only sees a
// 429 as an upstream_rate_limited error once retries are exhausted. Any other
// response or error from fn is returned unchanged.
func (l *AdaptiveLimiter) Do(ctx context.Context, fn func(context.Context) (*http.Response, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := l.once(ctx, fn)
		if err != nil || resp.StatusCode != http.StatusTooManyRequests {
			return resp, err
		}

		wait := l.Throttled(ctx, resp.Header.Get("Retry-After"))
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if attempt >= l.maxRetries {
			return nil, types.NewAppError(
				types.ErrCodeUpstreamRateLimited,
				fmt.Sprintf("rate limited after %d attempts", attempt+1),
				nil,
			).WithDetails(map[string]any{"retry_after_ms": wait.Milliseconds()})
		}

		if err := l.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (l *AdaptiveLimiter) once(ctx context.Context, fn func(context.Context) (*http.Response, error)) (*http.Response, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)

	if err := l.spacing.Wait(ctx); err != nil {
		return nil, err
	}
	return fn(ctx)
}

// Throttled records a 429. It derives the wait from retryAfter, widens the
// spacing to wait plus the buffer and schedules a single revert to baseline
// after the wait. A pending revert is superseded. It returns the wait.
func (l *AdaptiveLimiter) Throttled(ctx context.Context, retryAfter string) time.Duration {
	l.mu.Lock()
	wait := ParseRetryAfter(retryAfter, l.lastWait, l.now())
	l.lastWait = wait
	l.current = wait + l.buffer
	l.spacing.SetLimit(rate.Every(l.current))

	if l.revert != nil {
		l.revert.Stop()
	}
	l.gen++
	gen := l.gen
	l.revert = l.afterFunc(wait, func() { l.restore(gen) })
	spacing := l.current
	l.mu.Unlock()

	l.logger.WarnContext(ctx, "ads api throttled, widening spacing",
		"retry_after", retryAfter,
		"wait_ms", wait.Milliseconds(),
		"spacing_ms", spacing.Milliseconds(),
	)
	if l.recorder != nil {
		l.recorder.RecordThrottle(ctx, wait)
	}
	return wait
}

// restore reverts to baseline unless a later 429 has taken over.
func (l *AdaptiveLimiter) restore(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return
	}
	l.current = l.baseline
	l.lastWait = 0
	l.revert = nil
	l.spacing.SetLimit(rate.Every(l.baseline))
}

// ParseRetryAfter converts a Retry-After header into a wait. Integer seconds
// and HTTP-dates (relative to now) are accepted. Anything else doubles
// lastWait, or yields 5s when no wait has been recorded.
func ParseRetryAfter(header string, lastWait time.Duration, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	var wait time.Duration

	if header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
			wait = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(header); err == nil {
			wait = at.Sub(now)
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = backoff(lastWait)
		}
	} else {
		wait = backoff(lastWait)
	}

	if wait > maxThrottleWait {
		wait = maxThrottleWait
	}
	return wait
}

func backoff(lastWait time.Duration) time.Duration {
	if lastWait <= 0 {
		return fallbackThrottleWait
	}
	return 2 * lastWait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
