package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adsingest/internal/types"
)

type fakeTimer struct {
	d       time.Duration
	fire    func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{d: d, fire: fn}
	f.timers = append(f.timers, t)
	return t
}

func noopThrottleSleep(context.Context, time.Duration) error { return nil }

func newTestLimiter(maxRetries int, opts ...LimiterOption) *AdaptiveLimiter {
	opts = append([]LimiterOption{WithThrottleSleep(noopThrottleSleep)}, opts...)
	return NewAdaptiveLimiter(LimiterConfig{
		MaxConcurrent:      2,
		MinSpacing:         time.Millisecond,
		ThrottleBuffer:     time.Millisecond,
		MaxThrottleRetries: maxRetries,
	}, opts...)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		header   string
		lastWait time.Duration
		want     time.Duration
	}{
		{"integer seconds", "3", 0, 3 * time.Second},
		{"integer with spaces", " 7 ", 0, 7 * time.Second},
		{"http date", now.Add(10 * time.Second).Format(http.TimeFormat), 0, 10 * time.Second},
		{"past http date", now.Add(-time.Minute).Format(http.TimeFormat), 0, 0},
		{"missing, nothing recorded", "", 0, 5 * time.Second},
		{"missing, doubles last wait", "", 2 * time.Second, 4 * time.Second},
		{"garbage, doubles last wait", "soon", 3 * time.Second, 6 * time.Second},
		{"capped", "86400", 0, maxThrottleWait},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRetryAfter(tt.header, tt.lastWait, now); got != tt.want {
				t.Errorf("ParseRetryAfter(%q, %v) = %v, want %v", tt.header, tt.lastWait, got, tt.want)
			}
		})
	}
}

func TestThrottled_WidensSpacingAndReverts(t *testing.T) {
	timers := &fakeTimers{}
	l := newTestLimiter(0, WithAfterFunc(timers.afterFunc))

	wait := l.Throttled(context.Background(), "2")
	if wait != 2*time.Second {
		t.Fatalf("wait = %v, want 2s", wait)
	}
	if got := l.Spacing(); got != 2*time.Second+time.Millisecond {
		t.Errorf("spacing = %v, want 2.001s", got)
	}
	if len(timers.timers) != 1 || timers.timers[0].d != 2*time.Second {
		t.Fatalf("expected one revert timer for 2s, got %+v", timers.timers)
	}

	timers.timers[0].fire()
	if got := l.Spacing(); got != time.Millisecond {
		t.Errorf("spacing after revert = %v, want baseline 1ms", got)
	}
}

func TestThrottled_NewEventSupersedesPendingRevert(t *testing.T) {
	timers := &fakeTimers{}
	l := newTestLimiter(0, WithAfterFunc(timers.afterFunc))

	l.Throttled(context.Background(), "1")
	// No header: doubles the recorded 1s wait.
	l.Throttled(context.Background(), "")

	if len(timers.timers) != 2 {
		t.Fatalf("expected 2 timers, got %d", len(timers.timers))
	}
	first, second := timers.timers[0], timers.timers[1]
	if !first.stopped {
		t.Error("first revert timer should have been stopped")
	}
	if second.d != 2*time.Second {
		t.Errorf("second wait = %v, want 2s", second.d)
	}

	// A stale timer that fires anyway must not reset the widened spacing.
	first.fire()
	if got := l.Spacing(); got != 2*time.Second+time.Millisecond {
		t.Errorf("spacing after stale revert = %v, want 2.001s", got)
	}

	second.fire()
	if got := l.Spacing(); got != time.Millisecond {
		t.Errorf("spacing after revert = %v, want 1ms", got)
	}

	// Once reverted, the fallback starts again from 5s.
	if got := l.Throttled(context.Background(), ""); got != 5*time.Second {
		t.Errorf("wait after revert = %v, want 5s", got)
	}
}

func TestLimiterDo_RetriesThrottledCallTransparently(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	timers := &fakeTimers{}
	l := newTestLimiter(5, WithAfterFunc(timers.afterFunc))

	resp, err := l.Do(context.Background(), func(ctx context.Context) (*http.Response, error) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		return http.DefaultClient.Do(req)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("hits = %d, want 3", got)
	}
	if len(timers.timers) != 2 {
		t.Errorf("revert timers scheduled = %d, want 2", len(timers.timers))
	}
}

func TestLimiterDo_ExhaustedThrottleRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	timers := &fakeTimers{}
	l := newTestLimiter(2, WithAfterFunc(timers.afterFunc))

	_, err := l.Do(context.Background(), func(ctx context.Context) (*http.Response, error) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		return http.DefaultClient.Do(req)
	})
	if !types.IsCode(err, types.ErrCodeUpstreamRateLimited) {
		t.Fatalf("expected upstream_rate_limited, got %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("hits = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestLimiterDo_CapsConcurrency(t *testing.T) {
	l := newTestLimiter(0)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Do(context.Background(), func(context.Context) (*http.Response, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", got)
	}
}

func TestLimiterDo_HonorsContextCancellation(t *testing.T) {
	l := newTestLimiter(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := l.Do(ctx, func(context.Context) (*http.Response, error) {
		called = true
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if called {
		t.Error("fn must not run once the context is cancelled")
	}
}
