// Package external is the boundary between ingestion logic and the Amazon
// Ads reporting API. Every outbound call is routed through a BaseClient, which
// owns the circuit breaker and hands each attempt to the process-wide
// AdaptiveLimiter.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"adsingest/internal/types"

	"github.com/sony/gobreaker/v2"
)

// BaseClient wraps an *http.Client with a circuit breaker and the shared
// limiter. It retries nothing itself; 429s are absorbed by the limiter and
// every other failure is returned to the caller.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	limiter   *AdaptiveLimiter
	userAgent string
}

// NewBaseClient creates a BaseClient with its own breaker named breakerName.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	limiter *AdaptiveLimiter,
	userAgent string,
) *BaseClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not evidence the upstream is unhealthy.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return NewBaseClientWithBreaker(httpClient, cb, limiter, userAgent)
}

// NewBaseClientWithBreaker creates a BaseClient with a caller-provided breaker.
func NewBaseClientWithBreaker(
	httpClient *http.Client,
	breaker *gobreaker.CircuitBreaker[*http.Response],
	limiter *AdaptiveLimiter,
	userAgent string,
) *BaseClient {
	if limiter == nil {
		limiter = NewAdaptiveLimiter(LimiterConfig{MaxThrottleRetries: -1})
	}
	return &BaseClient{
		client:    httpClient,
		breaker:   breaker,
		limiter:   limiter,
		userAgent: userAgent,
	}
}

// Do executes req under the limiter and breaker.
//
// 2xx-4xx responses (429 excepted) are returned as-is and the caller closes
// the body. 5xx responses, network failures and an open breaker become
// upstream_unavailable AppErrors carrying the method and URL. Exhausted
// throttle retries surface as upstream_rate_limited.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if reqID := types.GetRequestID(req.Context()); reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Throttled attempts are replayed, so the body must be re-readable.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to read request body",
				err,
			)
		}
		req.Body.Close()
	}

	resp, err := c.limiter.Do(req.Context(), func(ctx context.Context) (*http.Response, error) {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}
		return c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
	})
	if err == nil {
		return resp, nil
	}

	if resp != nil {
		status := resp.StatusCode
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s %s returned %d", req.Method, redactURL(req), status),
			err,
			map[string]any{"status_code": status, "body": string(body)},
		)
	}
	return nil, c.mapError(req, err)
}

// mapError translates transport-level failures into AppErrors.
func (c *BaseClient) mapError(req *http.Request, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s %s: circuit breaker is open", req.Method, redactURL(req)),
			err,
		)
	}
	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		fmt.Sprintf("%s %s failed", req.Method, redactURL(req)),
		err,
	)
}

// redactURL drops the query string, which carries signatures on pre-signed
// download URLs.
func redactURL(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	return u.String()
}
