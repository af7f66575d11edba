package types

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	passIDKey    contextKey = "pass_id"
)

// WithRequestID stores the request ID in the context. Outbound API calls
// forward it as X-Request-Id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithPassID tags the context with the scheduler pass that dispatched the work.
func WithPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, passIDKey, id)
}

// GetPassID retrieves the scheduler pass ID from the context.
func GetPassID(ctx context.Context) string {
	id, _ := ctx.Value(passIDKey).(string)
	return id
}
