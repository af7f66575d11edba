package notify

import (
	"context"
	"errors"

	"adsingest/internal/types"
)

// Publisher is the sink interface shared by every notifier.
type Publisher interface {
	Publish(ctx context.Context, change types.TupleChange) error
}

// Fanout publishes each change to every sink. All sinks are attempted; the
// errors of the failing ones are joined.
type Fanout []Publisher

// NewFanout drops nil sinks.
func NewFanout(sinks ...Publisher) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Publish implements registry.Notifier.
func (f Fanout) Publish(ctx context.Context, change types.TupleChange) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
