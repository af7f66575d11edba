package metrics

import (
	"context"
	"time"

	"adsingest/internal/types"
)

// Nop discards everything. Used when METRICS_SINK=none.
type Nop struct{}

func (Nop) RecordOutcome(context.Context, types.Aggregation, types.EntityType, types.TupleOutcome) {}

func (Nop) RecordRows(context.Context, types.Aggregation, types.EntityType, int) {}

func (Nop) RecordDispatched(context.Context, int) {}

func (Nop) RecordRecovered(context.Context, int) {}

func (Nop) RecordThrottle(context.Context, time.Duration) {}
