package types

// Telemetry metric names. All metric sinks MUST use these constants.
const (
	MetricTupleOutcome     = "ReportTupleOutcome"
	MetricRowsProcessed    = "ReportRowsProcessed"
	MetricTuplesDispatched = "ReportTuplesDispatched"
	MetricRateLimitEvents  = "AdsAPIRateLimited"
	MetricStaleTuplesReset = "ReportTuplesRecovered"

	DimAggregation = "Aggregation"
	DimEntityType  = "EntityType"
	DimOutcome     = "Outcome"

	MetricNamespace = "AdsIngest"
)

// TupleOutcome labels how one worker run over a tuple ended.
type TupleOutcome string

const (
	OutcomeCreated   TupleOutcome = "created"
	OutcomeProcessed TupleOutcome = "processed"
	OutcomeWaiting   TupleOutcome = "waiting"
	OutcomeDiscarded TupleOutcome = "discarded"
	OutcomeFailed    TupleOutcome = "failed"
)
