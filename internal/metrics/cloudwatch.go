// Package metrics publishes ingestion telemetry to CloudWatch (Lambda) or
// Prometheus (daemon).
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"adsingest/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch emits one PutMetricData call per event. Failures are logged and
// never returned to the caller.
//
// Metrics emitted:
//   - ReportTupleOutcome: Dims {Aggregation, EntityType, Outcome}
//   - ReportRowsProcessed: Dims {Aggregation, EntityType}
//   - ReportTuplesDispatched, ReportTuplesRecovered: no dims
//   - AdsAPIRateLimited: no dims, value is the wait in milliseconds
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatch creates a CloudWatch sink. An empty namespace selects
// types.MetricNamespace.
func NewCloudWatch(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatch {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatch{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatch) RecordOutcome(ctx context.Context, agg types.Aggregation, entity types.EntityType, outcome types.TupleOutcome) {
	m.put(ctx, types.MetricTupleOutcome, 1, cwtypes.StandardUnitCount,
		dim(types.DimAggregation, string(agg)),
		dim(types.DimEntityType, string(entity)),
		dim(types.DimOutcome, string(outcome)),
	)
}

func (m *CloudWatch) RecordRows(ctx context.Context, agg types.Aggregation, entity types.EntityType, rows int) {
	m.put(ctx, types.MetricRowsProcessed, float64(rows), cwtypes.StandardUnitCount,
		dim(types.DimAggregation, string(agg)),
		dim(types.DimEntityType, string(entity)),
	)
}

func (m *CloudWatch) RecordDispatched(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	m.put(ctx, types.MetricTuplesDispatched, float64(n), cwtypes.StandardUnitCount)
}

func (m *CloudWatch) RecordRecovered(ctx context.Context, n int) {
	m.put(ctx, types.MetricStaleTuplesReset, float64(n), cwtypes.StandardUnitCount)
}

// RecordThrottle implements external.ThrottleRecorder.
func (m *CloudWatch) RecordThrottle(ctx context.Context, wait time.Duration) {
	m.put(ctx, types.MetricRateLimitEvents, float64(wait.Milliseconds()), cwtypes.StandardUnitMilliseconds)
}

func (m *CloudWatch) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: dims,
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to put metric",
			"metric", name,
			"value", value,
			"error", err.Error(),
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
