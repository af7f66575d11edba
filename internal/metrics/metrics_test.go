package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"adsingest/internal/types"
)

type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func assertDimension(t *testing.T, dims []cwtypes.Dimension, name, want string) {
	t.Helper()
	for _, d := range dims {
		if *d.Name == name {
			if *d.Value != want {
				t.Errorf("dimension %s = %q, want %q", name, *d.Value, want)
			}
			return
		}
	}
	t.Errorf("dimension %s not found", name)
}

func TestCloudWatch_RecordOutcome(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatch(cw, "", nil)

	m.RecordOutcome(context.Background(), types.AggregationHourly, types.EntityTarget, types.OutcomeProcessed)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	input := cw.calls[0]
	if *input.Namespace != types.MetricNamespace {
		t.Errorf("expected namespace %q, got %q", types.MetricNamespace, *input.Namespace)
	}
	datum := input.MetricData[0]
	if *datum.MetricName != types.MetricTupleOutcome {
		t.Errorf("expected metric %q, got %q", types.MetricTupleOutcome, *datum.MetricName)
	}
	if *datum.Value != 1 {
		t.Errorf("expected value 1, got %f", *datum.Value)
	}
	assertDimension(t, datum.Dimensions, types.DimAggregation, "hourly")
	assertDimension(t, datum.Dimensions, types.DimEntityType, string(types.EntityTarget))
	assertDimension(t, datum.Dimensions, types.DimOutcome, "processed")
}

func TestCloudWatch_RecordThrottleInMilliseconds(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatch(cw, "Custom", nil)

	m.RecordThrottle(context.Background(), 1500*time.Millisecond)

	datum := cw.calls[0].MetricData[0]
	if *cw.calls[0].Namespace != "Custom" {
		t.Errorf("namespace override ignored: %q", *cw.calls[0].Namespace)
	}
	if *datum.Value != 1500 || datum.Unit != cwtypes.StandardUnitMilliseconds {
		t.Errorf("unexpected datum: %v %s", *datum.Value, datum.Unit)
	}
}

func TestCloudWatch_SkipsEmptyDispatch(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatch(cw, "", nil)

	m.RecordDispatched(context.Background(), 0)
	if len(cw.calls) != 0 {
		t.Errorf("expected no call for zero dispatches, got %d", len(cw.calls))
	}
}

func TestCloudWatch_ErrorIsSwallowed(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	m := NewCloudWatch(cw, "", nil)

	// Must not panic or block.
	m.RecordRows(context.Background(), types.AggregationDaily, types.EntityProduct, 10)
	if len(cw.calls) != 1 {
		t.Errorf("expected 1 attempted call, got %d", len(cw.calls))
	}
}

func TestPrometheus_Counters(t *testing.T) {
	p := NewPrometheus(nil)
	ctx := context.Background()

	p.RecordOutcome(ctx, types.AggregationDaily, types.EntityTarget, types.OutcomeCreated)
	p.RecordOutcome(ctx, types.AggregationDaily, types.EntityTarget, types.OutcomeCreated)
	p.RecordRows(ctx, types.AggregationHourly, types.EntityProduct, 25)
	p.RecordDispatched(ctx, 7)
	p.RecordRecovered(ctx, 2)
	p.RecordThrottle(ctx, 2*time.Second)

	if got := testutil.ToFloat64(p.outcomes.WithLabelValues("daily", "target", "created")); got != 2 {
		t.Errorf("outcomes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.rows.WithLabelValues("hourly", "product")); got != 25 {
		t.Errorf("rows = %v, want 25", got)
	}
	if got := testutil.ToFloat64(p.dispatched); got != 7 {
		t.Errorf("dispatched = %v, want 7", got)
	}
	if got := testutil.ToFloat64(p.recovered); got != 2 {
		t.Errorf("recovered = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.throttles); got != 1 {
		t.Errorf("throttles = %v, want 1", got)
	}
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus(nil)
	p.RecordDispatched(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "adsingest_tuples_dispatched_total 3") {
		t.Errorf("metrics output missing dispatched counter:\n%s", body)
	}
}
