package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adsingest/internal/types"
)

// Prometheus keeps ingestion counters for scraping. Label cardinality is
// bounded by the aggregation, entity type and outcome enums.
type Prometheus struct {
	gatherer   prometheus.Gatherer
	outcomes   *prometheus.CounterVec
	rows       *prometheus.CounterVec
	dispatched prometheus.Counter
	recovered  prometheus.Counter
	throttles  prometheus.Counter
	throttleMs prometheus.Histogram
}

// NewPrometheus registers the ingestion collectors with reg. A nil reg uses
// a fresh registry, which is what tests want.
func NewPrometheus(reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Prometheus{
		gatherer: reg,
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "adsingest_tuple_outcomes_total",
			Help: "Worker runs by aggregation, entity type and outcome",
		}, []string{"aggregation", "entity_type", "outcome"}),
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "adsingest_rows_processed_total",
			Help: "Aggregate rows written from parsed reports",
		}, []string{"aggregation", "entity_type"}),
		dispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "adsingest_tuples_dispatched_total",
			Help: "Tuples claimed and handed to workers",
		}),
		recovered: f.NewCounter(prometheus.CounterOpts{
			Name: "adsingest_tuples_recovered_total",
			Help: "Stale refreshing tuples released by the recovery sweep",
		}),
		throttles: f.NewCounter(prometheus.CounterOpts{
			Name: "adsingest_ads_api_throttled_total",
			Help: "HTTP 429 responses from the Ads API",
		}),
		throttleMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "adsingest_ads_api_throttle_wait_ms",
			Help:    "Spacing applied after a 429, in milliseconds",
			Buckets: []float64{250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 300000, 600000},
		}),
	}
}

func (p *Prometheus) RecordOutcome(_ context.Context, agg types.Aggregation, entity types.EntityType, outcome types.TupleOutcome) {
	p.outcomes.WithLabelValues(string(agg), string(entity), string(outcome)).Inc()
}

func (p *Prometheus) RecordRows(_ context.Context, agg types.Aggregation, entity types.EntityType, rows int) {
	p.rows.WithLabelValues(string(agg), string(entity)).Add(float64(rows))
}

func (p *Prometheus) RecordDispatched(_ context.Context, n int) {
	p.dispatched.Add(float64(n))
}

func (p *Prometheus) RecordRecovered(_ context.Context, n int) {
	p.recovered.Add(float64(n))
}

// RecordThrottle implements external.ThrottleRecorder.
func (p *Prometheus) RecordThrottle(_ context.Context, wait time.Duration) {
	p.throttles.Inc()
	p.throttleMs.Observe(float64(wait.Milliseconds()))
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
