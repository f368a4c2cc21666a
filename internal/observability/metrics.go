package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the position service.
type Metrics struct {
	// --- Bin processing ---
	BinsProcessed  *prometheus.CounterVec
	ItemsProcessed *prometheus.CounterVec
	Rejections     *prometheus.CounterVec
	LimitAlarms    prometheus.Counter
	Followups      prometheus.Counter
	BinDuration    *prometheus.HistogramVec
	BatchSize      prometheus.Histogram
	BinFailures    *prometheus.CounterVec

	// --- Ordering ---
	OffsetGaps        *prometheus.CounterVec
	OffsetRedelivered *prometheus.CounterVec

	// --- Persistence ---
	PersistErrors   *prometheus.CounterVec
	PersistBatchDur prometheus.Histogram
	PersistRetry    prometheus.Counter

	// --- Publishing ---
	PublishErrors *prometheus.CounterVec
	Published     *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg. Tests pass a fresh registry so repeated
// construction does not panic on duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		BinsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "position_bins_processed_total",
			Help: "Bins run through a processor",
		}, []string{"action"}),

		ItemsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "position_items_processed_total",
			Help: "Bin items processed, by outcome",
		}, []string{"action", "outcome"}),

		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "position_rejections_total",
			Help: "Prepares rejected, by FSPIOP error code",
		}, []string{"code"}),

		LimitAlarms: f.NewCounter(prometheus.CounterOpts{
			Name: "position_limit_alarms_total",
			Help: "Limit alarms published after dedup",
		}),

		Followups: f.NewCounter(prometheus.CounterOpts{
			Name: "position_followups_total",
			Help: "Followup messages re-enqueued for the next leg",
		}),

		BinDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "position_bin_duration_seconds",
			Help:    "Time spent in one bin processor call",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"action"}),

		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "position_batch_size",
			Help:    "Messages per consumed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		BinFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "position_bin_failures_total",
			Help: "Batches failed by a protocol violation or invariant check",
		}, []string{"reason"}),

		OffsetGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "position_offset_gap_total",
			Help: "Offset gaps seen per partition",
		}, []string{"partition"}),

		OffsetRedelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "position_offset_redelivered_total",
			Help: "Messages below the expected offset",
		}, []string{"partition"}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "position_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "position_persist_batch_duration_seconds",
			Help:    "Load, process and commit of one batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "position_persist_retry_total",
			Help: "Batch save retries",
		}),

		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "position_publish_errors_total",
			Help: "Outbound publish failures",
		}, []string{"transport"}),

		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "position_published_total",
			Help: "Outbound messages published",
		}, []string{"kind"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "position_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "position_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
