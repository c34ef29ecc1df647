package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weather_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ETL pipeline.
type Metrics struct {
	PipelineRunning prometheus.Gauge
	RunsTotal       *prometheus.CounterVec // labels: status={loaded,no_data,fetch_error,transform_error,load_error}
	RunsRejected    prometheus.Counter
	RunDuration     prometheus.Histogram

	// Record flow.
	RecordsFetched    prometheus.Counter
	RecordsNormalized prometheus.Counter
	RecordsMalformed  prometheus.Counter

	// Load metrics.
	CitiesLoaded  prometheus.Gauge
	FactsAppended prometheus.Counter
	LoadErrors    *prometheus.CounterVec   // labels: op={replace_dimension,append_facts}
	LoadDuration  *prometheus.HistogramVec // labels: op

	// Weather API calls.
	SourceRequests        *prometheus.CounterVec   // labels: status={ok,not_found,unauthorized,rate_limited,upstream_error,error}
	SourceRequestDuration *prometheus.HistogramVec // labels: status
	SourceRetries         prometheus.Counter

	// Fact publishing.
	MessagesPublished prometheus.Counter
	PublishErrors     prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.PipelineRunning,
		m.RunsTotal,
		m.RunsRejected,
		m.RunDuration,
		m.RecordsFetched,
		m.RecordsNormalized,
		m.RecordsMalformed,
		m.CitiesLoaded,
		m.FactsAppended,
		m.LoadErrors,
		m.LoadDuration,
		m.SourceRequests,
		m.SourceRequestDuration,
		m.SourceRetries,
		m.MessagesPublished,
		m.PublishErrors,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while the scheduler loop is active, 0 when shut down.",
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed runs by outcome.",
		}, []string{"status"}),
		RunsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_rejected_total",
			Help:      "Runs refused because another run was in progress.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete fetch-transform-load run.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		RecordsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Raw readings returned by the source.",
		}),
		RecordsNormalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_normalized_total",
			Help:      "Raw readings that passed normalization.",
		}),
		RecordsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_malformed_total",
			Help:      "Raw readings dropped as malformed.",
		}),
		CitiesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cities_loaded",
			Help:      "Rows in the cities dimension after the last successful replace.",
		}),
		FactsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_appended_total",
			Help:      "Measurement rows appended to the fact table.",
		}),
		LoadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_errors_total",
			Help:      "Store write failures by operation.",
		}, []string{"op"}),
		LoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Store write duration by operation.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		}, []string{"op"}),
		SourceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Weather API requests by outcome.",
		}, []string{"status"}),
		SourceRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_request_duration_seconds",
			Help:      "Weather API request latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		SourceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_retries_total",
			Help:      "Weather API requests retried after a transient failure.",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Measurement messages written to the sink topic.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed attempts to publish a run's measurements.",
		}),
	}
}
