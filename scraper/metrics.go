package scraper

import (
	"time"

	"github.com/aluiziolira/go-scrape-prices/fetcher"
	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper. It implements
// fetcher.Observer.
type Metrics struct {
	Registry              *prometheus.Registry
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       prometheus.Histogram
	RetriesTotal          *prometheus.CounterVec
	ErrorsTotal           *prometheus.CounterVec
	OutcomesTotal         *prometheus.CounterVec
	ObservationsPersisted prometheus.Counter
	RunsTotal             *prometheus.CounterVec
	LastRunTimestamp      prometheus.Gauge
}

var _ fetcher.Observer = (*Metrics)(nil)

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the scraper, by final status class.",
		},
		[]string{"status"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for scraper requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of backoff retries scheduled, by triggering status.",
		},
		[]string{"status"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of fetch errors by type.",
		},
		[]string{"error_type"},
	)
	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_outcomes_total",
			Help: "Extraction outcomes by store and kind.",
		},
		[]string{"store", "outcome"},
	)
	persisted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_observations_persisted_total",
			Help: "Price observations written to the sink.",
		},
	)
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_runs_total",
			Help: "Pipeline runs by result.",
		},
		[]string{"result"},
	)
	lastRun := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		},
	)

	registry.MustRegister(requests, requestDuration, retries, errorsTotal, outcomes, persisted, runs, lastRun)

	return &Metrics{
		Registry:              registry,
		RequestsTotal:         requests,
		RequestDuration:       requestDuration,
		RetriesTotal:          retries,
		ErrorsTotal:           errorsTotal,
		OutcomesTotal:         outcomes,
		ObservationsPersisted: persisted,
		RunsTotal:             runs,
		LastRunTimestamp:      lastRun,
	}
}

// ObserveRequest records one HTTP round trip. status is 0 for transport errors.
func (m *Metrics) ObserveRequest(status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = fetcher.StatusLabel(status)
	}
	m.RequestsTotal.WithLabelValues(label).Inc()
	m.RequestDuration.Observe(d.Seconds())
}

// ObserveRetry increments the retries counter.
func (m *Metrics) ObserveRetry(status int) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(fetcher.StatusLabel(status)).Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncOutcome counts one classified target.
func (m *Metrics) IncOutcome(store string, kind models.OutcomeKind) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(store, string(kind)).Inc()
}

// AddPersisted counts observations accepted by the sink.
func (m *Metrics) AddPersisted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ObservationsPersisted.Add(float64(n))
}

// ObserveRun records the end of a run.
func (m *Metrics) ObserveRun(finished time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	m.LastRunTimestamp.Set(float64(finished.Unix()))
}
