package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the spend optimizer.
type Metrics struct {
	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	// Optimization metrics
	OptimizationRuns   *prometheus.CounterVec
	OptimizationTime   *prometheus.HistogramVec
	StaleResults       prometheus.Counter
	ChannelsPerRun     *prometheus.GaugeVec
	ResultCacheLookups *prometheus.CounterVec

	// Ingestion metrics
	EventsIngested       *prometheus.CounterVec
	TransactionsIngested *prometheus.CounterVec
	IngestErrors         *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// System metrics
	DBConnections *prometheus.GaugeVec

	registry prometheus.Gatherer
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses a
// fresh registry, which keeps tests independent of the global default.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "route"},
		),

		OptimizationRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "optimization_runs_total",
				Help:      "Optimization runs by outcome",
			},
			[]string{"outcome"},
		),
		OptimizationTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "optimization_duration_seconds",
				Help:      "Wall time of an optimization run",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		StaleResults: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "optimization_stale_results_total",
				Help:      "Results discarded because a newer request superseded them",
			},
		),
		ChannelsPerRun: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "optimization_channels",
				Help:      "Number of channels in the latest allocation per client",
			},
			[]string{"client_id"},
		),
		ResultCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "result_cache_lookups_total",
				Help:      "Result cache lookups by outcome",
			},
			[]string{"result"},
		),

		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Lifecycle events stored",
			},
			[]string{"source", "event_type"},
		),
		TransactionsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_ingested_total",
				Help:      "Transactions stored",
			},
			[]string{"source", "fraudulent"},
		),
		IngestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_errors_total",
				Help:      "Records rejected during ingestion",
			},
			[]string{"source", "reason"},
		),

		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Total rate limit hits",
			},
			[]string{"endpoint"},
		),

		DBConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool connections by state",
			},
			[]string{"state"},
		),

		registry: reg,
	}

	return m
}

// Handler returns the HTTP handler exposing this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, latency time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(latency.Seconds())
}

// RecordOptimization records a finished optimization run.
func (m *Metrics) RecordOptimization(outcome string, latency time.Duration) {
	m.OptimizationRuns.WithLabelValues(outcome).Inc()
	m.OptimizationTime.WithLabelValues(outcome).Observe(latency.Seconds())
}

// RecordStaleResult records a discarded superseded result.
func (m *Metrics) RecordStaleResult() {
	m.StaleResults.Inc()
}

// SetChannels records the channel count of a client's latest allocation.
func (m *Metrics) SetChannels(clientID string, n int) {
	m.ChannelsPerRun.WithLabelValues(clientID).Set(float64(n))
}

// RecordCacheLookup records a result cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ResultCacheLookups.WithLabelValues(result).Inc()
}

// RecordEvent records a stored lifecycle event.
func (m *Metrics) RecordEvent(source, eventType string) {
	m.EventsIngested.WithLabelValues(source, eventType).Inc()
}

// RecordTransaction records a stored transaction.
func (m *Metrics) RecordTransaction(source string, fraudulent bool) {
	m.TransactionsIngested.WithLabelValues(source, strconv.FormatBool(fraudulent)).Inc()
}

// RecordIngestError records a rejected record.
func (m *Metrics) RecordIngestError(source, reason string) {
	m.IngestErrors.WithLabelValues(source, reason).Inc()
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}
