// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	HTTPRequestsInFlight   prometheus.Gauge
	RetrievalQueriesTotal  *prometheus.CounterVec
	RetrievalLatency       *prometheus.HistogramVec
	RetrievalResultsCount  prometheus.Histogram
	RetrievalTopScore      prometheus.Histogram
	CacheHitsTotal         prometheus.Counter
	CacheMissesTotal       prometheus.Counter
	KnowledgeBaseDocuments prometheus.Gauge
	ChatCompletionsTotal   *prometheus.CounterVec
	ChatCompletionDuration prometheus.Histogram
	ChatLogWritesTotal     *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		RetrievalQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrieval_queries_total",
				Help: "Total retrieval queries by result type (hit, zero_result, empty_query, error).",
			},
			[]string{"result_type"},
		),
		RetrievalLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retrieval_latency_seconds",
				Help:    "Retrieval latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"cache_status"},
		),
		RetrievalResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retrieval_results_count",
				Help:    "Number of documents returned per retrieval.",
				Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
			},
		),
		RetrievalTopScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retrieval_top_score",
				Help:    "BM25 score of the best document per non-empty retrieval.",
				Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "retrieval_cache_hits_total",
				Help: "Total number of retrieval cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "retrieval_cache_misses_total",
				Help: "Total number of retrieval cache misses.",
			},
		),
		KnowledgeBaseDocuments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "knowledge_base_documents",
				Help: "Number of documents in the loaded knowledge base.",
			},
		),
		ChatCompletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_completions_total",
				Help: "Chat completions by outcome and whether retrieved context was attached.",
			},
			[]string{"status", "grounded"},
		),
		ChatCompletionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chat_completion_duration_seconds",
				Help:    "Upstream chat completion latency in seconds.",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
		),
		ChatLogWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_log_writes_total",
				Help: "Chat log inserts by status (ok, skipped, error).",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RetrievalQueriesTotal,
		m.RetrievalLatency,
		m.RetrievalResultsCount,
		m.RetrievalTopScore,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.KnowledgeBaseDocuments,
		m.ChatCompletionsTotal,
		m.ChatCompletionDuration,
		m.ChatLogWritesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
