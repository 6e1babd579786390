// Package metrics exposes Prometheus collectors for the feedback pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsIngestedTotal       *prometheus.CounterVec
	substepOutcomesTotal       *prometheus.CounterVec
	pipelineRunsTotal          *prometheus.CounterVec
	pipelineRetriesTotal       prometheus.Counter
	enrichmentLabelsTotal      *prometheus.CounterVec
	classifierBatchesTotal     *prometheus.CounterVec
	embeddingsTotal            prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_records_ingested_total",
				Help: "Records written by ingestion, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		substepOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_substep_outcomes_total",
				Help: "Ingestion sub-step completions, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		pipelineRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_pipeline_runs_total",
				Help: "Pipeline invocations, labeled by final overall status.",
			},
			[]string{"status"},
		)

		pipelineRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "feedback_pipeline_retries_total",
				Help: "Pipeline retries scheduled after a step failure.",
			},
		)

		enrichmentLabelsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_enrichment_labels_total",
				Help: "Classifier results, labeled by outcome (written, skipped, unknown).",
			},
			[]string{"outcome"},
		)

		classifierBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_classifier_batches_total",
				Help: "Classifier calls, labeled by status.",
			},
			[]string{"status"},
		)

		embeddingsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "feedback_embeddings_total",
				Help: "Embeddings written to records.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedback_active_workers",
				Help: "Number of workers currently driving a pipeline.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedback_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpsert records the outcome counts of one ingested batch.
func ObserveUpsert(source string, inserted, updated, unchanged, skipped int) {
	Init()
	for outcome, n := range map[string]int{
		"inserted":  inserted,
		"updated":   updated,
		"unchanged": unchanged,
		"skipped":   skipped,
	} {
		if n > 0 {
			recordsIngestedTotal.WithLabelValues(source, outcome).Add(float64(n))
		}
	}
}

// ObserveSubstep counts a finished sub-step.
func ObserveSubstep(source, status string) {
	Init()
	substepOutcomesTotal.WithLabelValues(source, status).Inc()
}

// ObservePipelineRun counts a pipeline invocation by its final status.
func ObservePipelineRun(status string) {
	Init()
	pipelineRunsTotal.WithLabelValues(status).Inc()
}

// ObservePipelineRetry counts a scheduled retry.
func ObservePipelineRetry() {
	Init()
	pipelineRetriesTotal.Inc()
}

// ObserveLabel counts one classifier verdict by what happened to it.
func ObserveLabel(outcome string) {
	Init()
	enrichmentLabelsTotal.WithLabelValues(outcome).Inc()
}

// ObserveClassifierBatch counts a classifier call.
func ObserveClassifierBatch(status string) {
	Init()
	classifierBatchesTotal.WithLabelValues(status).Inc()
}

// ObserveEmbeddings adds written embeddings.
func ObserveEmbeddings(n int) {
	Init()
	embeddingsTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
