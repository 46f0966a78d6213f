// Package metrics exposes Prometheus collectors for crawl runs.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/crawler"
)

var (
	crawlerPagesTotal              *prometheus.CounterVec
	crawlerPageDurationSeconds     *prometheus.HistogramVec
	crawlerEnrichmentFailuresTotal *prometheus.CounterVec
	crawlerBouncesTotal            prometheus.Counter
	crawlerRunsTotal               *prometheus.CounterVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Pages crawled, labeled by status class.",
			},
			[]string{"status"},
		)

		crawlerPageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_page_duration_seconds",
				Help:    "Time spent on one page including waits and capture.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"status"},
		)

		crawlerEnrichmentFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_enrichment_failures_total",
				Help: "Best-effort steps that failed without failing the page.",
			},
			[]string{"stage"},
		)

		crawlerBouncesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_replacement_bounces_total",
				Help: "Replacement crawls redirected back to the original authority.",
			},
		)

		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Completed runs, labeled by mode and result.",
			},
			[]string{"mode", "result"},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass folds a status_code cell into a low-cardinality label.
func StatusClass(status string) string {
	if status == crawler.StatusError {
		return "error"
	}
	code, err := strconv.Atoi(status)
	if err != nil || code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Recorder implements crawler.Observer on the package collectors.
type Recorder struct{}

// NewRecorder initializes the collectors and returns a Recorder.
func NewRecorder() *Recorder {
	Init()
	return &Recorder{}
}

// ObservePage implements crawler.Observer.
func (*Recorder) ObservePage(status string, elapsed time.Duration) {
	class := StatusClass(status)
	crawlerPagesTotal.WithLabelValues(class).Inc()
	crawlerPageDurationSeconds.WithLabelValues(class).Observe(elapsed.Seconds())
}

// ObserveEnrichmentFailure implements crawler.Observer.
func (*Recorder) ObserveEnrichmentFailure(stage string) {
	crawlerEnrichmentFailuresTotal.WithLabelValues(stage).Inc()
}

// ObserveBounce implements crawler.Observer.
func (*Recorder) ObserveBounce() {
	crawlerBouncesTotal.Inc()
}

// ObserveRun counts a finished run.
func ObserveRun(mode, result string) {
	crawlerRunsTotal.WithLabelValues(mode, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

var _ crawler.Observer = (*Recorder)(nil)
