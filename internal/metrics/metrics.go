// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerJobsTotal        *prometheus.CounterVec
	crawlerJobSeconds       prometheus.Histogram
	crawlerActiveJobs       prometheus.Gauge
	crawlerClaimBatchSize   prometheus.Histogram
	crawlerPollDelaySeconds prometheus.Gauge
	crawlerSessionsTotal    *prometheus.CounterVec
	crawlerChildrenTotal    prometheus.Counter
	indexAppliedTotal       prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of crawl jobs processed, labeled by outcome.",
			},
			[]string{"status"},
		)

		crawlerJobSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_job_duration_seconds",
				Help:    "Histogram of crawl job execution times.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		crawlerActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_jobs",
				Help: "Number of jobs currently being processed.",
			},
		)

		crawlerClaimBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_claim_batch_size",
				Help:    "Histogram of jobs claimed per poll.",
				Buckets: []float64{0, 1, 2, 3, 5, 10},
			},
		)

		crawlerPollDelaySeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_poll_delay_seconds",
				Help: "Current adaptive poll delay of the worker loop.",
			},
		)

		crawlerSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sessions_total",
				Help: "Total number of crawl sessions ended, labeled by final status.",
			},
			[]string{"status"},
		)

		crawlerChildrenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_children_enqueued_total",
				Help: "Total number of child jobs enqueued by link expansion.",
			},
		)

		indexAppliedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_index_applied_total",
				Help: "Total number of completed jobs applied to the index.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records one finished job with its outcome and duration.
func ObserveJob(status string, duration time.Duration) {
	crawlerJobsTotal.WithLabelValues(status).Inc()
	crawlerJobSeconds.Observe(duration.Seconds())
}

// ObserveClaim records the size of a claim batch.
func ObserveClaim(n int) {
	crawlerClaimBatchSize.Observe(float64(n))
}

// SetPollDelay records the worker's current adaptive poll delay.
func SetPollDelay(d time.Duration) {
	crawlerPollDelaySeconds.Set(d.Seconds())
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	crawlerActiveJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	crawlerActiveJobs.Dec()
}

// ObserveSessionEnd records a session reaching a terminal status.
func ObserveSessionEnd(status string) {
	crawlerSessionsTotal.WithLabelValues(status).Inc()
}

// AddChildrenEnqueued records child jobs created by link expansion.
func AddChildrenEnqueued(n int) {
	crawlerChildrenTotal.Add(float64(n))
}

// ObserveIndexApplied records one job applied to the index.
func ObserveIndexApplied() {
	indexAppliedTotal.Inc()
}
