package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	elementsIngestedTotal *prometheus.CounterVec
	batchesTotal          *prometheus.CounterVec

	compactionRunsTotal    *prometheus.CounterVec
	compactedElementsTotal prometheus.Counter
	compactionDurationSecs prometheus.Histogram
	liveSubscribersActive  prometheus.Gauge
	outcomeReportsTotal    *prometheus.CounterVec
	scoreCacheLookupsTotal *prometheus.CounterVec
	rateLimitedTotal       *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors exported by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		elementsIngestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorm_elements_ingested_total",
			Help: "SCORM elements received, by outcome (created, duplicate, skipped, rejected).",
		}, []string{"outcome"})

		batchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorm_batches_total",
			Help: "Element batches received, by whether they were acknowledged.",
		}, []string{"result"})

		compactionRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "suspend_data_compaction_attempts_total",
			Help: "Attempts processed by suspend data compaction, by result.",
		}, []string{"result"})

		compactedElementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "suspend_data_compacted_elements_total",
			Help: "Suspend data elements rewritten as patches.",
		})

		compactionDurationSecs = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "suspend_data_compaction_run_seconds",
			Help:    "Wall-clock duration of compaction job runs.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 15, 30},
		})

		liveSubscribersActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_update_subscribers_active",
			Help: "Open live element streams.",
		})

		outcomeReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_reports_total",
			Help: "Grade passback requests, by result.",
		}, []string{"result"})

		scoreCacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "score_summary_cache_lookups_total",
			Help: "Score summary cache lookups, by result.",
		}, []string{"result"})

		rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_rate_limited_total",
			Help: "Requests refused by a rate limiter, by limiter scope.",
		}, []string{"scope"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			elementsIngestedTotal, batchesTotal,
			compactionRunsTotal, compactedElementsTotal, compactionDurationSecs,
			liveSubscribersActive, outcomeReportsTotal, scoreCacheLookupsTotal,
			rateLimitedTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// ElementsIngested counts elements by ingestion outcome.
func ElementsIngested() *prometheus.CounterVec {
	RegisterMetrics()
	return elementsIngestedTotal
}

// Batches counts acknowledged and deferred batches.
func Batches() *prometheus.CounterVec {
	RegisterMetrics()
	return batchesTotal
}

// CompactionAttempts counts attempts processed by compaction.
func CompactionAttempts() *prometheus.CounterVec {
	RegisterMetrics()
	return compactionRunsTotal
}

// CompactedElements counts elements rewritten as patches.
func CompactedElements() prometheus.Counter {
	RegisterMetrics()
	return compactedElementsTotal
}

// CompactionDuration observes compaction run durations.
func CompactionDuration() prometheus.Histogram {
	RegisterMetrics()
	return compactionDurationSecs
}

// LiveSubscribers tracks open live element streams.
func LiveSubscribers() prometheus.Gauge {
	RegisterMetrics()
	return liveSubscribersActive
}

// OutcomeReports counts grade passback requests.
func OutcomeReports() *prometheus.CounterVec {
	RegisterMetrics()
	return outcomeReportsTotal
}

// ScoreCacheLookups counts summary cache hits and misses.
func ScoreCacheLookups() *prometheus.CounterVec {
	RegisterMetrics()
	return scoreCacheLookupsTotal
}

// RateLimited counts requests refused by RateLimit.
func RateLimited() *prometheus.CounterVec {
	RegisterMetrics()
	return rateLimitedTotal
}
