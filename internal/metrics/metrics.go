// Package metrics exposes Prometheus collectors for the orchestration engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksEnqueuedTotal  *prometheus.CounterVec
	tasksDequeuedTotal  *prometheus.CounterVec
	tasksFailedTotal    *prometheus.CounterVec
	tasksDroppedTotal   *prometheus.CounterVec
	queueDepth          *prometheus.GaugeVec
	jobsTotal           *prometheus.CounterVec
	activeWorkers       prometheus.Gauge
	rateLimitDelay      *prometheus.HistogramVec
	domainSuspensions   *prometheus.CounterVec
	robotsFetchesTotal  *prometheus.CounterVec
	dedupRejectedTotal  prometheus.Counter
	journalErrorsTotal  prometheus.Counter
	recoveredTasksTotal prometheus.Counter
	httpRequests        *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		tasksEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strider_tasks_enqueued_total",
				Help: "Tasks admitted into the frontier, labeled by domain and priority class.",
			},
			[]string{"domain", "class"},
		)
		tasksDequeuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strider_tasks_dequeued_total",
				Help: "Tasks handed to workers, labeled by domain and priority class.",
			},
			[]string{"domain", "class"},
		)
		tasksFailedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strider_tasks_failed_total",
				Help: "Tasks that exhausted their retry budget, labeled by domain and priority class.",
			},
			[]string{"domain", "class"},
		)
		tasksDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strider_tasks_dropped_total",
				Help: "Tasks drained without execution, labeled by domain.",
			},
			[]string{"domain"},
		)
		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strider_queue_depth",
				Help: "Pending tasks per domain sub-queue.",
			},
			[]string{"domain"},
		)
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strider_jobs_total",
				Help: "Job state transitions, labeled by resulting status.",
			},
			[]string{"status"},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "strider_active_workers",
				Help: "Workers currently executing a fetch.",
			},
		)
		rateLimitDelay = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strider_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-job rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"job_id"},
		)
		domainSuspensions = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strider_domain_suspensions_total",
				Help: "Domains suspended after consecutive fetch errors.",
			},
			[]string{"domain"},
		)
		robotsFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strider_robots_fetches_total",
				Help: "robots.txt fetches, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		dedupRejectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "strider_dedup_rejected_total",
				Help: "URLs rejected by the duplicate filter.",
			},
		)
		journalErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "strider_journal_errors_total",
				Help: "Journal write failures.",
			},
		)
		recoveredTasksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "strider_recovered_tasks_total",
				Help: "Tasks re-admitted during crash recovery.",
			},
		)
		httpRequests = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strider_http_request_duration_seconds",
				Help:    "API request latency, labeled by method, route, and status.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEnqueue records a task admitted into the frontier.
func ObserveEnqueue(domain, class string, depth int) {
	tasksEnqueuedTotal.WithLabelValues(domain, class).Inc()
	queueDepth.WithLabelValues(domain).Set(float64(depth))
}

// ObserveDequeue records a task handed to a worker.
func ObserveDequeue(domain, class string, depth int) {
	tasksDequeuedTotal.WithLabelValues(domain, class).Inc()
	queueDepth.WithLabelValues(domain).Set(float64(depth))
}

// ObserveTaskFailed records a terminal task failure.
func ObserveTaskFailed(domain, class string) {
	tasksFailedTotal.WithLabelValues(domain, class).Inc()
}

// ObserveTaskDropped records a drained task.
func ObserveTaskDropped(domain string) {
	tasksDroppedTotal.WithLabelValues(domain).Inc()
}

// ObserveJob records a job state transition.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// WorkerStarted marks a worker as busy with a fetch.
func WorkerStarted() {
	activeWorkers.Inc()
}

// WorkerFinished marks a worker as idle again.
func WorkerFinished() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records time spent waiting on the per-job limiter.
func ObserveRateLimitDelay(jobID string, d time.Duration) {
	rateLimitDelay.WithLabelValues(jobID).Observe(d.Seconds())
}

// ObserveDomainSuspension records a domain entering its cooldown window.
func ObserveDomainSuspension(domain string) {
	domainSuspensions.WithLabelValues(domain).Inc()
}

// ObserveRobotsFetch records a robots.txt fetch outcome ("ok", "error", "truncated").
func ObserveRobotsFetch(outcome string) {
	robotsFetchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDedupRejected records a URL rejected as already seen.
func ObserveDedupRejected() {
	dedupRejectedTotal.Inc()
}

// ObserveJournalError records a journal write failure.
func ObserveJournalError() {
	journalErrorsTotal.Inc()
}

// ObserveRecoveredTask records a task re-admitted during recovery.
func ObserveRecoveredTask() {
	recoveredTasksTotal.Inc()
}
