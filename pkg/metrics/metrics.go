package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsByStatus tracks how many build sessions currently sit in
	// each status, refreshed on every Collector tick.
	SessionsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inkforge_sessions_total",
			Help: "Number of build sessions currently in each status",
		},
		[]string{"status"},
	)

	SessionsLeasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inkforge_sessions_leased_total",
			Help: "Total number of build sessions leased by a worker",
		},
	)

	SessionsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inkforge_sessions_completed_total",
			Help: "Total number of build sessions that completed successfully",
		},
	)

	SessionsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkforge_sessions_failed_total",
			Help: "Total number of build sessions that failed, by failure code",
		},
		[]string{"code"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkforge_stage_duration_seconds",
			Help:    "Time taken by each build stage container to run",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	DiagnosticsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkforge_diagnostics_total",
			Help: "Total number of static-analysis diagnostics produced, by level",
		},
		[]string{"level"},
	)

	LogBatchesFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inkforge_log_batches_flushed_total",
			Help: "Total number of log batches flushed to storage by the fan-in consumer",
		},
	)

	LogBatchFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inkforge_log_batch_flush_duration_seconds",
			Help:    "Time taken to persist a single log batch",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsByStatus,
		SessionsLeasedTotal,
		SessionsCompletedTotal,
		SessionsFailedTotal,
		StageDuration,
		DiagnosticsTotal,
		LogBatchesFlushedTotal,
		LogBatchFlushDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
