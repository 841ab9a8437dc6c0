package server

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsgit",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dsgit",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	finalizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsgit",
			Subsystem: "merge_state",
			Name:      "finalizations_total",
			Help:      "Finalize and compensation attempts by merge state kind and outcome.",
		},
		[]string{"kind", "variant", "outcome"},
	)
	created = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsgit",
			Subsystem: "merge_state",
			Name:      "created_total",
			Help:      "Merge states created by pull, commit and merge requests.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, finalizations, created)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFinalize counts a finalize attempt. outcome is completed, discarded,
// kept or failed.
func RecordFinalize(kind, variant, outcome string) {
	RegisterMetrics()
	finalizations.WithLabelValues(kind, variant, outcome).Inc()
}

func RecordMergeStateCreated(kind string) {
	RegisterMetrics()
	created.WithLabelValues(kind).Inc()
}
