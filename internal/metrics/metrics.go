// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "faultline"

var (
	// TrackedTotal counts Track calls by outcome (recorded, skipped, vetoed, failed).
	TrackedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "events_total",
		Help:      "Tracked exceptions by outcome",
	}, []string{"outcome"})

	TrackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "duration_seconds",
		Help:      "Time spent in the tracking pipeline",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// NotificationsTotal counts channel attempts.
	// Labels: channel, result (sent, error, panic, filtered, rate_limited)
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "attempts_total",
		Help:      "Notification attempts by channel and result",
	}, []string{"channel", "result"})

	NotificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "send_duration_seconds",
		Help:      "Channel send latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"channel"})

	// TracesTotal counts APM traces by source (http, middleware) and result.
	TracesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "apm",
		Name:      "traces_total",
		Help:      "Request traces ingested",
	}, []string{"source", "result"})

	SpansDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "apm",
		Name:      "spans_dropped_total",
		Help:      "Spans dropped because a request exceeded the span cap",
	})

	RetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retention",
		Name:      "deleted_rows_total",
		Help:      "Rows removed by retention cleanup",
	}, []string{"table"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
