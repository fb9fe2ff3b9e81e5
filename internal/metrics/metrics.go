// Package metrics exposes Prometheus metrics for the voice chat backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the conversation pipeline.
type Metrics struct {
	// Turn outcome metrics
	TurnsStarted   prometheus.Counter
	TurnsSucceeded prometheus.Counter
	TurnsRejected  prometheus.Counter
	TurnsFailed    *prometheus.CounterVec

	// Stage metrics
	StageDuration *prometheus.HistogramVec

	// Session metrics
	ActiveSessions prometheus.Gauge
	SessionsOpened prometheus.Counter

	// Persistence metrics
	PersistRetries prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		TurnsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_turns_started_total",
			Help: "Total number of turns entering the pipeline",
		}),
		TurnsSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_turns_succeeded_total",
			Help: "Total number of turns delivered successfully",
		}),
		TurnsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_turns_rejected_total",
			Help: "Total number of turns rejected before pipeline work",
		}),
		TurnsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_turns_failed_total",
			Help: "Total number of failed turns by pipeline stage",
		}, []string{"stage"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicechat_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicechat_active_sessions",
			Help: "Number of sessions with a bound connection",
		}),
		SessionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_sessions_opened_total",
			Help: "Total number of sessions created",
		}),
		PersistRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_persist_retries_total",
			Help: "Total number of asynchronous message persistence retries",
		}),
	}
}
