package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_provider_calls_total",
			Help: "Total weather provider API calls",
		},
		[]string{"provider", "station", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metgo_provider_latency_seconds",
			Help:    "Weather provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_observations_ingested_total",
			Help: "Total observations successfully ingested",
		},
		[]string{"station"},
	)

	ObservationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_observations_rejected_total",
			Help: "Rows or variables dropped by validation",
		},
		[]string{"station", "reason"},
	)

	ForecastsProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_forecasts_produced_total",
			Help: "Forecast points produced",
		},
		[]string{"station", "strategy"},
	)

	TrainingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_training_runs_total",
			Help: "Model training runs by outcome",
		},
		[]string{"family", "outcome"},
	)

	TrainingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metgo_training_seconds",
			Help:    "Model training duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"kind"},
	)

	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_alerts_emitted_total",
			Help: "Alert events emitted",
		},
		[]string{"kind", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_alerts_suppressed_total",
			Help: "Alert events suppressed by cooldown",
		},
		[]string{"kind"},
	)

	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_dispatches_total",
			Help: "Notification dispatch attempts by final status",
		},
		[]string{"channel", "status"},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metgo_job_runs_total",
			Help: "Scheduled job executions",
		},
		[]string{"job", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metgo_job_duration_seconds",
			Help:    "Scheduled job duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

// Outcome maps an error to a metric label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
