// Package metrics holds the prometheus instrumentation shared by the
// chain executor and the job monitor. Collectors are constructed per
// instance and registered on a caller-supplied registerer so tests can
// use isolated registries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	// StepsTotal counts chain steps by capability name and outcome
	// ("success" or "failure").
	StepsTotal *prometheus.CounterVec
	// RetriesTotal counts retry sleeps taken by the retry wrapper.
	RetriesTotal prometheus.Counter
	// RecoveryAttempts counts correction prompts sent to the model.
	RecoveryAttempts prometheus.Counter
	// WheelTicks counts polling passes of the job monitor.
	WheelTicks prometheus.Counter
	// TrackedJobs is the number of jobs currently registered.
	TrackedJobs prometheus.Gauge
	// JobOutcomes counts terminal job transitions by outcome
	// ("completed", "failed", "timeout", "orphaned").
	JobOutcomes *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tidewheel",
			Name:      "chain_steps_total",
			Help:      "Chain steps executed, by capability and outcome.",
		}, []string{"capability", "outcome"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tidewheel",
			Name:      "step_retries_total",
			Help:      "Retry attempts taken by the retry wrapper.",
		}),
		RecoveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tidewheel",
			Name:      "recovery_attempts_total",
			Help:      "Correction prompts sent to the language model.",
		}),
		WheelTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tidewheel",
			Name:      "monitor_ticks_total",
			Help:      "Polling passes of the job monitor wheel.",
		}),
		TrackedJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tidewheel",
			Name:      "monitor_tracked_jobs",
			Help:      "Jobs currently registered with the monitor.",
		}),
		JobOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tidewheel",
			Name:      "monitor_job_outcomes_total",
			Help:      "Terminal job transitions, by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler returns the scrape endpoint for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
