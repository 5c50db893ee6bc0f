// Package metrics holds the Prometheus collectors for feature generation.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "mantis",
	Subsystem: "feature",
	Name:      "jobs_submitted_total",
	Help:      "Feature jobs handed to the worker pool.",
})

var JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mantis",
	Subsystem: "feature",
	Name:      "jobs_completed_total",
	Help:      "Feature jobs finished by the worker pool.",
}, []string{"status"})

var JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "mantis",
	Subsystem: "feature",
	Name:      "jobs_in_flight",
	Help:      "Feature jobs currently executing.",
})

var Workers = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "mantis",
	Subsystem: "feature",
	Name:      "workers",
	Help:      "Live workers in the pool.",
})

var JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "mantis",
	Subsystem: "feature",
	Name:      "job_duration_seconds",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
}, []string{"statistic"})

var Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mantis",
	Subsystem: "feature",
	Name:      "runs_total",
	Help:      "Feature generation runs by outcome (cached, computed, failed).",
}, []string{"outcome"})

const (
	StatusOK    = "ok"
	StatusError = "error"

	OutcomeCached   = "cached"
	OutcomeComputed = "computed"
	OutcomeFailed   = "failed"
)

// Collectors returns every collector defined by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{JobsSubmitted, JobsCompleted, JobsInFlight, Workers, JobDuration, Runs}
}

// Register registers the collectors, tolerating ones that are already registered.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
