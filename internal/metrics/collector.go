// Package metrics exports migration run metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/ksred/schemaflow/internal/migrations"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements migrations.Observer
type Collector struct {
	registry *prometheus.Registry

	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	lockAttempts  *prometheus.CounterVec
	lastRunFailed prometheus.Gauge
	pending       *prometheus.GaugeVec
}

var _ migrations.Observer = (*Collector)(nil)

// NewCollector creates a collector on its own registry
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_steps_total",
				Help:      "Migration steps by app, direction and outcome",
			},
			[]string{"app", "direction", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "migration_step_duration_seconds",
				Help:      "Time spent applying one migration",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
			},
			[]string{"app", "direction"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_runs_total",
				Help:      "Executor runs by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "migration_run_duration_seconds",
				Help:      "Wall time of an executor run",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		lockAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_lock_attempts_total",
				Help:      "Attempts to take the migration lock",
			},
			[]string{"acquired"},
		),
		lastRunFailed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "migration_last_run_failed",
				Help:      "1 when the most recent run stopped on an error",
			},
		),
		pending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "migrations_pending",
				Help:      "Unapplied migrations per app as of the last status check",
			},
			[]string{"app"},
		),
	}
}

// StepFinished records one step's outcome
func (c *Collector) StepFinished(key migrations.Key, dir migrations.Direction, status migrations.StepStatus, elapsed time.Duration) {
	c.stepsTotal.WithLabelValues(key.App, dir.String(), string(status)).Inc()
	if status == migrations.StepApplied || status == migrations.StepFailed {
		c.stepDuration.WithLabelValues(key.App, dir.String()).Observe(elapsed.Seconds())
	}
}

// RunFinished records the outcome of a run
func (c *Collector) RunFinished(result *migrations.ExecutionResult, elapsed time.Duration, err error) {
	outcome := "success"
	switch {
	case err != nil && result != nil && result.Failed != nil:
		outcome = "failed"
	case err != nil:
		outcome = "error"
	}
	c.runsTotal.WithLabelValues(outcome).Inc()
	c.runDuration.Observe(elapsed.Seconds())
	if err != nil {
		c.lastRunFailed.Set(1)
	} else {
		c.lastRunFailed.Set(0)
	}
}

// LockAttempt counts lock acquisitions and refusals
func (c *Collector) LockAttempt(acquired bool) {
	label := "false"
	if acquired {
		label = "true"
	}
	c.lockAttempts.WithLabelValues(label).Inc()
}

// SetPending publishes the number of unapplied migrations per app
func (c *Collector) SetPending(counts map[string]int) {
	c.pending.Reset()
	for app, n := range counts {
		c.pending.WithLabelValues(app).Set(float64(n))
	}
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collected metrics in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
