// Package metrics exposes rotation step and validation outcomes to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// Metrics records step and validation metrics. It implements
// rotation.StepObserver and validation.ValidationObserver.
type Metrics struct {
	registry *prometheus.Registry

	stepsTotal      *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	validationTotal *prometheus.CounterVec
	lastSuccess     *prometheus.GaugeVec
}

// New registers the rotator metrics on registry. A nil registry gets a fresh
// one carrying the Go runtime and process collectors.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotator_steps_total",
				Help: "Total number of rotation steps handled, by outcome",
			},
			[]string{"step", "outcome"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotator_step_duration_seconds",
				Help:    "Duration of rotation steps in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"step"},
		),
		validationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotator_validation_total",
				Help: "Total number of credential validations, by validator and outcome",
			},
			[]string{"validator", "outcome"},
		),
		lastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rotator_step_last_success_timestamp_seconds",
				Help: "Unix time of the last successful execution of each step",
			},
			[]string{"step"},
		),
	}
}

// ObserveStep implements rotation.StepObserver.
func (m *Metrics) ObserveStep(step rotation.Step, outcome string, duration time.Duration) {
	m.stepsTotal.WithLabelValues(string(step), outcome).Inc()
	m.stepDuration.WithLabelValues(string(step)).Observe(duration.Seconds())
	if outcome == rotation.OutcomeSuccess || outcome == rotation.OutcomeSkipped {
		m.lastSuccess.WithLabelValues(string(step)).SetToCurrentTime()
	}
}

// ObserveValidation implements validation.ValidationObserver.
func (m *Metrics) ObserveValidation(validator, outcome string) {
	m.validationTotal.WithLabelValues(validator, outcome).Inc()
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
