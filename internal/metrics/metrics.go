// Package metrics holds the Prometheus collectors of userscriptd.
//
// All methods are nil-safe so components can run without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "userscriptd"

type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	AttemptsTotal     *prometheus.CounterVec
	InFlight          prometheus.Gauge

	GovernorDenials  *prometheus.CounterVec
	GovernorWarnings *prometheus.CounterVec

	ScriptErrors *prometheus.CounterVec

	ScheduleFires   *prometheus.CounterVec
	SchedulesActive prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		ExecutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Logical execution requests by terminal status.",
		}, []string{"status"}),
		ExecutionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Duration of single script attempts.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		AttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Script attempts by outcome.",
		}, []string{"outcome"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attempts_in_flight",
			Help:      "Attempts currently running.",
		}),
		GovernorDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governor_denials_total",
			Help:      "Executions refused by the performance governor.",
		}, []string{"reason"}),
		GovernorWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governor_warnings_total",
			Help:      "Performance warnings raised.",
		}, []string{"kind", "severity"}),
		ScriptErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_errors_total",
			Help:      "Classified script errors.",
		}, []string{"category"}),
		ScheduleFires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Schedule fires by mode and outcome.",
		}, []string{"mode", "outcome"}),
		SchedulesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedules_active",
			Help:      "Schedules in active status.",
		}),
	}
}

func (m *Metrics) Execution(status string) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) AttemptStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) AttemptFinished(success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.ExecutionDuration.Observe(d.Seconds())
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.AttemptsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Denied(reason string) {
	if m == nil {
		return
	}
	m.GovernorDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) Warning(kind, severity string) {
	if m == nil {
		return
	}
	m.GovernorWarnings.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) ScriptError(category string) {
	if m == nil {
		return
	}
	m.ScriptErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) ScheduleFired(mode, outcome string) {
	if m == nil {
		return
	}
	m.ScheduleFires.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) SetActiveSchedules(n int) {
	if m == nil {
		return
	}
	m.SchedulesActive.Set(float64(n))
}
