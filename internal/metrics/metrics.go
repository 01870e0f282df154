// Package metrics holds the Prometheus collectors of the service. A nil
// *Metrics is valid and records nothing, so packages can be used without
// instrumentation in tests and from the CLI.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "refresher"

type Metrics struct {
	reg                *prometheus.Registry
	runs               *prometheus.CounterVec
	busy               prometheus.Counter
	active             prometheus.Gauge
	steps              *prometheus.HistogramVec
	logins             *prometheus.CounterVec
	staticCompressions prometheus.Counter
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished refresh runs by mode and outcome.",
		}, []string{"mode", "outcome"}),
		busy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_total",
			Help:      "Refresh requests rejected because a run was active.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while a refresh run holds the lock.",
		}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall clock duration of pipeline steps.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"module", "outcome"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		staticCompressions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "static_compressions_total",
			Help:      "Static assets (re)compressed into the cache.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.busy, m.active, m.steps, m.logins, m.staticCompressions,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.active.Set(1)
}

func (m *Metrics) RunFinished(mode, outcome string) {
	if m == nil {
		return
	}
	m.active.Set(0)
	m.runs.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) Busy() {
	if m == nil {
		return
	}
	m.busy.Inc()
}

func (m *Metrics) Step(module, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(module, outcome).Observe(d.Seconds())
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StaticCompressed() {
	if m == nil {
		return
	}
	m.staticCompressions.Inc()
}
