// Package metrics exposes Prometheus counters for plan execution.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the execution counters.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted   prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	StepsFinished *prometheus.CounterVec
	ReasonerCalls prometheus.Counter
}

// New creates a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pilot_runs_started_total",
			Help: "Plan runs moved into the running state.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_runs_finished_total",
			Help: "Plan runs finalized, by terminal status.",
		}, []string{"status"}),
		StepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_steps_finished_total",
			Help: "Plan steps finished, by outcome.",
		}, []string{"outcome"}),
		ReasonerCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pilot_reasoner_calls_total",
			Help: "Correction requests sent to the model for failed commands.",
		}),
	}
	reg.MustRegister(m.RunsStarted, m.RunsFinished, m.StepsFinished, m.ReasonerCalls)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
