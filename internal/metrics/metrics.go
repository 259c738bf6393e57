// Package metrics counts rule runs and passes with prometheus collectors and
// writes them in the text exposition format, for node_exporter's textfile
// collector or any scraper reading files.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the build collectors on a private registry. A nil *Metrics
// records nothing.
type Metrics struct {
	reg      *prometheus.Registry
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	passes   prometheus.Counter
	builds   *prometheus.CounterVec
	hashed   prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quire_rule_runs_total",
			Help: "Rule runs by rule and result.",
		}, []string{"rule", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quire_rule_duration_seconds",
			Help:    "Wall time of rule runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"rule"}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quire_passes_total",
			Help: "Build passes started.",
		}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quire_builds_total",
			Help: "Builds by outcome.",
		}, []string{"outcome"}),
		hashed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quire_files_hashed",
			Help: "Files hashed by the file state store in this invocation.",
		}),
	}
	m.reg.MustRegister(m.runs, m.duration, m.passes, m.builds, m.hashed)
	return m
}

// RuleRun records one finished run.
func (m *Metrics) RuleRun(rule, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(rule, result).Inc()
	m.duration.WithLabelValues(rule).Observe(d.Seconds())
}

// Pass records the start of a pass.
func (m *Metrics) Pass() {
	if m == nil {
		return
	}
	m.passes.Inc()
}

// Build records a finished build ("ok", "failed", "no_fixpoint").
func (m *Metrics) Build(outcome string) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(outcome).Inc()
}

// FilesHashed sets the number of files hashed so far.
func (m *Metrics) FilesHashed(n int) {
	if m == nil {
		return
	}
	m.hashed.Set(float64(n))
}

// Registry exposes the collectors, for tests and HTTP handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// WriteFile writes the current values to path atomically.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
