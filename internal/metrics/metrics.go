package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oshokin/fwforge/internal/firmware/patch"
	"github.com/oshokin/fwforge/internal/install"
)

const namespace = "fwforge"

// Build results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	// registry owns every collector below.
	registry *prometheus.Registry

	builds          *prometheus.CounterVec
	buildDuration   prometheus.Histogram
	patches         *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	warnings        *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	sessionDuration prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "total",
			Help:      "Build jobs by result.",
		}, []string{"result"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Build job duration.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		patches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "patch",
			Name:      "entries_total",
			Help:      "Patch entries by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "transitions_total",
			Help:      "Installation state transitions by target state.",
		}, []string{"state"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "warnings_total",
			Help:      "Installation warnings by code.",
		}, []string{"code"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "sessions_total",
			Help:      "Finished installation sessions by terminal state and failure reason.",
		}, []string{"state", "reason"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "session_duration_seconds",
			Help:      "Installation session duration.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 10),
		}),
	}

	m.registry.MustRegister(
		m.builds,
		m.buildDuration,
		m.patches,
		m.transitions,
		m.warnings,
		m.sessions,
		m.sessionDuration,
	)

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveBuild records one finished build job. report may be nil.
func (m *Metrics) ObserveBuild(result string, duration time.Duration, report *patch.Report) {
	m.builds.WithLabelValues(result).Inc()
	m.buildDuration.Observe(duration.Seconds())

	if report == nil {
		return
	}

	for _, entry := range report.Entries {
		switch {
		case entry.Applied:
			m.patches.WithLabelValues("applied").Inc()
		case entry.Skipped:
			m.patches.WithLabelValues("skipped").Inc()
		}
	}
}

// WriteTextfile writes the current values for the node-exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}

	return nil
}

// Observer returns an install.Observer feeding the install collectors.
func (m *Metrics) Observer() install.Observer {
	return &observer{m: m}
}

type observer struct {
	m *Metrics
}

func (o *observer) OnTransition(_ context.Context, _ *install.Session, transition install.Transition) {
	o.m.transitions.WithLabelValues(string(transition.To)).Inc()
}

func (o *observer) OnWarning(_ context.Context, _ *install.Session, warning install.Warning) {
	o.m.warnings.WithLabelValues(string(warning.Code)).Inc()
}

func (o *observer) OnFinish(_ context.Context, report *install.Report) {
	reason := ""
	if report.Failure != nil {
		reason = string(report.Failure.Reason)
	}

	o.m.sessions.WithLabelValues(string(report.State), reason).Inc()
	o.m.sessionDuration.Observe(report.Duration.Seconds())
}
