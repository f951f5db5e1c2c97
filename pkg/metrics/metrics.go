// Package metrics exposes Prometheus instrumentation for import runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Workflow outcome label values.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

var (
	workflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmimport_workflows_total",
			Help: "Total number of partition workflows by outcome.",
		},
		[]string{"outcome"},
	)

	failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmimport_workflow_failures_total",
			Help: "Workflow failures by error kind.",
		},
		[]string{"kind"},
	)

	workflowsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmimport_workflows_in_flight",
			Help: "Number of partition workflows currently running.",
		},
	)

	importDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmimport_import_seconds",
			Help:    "Duration from import submission to a terminal task state, in seconds.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 8),
		},
	)

	launchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmimport_launch_seconds",
			Help:    "Duration from RunInstances to the instance running, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(workflowsTotal)
	prometheus.MustRegister(failuresTotal)
	prometheus.MustRegister(workflowsInFlight)
	prometheus.MustRegister(importDuration)
	prometheus.MustRegister(launchDuration)

	for _, o := range []string{OutcomeSucceeded, OutcomeSkipped, OutcomeFailed} {
		workflowsTotal.WithLabelValues(o)
	}
}

// WorkflowStarted marks a workflow as in flight.
func WorkflowStarted() {
	workflowsInFlight.Inc()
}

// WorkflowFinished records the outcome of a workflow and takes it out of
// the in-flight gauge.
func WorkflowFinished(outcome string) {
	workflowsInFlight.Dec()
	workflowsTotal.WithLabelValues(outcome).Inc()
}

// WorkflowFailed counts a failure of the given error kind.
func WorkflowFailed(kind string) {
	failuresTotal.WithLabelValues(kind).Inc()
}

// ObserveImport records how long an import took.
func ObserveImport(d time.Duration) {
	importDuration.Observe(d.Seconds())
}

// ObserveLaunch records how long a launch took to reach running.
func ObserveLaunch(d time.Duration) {
	launchDuration.Observe(d.Seconds())
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
