// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the
// orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring workflow
// execution, event streaming and the learning ledger:
//   - Run counters (by terminal state)
//   - Stage latency histograms
//   - Event publish/drop counters and active stream gauges
//   - Ledger mutation counters and rewrite latency
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "opsmend"

// Subsystems
const (
	workflowSubsystem = "workflow"
	streamSubsystem   = "stream"
	learningSubsystem = "learning"
)

// Metrics holds all Prometheus metrics for the orchestrator.
//
// # Description
//
// Provides counters, histograms, and gauges for workflow, streaming and
// ledger monitoring. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// RunsTotal counts completed workflow runs.
	// Labels: terminal_state (COMPLETED, ERRORED, NO_ISSUE, NO_ROOT_CAUSE)
	RunsTotal *prometheus.CounterVec

	// ActiveRuns tracks workflow runs currently executing.
	ActiveRuns prometheus.Gauge

	// StageDurationSeconds measures stage invocation latency.
	// Labels: stage, status (success, error)
	StageDurationSeconds *prometheus.HistogramVec

	// EventsPublishedTotal counts events published to run channels.
	// Labels: agent
	EventsPublishedTotal *prometheus.CounterVec

	// EventsDroppedTotal counts events dropped because a subscriber buffer
	// hit its configured limit.
	EventsDroppedTotal prometheus.Counter

	// ActiveStreams tracks currently connected stream subscribers.
	ActiveStreams prometheus.Gauge

	// ApprovalCallbacksTotal counts approval-server callbacks.
	// Labels: status (approved, rejected), outcome (merged, unknown)
	ApprovalCallbacksTotal *prometheus.CounterVec

	// FeedbackSubmissionsTotal counts human feedback submissions.
	// Labels: outcome (accepted, unknown, invalid)
	FeedbackSubmissionsTotal *prometheus.CounterVec

	// LedgerRecords tracks the number of records in the feedback ledger.
	LedgerRecords prometheus.Gauge

	// LedgerRewriteSeconds measures the full-file rewrite latency of the
	// feedback ledger.
	LedgerRewriteSeconds prometheus.Histogram
}

// DefaultMetrics is the singleton instance of Metrics.
// Initialized by InitMetrics(). Callers must nil-check before use so that
// packages remain usable in tests without metric registration.
var DefaultMetrics *Metrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once at
// application startup, before requests are served.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = &Metrics{
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: workflowSubsystem,
				Name:      "runs_total",
				Help:      "Total workflow runs by terminal state",
			},
			[]string{"terminal_state"},
		),

		ActiveRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: workflowSubsystem,
				Name:      "active_runs",
				Help:      "Number of workflow runs currently executing",
			},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: workflowSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Stage invocation latency in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage", "status"},
		),

		EventsPublishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "events_published_total",
				Help:      "Total progress events published to run channels",
			},
			[]string{"agent"},
		),

		EventsDroppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "events_dropped_total",
				Help:      "Total events dropped due to subscriber buffer limits",
			},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently connected stream subscribers",
			},
		),

		ApprovalCallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "approval_callbacks_total",
				Help:      "Total approval-server callbacks by status and outcome",
			},
			[]string{"status", "outcome"},
		),

		FeedbackSubmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "feedback_submissions_total",
				Help:      "Total human feedback submissions by outcome",
			},
			[]string{"outcome"},
		),

		LedgerRecords: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "ledger_records",
				Help:      "Number of records in the feedback ledger",
			},
		),

		LedgerRewriteSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "ledger_rewrite_seconds",
				Help:      "Full-file rewrite latency of the feedback ledger",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRun records a workflow run reaching a terminal state.
func (m *Metrics) RecordRun(terminalState string) {
	m.RunsTotal.WithLabelValues(terminalState).Inc()
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active run gauge.
func (m *Metrics) RunEnded() {
	m.ActiveRuns.Dec()
}

// RecordStageDuration records a stage invocation latency.
func (m *Metrics) RecordStageDuration(stage string, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StageDurationSeconds.WithLabelValues(stage, status).Observe(seconds)
}

// RecordEventPublished counts one published progress event.
func (m *Metrics) RecordEventPublished(agent string) {
	m.EventsPublishedTotal.WithLabelValues(agent).Inc()
}

// RecordEventDropped counts one dropped progress event.
func (m *Metrics) RecordEventDropped() {
	m.EventsDroppedTotal.Inc()
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *Metrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordApprovalCallback counts one approval-server callback.
func (m *Metrics) RecordApprovalCallback(status string, merged bool) {
	outcome := "merged"
	if !merged {
		outcome = "unknown"
	}
	m.ApprovalCallbacksTotal.WithLabelValues(status, outcome).Inc()
}

// RecordFeedbackSubmission counts one human feedback submission.
func (m *Metrics) RecordFeedbackSubmission(outcome string) {
	m.FeedbackSubmissionsTotal.WithLabelValues(outcome).Inc()
}

// SetLedgerRecords sets the ledger size gauge.
func (m *Metrics) SetLedgerRecords(n int) {
	m.LedgerRecords.Set(float64(n))
}

// RecordLedgerRewrite records one full-file ledger rewrite.
func (m *Metrics) RecordLedgerRewrite(seconds float64) {
	m.LedgerRewriteSeconds.Observe(seconds)
}
