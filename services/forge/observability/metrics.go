// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the forge service.
//
// # Description
//
// Metrics cover the full request path: admission decisions, cache hits and
// collapses, cycle consumption per generation loop, rejection reasons, and
// sandbox faults. Exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "forge"

const generationSubsystem = "generation"

// GenerationMetrics holds all Prometheus metrics for the generation path.
//
// # Fields
//
//   - RequestsTotal: Counter of generation requests by outcome
//   - CyclesPerRequest: Histogram of cycles consumed per finished loop
//   - RejectionsTotal: Counter of candidate rejections by reason
//   - CacheEventsTotal: Counter of cache events (hit, miss, collapsed, warm_hit)
//   - AdmissionRejectionsTotal: Counter of requests refused at admission
//   - ActiveLoops: Gauge of currently running generation loops
//   - SandboxFaultsTotal: Counter of validation sandbox crashes
//
// # Thread Safety
//
// All operations are thread-safe.
type GenerationMetrics struct {
	// RequestsTotal counts generation requests by outcome.
	// Labels: outcome (finalized, exhausted, capability_failure, rejected, error)
	RequestsTotal *prometheus.CounterVec

	// CyclesPerRequest measures cycles consumed by loops that finished,
	// whether finalized or exhausted.
	CyclesPerRequest prometheus.Histogram

	// RejectionsTotal counts candidate rejections by reason.
	// Labels: reason (oversize, banned-token, malformed-structure, timeout)
	RejectionsTotal *prometheus.CounterVec

	// CacheEventsTotal counts result cache events.
	// Labels: event (hit, warm_hit, miss, collapsed)
	CacheEventsTotal *prometheus.CounterVec

	// AdmissionRejectionsTotal counts requests refused by the per-caller
	// admission limiter.
	AdmissionRejectionsTotal prometheus.Counter

	// ActiveLoops tracks generation loops currently executing.
	ActiveLoops prometheus.Gauge

	// SandboxFaultsTotal counts validation sandbox crashes.
	SandboxFaultsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of GenerationMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *GenerationMetrics

// InitMetrics initializes the default metrics instance against the global
// Prometheus registry. Call once at startup; panics on duplicate
// registration.
func InitMetrics() *GenerationMetrics {
	DefaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// newMetrics builds a GenerationMetrics registered against reg. Tests pass
// an isolated registry to allow parallel runs.
func newMetrics(reg prometheus.Registerer) *GenerationMetrics {
	factory := promauto.With(reg)

	return &GenerationMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "requests_total",
				Help:      "Total generation requests by outcome",
			},
			[]string{"outcome"},
		),

		CyclesPerRequest: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "cycles_per_request",
				Help:      "Generate/validate cycles consumed per finished loop",
				Buckets:   []float64{1, 2, 3, 4, 5, 6, 7},
			},
		),

		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "rejections_total",
				Help:      "Candidate rejections by reason",
			},
			[]string{"reason"},
		),

		CacheEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "cache_events_total",
				Help:      "Result cache events by kind",
			},
			[]string{"event"},
		),

		AdmissionRejectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "admission_rejections_total",
				Help:      "Requests refused by the per-caller admission limiter",
			},
		),

		ActiveLoops: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "active_loops",
				Help:      "Generation loops currently executing",
			},
		),

		SandboxFaultsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "sandbox_faults_total",
				Help:      "Validation sandbox crashes",
			},
		),
	}
}

// =============================================================================
// Outcome Labels
// =============================================================================

// Outcome categorizes how a generation request ended, for metrics labeling.
type Outcome string

const (
	// OutcomeFinalized means an artifact was accepted and returned.
	OutcomeFinalized Outcome = "finalized"

	// OutcomeExhausted means the loop consumed its full cycle budget.
	OutcomeExhausted Outcome = "exhausted"

	// OutcomeCapabilityFailure means the backend or a collaborator
	// faulted fatally.
	OutcomeCapabilityFailure Outcome = "capability_failure"

	// OutcomeRejected means the request never entered the loop
	// (oversize directive or admission refusal).
	OutcomeRejected Outcome = "rejected"

	// OutcomeError is the catch-all for unexpected failures.
	OutcomeError Outcome = "error"
)

// CacheEvent categorizes result cache activity, for metrics labeling.
type CacheEvent string

const (
	// CacheHit means the fingerprint was served from memory.
	CacheHit CacheEvent = "hit"

	// CacheWarmHit means the fingerprint was served from the warm tier.
	CacheWarmHit CacheEvent = "warm_hit"

	// CacheMiss means a fresh loop had to run.
	CacheMiss CacheEvent = "miss"

	// CacheCollapsed means the caller piggybacked on an identical
	// in-flight computation.
	CacheCollapsed CacheEvent = "collapsed"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed generation request.
func (m *GenerationMetrics) RecordRequest(outcome Outcome) {
	m.RequestsTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordCycles records the cycle count of a finished loop.
func (m *GenerationMetrics) RecordCycles(cycles int) {
	m.CyclesPerRequest.Observe(float64(cycles))
}

// RecordRejection records one candidate rejection.
func (m *GenerationMetrics) RecordRejection(reason string) {
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordCacheEvent records a result cache event.
func (m *GenerationMetrics) RecordCacheEvent(event CacheEvent) {
	m.CacheEventsTotal.WithLabelValues(string(event)).Inc()
}

// RecordAdmissionRejection records a request refused at admission.
func (m *GenerationMetrics) RecordAdmissionRejection() {
	m.AdmissionRejectionsTotal.Inc()
}

// LoopStarted increments the active loops gauge.
func (m *GenerationMetrics) LoopStarted() {
	m.ActiveLoops.Inc()
}

// LoopEnded decrements the active loops gauge.
func (m *GenerationMetrics) LoopEnded() {
	m.ActiveLoops.Dec()
}

// RecordSandboxFault records a validation sandbox crash.
func (m *GenerationMetrics) RecordSandboxFault() {
	m.SandboxFaultsTotal.Inc()
}
