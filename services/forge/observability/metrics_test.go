// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// newTestMetrics creates a GenerationMetrics instance against an isolated
// registry to avoid global registration conflicts.
func newTestMetrics(t *testing.T) *GenerationMetrics {
	t.Helper()
	return newMetrics(prometheus.NewRegistry())
}

func TestRecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(OutcomeFinalized)
	m.RecordRequest(OutcomeFinalized)
	m.RecordRequest(OutcomeExhausted)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.RequestsTotal.WithLabelValues(string(OutcomeFinalized))))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.RequestsTotal.WithLabelValues(string(OutcomeExhausted))))
}

func TestRecordRejection(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRejection("banned-token")
	m.RecordRejection("banned-token")
	m.RecordRejection("oversize")

	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.RejectionsTotal.WithLabelValues("banned-token")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.RejectionsTotal.WithLabelValues("oversize")))
}

func TestRecordCacheEvent(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordCacheEvent(CacheHit)
	m.RecordCacheEvent(CacheMiss)
	m.RecordCacheEvent(CacheCollapsed)
	m.RecordCacheEvent(CacheCollapsed)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.CacheEventsTotal.WithLabelValues(string(CacheHit))))
	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.CacheEventsTotal.WithLabelValues(string(CacheCollapsed))))
}

func TestActiveLoopsGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.LoopStarted()
	m.LoopStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActiveLoops))

	m.LoopEnded()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveLoops))
}

func TestCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordAdmissionRejection()
	m.RecordSandboxFault()
	m.RecordSandboxFault()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.AdmissionRejectionsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SandboxFaultsTotal))
}
