// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/forge/admission"
	"github.com/AleutianAI/AleutianForge/services/forge/cache"
	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
	"github.com/AleutianAI/AleutianForge/services/forge/engine"
	"github.com/AleutianAI/AleutianForge/services/knowledge"
	"github.com/AleutianAI/AleutianForge/services/llm"
	"github.com/AleutianAI/AleutianForge/services/sandbox"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// countingBackend returns the same candidate every call and counts calls.
type countingBackend struct {
	mu        sync.Mutex
	candidate string
	calls     int
}

func (b *countingBackend) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.candidate, nil
}

func (b *countingBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func newTestService(t *testing.T, backend llm.Client, limiterOpts ...admission.Option) *GenerationService {
	t.Helper()
	t.Setenv("FORGE_INSECURE_MEMORY", "true")

	store, err := sandbox.NewPolicyStore("")
	require.NoError(t, err)

	eng := engine.New(backend, sandbox.New(), store, knowledge.NewStaticProvider(nil))

	return NewGenerationService(
		admission.NewLimiter(limiterOpts...),
		cache.New(),
		eng,
		nil,
	)
}

// =============================================================================
// Tests
// =============================================================================

func TestGenerate_ReturnsFinalizedResult(t *testing.T) {
	backend := &countingBackend{candidate: "const a = 1;"}
	svc := newTestService(t, backend)

	result, cached, err := svc.Generate(context.Background(), "caller-1", datatypes.Directive{Prompt: "make a constant"})

	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "const a = 1;", result.Code)
	assert.True(t, result.VerifyIntegrity())
}

func TestGenerate_RepeatedDirectiveServedFromCache(t *testing.T) {
	backend := &countingBackend{candidate: "const a = 1;"}
	svc := newTestService(t, backend)
	d := datatypes.Directive{Prompt: "make a constant"}

	first, cached, err := svc.Generate(context.Background(), "caller-1", d)
	require.NoError(t, err)
	require.False(t, cached)

	second, cached, err := svc.Generate(context.Background(), "caller-1", d)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Same(t, first, second)
	assert.Equal(t, 1, backend.callCount())
}

func TestGenerate_OversizeDirectiveRejectedBeforeBackend(t *testing.T) {
	backend := &countingBackend{candidate: "const a = 1;"}
	svc := newTestService(t, backend)

	_, _, err := svc.Generate(context.Background(), "caller-1", datatypes.Directive{
		Prompt: strings.Repeat("p", 201),
	})

	assert.ErrorIs(t, err, datatypes.ErrDirectiveTooLarge)
	assert.Equal(t, 0, backend.callCount())
}

func TestGenerate_AdmissionChargedBeforeCacheLookup(t *testing.T) {
	backend := &countingBackend{candidate: "const a = 1;"}
	svc := newTestService(t, backend, admission.WithCeiling(2))
	d := datatypes.Directive{Prompt: "make a constant"}

	_, _, err := svc.Generate(context.Background(), "caller-1", d)
	require.NoError(t, err)
	_, cached, err := svc.Generate(context.Background(), "caller-1", d)
	require.NoError(t, err)
	require.True(t, cached)

	// Third call is refused even though the fingerprint sits in cache.
	_, _, err = svc.Generate(context.Background(), "caller-1", d)
	assert.ErrorIs(t, err, datatypes.ErrRateLimitExceeded)
}

func TestGenerate_CallersHaveIndependentBudgets(t *testing.T) {
	backend := &countingBackend{candidate: "const a = 1;"}
	svc := newTestService(t, backend, admission.WithCeiling(1))

	_, _, err := svc.Generate(context.Background(), "caller-1", datatypes.Directive{Prompt: "make a constant"})
	require.NoError(t, err)

	_, _, err = svc.Generate(context.Background(), "caller-1", datatypes.Directive{Prompt: "another one"})
	require.ErrorIs(t, err, datatypes.ErrRateLimitExceeded)

	_, cached, err := svc.Generate(context.Background(), "caller-2", datatypes.Directive{Prompt: "make a constant"})
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestGenerate_ExhaustionPropagates(t *testing.T) {
	backend := &countingBackend{candidate: "let x = eval(input);"}
	svc := newTestService(t, backend)

	result, _, err := svc.Generate(context.Background(), "caller-1", datatypes.Directive{Prompt: "make a constant"})

	assert.Nil(t, result)
	var exhausted *datatypes.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, engine.MaxCycles, exhausted.Cycles)
}

func TestGenerate_FailedLoopIsNotCached(t *testing.T) {
	backend := &countingBackend{candidate: "let x = eval(input);"}
	svc := newTestService(t, backend)
	d := datatypes.Directive{Prompt: "make a constant"}

	_, _, err := svc.Generate(context.Background(), "caller-1", d)
	require.Error(t, err)

	before := backend.callCount()
	_, _, err = svc.Generate(context.Background(), "caller-1", d)
	require.Error(t, err)
	assert.Greater(t, backend.callCount(), before, "failed fingerprints must be recomputed")
}

func TestGenerateWithObserver_StreamsEventsOnFreshCompute(t *testing.T) {
	backend := &countingBackend{candidate: "const a = 1;"}
	svc := newTestService(t, backend)

	var mu sync.Mutex
	var kinds []engine.EventKind
	obs := func(ev engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
	}

	_, cached, err := svc.GenerateWithObserver(context.Background(), "caller-1", datatypes.Directive{Prompt: "make a constant"}, obs)
	require.NoError(t, err)
	require.False(t, cached)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []engine.EventKind{
		engine.EventRunStarted,
		engine.EventCycleStarted,
		engine.EventValidationStarted,
		engine.EventFinalized,
	}, kinds)
}
