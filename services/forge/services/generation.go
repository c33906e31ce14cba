// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides the business logic layer for the forge service.
//
// This package contains service structs that encapsulate orchestration
// logic, separating it from HTTP handlers. Services are responsible for:
//   - Admission control and directive validation ahead of any expensive work
//   - Fingerprint memoization and request collapsing
//   - Driving the generation loop and classifying its outcome
//
// Services are designed to be:
//   - Testable: Dependencies are injected via constructors
//   - Traceable: All methods accept context for distributed tracing
package services

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianForge/services/forge/admission"
	"github.com/AleutianAI/AleutianForge/services/forge/cache"
	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
	"github.com/AleutianAI/AleutianForge/services/forge/engine"
	"github.com/AleutianAI/AleutianForge/services/forge/observability"
)

var generationTracer = otel.Tracer("forge.services.generation")

// GenerationService is the single entry point for generation requests.
//
// # Description
//
// The service owns the full request pipeline: directive validation,
// per-caller admission, fingerprint memoization with request collapsing,
// and the bounded generation loop. Handlers hold exactly one reference to
// this type and nothing below it.
//
// # Thread Safety
//
// Safe for concurrent use.
type GenerationService struct {
	limiter *admission.Limiter
	cache   *cache.ResultCache
	engine  *engine.Engine
	metrics *observability.GenerationMetrics
}

// NewGenerationService creates a GenerationService with the provided
// dependencies. Every argument must be non-nil except metrics, which may
// be nil in tests.
func NewGenerationService(
	limiter *admission.Limiter,
	resultCache *cache.ResultCache,
	eng *engine.Engine,
	metrics *observability.GenerationMetrics,
) *GenerationService {
	return &GenerationService{
		limiter: limiter,
		cache:   resultCache,
		engine:  eng,
		metrics: metrics,
	}
}

// Generate runs one directive through the full pipeline.
//
// # Description
//
// The pipeline order is fixed: size validation first (cheapest, no
// admission charge for malformed input is avoided by charging admission
// before fingerprinting instead), then admission, then cache lookup. A
// cached return means no cycle was consumed anywhere. Admission is
// charged even when the fingerprint turns out to be cached; a caller
// cannot use repeats to probe for free capacity.
//
// # Inputs
//
//   - ctx: Caller context. Cancellation stops waiting but never aborts an
//     in-flight loop; see cache.GetOrCompute.
//   - callerID: Admission key from the identity middleware.
//   - d: The directive to satisfy.
//
// # Outputs
//
//   - *datatypes.Result: The finalized artifact. Nil on error.
//   - bool: True when served from cache (memory or warm tier).
//   - error: ErrDirectiveInvalid, ErrDirectiveTooLarge,
//     ErrRateLimitExceeded, ExhaustedError, or CapabilityError.
func (s *GenerationService) Generate(ctx context.Context, callerID string, d datatypes.Directive) (*datatypes.Result, bool, error) {
	return s.generate(ctx, callerID, d, nil)
}

// GenerateWithObserver is Generate with loop progress events delivered to
// obs. Only a fresh computation produces events; a cached or collapsed
// request completes without any.
func (s *GenerationService) GenerateWithObserver(ctx context.Context, callerID string, d datatypes.Directive, obs engine.Observer) (*datatypes.Result, bool, error) {
	return s.generate(ctx, callerID, d, obs)
}

func (s *GenerationService) generate(ctx context.Context, callerID string, d datatypes.Directive, obs engine.Observer) (*datatypes.Result, bool, error) {
	ctx, span := generationTracer.Start(ctx, "generation.generate",
		trace.WithAttributes(attribute.String("forge.caller_id", callerID)),
	)
	defer span.End()

	if err := d.Validate(); err != nil {
		s.recordOutcome(observability.OutcomeRejected)
		span.SetStatus(codes.Error, "directive rejected")
		return nil, false, err
	}

	if err := s.limiter.Check(callerID); err != nil {
		if s.metrics != nil {
			s.metrics.RecordAdmissionRejection()
		}
		s.recordOutcome(observability.OutcomeRejected)
		span.SetStatus(codes.Error, "admission refused")
		return nil, false, err
	}

	fp := datatypes.ComputeFingerprint(d)
	span.SetAttributes(attribute.String("forge.fingerprint", string(fp)))

	result, cached, err := s.cache.GetOrCompute(ctx, fp, func(loopCtx context.Context) (*datatypes.Result, error) {
		if s.metrics != nil {
			s.metrics.LoopStarted()
			defer s.metrics.LoopEnded()
		}
		return s.engine.Run(loopCtx, d, s.instrument(obs))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		s.recordOutcome(outcomeFor(err))
		s.recordCyclesFor(err)
		return nil, false, err
	}

	span.SetAttributes(attribute.Bool("forge.cached", cached))
	if !cached {
		s.recordOutcome(observability.OutcomeFinalized)
		if s.metrics != nil {
			s.metrics.RecordCycles(result.Cycles)
		}
	}
	return result, cached, nil
}

// instrument wraps obs so rejection-shaped loop events also feed metrics.
func (s *GenerationService) instrument(obs engine.Observer) engine.Observer {
	if s.metrics == nil {
		return obs
	}
	return func(ev engine.Event) {
		switch ev.Kind {
		case engine.EventCandidateRejected:
			s.metrics.RecordRejection(ev.Reason)
		case engine.EventSandboxFault:
			s.metrics.RecordSandboxFault()
		}
		if obs != nil {
			obs(ev)
		}
	}
}

func (s *GenerationService) recordOutcome(o observability.Outcome) {
	if s.metrics != nil {
		s.metrics.RecordRequest(o)
	}
}

// recordCyclesFor records the cycle histogram for loops that ran to
// exhaustion. Capability failures abort mid-cycle and are not observed.
func (s *GenerationService) recordCyclesFor(err error) {
	if s.metrics == nil {
		return
	}
	var exhausted *datatypes.ExhaustedError
	if errors.As(err, &exhausted) {
		s.metrics.RecordCycles(exhausted.Cycles)
	}
}

func outcomeFor(err error) observability.Outcome {
	switch datatypes.KindOf(err) {
	case datatypes.KindGenerationExhausted:
		return observability.OutcomeExhausted
	case datatypes.KindCapabilityFailure:
		return observability.OutcomeCapabilityFailure
	default:
		return observability.OutcomeError
	}
}

// CacheStats exposes the result cache counters for the stats endpoint.
func (s *GenerationService) CacheStats() cache.Stats {
	return s.cache.Stats()
}
