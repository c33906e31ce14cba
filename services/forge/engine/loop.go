// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine implements the bounded generate/validate/learn loop.
//
// The engine drives a generation backend toward an artifact that passes
// sandbox validation, feeding each rejection back into the next prompt as
// a constraint. The loop is strictly bounded: after MaxCycles rejected
// candidates it reports exhaustion rather than retrying forever.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
	"github.com/AleutianAI/AleutianForge/services/knowledge"
	"github.com/AleutianAI/AleutianForge/services/llm"
	"github.com/AleutianAI/AleutianForge/services/sandbox"
)

// MaxCycles is the hard ceiling on generate/validate cycles per request.
// Every attempt consumes a cycle, whether it was rejected by the sandbox,
// lost to a transient backend failure, or lost to a sandbox fault.
const MaxCycles = 7

var tracer = otel.Tracer("forge.engine")

// State identifies where a request is in its lifecycle. States only move
// forward; Finalized and Exhausted are terminal.
type State int

const (
	StateStart State = iota
	StateGenerating
	StateValidating
	StateLearning
	StateFinalized
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateGenerating:
		return "generating"
	case StateValidating:
		return "validating"
	case StateLearning:
		return "learning"
	case StateFinalized:
		return "finalized"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// EventKind discriminates loop progress events.
type EventKind string

const (
	EventRunStarted        EventKind = "run_started"
	EventCycleStarted      EventKind = "cycle_started"
	EventValidationStarted EventKind = "validation_started"
	EventCandidateRejected EventKind = "candidate_rejected"
	EventBackendRetry      EventKind = "backend_retry"
	EventSandboxFault      EventKind = "sandbox_fault"
	EventFinalized         EventKind = "finalized"
	EventExhausted         EventKind = "exhausted"
)

// Event is one observable step of a running loop. Streamed to progress
// subscribers; Reason is only set for rejection-shaped events.
type Event struct {
	RequestID string    `json:"request_id"`
	Kind      EventKind `json:"kind"`
	State     string    `json:"state"`
	Cycle     int       `json:"cycle"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Observer receives loop events as they happen. May be nil. Called
// synchronously from the loop goroutine, so implementations must not block.
type Observer func(Event)

// Validator checks one candidate artifact under a guard policy.
// *sandbox.Sandbox is the production implementation; the indirection lets
// tests substitute faulting or scripted validators.
type Validator interface {
	Validate(ctx context.Context, candidate string, pol *sandbox.GuardPolicy) (sandbox.Verdict, error)
}

// Engine owns the collaborators of the retry loop. Stateless between
// requests; one Engine serves all callers concurrently.
type Engine struct {
	backend   llm.Client
	box       Validator
	policies  *sandbox.PolicyStore
	knowledge knowledge.Provider
	params    llm.GenerationParams
}

// Option configures an Engine.
type Option func(*Engine)

// WithGenerationParams overrides the sampling parameters passed to the
// backend on every cycle.
func WithGenerationParams(p llm.GenerationParams) Option {
	return func(e *Engine) { e.params = p }
}

// New builds an Engine over the given backend, sandbox, policy store, and
// knowledge provider.
func New(backend llm.Client, box Validator, policies *sandbox.PolicyStore, kp knowledge.Provider, opts ...Option) *Engine {
	e := &Engine{
		backend:   backend,
		box:       box,
		policies:  policies,
		knowledge: kp,
		params:    defaultParams(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func defaultParams() llm.GenerationParams {
	temp := float32(0.2)
	maxTokens := 2048
	return llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}
}

// Run executes the full loop for one directive and returns the finalized
// result or a terminal error.
//
// # Description
//
// Retrieves mission context once, then cycles: assemble prompt, generate
// a candidate, validate it in the sandbox. A rejected candidate becomes a
// feedback line in the next prompt. Transient backend failures and
// sandbox faults each consume a cycle; fatal backend failures and context
// retrieval failures abort immediately as CapabilityError. After
// MaxCycles without an accepted candidate, Run returns ExhaustedError.
//
// # Outputs
//
//   - *datatypes.Result: The accepted artifact with cycle count, hash, and
//     finalize timestamp. Nil on error.
//   - error: ExhaustedError, CapabilityError, or ctx.Err().
//
// # Thread Safety
//
// Safe for concurrent use.
func (e *Engine) Run(ctx context.Context, d datatypes.Directive, obs Observer) (*datatypes.Result, error) {
	requestID := uuid.New().String()

	ctx, span := tracer.Start(ctx, "engine.run",
		trace.WithAttributes(attribute.String("forge.request_id", requestID)),
	)
	defer span.End()

	missionContext, err := e.knowledge.GetContext(ctx, d.Mission)
	if err != nil {
		return nil, &datatypes.CapabilityError{Op: "context retrieval", Err: err}
	}

	pol := e.policies.Active()

	emit(obs, Event{
		RequestID: requestID, Kind: EventRunStarted,
		State: StateStart.String(), At: time.Now(),
	})

	var feedback []string
	var lastReason string

	for cycle := 1; cycle <= MaxCycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		emit(obs, Event{
			RequestID: requestID, Kind: EventCycleStarted,
			State: StateGenerating.String(), Cycle: cycle, At: time.Now(),
		})

		prompt := assemblePrompt(d, missionContext, pol, feedback)

		candidate, err := e.backend.Generate(ctx, prompt, e.params)
		if err != nil {
			if llm.IsFatal(err) {
				span.RecordError(err)
				return nil, &datatypes.CapabilityError{Op: "generation", Err: err}
			}
			lastReason = "backend-transient"
			feedback = append(feedback, fmt.Sprintf("attempt %d produced no candidate (backend transiently unavailable)", cycle))
			slog.Warn("Backend transient failure, cycle consumed",
				"request_id", requestID, "cycle", cycle, "error", err)
			emit(obs, Event{
				RequestID: requestID, Kind: EventBackendRetry,
				State: StateLearning.String(), Cycle: cycle,
				Reason: lastReason, At: time.Now(),
			})
			continue
		}

		emit(obs, Event{
			RequestID: requestID, Kind: EventValidationStarted,
			State: StateValidating.String(), Cycle: cycle, At: time.Now(),
		})

		verdict, err := e.box.Validate(ctx, candidate, pol)
		if err != nil {
			// A sandbox fault says nothing about the candidate itself.
			// Treat it as a rejection so the loop keeps its bound.
			lastReason = "sandbox-fault"
			feedback = append(feedback, fmt.Sprintf("attempt %d could not be validated", cycle))
			slog.Error("Validation sandbox fault, cycle consumed",
				"request_id", requestID, "cycle", cycle, "error", err)
			emit(obs, Event{
				RequestID: requestID, Kind: EventSandboxFault,
				State: StateLearning.String(), Cycle: cycle,
				Reason: lastReason, At: time.Now(),
			})
			continue
		}

		if !verdict.Accepted {
			lastReason = string(verdict.Reason)
			feedback = append(feedback, fmt.Sprintf("attempt %d rejected: %s", cycle, verdict.Reason))
			slog.Info("Candidate rejected",
				"request_id", requestID, "cycle", cycle, "reason", lastReason)
			emit(obs, Event{
				RequestID: requestID, Kind: EventCandidateRejected,
				State: StateLearning.String(), Cycle: cycle,
				Reason: lastReason, At: time.Now(),
			})
			continue
		}

		result, err := e.finalize(candidate, cycle)
		if err != nil {
			span.RecordError(err)
			return nil, &datatypes.CapabilityError{Op: "finalization", Err: err}
		}

		span.SetAttributes(attribute.Int("forge.cycles", cycle))
		slog.Info("Generation finalized",
			"request_id", requestID, "cycles", cycle, "hash", result.Hash)
		emit(obs, Event{
			RequestID: requestID, Kind: EventFinalized,
			State: StateFinalized.String(), Cycle: cycle, At: time.Now(),
		})
		return result, nil
	}

	slog.Warn("Generation exhausted",
		"request_id", requestID, "cycles", MaxCycles, "last_reason", lastReason)
	emit(obs, Event{
		RequestID: requestID, Kind: EventExhausted,
		State: StateExhausted.String(), Cycle: MaxCycles,
		Reason: lastReason, At: time.Now(),
	})
	return nil, &datatypes.ExhaustedError{Cycles: MaxCycles, LastReason: lastReason}
}

// finalize seals the accepted candidate: the artifact passes through the
// accumulator so its integrity hash covers exactly the bytes returned.
func (e *Engine) finalize(candidate string, cycle int) (*datatypes.Result, error) {
	acc, err := NewArtifactAccumulator()
	if err != nil {
		return nil, err
	}
	defer acc.Destroy()

	if err := acc.Write(candidate); err != nil {
		return nil, err
	}

	artifact, hashStr, err := acc.Finalize()
	if err != nil {
		return nil, err
	}

	return &datatypes.Result{
		Code:      artifact,
		Cycles:    cycle,
		Hash:      hashStr,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// assemblePrompt builds the backend prompt for one cycle: task, active
// constraints from the guard policy, retrieved mission context, and one
// feedback line per prior failed attempt.
func assemblePrompt(d datatypes.Directive, missionContext string, pol *sandbox.GuardPolicy, feedback []string) string {
	var b strings.Builder

	b.WriteString("Produce a single self-contained code artifact for the task below.\n")
	b.WriteString("Output only the artifact, no commentary.\n\n")

	b.WriteString("Constraints:\n")
	fmt.Fprintf(&b, "- at most %d bytes\n", pol.MaxSize)
	b.WriteString("- must begin with a declaration (")
	b.WriteString(strings.Join(pol.StructuralPrefixes, ", "))
	b.WriteString(")\n")
	if len(pol.BannedTokens) > 0 {
		b.WriteString("- must not contain: ")
		b.WriteString(strings.Join(pol.BannedTokens, ", "))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if d.Mission != "" {
		fmt.Fprintf(&b, "Mission: %s\n\n", d.Mission)
	}
	if missionContext != "" {
		fmt.Fprintf(&b, "Relevant context:\n%s\n\n", missionContext)
	}

	if len(feedback) > 0 {
		b.WriteString("Previous attempts failed. Do not repeat these mistakes:\n")
		for _, line := range feedback {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Task: %s\n", d.Prompt)

	return b.String()
}

func emit(obs Observer, ev Event) {
	if obs != nil {
		obs(ev)
	}
}
