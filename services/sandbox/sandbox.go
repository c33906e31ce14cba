// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox validates untrusted generated artifacts before they are
// released to a caller.
//
// # Isolation Boundary
//
// Validation runs on a dedicated goroutine that receives copies of the
// candidate bytes and the guard policy and holds no reference back into
// orchestrator memory. Communication is copy-in/copy-out over channels. A
// panic or hang inside a check cannot corrupt the orchestrator or block
// it beyond the policy's wall-clock budget: the orchestrator abandons the
// check at the deadline and the goroutine's result is discarded.
//
// # Check Order
//
// Checks short-circuit on first failure, in a fixed order:
//
//  1. size ceiling            -> oversize
//  2. structural shape        -> malformed-structure
//  3. token denylist          -> banned-token
//
// A run that exceeds the budget yields the verdict timeout. A crash of
// the sandbox itself (panic in a check) is reported as a fault error,
// distinct from any verdict about the candidate.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("forge.sandbox")

// RejectReason is the closed set of policy-violation kinds.
type RejectReason string

const (
	ReasonOversize  RejectReason = "oversize"
	ReasonBanned    RejectReason = "banned-token"
	ReasonMalformed RejectReason = "malformed-structure"
	ReasonTimeout   RejectReason = "timeout"
)

// Verdict is the outcome of validating one candidate.
type Verdict struct {
	Accepted bool         `json:"accepted"`
	Reason   RejectReason `json:"reason,omitempty"`
}

// ErrFault indicates the sandbox itself crashed, independent of candidate
// content. The retry loop treats a fault as a learning event.
var ErrFault = errors.New("validation sandbox fault")

// Sandbox validates candidates under a guard policy.
//
// The zero value is not usable; construct with New.
type Sandbox struct{}

// New creates a Sandbox.
func New() *Sandbox {
	return &Sandbox{}
}

// Validate inspects one candidate artifact under the given policy.
//
// The candidate and policy are copied before the checks start; the check
// goroutine never observes orchestrator state. Validate returns within
// the policy budget (plus scheduling slack) regardless of what the checks
// do. A non-nil error means the sandbox faulted; the verdict is only
// meaningful when the error is nil.
func (s *Sandbox) Validate(ctx context.Context, candidate string, pol *GuardPolicy) (Verdict, error) {
	ctx, span := tracer.Start(ctx, "Sandbox.Validate")
	defer span.End()
	span.SetAttributes(attribute.Int("candidate.bytes", len(candidate)))

	// Copy-in: the goroutine below owns these copies exclusively.
	data := []byte(candidate)
	polCopy := pol.clone()

	budget := polCopy.Budget()
	checkCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	verdictCh := make(chan Verdict, 1)
	faultCh := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				faultCh <- fmt.Errorf("%w: panic: %v", ErrFault, r)
			}
		}()
		verdictCh <- runChecks(checkCtx, data, polCopy)
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case v := <-verdictCh:
		span.SetAttributes(attribute.Bool("verdict.accepted", v.Accepted))
		if !v.Accepted {
			span.SetAttributes(attribute.String("verdict.reason", string(v.Reason)))
		}
		return v, nil
	case err := <-faultCh:
		slog.Error("validation sandbox faulted", "error", err)
		return Verdict{}, err
	case <-timer.C:
		// The check goroutine is abandoned; checkCtx is cancelled so a
		// parser stuck in a long parse unwinds on its own.
		slog.Warn("validation exceeded time budget", "budget", budget)
		return Verdict{Accepted: false, Reason: ReasonTimeout}, nil
	}
}

// runChecks applies the ordered, short-circuiting policy checks.
func runChecks(ctx context.Context, data []byte, pol *GuardPolicy) Verdict {
	if len(data) > pol.MaxSize {
		return Verdict{Accepted: false, Reason: ReasonOversize}
	}

	if !hasStructuralShape(data, pol.StructuralPrefixes) {
		return Verdict{Accepted: false, Reason: ReasonMalformed}
	}
	if pol.DeepStructural && !parsesCleanly(ctx, data) {
		return Verdict{Accepted: false, Reason: ReasonMalformed}
	}

	text := string(data)
	for _, token := range pol.BannedTokens {
		if token != "" && strings.Contains(text, token) {
			return Verdict{Accepted: false, Reason: ReasonBanned}
		}
	}

	return Verdict{Accepted: true}
}
