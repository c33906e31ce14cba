// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// ErrorKind is the wire-level error discriminator returned to callers.
// Raw internal diagnostics (stack traces, sandbox detail) never leave the
// service; callers get the kind plus minimal context.
type ErrorKind string

const (
	// KindRateLimitExceeded means the caller exceeded the admission
	// ceiling. Recoverable after the window resets.
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"

	// KindDirectiveTooLarge means the directive violated a size bound.
	// Never retried internally; the caller must resubmit smaller input.
	KindDirectiveTooLarge ErrorKind = "directive_too_large"

	// KindDirectiveInvalid means the directive failed validation for a
	// reason other than size, currently a blank prompt. Kept distinct
	// from the size kind so an empty request is not reported as too
	// large.
	KindDirectiveInvalid ErrorKind = "directive_invalid"

	// KindGenerationExhausted means the loop ran to its cycle bound
	// without an accepted candidate. Terminal for that request.
	KindGenerationExhausted ErrorKind = "generation_exhausted"

	// KindCapabilityFailure means the underlying generator was
	// unavailable or faulted fatally. Surfaced distinctly from
	// exhaustion so operators can tell "tried and failed validation"
	// from "could not even attempt".
	KindCapabilityFailure ErrorKind = "generation_capability_failure"

	// KindInternal is the catch-all for unexpected failures.
	KindInternal ErrorKind = "internal"
)

// Sentinel errors for the recoverable-by-caller failure kinds.
var (
	ErrRateLimitExceeded = errors.New("admission ceiling exceeded for caller")
	ErrDirectiveTooLarge = errors.New("directive exceeds size bounds")
	ErrDirectiveInvalid  = errors.New("directive prompt is required")
)

// ExhaustedError reports that the retry loop consumed its full cycle
// budget without producing an accepted candidate.
type ExhaustedError struct {
	// Cycles is the number of generate/validate cycles consumed.
	Cycles int

	// LastReason is the rejection reason of the final cycle, if any.
	LastReason string
}

func (e *ExhaustedError) Error() string {
	if e.LastReason == "" {
		return fmt.Sprintf("generation exhausted after %d cycles", e.Cycles)
	}
	return fmt.Sprintf("generation exhausted after %d cycles (last rejection: %s)", e.Cycles, e.LastReason)
}

// CapabilityError reports a fatal fault of the generation capability or
// one of its collaborators. It is not counted against the retry budget.
type CapabilityError struct {
	Op  string
	Err error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("generation capability failure during %s: %v", e.Op, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// KindOf maps an error from the orchestration path onto its wire kind.
func KindOf(err error) ErrorKind {
	var exhausted *ExhaustedError
	var capability *CapabilityError
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimitExceeded
	case errors.Is(err, ErrDirectiveTooLarge):
		return KindDirectiveTooLarge
	case errors.Is(err, ErrDirectiveInvalid):
		return KindDirectiveInvalid
	case errors.As(err, &exhausted):
		return KindGenerationExhausted
	case errors.As(err, &capability):
		return KindCapabilityFailure
	default:
		return KindInternal
	}
}
