// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the core data model for the Forge generation
// service: directives, fingerprints, finalized results, and the error
// taxonomy surfaced to callers.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxPromptRunes is the upper bound on prompt length in code points.
	MaxPromptRunes = 200

	// MaxMissionRunes is the upper bound on mission length in code points.
	MaxMissionRunes = 100
)

// validate is the shared validator instance. The "max" tag counts runes
// for string fields, which matches the code-point bounds we enforce.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Directive is the caller-supplied generation request. Both fields are
// opaque untrusted text: they are never interpolated into an executable
// context without passing through the validation sandbox.
type Directive struct {
	Prompt  string `json:"prompt" validate:"required,max=200"`
	Mission string `json:"mission,omitempty" validate:"max=100"`
}

// Validate checks the directive bounds.
//
// A blank prompt returns ErrDirectiveInvalid; a field over its code-point
// bound returns ErrDirectiveTooLarge.
func (d Directive) Validate() error {
	if strings.TrimSpace(d.Prompt) == "" {
		return ErrDirectiveInvalid
	}
	if err := validate.Struct(d); err != nil {
		return ErrDirectiveTooLarge
	}
	return nil
}

// Fingerprint is a fixed-width digest of a normalized directive. It is a
// cache key only, never a security credential.
type Fingerprint string

// ComputeFingerprint derives the deterministic fingerprint for a directive.
// Identical directive text always yields an identical fingerprint.
//
// Normalization trims surrounding whitespace from both fields; a unit
// separator keeps (prompt="a b", mission="") distinct from
// (prompt="a", mission="b").
func ComputeFingerprint(d Directive) Fingerprint {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(d.Prompt)))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.TrimSpace(d.Mission)))
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
