// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianForge/services/sandbox/enforcement"
	"gopkg.in/yaml.v3"
)

// GuardPolicy is the rule set applied to a candidate artifact inside the
// sandbox. Loaded once per loop run; never mutated during the loop.
type GuardPolicy struct {
	// MaxSize is the artifact size ceiling in bytes.
	MaxSize int `yaml:"max_size"`

	// BudgetMs is the hard wall-clock budget for one validation in
	// milliseconds.
	BudgetMs int `yaml:"budget_ms"`

	// DeepStructural additionally parses candidates with tree-sitter.
	DeepStructural bool `yaml:"deep_structural"`

	// StructuralPrefixes are the declaration keywords a candidate may
	// begin with.
	StructuralPrefixes []string `yaml:"structural_prefixes"`

	// BannedTokens are substrings that reject a candidate outright.
	BannedTokens []string `yaml:"banned_tokens"`
}

// Budget returns the validation time budget as a duration.
func (p *GuardPolicy) Budget() time.Duration {
	if p.BudgetMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(p.BudgetMs) * time.Millisecond
}

// Validate checks the policy for internal consistency.
func (p *GuardPolicy) Validate() error {
	if p.MaxSize <= 0 {
		return fmt.Errorf("guard policy max_size must be positive, got %d", p.MaxSize)
	}
	if len(p.StructuralPrefixes) == 0 {
		return fmt.Errorf("guard policy requires at least one structural prefix")
	}
	return nil
}

// clone returns a deep copy. The sandbox copies the policy in alongside
// the candidate so a running check never shares memory with the
// orchestrator.
func (p *GuardPolicy) clone() *GuardPolicy {
	cp := *p
	cp.StructuralPrefixes = append([]string(nil), p.StructuralPrefixes...)
	cp.BannedTokens = append([]string(nil), p.BannedTokens...)
	return &cp
}

// ParsePolicy unmarshals and validates a guard policy document.
func ParsePolicy(data []byte) (*GuardPolicy, error) {
	var p GuardPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal guard policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// EmbeddedPolicy parses the guard policy baked into the binary.
func EmbeddedPolicy() (*GuardPolicy, error) {
	return ParsePolicy(enforcement.GenerationGuardPatterns)
}

// PolicyStore holds the active guard policy and supports atomic swaps,
// so a hot reload never tears a policy mid-validation.
type PolicyStore struct {
	active atomic.Pointer[GuardPolicy]
}

// NewPolicyStore creates a store seeded with the embedded policy, or with
// the file at overridePath when it is non-empty.
func NewPolicyStore(overridePath string) (*PolicyStore, error) {
	s := &PolicyStore{}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read guard policy override %s: %w", overridePath, err)
		}
		p, err := ParsePolicy(data)
		if err != nil {
			return nil, fmt.Errorf("invalid guard policy override %s: %w", overridePath, err)
		}
		s.active.Store(p)
		return s, nil
	}

	p, err := EmbeddedPolicy()
	if err != nil {
		return nil, err
	}
	s.active.Store(p)
	return s, nil
}

// Active returns the current policy. Callers must treat it as read-only.
func (s *PolicyStore) Active() *GuardPolicy {
	return s.active.Load()
}

// Swap installs a new policy atomically.
func (s *PolicyStore) Swap(p *GuardPolicy) {
	s.active.Store(p)
}
