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
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *GuardPolicy {
	return &GuardPolicy{
		MaxSize:            1024,
		BudgetMs:           100,
		StructuralPrefixes: []string{"const", "let", "var", "function", "class", "export", "import"},
		BannedTokens:       []string{"eval", "document.write", "innerHTML"},
	}
}

// =============================================================================
// Verdict Tests
// =============================================================================

func TestValidate_Accepted(t *testing.T) {
	s := New()
	v, err := s.Validate(context.Background(), "const double = (x) => x * 2;", testPolicy())
	require.NoError(t, err)
	assert.True(t, v.Accepted)
	assert.Empty(t, v.Reason)
}

func TestValidate_Oversize(t *testing.T) {
	s := New()
	pol := testPolicy()
	pol.MaxSize = 16

	// Structurally valid and token-clean, but over the size ceiling:
	// oversize must still win because the size check runs first.
	candidate := "const filler = \"" + strings.Repeat("a", 64) + "\";"
	v, err := s.Validate(context.Background(), candidate, pol)
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, ReasonOversize, v.Reason)
}

func TestValidate_MalformedStructure(t *testing.T) {
	s := New()
	tests := []struct {
		name      string
		candidate string
	}{
		{"no declaration keyword", "x = 5;"},
		{"empty candidate", ""},
		{"whitespace only", "   \n\t  "},
		{"keyword as identifier prefix", "constant = 5;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := s.Validate(context.Background(), tt.candidate, testPolicy())
			require.NoError(t, err)
			assert.False(t, v.Accepted)
			assert.Equal(t, ReasonMalformed, v.Reason)
		})
	}
}

func TestValidate_BannedToken(t *testing.T) {
	s := New()

	// Passes size and structure; the denylist check must still fire.
	v, err := s.Validate(context.Background(), "const run = (s) => eval(s);", testPolicy())
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, ReasonBanned, v.Reason)
}

func TestValidate_LeadingWhitespaceAllowed(t *testing.T) {
	s := New()
	v, err := s.Validate(context.Background(), "\n\n  const x = 1;", testPolicy())
	require.NoError(t, err)
	assert.True(t, v.Accepted)
}

// TestValidate_CheckOrdering verifies the deterministic short-circuit
// order: size before structure before denylist.
func TestValidate_CheckOrdering(t *testing.T) {
	s := New()
	pol := testPolicy()
	pol.MaxSize = 8

	// Oversize AND malformed AND token-bearing: oversize wins.
	v, err := s.Validate(context.Background(), "x = eval('1 + 1') // padded out", pol)
	require.NoError(t, err)
	assert.Equal(t, ReasonOversize, v.Reason)

	// Malformed AND token-bearing, within size: malformed wins.
	pol.MaxSize = 1024
	v, err = s.Validate(context.Background(), "x = eval('1 + 1')", pol)
	require.NoError(t, err)
	assert.Equal(t, ReasonMalformed, v.Reason)
}

func TestValidate_DeepStructural(t *testing.T) {
	s := New()
	pol := testPolicy()
	pol.DeepStructural = true

	v, err := s.Validate(context.Background(), "const add = (a, b) => a + b;", pol)
	require.NoError(t, err)
	assert.True(t, v.Accepted)

	// Starts with a declaration keyword, so the shallow check passes,
	// but the parse has an error node.
	v, err = s.Validate(context.Background(), "const broken = (a, {{;", pol)
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, ReasonMalformed, v.Reason)
}

// TestValidate_TimeoutVerdict pins the budget-overrun path: a check that
// cannot finish inside the wall-clock budget yields the timeout verdict,
// not a fault and not a hang. A millisecond budget against a multi-
// megabyte deep parse guarantees the deadline fires first.
func TestValidate_TimeoutVerdict(t *testing.T) {
	s := New()
	pol := testPolicy()
	pol.BudgetMs = 1
	pol.DeepStructural = true
	pol.MaxSize = 16 << 20

	// Shallow-valid so the cheap checks pass and the run reaches the
	// parser with nearly the whole budget already spent.
	candidate := "function f() {\n" + strings.Repeat("  const v = { a: [1, 2, 3], b: (x) => x + 1 };\n", 100000) + "}\n"

	done := make(chan struct{})
	var v Verdict
	var err error
	go func() {
		v, err = s.Validate(context.Background(), candidate, pol)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Validate did not return after the budget elapsed")
	}

	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, ReasonTimeout, v.Reason)
}

// =============================================================================
// Policy Tests
// =============================================================================

func TestEmbeddedPolicy(t *testing.T) {
	p, err := EmbeddedPolicy()
	require.NoError(t, err)
	assert.Positive(t, p.MaxSize)
	assert.NotEmpty(t, p.StructuralPrefixes)
	assert.Contains(t, p.BannedTokens, "eval")
}

func TestParsePolicy_Invalid(t *testing.T) {
	_, err := ParsePolicy([]byte("max_size: -1\nstructural_prefixes: [const]"))
	assert.Error(t, err)

	_, err = ParsePolicy([]byte("max_size: 100"))
	assert.Error(t, err, "policy without structural prefixes must be rejected")

	_, err = ParsePolicy([]byte("{not yaml"))
	assert.Error(t, err)
}

func TestPolicyStore_Swap(t *testing.T) {
	store, err := NewPolicyStore("")
	require.NoError(t, err)

	first := store.Active()
	require.NotNil(t, first)

	override := testPolicy()
	override.MaxSize = 42
	store.Swap(override)
	assert.Equal(t, 42, store.Active().MaxSize)
}

func TestGuardPolicy_CloneIsDeep(t *testing.T) {
	p := testPolicy()
	cp := p.clone()
	cp.BannedTokens[0] = "mutated"
	cp.StructuralPrefixes[0] = "mutated"

	assert.Equal(t, "eval", p.BannedTokens[0])
	assert.Equal(t, "const", p.StructuralPrefixes[0])
}
