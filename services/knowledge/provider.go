// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge retrieves supporting context for a mission string.
//
// The retry loop treats a Provider as a pure function mission -> context:
// repeated calls with the same mission within one loop run are assumed to
// return the same blob, and retrieval failures are propagated, never
// retried by the loop.
package knowledge

import (
	"context"
	"strings"
)

// Provider retrieves supporting knowledge for a mission.
type Provider interface {
	// GetContext returns the context blob for a mission. An empty
	// mission yields an empty blob and no error.
	GetContext(ctx context.Context, mission string) (string, error)
}

// StaticProvider serves context from a fixed in-memory table. It is the
// lightweight-mode provider used when no vector store is configured, and
// the default collaborator in tests.
type StaticProvider struct {
	entries map[string]string
}

// NewStaticProvider creates a provider over the given mission table.
// A nil table is valid and yields empty context for every mission.
func NewStaticProvider(entries map[string]string) *StaticProvider {
	return &StaticProvider{entries: entries}
}

// GetContext implements the Provider interface.
func (s *StaticProvider) GetContext(_ context.Context, mission string) (string, error) {
	mission = strings.TrimSpace(mission)
	if mission == "" || s.entries == nil {
		return "", nil
	}
	return s.entries[mission], nil
}
