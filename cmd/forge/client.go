// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// generateTimeout bounds one CLI generation request. The service loop
// can burn up to seven backend calls, so this is deliberately generous.
const generateTimeout = 5 * time.Minute

// apiClient talks to the forge service over HTTP.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: generateTimeout},
	}
}

// GenerateResult mirrors the service's success body.
type GenerateResult struct {
	Code      string `json:"code"`
	Cycles    int    `json:"cycles"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	Cached    bool   `json:"cached"`
}

// apiError carries the service's wire-level error kind.
type apiError struct {
	Status int
	Kind   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("service returned %d: %s", e.Status, e.Kind)
}

// Generate submits a directive and waits for the artifact.
func (c *apiClient) Generate(ctx context.Context, prompt, mission string) (*GenerateResult, error) {
	body, err := json.Marshal(map[string]string{
		"prompt":  prompt,
		"mission": mission,
	})
	if err != nil {
		return nil, err
	}

	var result GenerateResult
	if err := c.do(ctx, http.MethodPost, "/v1/generate", bytes.NewReader(body), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health checks the service.
func (c *apiClient) Health(ctx context.Context) error {
	var resp map[string]string
	return c.do(ctx, http.MethodGet, "/health", nil, &resp)
}

// CacheStats fetches the result cache counters.
func (c *apiClient) CacheStats(ctx context.Context) (map[string]int64, error) {
	var stats map[string]int64
	if err := c.do(ctx, http.MethodGet, "/v1/cache/stats", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach the forge service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var wire struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&wire)
		if wire.Error == "" {
			wire.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Kind: wire.Error}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
