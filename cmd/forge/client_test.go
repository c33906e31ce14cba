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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Success(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/generate", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "make a constant", body["prompt"])

		json.NewEncoder(w).Encode(GenerateResult{Code: "const a = 1;", Cycles: 2, Hash: "abc"})
	}))
	defer server.Close()

	client := newAPIClient(server.URL, "secret-token")
	result, err := client.Generate(context.Background(), "make a constant", "")

	require.NoError(t, err)
	assert.Equal(t, "const a = 1;", result.Code)
	assert.Equal(t, 2, result.Cycles)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestGenerate_ServiceErrorKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "generation_exhausted"})
	}))
	defer server.Close()

	client := newAPIClient(server.URL, "")
	_, err := client.Generate(context.Background(), "make a constant", "")

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "generation_exhausted", apiErr.Kind)
}

func TestGenerate_Unreachable(t *testing.T) {
	client := newAPIClient("http://127.0.0.1:1", "")

	_, err := client.Generate(context.Background(), "make a constant", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not reach the forge service")
}

func TestCacheStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/cache/stats", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]int64{"entries": 3, "hits": 7})
	}))
	defer server.Close()

	client := newAPIClient(server.URL, "")
	stats, err := client.CacheStats(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(3), stats["entries"])
	assert.Equal(t, int64(7), stats["hits"])
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: http://forge:9999\nlog_level: debug\n"), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://forge:9999", cfg.ServerURL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_MissingFileIsFine(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.ServerURL)
}

func TestResolveServerURL_Precedence(t *testing.T) {
	cfg := Config{ServerURL: "http://from-config"}

	assert.Equal(t, "http://from-flag", resolveServerURL("http://from-flag", cfg))

	t.Setenv("FORGE_SERVER_URL", "http://from-env")
	assert.Equal(t, "http://from-env", resolveServerURL("", cfg))

	t.Setenv("FORGE_SERVER_URL", "")
	assert.Equal(t, "http://from-config", resolveServerURL("", cfg))
	assert.Equal(t, defaultServerURL, resolveServerURL("", Config{}))
}
