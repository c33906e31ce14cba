// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the forge service.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
	"github.com/AleutianAI/AleutianForge/services/forge/middleware"
	"github.com/AleutianAI/AleutianForge/services/forge/services"
)

var generateTracer = otel.Tracer("forge.handlers")

// GenerateRequest is the POST /v1/generate body.
type GenerateRequest struct {
	Prompt  string `json:"prompt"`
	Mission string `json:"mission,omitempty"`
}

// GenerateResponse is the success body. Cached reports whether the
// artifact was served from the memoization cache.
type GenerateResponse struct {
	Code      string `json:"code"`
	Cycles    int    `json:"cycles"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	Cached    bool   `json:"cached"`
}

// HandleGenerate creates the handler for POST /v1/generate.
//
// Status mapping:
//
//	400 directive_invalid
//	413 directive_too_large
//	429 rate_limit_exceeded
//	422 generation_exhausted
//	502 generation_capability_failure
//	500 internal
//
// Error bodies carry only the kind; internal diagnostics stay in logs and
// traces.
func HandleGenerate(svc *services.GenerationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := generateTracer.Start(c.Request.Context(), "HandleGenerate")
		defer span.End()

		var req GenerateRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse generate request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		d := datatypes.Directive{Prompt: req.Prompt, Mission: req.Mission}
		callerID := middleware.GetCallerID(c)

		result, cached, err := svc.Generate(ctx, callerID, d)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			writeGenerationError(c, callerID, err)
			return
		}

		c.JSON(http.StatusOK, GenerateResponse{
			Code:      result.Code,
			Cycles:    result.Cycles,
			Hash:      result.Hash,
			Timestamp: result.Timestamp,
			Cached:    cached,
		})
	}
}

// writeGenerationError maps a pipeline error onto its HTTP status and
// wire-level kind.
func writeGenerationError(c *gin.Context, callerID string, err error) {
	kind := datatypes.KindOf(err)

	switch kind {
	case datatypes.KindDirectiveInvalid:
		c.JSON(http.StatusBadRequest, gin.H{"error": string(kind)})
	case datatypes.KindDirectiveTooLarge:
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": string(kind)})
	case datatypes.KindRateLimitExceeded:
		slog.Warn("Request refused at admission", "caller_id", callerID)
		c.JSON(http.StatusTooManyRequests, gin.H{"error": string(kind)})
	case datatypes.KindGenerationExhausted:
		slog.Warn("Generation exhausted", "caller_id", callerID, "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": string(kind)})
	case datatypes.KindCapabilityFailure:
		slog.Error("Generation capability failure", "caller_id", callerID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": string(kind)})
	default:
		slog.Error("Unexpected generation failure", "caller_id", callerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(datatypes.KindInternal)})
	}
}

// HandleCacheStats creates the handler for GET /v1/cache/stats.
func HandleCacheStats(svc *services.GenerationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := svc.CacheStats()
		c.JSON(http.StatusOK, gin.H{
			"entries":   stats.Entries,
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"warm_hits": stats.WarmHits,
			"collapsed": stats.Collapsed,
			"computes":  stats.Computes,
		})
	}
}

// HealthCheck responds to GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
