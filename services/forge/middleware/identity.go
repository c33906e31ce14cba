// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the forge service.
//
// # Caller Identity
//
// The identity middleware derives a stable caller ID for admission
// control. Identity here is a fairness key, not an authentication
// decision: a caller presenting a bearer token is keyed by that token's
// fingerprint, everyone else is keyed by client IP.
//
//	Request
//	   │
//	   ▼
//	IdentityMiddleware
//	   │
//	   ├─► "Authorization: Bearer <token>" present?
//	   │        yes ─► caller ID = sha256(token) prefix
//	   │        no  ─► caller ID = client IP
//	   │
//	   └─► Store caller ID in context
//	           │
//	           ▼
//	       Handler (retrieves via GetCallerID)
package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gin-gonic/gin"
)

// callerIDKey is the context key for the derived caller identity.
const callerIDKey = "forge_caller_id"

// callerIDHexLen is how much of the token digest becomes the caller ID.
// 16 hex chars keeps labels short while leaving collisions implausible
// for admission purposes.
const callerIDHexLen = 16

// SetCallerID stores the caller identity in the Gin context.
func SetCallerID(c *gin.Context, id string) {
	c.Set(callerIDKey, id)
}

// GetCallerID retrieves the caller identity set by IdentityMiddleware.
// Falls back to the client IP when the middleware did not run.
func GetCallerID(c *gin.Context) string {
	if v, exists := c.Get(callerIDKey); exists {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return c.ClientIP()
}

// IdentityMiddleware creates a Gin middleware that derives the caller ID
// used for per-caller admission.
//
// A bearer token is never stored or logged raw; only a digest prefix is
// kept. Requests without a token share the client IP as their key, so
// co-located anonymous callers share one admission budget.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		if token != "" {
			sum := sha256.Sum256([]byte(token))
			SetCallerID(c, hex.EncodeToString(sum[:])[:callerIDHexLen])
		} else {
			SetCallerID(c, c.ClientIP())
		}

		c.Next()
	}
}

// extractBearerToken parses the Authorization header expecting
// "Bearer <token>". Returns empty string if missing or malformed.
// The "Bearer" prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
