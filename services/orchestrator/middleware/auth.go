// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header and compares it against the configured static token:
//
//	Request
//	   │
//	   ▼
//	BearerAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   └─► Constant-time compare against configured token
//	           │
//	           ▼
//	       Handler
//
// When no token is configured the middleware is a no-op, so local
// deployments work without any authentication infrastructure.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerAuth returns middleware requiring "Authorization: Bearer <token>"
// on every request.
//
// # Description
//
// Guards the API with a single static token, typically injected through
// the ORCHESTRATOR_API_TOKEN environment variable. An empty token
// disables the check entirely.
//
// # Inputs
//
//   - token: The expected bearer token. Empty disables authentication.
//
// # Limitations
//
//   - Single shared token, no per-user identity.
//   - Callers must deploy behind TLS; the token travels in cleartext
//     otherwise.
func BearerAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": "missing bearer token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
