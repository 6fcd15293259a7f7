// Copyright (C) 2025 Pelagic AI (engineering@pelagicvoice.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the call engine service.
//
// # Webhook Authentication
//
// Event providers cannot carry bearer tokens; they deliver a shared
// secret in a configurable request header instead. The middleware
// compares it in constant time against the configured value.
//
// # Unconfigured Behavior
//
// When no secret is configured the middleware is a pass-through. This
// keeps local development and tests working without provisioning a
// secret; production deployments are expected to set one.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// WebhookAuth creates a Gin middleware that checks the shared webhook
// secret.
//
// # Description
//
// Reads the configured header from the request and compares it against
// the expected secret using a constant-time comparison. Requests with a
// missing or wrong secret are rejected with 401 before any event
// parsing happens.
//
// # Inputs
//
//   - header: Request header carrying the secret (e.g. "X-Webhook-Key").
//   - secret: Expected value. Empty disables enforcement entirely.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func WebhookAuth(header, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		presented := c.GetHeader(header)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}
