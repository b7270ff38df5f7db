// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides Gin middleware for the orchestrator.
//
// # Request Correlation
//
// RequestID assigns every request an id, taken from the X-Request-ID header
// when the client sends a usable one. The id is echoed in the response
// header and stored in the Gin context, where handlers read it with
// GetRequestID and attach it to their logs and spans.
//
// # Example
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.RequestID())
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"

	// maxRequestIDLength bounds client-supplied ids so they cannot bloat
	// log lines.
	maxRequestIDLength = 128
)

// requestIDKey is the Gin context key for the request id.
const requestIDKey = "aleutian_request_id"

// =============================================================================
// Context Helpers
// =============================================================================

// SetRequestID stores id in the Gin context.
func SetRequestID(c *gin.Context, id string) {
	c.Set(requestIDKey, id)
}

// GetRequestID returns the id for this request.
//
// # Description
//
// Returns the id stored by the RequestID middleware. When the middleware
// did not run (handlers mounted directly in tests), the header value is
// used if usable, else a new id is generated and stored so later calls on
// the same context agree.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//
// # Outputs
//
//   - string: A non-empty request id.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetRequestID(c *gin.Context) string {
	if value, exists := c.Get(requestIDKey); exists {
		if id, ok := value.(string); ok && id != "" {
			return id
		}
	}
	id := resolveRequestID(c.GetHeader(RequestIDHeader))
	SetRequestID(c, id)
	return id
}

// =============================================================================
// Request ID Middleware
// =============================================================================

// RequestID creates a middleware that assigns and echoes request ids.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use with Gin.
//
// # Limitations
//
//   - Client ids are trusted as opaque labels. They are only checked for
//     length and printable ASCII.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := resolveRequestID(c.GetHeader(RequestIDHeader))
		SetRequestID(c, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// resolveRequestID returns header when it is a usable id, else a new UUID.
//
// # Examples
//
//	resolveRequestID("req-42")        // "req-42"
//	resolveRequestID("")              // new UUID
//	resolveRequestID("bad\nid")       // new UUID
func resolveRequestID(header string) string {
	if isUsableRequestID(header) {
		return header
	}
	return uuid.NewString()
}

func isUsableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
