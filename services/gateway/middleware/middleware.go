// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the chat gateway.
//
//	Request
//	   │
//	   ▼
//	Recovery ── panics before first byte ─► 500 INTERNAL_ERROR JSON
//	   │        http.ErrAbortHandler     ─► re-panic, connection aborted
//	   ▼
//	RequestID ── X-Request-ID in, or a new UUID ─► context + response header
//	   │
//	   ▼
//	Handler (reads the id via GetRequestID)
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "lexgate_request_id"

// maxInboundIDLen bounds ids accepted from clients.
const maxInboundIDLen = 128

// RequestID assigns every request an id.
//
// A well-formed inbound X-Request-ID is kept so ids correlate across a
// proxy; otherwise a new UUID is generated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxInboundIDLen || !printableASCII(id) {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID, or "".
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// Recovery turns handler panics into a generic 500 reply.
//
// http.ErrAbortHandler is re-raised so net/http aborts the connection.
// Handlers use it to end a stream that already sent its status line.
// When the response is already committed, a panic can only be logged.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			logger.Error("Recovered from handler panic",
				"requestId", GetRequestID(c),
				"path", c.FullPath(),
				"panic", rec,
				"stack", string(debug.Stack()),
			)

			if c.Writer.Written() {
				c.Abort()
				panic(http.ErrAbortHandler)
			}
			code := datatypes.CodeInternalError
			c.AbortWithStatusJSON(code.Status(), datatypes.ErrorResponse{
				Error: "An unexpected error occurred. Please try again.",
				Code:  code,
			})
		}()
		c.Next()
	}
}

// AccessLog writes one structured line per request after it completes.
func AccessLog(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "HTTP request",
			"requestId", GetRequestID(c),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"latency", time.Since(start),
		)
	}
}
