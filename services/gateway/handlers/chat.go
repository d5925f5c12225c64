// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP endpoints.
//
// # Chat pipeline
//
//	POST /chat
//	   │
//	   ├─► validation.ValidateRequest   400 / 413
//	   ├─► ratelimit.Admit              429 + Retry-After
//	   ├─► storecache.Resolve           503 / 402 / 500
//	   └─► relay.Stream                 200 text/plain, flushed per fragment
//	           │
//	           ├─ error before first fragment ─► classified JSON reply
//	           └─ error after first fragment  ─► connection aborted
//
// Every failure is classified once, here, by errclass.Classify.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"

	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
	"github.com/AleutianAI/lexgate/services/gateway/errclass"
	"github.com/AleutianAI/lexgate/services/gateway/middleware"
	"github.com/AleutianAI/lexgate/services/gateway/observability"
	"github.com/AleutianAI/lexgate/services/gateway/ratelimit"
	"github.com/AleutianAI/lexgate/services/gateway/relay"
	"github.com/AleutianAI/lexgate/services/gateway/validation"
)

// StoreResolver resolves the knowledge base store handle.
type StoreResolver interface {
	Resolve(ctx context.Context) (datatypes.StoreHandle, error)
	Cached() (datatypes.StoreHandle, bool)
	Reset()
}

// ChatDeps are the collaborators of ChatHandler.
type ChatDeps struct {
	Validator *validation.Validator
	Limiter   *ratelimit.Limiter
	Stores    StoreResolver
	Relay     *relay.Relay
	// Metrics may be nil.
	Metrics *observability.GatewayMetrics
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// RequestTimeout bounds the whole pipeline including streaming.
	// Zero disables the bound.
	RequestTimeout time.Duration
}

// ChatHandler serves POST /chat.
type ChatHandler struct {
	deps   ChatDeps
	tracer trace.Tracer
}

// NewChatHandler creates a ChatHandler. It panics on missing collaborators.
func NewChatHandler(deps ChatDeps) *ChatHandler {
	if deps.Validator == nil {
		panic("NewChatHandler: Validator must not be nil")
	}
	if deps.Limiter == nil {
		panic("NewChatHandler: Limiter must not be nil")
	}
	if deps.Stores == nil {
		panic("NewChatHandler: Stores must not be nil")
	}
	if deps.Relay == nil {
		panic("NewChatHandler: Relay must not be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &ChatHandler{
		deps:   deps,
		tracer: otel.Tracer("lexgate.gateway.handlers"),
	}
}

// HandleChat answers one conversation turn as a plain-text stream.
//
// # Description
//
// The stages run strictly in order: validation, admission, store
// resolution, then the upstream call. No response byte is written until the
// first fragment arrives, so every failure up to that point becomes a JSON
// error reply with its classified status.
//
// Once a fragment has been written the status line is committed. A later
// failure aborts the connection via http.ErrAbortHandler; the client sees a
// truncated body without the X-Stream-Status trailer.
//
// # Limitations
//
//   - Requires middleware.Recovery (or no recovery) in the chain: a recovery
//     that swallows http.ErrAbortHandler would turn an abort into a clean end.
func (h *ChatHandler) HandleChat(c *gin.Context) {
	start := time.Now()
	ctx, span := h.tracer.Start(c.Request.Context(), "ChatHandler.HandleChat")
	defer span.End()

	requestID := middleware.GetRequestID(c)
	clientKey := ratelimit.ClientKey(c.Request)
	logger := h.deps.Logger.With("requestId", requestID, "clientKey", clientKey)

	// Step 1: validate
	req, bodyBytes, err := h.deps.Validator.ValidateRequest(c.Request)
	if err != nil {
		h.fail(c, span, logger, err, "bodyBytes", bodyBytes)
		return
	}
	span.SetAttributes(attribute.Int("chat.messages", len(req.Messages)), attribute.Int("chat.body_bytes", bodyBytes))
	logger = logger.With("messages", len(req.Messages), "bodyBytes", bodyBytes)

	// Step 2: admit
	decision := h.deps.Limiter.Admit(clientKey)
	if !decision.Allowed {
		h.rejectRateLimited(c, span, logger, decision)
		return
	}

	if h.deps.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.deps.RequestTimeout)
		defer cancel()
	}

	// Step 3: resolve the store
	store, err := h.deps.Stores.Resolve(ctx)
	if err != nil {
		h.fail(c, span, logger, err)
		return
	}

	// Step 4: relay
	out, err := relay.NewWriter(c.Writer)
	if err != nil {
		h.fail(c, span, logger, err)
		return
	}

	h.deps.Metrics.StreamStarted()
	err = h.deps.Relay.Stream(ctx, req, store, out)
	stats := out.Stats()

	switch {
	case err == nil:
		h.deps.Metrics.StreamEnded(observability.StreamComplete, start, stats.FirstFragmentAt, stats.Fragments)
		h.deps.Metrics.RecordRequest("")
		logger.Info("Chat stream complete",
			"fragments", stats.Fragments, "bytes", stats.Bytes, "duration", time.Since(start))
		return

	case !out.Started():
		h.deps.Metrics.StreamEnded(observability.StreamAborted, start, stats.FirstFragmentAt, stats.Fragments)
		if isStoreNotFound(err) {
			// The store was deleted out of band. Forget it so the next
			// request resolves (and recreates) it.
			h.deps.Stores.Reset()
			logger.Warn("Cached store no longer exists upstream; cache reset", "store", store.Name)
		}
		h.fail(c, span, logger, err)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "stream aborted")
	if c.Request.Context().Err() != nil {
		h.deps.Metrics.StreamEnded(observability.StreamCancelled, start, stats.FirstFragmentAt, stats.Fragments)
		logger.Info("Client disconnected mid-stream", "fragments", stats.Fragments)
	} else {
		h.deps.Metrics.StreamEnded(observability.StreamAborted, start, stats.FirstFragmentAt, stats.Fragments)
		logger.Error("Upstream stream failed after first fragment",
			"error", err, "fragments", stats.Fragments, "bytes", stats.Bytes)
	}
	h.deps.Metrics.RecordRequest(datatypes.CodeInternalError)
	panic(http.ErrAbortHandler)
}

// fail classifies err and writes the JSON error reply.
func (h *ChatHandler) fail(c *gin.Context, span trace.Span, logger *slog.Logger, err error, attrs ...any) {
	res := errclass.Classify(err)
	h.deps.Metrics.RecordRequest(res.Code)

	span.SetAttributes(attribute.String("chat.error_code", string(res.Code)))
	var verr *validation.Error
	if errors.As(err, &verr) {
		logger.Warn("Rejected chat request", append(attrs, "code", res.Code, "reason", verr.Message)...)
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.Code))
		logger.Error("Chat request failed", append(attrs, "code", res.Code, "status", res.Status, "error", err)...)
	}

	c.AbortWithStatusJSON(res.Status, res.Response())
}

func (h *ChatHandler) rejectRateLimited(c *gin.Context, span trace.Span, logger *slog.Logger, d ratelimit.Decision) {
	h.deps.Metrics.RecordRateLimited()
	h.deps.Metrics.RecordRequest(datatypes.CodeRateLimit)
	span.SetAttributes(attribute.String("chat.error_code", string(datatypes.CodeRateLimit)))
	logger.Warn("Rate limit exceeded", "retryAfter", d.RetryAfter)

	retryAfter := d.RetryAfter
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
		Error:      "Too many requests. Please wait before sending another message.",
		Code:       datatypes.CodeRateLimit,
		RetryAfter: &retryAfter,
	})
}

func isStoreNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
