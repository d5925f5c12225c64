// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status             string `json:"status"`
	Uptime             string `json:"uptime"`
	UpstreamConfigured bool   `json:"upstream_configured"`
	StoreCached        bool   `json:"store_cached"`
}

// HealthHandler reports liveness. It never calls upstream.
type HealthHandler struct {
	started    time.Time
	configured func() bool
	stores     StoreResolver
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(configured func() bool, stores StoreResolver) *HealthHandler {
	if configured == nil {
		configured = func() bool { return false }
	}
	return &HealthHandler{started: time.Now(), configured: configured, stores: stores}
}

// HandleHealth always answers 200 while the process serves requests.
// A missing credential is reported, not treated as unhealthy.
func (h *HealthHandler) HandleHealth(c *gin.Context) {
	cached := false
	if h.stores != nil {
		_, cached = h.stores.Cached()
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:             "ok",
		Uptime:             time.Since(h.started).Round(time.Second).String(),
		UpstreamConfigured: h.configured(),
		StoreCached:        cached,
	})
}
