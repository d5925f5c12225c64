// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/lexgate/services/gateway/handlers"
)

// SetupRoutes registers the gateway endpoints. metrics may be nil, in which
// case /metrics is not served.
func SetupRoutes(router *gin.Engine, chat *handlers.ChatHandler, health *handlers.HealthHandler,
	metrics http.Handler) {

	router.GET("/health", health.HandleHealth)

	router.POST("/chat", chat.HandleChat)
	// Older frontends post here.
	router.POST("/api/chat", chat.HandleChat)

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
}
