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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/lexgate/services/gateway/handlers"
	"github.com/AleutianAI/lexgate/services/gateway/ratelimit"
	"github.com/AleutianAI/lexgate/services/gateway/relay"
	"github.com/AleutianAI/lexgate/services/gateway/storecache"
	"github.com/AleutianAI/lexgate/services/gateway/validation"
	"github.com/AleutianAI/lexgate/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(metrics http.Handler) *gin.Engine {
	// No key: every chat request fails fast with API_KEY_MISSING, which is
	// enough to prove the route reaches the chat handler.
	client := llm.NewGeminiClient(llm.GeminiConfig{BaseURL: "http://127.0.0.1:0"}, "")
	stores := storecache.New(client, storecache.Config{})
	chat := handlers.NewChatHandler(handlers.ChatDeps{
		Validator: validation.New(validation.DefaultLimits()),
		Limiter:   ratelimit.New(ratelimit.DefaultConfig()),
		Stores:    stores,
		Relay:     relay.New(client, relay.SystemInstruction),
	})
	router := gin.New()
	SetupRoutes(router, chat, handlers.NewHealthHandler(client.Configured, stores), metrics)
	return router
}

func TestSetupRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	router := newRouter(metrics)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodPost, "/chat", http.StatusServiceUnavailable},
		{http.MethodPost, "/api/chat", http.StatusServiceUnavailable},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/chat", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path,
				strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestSetupRoutes_MetricsDisabled(t *testing.T) {
	router := newRouter(nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
