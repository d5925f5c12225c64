// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lexgate/services/gateway/config"
	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
	"github.com/AleutianAI/lexgate/services/gateway/relay"
)

// =============================================================================
// Fake upstream
// =============================================================================

// fakeGemini serves the store and streaming endpoints the gateway uses.
type fakeGemini struct {
	t *testing.T

	lists   atomic.Int32
	creates atomic.Int32
	streams atomic.Int32

	mu        sync.Mutex
	store     string
	fragments []string
	// failAfter sends an in-stream error after this many fragments; <0 never.
	failAfter int
	lastBody  string
}

func newFakeGemini(t *testing.T, fragments ...string) (*fakeGemini, *httptest.Server) {
	f := &fakeGemini{t: t, fragments: fragments, failAfter: -1}
	server := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeGemini) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1beta/fileSearchStores":
		f.lists.Add(1)
		// Widen the window in which concurrent resolutions could overlap.
		time.Sleep(20 * time.Millisecond)
		f.mu.Lock()
		store := f.store
		f.mu.Unlock()
		if store == "" {
			_, _ = io.WriteString(w, `{}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"fileSearchStores":[{"name":%q,"displayName":%q}]}`, store, datatypes.KnowledgeBaseDisplayName)

	case r.Method == http.MethodPost && r.URL.Path == "/v1beta/fileSearchStores":
		n := f.creates.Add(1)
		f.mu.Lock()
		f.store = fmt.Sprintf("fileSearchStores/kb-%d", n)
		store := f.store
		f.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"name":%q,"displayName":%q}`, store, datatypes.KnowledgeBaseDisplayName)

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":streamGenerateContent"):
		f.streams.Add(1)
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lastBody = string(body)
		fragments, failAfter := f.fragments, f.failAfter
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		for i, text := range fragments {
			if i == failAfter {
				_, _ = io.WriteString(w, `data: {"error":{"code":500,"message":"backend failed","status":"INTERNAL"}}`+"\r\n\r\n")
				w.(http.Flusher).Flush()
				return
			}
			_, _ = fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":%q}]}}]}\r\n\r\n", text)
			w.(http.Flusher).Flush()
		}

	default:
		f.t.Errorf("unexpected upstream call %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func testConfig(upstream *httptest.Server, apiKey string) config.Config {
	cfg := config.Default()
	cfg.GeminiBaseURL = upstream.URL
	cfg.GeminiAPIKey = apiKey
	cfg.GinMode = "test"
	return cfg
}

func newTestService(t *testing.T, cfg config.Config, upstream *httptest.Server) (*service, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	svc, err := New(cfg, &Options{
		Logger:     slog.New(slog.NewJSONHandler(&logs, nil)),
		HTTPClient: upstream.Client(),
	})
	require.NoError(t, err)
	return svc.(*service), &logs
}

func postChat(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url+"/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

const question = `{"messages":[
	{"role":"user","content":"Who pays capital gains tax?"},
	{"role":"model","content":"Individuals and companies that dispose of chargeable assets."},
	{"role":"user","content":"At what rate?"}
]}`

// =============================================================================
// End-to-end Tests
// =============================================================================

func TestGateway_StreamsAnswerWithCompletionTrailer(t *testing.T) {
	fake, upstream := newFakeGemini(t, "Capital gains ", "tax is ", "10%.")
	svc, _ := newTestService(t, testConfig(upstream, "test-key"), upstream)
	server := httptest.NewServer(svc.Router())
	defer server.Close()

	res := postChat(t, server.URL, question)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Equal(t, "Capital gains tax is 10%.", string(body))
	assert.Equal(t, relay.StatusComplete, res.Trailer.Get(relay.StatusTrailer))

	assert.Equal(t, int32(1), fake.creates.Load())
	fake.mu.Lock()
	sent := fake.lastBody
	fake.mu.Unlock()
	assert.Contains(t, sent, "fileSearchStores/kb-1")
	assert.Contains(t, sent, "Nigerian")
}

func TestGateway_EleventhRequestIsRateLimited(t *testing.T) {
	fake, upstream := newFakeGemini(t, "ok")
	svc, _ := newTestService(t, testConfig(upstream, "test-key"), upstream)
	server := httptest.NewServer(svc.Router())
	defer server.Close()

	statuses := map[int]int{}
	var limited *http.Response
	for i := 0; i < 11; i++ {
		res := postChat(t, server.URL, question)
		_, _ = io.Copy(io.Discard, res.Body)
		statuses[res.StatusCode]++
		if res.StatusCode == http.StatusTooManyRequests {
			limited = res
		}
	}

	assert.Equal(t, map[int]int{http.StatusOK: 10, http.StatusTooManyRequests: 1}, statuses)
	require.NotNil(t, limited)
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))
	assert.Equal(t, int32(10), fake.streams.Load())
}

func TestGateway_MissingKeyAnswers503WithoutCallingUpstream(t *testing.T) {
	fake, upstream := newFakeGemini(t, "never")
	svc, logs := newTestService(t, testConfig(upstream, ""), upstream)
	server := httptest.NewServer(svc.Router())
	defer server.Close()

	res := postChat(t, server.URL, question)

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	var body datatypes.ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, datatypes.CodeAPIKeyMissing, body.Code)
	assert.Zero(t, fake.lists.Load()+fake.creates.Load()+fake.streams.Load())
	assert.Contains(t, logs.String(), "GEMINI_API_KEY is not set")
}

func TestGateway_UpstreamFailureMidStreamTruncatesResponse(t *testing.T) {
	fake, upstream := newFakeGemini(t, "Section 2 ", "imposes ", "unreached")
	fake.failAfter = 2
	svc, logs := newTestService(t, testConfig(upstream, "test-key"), upstream)
	server := httptest.NewServer(svc.Router())
	defer server.Close()

	res := postChat(t, server.URL, question)
	body, err := io.ReadAll(res.Body)

	assert.Equal(t, http.StatusOK, res.StatusCode, "status was committed with the first fragment")
	assert.Error(t, err, "client must observe the abort")
	assert.Equal(t, "Section 2 imposes ", string(body))
	assert.Empty(t, res.Trailer.Get(relay.StatusTrailer))
	assert.Contains(t, logs.String(), "Upstream stream failed after first fragment")
}

func TestGateway_ConcurrentFirstRequestsResolveStoreOnce(t *testing.T) {
	fake, upstream := newFakeGemini(t, "answer")
	svc, _ := newTestService(t, testConfig(upstream, "test-key"), upstream)
	server := httptest.NewServer(svc.Router())
	defer server.Close()

	const n = 8
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, server.URL+"/chat", strings.NewReader(question))
			req.Header.Set("Content-Type", "application/json")
			// Distinct clients so the limiter stays out of the way.
			req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Error(err)
				return
			}
			defer res.Body.Close()
			_, _ = io.Copy(io.Discard, res.Body)
			codes[i] = res.StatusCode
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		assert.Equal(t, http.StatusOK, code, "request %d", i)
	}
	assert.Equal(t, int32(1), fake.lists.Load())
	assert.Equal(t, int32(1), fake.creates.Load())
	handle, ok := svc.stores.Cached()
	require.True(t, ok)
	assert.Equal(t, "fileSearchStores/kb-1", handle.Name)
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	_, upstream := newFakeGemini(t, "x")
	svc, _ := newTestService(t, testConfig(upstream, "test-key"), upstream)
	server := httptest.NewServer(svc.Router())
	defer server.Close()

	res, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["upstream_configured"])

	_ = postChat(t, server.URL, `{"messages":[]}`)

	res, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	metrics, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(metrics), `lexgate_gateway_requests_total{code="VALIDATION_ERROR"} 1`)
}

func TestGateway_ServeShutsDownWhenContextEnds(t *testing.T) {
	_, upstream := newFakeGemini(t)
	svc, logs := newTestService(t, testConfig(upstream, "test-key"), upstream)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout):
		t.Fatal("serve did not return after cancellation")
	}
	assert.Contains(t, logs.String(), "Shutting down gateway")
}
