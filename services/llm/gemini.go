// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/api/googleapi"
)

const (
	// DefaultBaseURL is the public Gemini API host.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	// DefaultModel supports the fileSearch tool.
	DefaultModel = "gemini-2.5-flash"

	apiVersion   = "v1beta"
	listPageSize = 20
)

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	// BaseURL is the API host without a version path. Default: DefaultBaseURL.
	BaseURL string
	// Model is the generation model id. Default: DefaultModel.
	Model string
	// HTTPClient overrides the traced default client.
	HTTPClient *http.Client
}

// GeminiClient talks to the Gemini REST API.
//
// The API key lives in a memguard enclave and is only decrypted while an
// outbound request is being built. A client built without a key reports
// Configured() == false and fails every call with ErrAPIKeyMissing.
type GeminiClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	key        *memguard.Enclave
}

// NewGeminiClient creates a client. apiKey may be empty.
func NewGeminiClient(cfg GeminiConfig, apiKey string) *GeminiClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.HTTPClient == nil {
		// No client timeout: streaming calls are bounded by the request context.
		cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	c := &GeminiClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: cfg.HTTPClient,
	}
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		c.key = memguard.NewEnclave([]byte(apiKey))
	}
	return c
}

// Configured reports whether an API key is present.
func (c *GeminiClient) Configured() bool {
	return c.key != nil
}

// Model returns the generation model id.
func (c *GeminiClient) Model() string {
	return c.model
}

// ListStores returns every store visible to the key, following pagination.
func (c *GeminiClient) ListStores(ctx context.Context) ([]Store, error) {
	var stores []Store
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("pageSize", fmt.Sprint(listPageSize))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page struct {
			FileSearchStores []map[string]any `json:"fileSearchStores"`
			NextPageToken    string           `json:"nextPageToken"`
		}
		if err := c.doJSON(ctx, http.MethodGet, c.apiURL("fileSearchStores")+"?"+q.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("listing file search stores: %w", err)
		}
		for _, raw := range page.FileSearchStores {
			if s, ok := normalizeStore(raw); ok {
				stores = append(stores, s)
			}
		}
		if page.NextPageToken == "" {
			return stores, nil
		}
		pageToken = page.NextPageToken
	}
}

// CreateStore creates a store with the given display name.
func (c *GeminiClient) CreateStore(ctx context.Context, displayName string) (Store, error) {
	var raw map[string]any
	body := map[string]string{"displayName": displayName}
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("fileSearchStores"), body, &raw); err != nil {
		return Store{}, fmt.Errorf("creating file search store: %w", err)
	}
	store, ok := normalizeStore(raw)
	if !ok {
		return Store{}, fmt.Errorf("creating file search store: response is missing a name")
	}
	if store.DisplayName == "" {
		store.DisplayName = displayName
	}
	return store, nil
}

// DeleteStore deletes a store. With force, documents inside it are deleted too.
func (c *GeminiClient) DeleteStore(ctx context.Context, name string, force bool) error {
	u := c.apiURL(name)
	if force {
		u += "?force=true"
	}
	if err := c.doJSON(ctx, http.MethodDelete, u, nil, nil); err != nil {
		return fmt.Errorf("deleting file search store %s: %w", name, err)
	}
	return nil
}

// UploadToStore uploads one document and returns the indexing operation.
func (c *GeminiClient) UploadToStore(ctx context.Context, store string, req UploadRequest) (Operation, error) {
	if c.key == nil {
		return Operation{}, ErrAPIKeyMissing
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := mw.CreatePart(metaHeader)
	if err != nil {
		return Operation{}, fmt.Errorf("building upload metadata: %w", err)
	}
	meta := map[string]string{"displayName": req.DisplayName, "mimeType": req.MimeType}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return Operation{}, fmt.Errorf("encoding upload metadata: %w", err)
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Type", req.MimeType)
	filePart, err := mw.CreatePart(fileHeader)
	if err != nil {
		return Operation{}, fmt.Errorf("building upload body: %w", err)
	}
	if _, err := filePart.Write(req.Data); err != nil {
		return Operation{}, fmt.Errorf("writing upload body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Operation{}, fmt.Errorf("closing upload body: %w", err)
	}

	u := fmt.Sprintf("%s/upload/%s/%s:uploadToFileSearchStore?uploadType=multipart", c.baseURL, apiVersion, store)
	httpReq, err := c.newRequest(ctx, http.MethodPost, u, &body)
	if err != nil {
		return Operation{}, err
	}
	httpReq.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())
	httpReq.Header.Set("X-Goog-Upload-Protocol", "multipart")

	var op Operation
	if err := c.do(httpReq, &op); err != nil {
		return Operation{}, fmt.Errorf("uploading %q: %w", req.DisplayName, err)
	}
	return op, nil
}

// GetOperation fetches the current state of a long-running operation.
func (c *GeminiClient) GetOperation(ctx context.Context, name string) (Operation, error) {
	var op Operation
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL(name), nil, &op); err != nil {
		return Operation{}, fmt.Errorf("getting operation %s: %w", name, err)
	}
	return op, nil
}

// =============================================================================
// Transport helpers
// =============================================================================

func (c *GeminiClient) apiURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, apiVersion, strings.TrimLeft(path, "/"))
}

// newRequest builds a request carrying the API key header.
func (c *GeminiClient) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	if c.key == nil {
		return nil, ErrAPIKeyMissing
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	key, err := c.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening api key enclave: %w", err)
	}
	req.Header.Set("x-goog-api-key", key.String())
	key.Destroy()

	return req, nil
}

func (c *GeminiClient) doJSON(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// do sends req. Non-2xx responses become *googleapi.Error.
func (c *GeminiClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var _ FileSearchClient = (*GeminiClient)(nil)
