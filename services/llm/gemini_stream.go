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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// maxEventBytes bounds a single SSE event. Grounded chunks carry citation
// metadata and can be much larger than their text.
const maxEventBytes = 4 << 20

// StreamGenerate opens a streaming generation call and delivers each
// non-empty text fragment to callback, in order.
//
// # Description
//
// The call uses the SSE variant of streamGenerateContent. Each event's data
// is decoded as a GenerateChunk and reduced to text with FragmentText.
// Chunks without text (citation-only or finish markers) are skipped.
//
// An error payload inside the stream is reported to callback as a
// StreamEventError and returned as *googleapi.Error. A non-2xx status on
// the initial response is returned before any event is delivered.
//
// # Inputs
//
//   - ctx: cancelling ctx aborts the HTTP request and closes the body.
//   - req: contents, system instruction, and tools.
//   - callback: called once per fragment. Its error stops the stream.
//
// # Outputs
//
//   - error: nil when the upstream sequence ended normally.
func (c *GeminiClient) StreamGenerate(ctx context.Context, req GenerateRequest, callback StreamCallback) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	u := c.apiURL(fmt.Sprintf("models/%s:streamGenerateContent", c.model)) + "?alt=sse"
	httpReq, err := c.newRequest(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("opening generation stream: %w", err)
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)

	var event bytes.Buffer
	for scanner.Scan() {
		line := scanner.Bytes()

		if len(line) == 0 {
			if err := c.dispatch(event.Bytes(), callback); err != nil {
				return err
			}
			event.Reset()
			continue
		}

		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			// event:, id:, retry: and comments carry nothing we use.
			continue
		}
		if event.Len() > 0 {
			event.WriteByte('\n')
		}
		event.Write(bytes.TrimPrefix(payload, []byte(" ")))
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("reading generation stream: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	// A final event without a trailing blank line.
	return c.dispatch(event.Bytes(), callback)
}

func (c *GeminiClient) dispatch(data []byte, callback StreamCallback) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	var chunk GenerateChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return fmt.Errorf("decoding stream chunk: %w", err)
	}

	if chunk.Error != nil {
		_ = callback(StreamEvent{Type: StreamEventError, Error: chunk.Error.Message})
		return &googleapi.Error{Code: chunk.Error.Code, Message: chunk.Error.Message}
	}

	text := FragmentText(&chunk)
	if text == "" {
		return nil
	}
	return callback(StreamEvent{Type: StreamEventToken, Content: text})
}
