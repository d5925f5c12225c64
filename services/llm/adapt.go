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

import "strings"

// Texter is implemented by chunk types that expose their text via accessor.
type Texter interface {
	Text() string
}

// FragmentText extracts the text of one streamed chunk.
//
// # Description
//
// Upstream chunks expose text either as a plain field or through a
// zero-argument accessor, depending on the client generation that
// produced them. This is the single place that knows about both shapes.
// Everything downstream sees a plain string.
//
// # Inputs
//
//   - chunk: a string, a Texter, a *GenerateChunk, or a decoded JSON
//     object whose "text" member is a string or a func() string.
//
// # Outputs
//
//   - string: the fragment text, or "" when the chunk carries none.
//
// # Examples
//
//	FragmentText(map[string]any{"text": "VAT is 7.5%"})                // "VAT is 7.5%"
//	FragmentText(map[string]any{"text": func() string { return "x" }}) // "x"
func FragmentText(chunk any) string {
	switch v := chunk.(type) {
	case nil:
		return ""
	case string:
		return v
	case Texter:
		return v.Text()
	case map[string]any:
		switch text := v["text"].(type) {
		case string:
			return text
		case func() string:
			return text()
		}
		return ""
	default:
		return ""
	}
}

// GenerateChunk is one decoded SSE payload of a streaming call.
type GenerateChunk struct {
	Candidates []struct {
		Content      Content `json:"content"`
		FinishReason string  `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Text concatenates the text parts of the first candidate.
func (c *GenerateChunk) Text() string {
	if c == nil || len(c.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// storeDisplayName reads a store's display name from either the top-level
// field or the nested config object.
func storeDisplayName(raw map[string]any) string {
	if name, ok := raw["displayName"].(string); ok {
		return name
	}
	if cfg, ok := raw["config"].(map[string]any); ok {
		if name, ok := cfg["displayName"].(string); ok {
			return name
		}
	}
	return ""
}

// normalizeStore converts a decoded store record. ok is false when the
// record has no usable name.
func normalizeStore(raw map[string]any) (Store, bool) {
	name, _ := raw["name"].(string)
	if name == "" {
		return Store{}, false
	}
	return Store{Name: name, DisplayName: storeDisplayName(raw)}, true
}
