// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the wire types of the chat gateway.
package datatypes

// =============================================================================
// Constants
// =============================================================================

const (
	// RoleUser marks a turn written by the person asking.
	RoleUser = "user"
	// RoleModel marks a turn previously produced by the model.
	RoleModel = "model"

	// KnowledgeBaseDisplayName is the display name of the single remote
	// file-search store the gateway answers from.
	KnowledgeBaseDisplayName = "Tax Law Knowledge Base"

	// DefaultMaxRequestBytes is the default byte cap on a request body.
	DefaultMaxRequestBytes = 100 * 1024
	// DefaultMaxMessages is the default maximum transcript length.
	DefaultMaxMessages = 50
	// DefaultMaxMessageChars is the default per-message cap in code points.
	DefaultMaxMessageChars = 2000
)

// =============================================================================
// Request Types
// =============================================================================

// ChatMessage is one turn of a conversation.
//
// # Fields
//
//   - Role: "user" or "model".
//   - Content: the turn's text, at most the configured number of code points.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationRequest is the body of POST /chat.
//
// # Description
//
// Messages are ordered oldest first. The final element is the new user turn;
// everything before it is history. The gateway keeps no conversation state,
// so clients resend the whole transcript on every call.
//
// # Examples
//
//	{"messages":[
//	  {"role":"user","content":"What is the VAT rate?"},
//	  {"role":"model","content":"7.5% under the Finance Act 2019."},
//	  {"role":"user","content":"Which goods are exempt?"}
//	]}
type ConversationRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// History returns every message except the last.
func (r ConversationRequest) History() []ChatMessage {
	if len(r.Messages) == 0 {
		return nil
	}
	return r.Messages[:len(r.Messages)-1]
}

// Latest returns the final message. Callers must have validated the request.
func (r ConversationRequest) Latest() ChatMessage {
	return r.Messages[len(r.Messages)-1]
}

// StoreHandle identifies the resolved remote knowledge-base collection.
type StoreHandle struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// IsZero reports whether the handle is unresolved.
func (h StoreHandle) IsZero() bool {
	return h.Name == ""
}
