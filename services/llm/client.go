// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the client for the managed file-search generation service.
//
// It speaks the Gemini REST surface directly: file-search store management,
// document upload with long-running operations, and server-sent-event
// streaming generation. Non-2xx responses surface as *googleapi.Error so
// callers can classify them by HTTP status.
package llm

import (
	"context"
	"errors"
)

// ErrAPIKeyMissing is returned by every client method when no upstream
// credential is configured. No network traffic happens in that case.
var ErrAPIKeyMissing = errors.New("llm: GEMINI_API_KEY is not configured")

// StoreClient manages file-search stores.
type StoreClient interface {
	ListStores(ctx context.Context) ([]Store, error)
	CreateStore(ctx context.Context, displayName string) (Store, error)
	DeleteStore(ctx context.Context, name string, force bool) error
}

// StreamingClient opens streaming generation calls.
type StreamingClient interface {
	StreamGenerate(ctx context.Context, req GenerateRequest, callback StreamCallback) error
}

// UploadClient uploads documents into a store.
type UploadClient interface {
	UploadToStore(ctx context.Context, store string, req UploadRequest) (Operation, error)
	GetOperation(ctx context.Context, name string) (Operation, error)
}

// FileSearchClient is the full upstream surface.
type FileSearchClient interface {
	StoreClient
	StreamingClient
	UploadClient
	Configured() bool
}

// =============================================================================
// Stores and operations
// =============================================================================

// Store is a remote file-search store.
type Store struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

// Operation is a long-running upstream operation.
type Operation struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Error    *OperationError `json:"error,omitempty"`
	Response *UploadResult   `json:"response,omitempty"`
}

// OperationError is the status attached to a failed operation.
type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *OperationError) Error() string {
	if e.Message == "" {
		return "operation failed"
	}
	return e.Message
}

// UploadResult describes the document created by a finished upload.
type UploadResult struct {
	DocumentName string `json:"documentName,omitempty"`
	Name         string `json:"name,omitempty"`
	URI          string `json:"uri,omitempty"`
}

// UploadRequest is one file to upload.
type UploadRequest struct {
	DisplayName string
	MimeType    string
	Data        []byte
}

// =============================================================================
// Generation
// =============================================================================

// Part is one piece of content. Only text parts are used.
type Part struct {
	Text string `json:"text"`
}

// Content is one conversation turn.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// FileSearch binds generation to a set of stores.
type FileSearch struct {
	FileSearchStoreNames []string `json:"fileSearchStoreNames"`
}

// Tool is a generation tool binding.
type Tool struct {
	FileSearch *FileSearch `json:"fileSearch,omitempty"`
}

// GenerateRequest is the body of a streamGenerateContent call.
type GenerateRequest struct {
	Contents          []Content `json:"contents"`
	SystemInstruction *Content  `json:"systemInstruction,omitempty"`
	Tools             []Tool    `json:"tools,omitempty"`
}

// StreamEventType identifies what a StreamEvent carries.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is delivered to a StreamCallback for each upstream chunk.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives events in upstream order. Returning an error
// stops the stream and the error is returned from StreamGenerate.
type StreamCallback func(event StreamEvent) error
