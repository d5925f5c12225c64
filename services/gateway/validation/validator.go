// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation parses and bounds-checks chat request bodies.
//
// Checks run in a fixed order and the first failure wins:
//
//  1. content type is JSON                  INVALID_CONTENT_TYPE
//  2. declared and actual size within cap   PAYLOAD_TOO_LARGE
//  3. body is an object with "messages"     INVALID_JSON
//  4. messages is a bounded, non-empty list VALIDATION_ERROR
//  5. each message has a valid role/content VALIDATION_ERROR
//  6. the last message has text             MISSING_MESSAGE
//
// Everything here is pure. Nothing is logged and no shared state is touched.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
)

// Error is a client-input failure carrying its response code.
type Error struct {
	Code    datatypes.ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP status for the error's code.
func (e *Error) Status() int {
	return e.Code.Status()
}

func fail(code datatypes.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Limits bounds a request.
type Limits struct {
	MaxBytes        int64
	MaxMessages     int
	MaxMessageChars int
}

// DefaultLimits returns 100 KiB, 50 messages, 2000 characters.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:        datatypes.DefaultMaxRequestBytes,
		MaxMessages:     datatypes.DefaultMaxMessages,
		MaxMessageChars: datatypes.DefaultMaxMessageChars,
	}
}

// Validator applies Limits to incoming requests. Safe for concurrent use.
type Validator struct {
	limits Limits
	v      *validator.Validate
}

// New creates a Validator. Non-positive limits take their defaults.
func New(limits Limits) *Validator {
	def := DefaultLimits()
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = def.MaxBytes
	}
	if limits.MaxMessages <= 0 {
		limits.MaxMessages = def.MaxMessages
	}
	if limits.MaxMessageChars <= 0 {
		limits.MaxMessageChars = def.MaxMessageChars
	}
	return &Validator{limits: limits, v: validator.New()}
}

// Limits returns the effective limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// ValidateRequest runs every check against an HTTP request.
//
// # Description
//
// The header checks (content type, Content-Length) run before any body byte
// is read. The body is then read through a reader capped one byte past the
// limit, so an absent or understated Content-Length cannot make the gateway
// buffer more than MaxBytes+1 bytes.
//
// # Outputs
//
//   - datatypes.ConversationRequest: the parsed request.
//   - int: number of body bytes read, for logging.
//   - error: a *Error for client-input failures, or a read error.
func (v *Validator) ValidateRequest(r *http.Request) (datatypes.ConversationRequest, int, error) {
	if err := v.CheckContentType(r.Header.Get("Content-Type")); err != nil {
		return datatypes.ConversationRequest{}, 0, err
	}
	if err := v.CheckDeclaredLength(r.ContentLength); err != nil {
		return datatypes.ConversationRequest{}, 0, err
	}

	body, err := v.ReadBody(r.Body)
	if err != nil {
		return datatypes.ConversationRequest{}, len(body), err
	}

	req, err := v.Parse(body)
	return req, len(body), err
}

// Validate runs every check against an already-read body.
// declaredLength is the Content-Length header value, or -1 when absent.
func (v *Validator) Validate(body []byte, contentType string, declaredLength int64) (datatypes.ConversationRequest, error) {
	if err := v.CheckContentType(contentType); err != nil {
		return datatypes.ConversationRequest{}, err
	}
	if err := v.CheckDeclaredLength(declaredLength); err != nil {
		return datatypes.ConversationRequest{}, err
	}
	if int64(len(body)) > v.limits.MaxBytes {
		return datatypes.ConversationRequest{}, v.tooLarge()
	}
	return v.Parse(body)
}

// CheckContentType accepts application/json and any +json media type.
func (v *Validator) CheckContentType(contentType string) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || (mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json")) {
		return fail(datatypes.CodeInvalidContentType, "Content-Type must be application/json")
	}
	return nil
}

// CheckDeclaredLength is the advisory pre-read check. Negative means unknown.
func (v *Validator) CheckDeclaredLength(declared int64) error {
	if declared > v.limits.MaxBytes {
		return v.tooLarge()
	}
	return nil
}

// ReadBody reads at most MaxBytes+1 bytes and fails if the limit is exceeded.
func (v *Validator) ReadBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, v.limits.MaxBytes+1))
	if err != nil {
		return data, fmt.Errorf("reading request body: %w", err)
	}
	if int64(len(data)) > v.limits.MaxBytes {
		return data, v.tooLarge()
	}
	return data, nil
}

func (v *Validator) tooLarge() *Error {
	return fail(datatypes.CodePayloadTooLarge, "Request body exceeds %d KB limit", v.limits.MaxBytes/1024)
}

// Parse checks structure and bounds of a body that already passed the size check.
func (v *Validator) Parse(body []byte) (datatypes.ConversationRequest, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil || envelope == nil {
		return datatypes.ConversationRequest{}, fail(datatypes.CodeInvalidJSON, "Request body must be a JSON object")
	}
	rawMessages, ok := envelope["messages"]
	if !ok {
		return datatypes.ConversationRequest{}, fail(datatypes.CodeInvalidJSON, "Request body must contain a messages field")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rawMessages, &items); err != nil || items == nil {
		return datatypes.ConversationRequest{}, fail(datatypes.CodeValidationError, "messages must be an array")
	}
	if len(items) == 0 {
		return datatypes.ConversationRequest{}, fail(datatypes.CodeValidationError, "messages must not be empty")
	}
	if len(items) > v.limits.MaxMessages {
		return datatypes.ConversationRequest{}, fail(datatypes.CodeValidationError,
			"Too many messages: %d exceeds the maximum of %d", len(items), v.limits.MaxMessages)
	}

	messages := make([]datatypes.ChatMessage, 0, len(items))
	for i, item := range items {
		msg, err := v.parseMessage(i, item)
		if err != nil {
			return datatypes.ConversationRequest{}, err
		}
		messages = append(messages, msg)
	}

	if strings.TrimSpace(messages[len(messages)-1].Content) == "" {
		return datatypes.ConversationRequest{}, fail(datatypes.CodeMissingMessage, "The last message must not be empty")
	}

	return datatypes.ConversationRequest{Messages: messages}, nil
}

func (v *Validator) parseMessage(i int, raw json.RawMessage) (datatypes.ChatMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return datatypes.ChatMessage{}, fail(datatypes.CodeValidationError, "messages[%d] must be an object", i)
	}

	var msg datatypes.ChatMessage
	if err := json.Unmarshal(fields["role"], &msg.Role); err != nil {
		return datatypes.ChatMessage{}, fail(datatypes.CodeValidationError, "messages[%d].role must be a string", i)
	}
	if err := v.v.Var(msg.Role, "oneof=user model"); err != nil {
		return datatypes.ChatMessage{}, fail(datatypes.CodeValidationError,
			"messages[%d].role must be %q or %q", i, datatypes.RoleUser, datatypes.RoleModel)
	}

	// null decodes into a nil pointer without error.
	var content *string
	if err := json.Unmarshal(fields["content"], &content); err != nil || content == nil {
		return datatypes.ChatMessage{}, fail(datatypes.CodeValidationError, "messages[%d].content must be a string", i)
	}
	msg.Content = *content
	// max on a string counts code points, not bytes.
	if err := v.v.Var(msg.Content, fmt.Sprintf("max=%d", v.limits.MaxMessageChars)); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return datatypes.ChatMessage{}, fmt.Errorf("validating messages[%d].content: %w", i, err)
		}
		return datatypes.ChatMessage{}, fail(datatypes.CodeValidationError,
			"messages[%d].content exceeds %d characters", i, v.limits.MaxMessageChars)
	}

	return msg, nil
}
