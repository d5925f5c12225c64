// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package errclass maps pipeline failures to client-facing outcomes.
//
// Client messages are fixed strings per code. Upstream error text never
// reaches the client; callers log the original error next to the result.
package errclass

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
	"github.com/AleutianAI/lexgate/services/gateway/storecache"
	"github.com/AleutianAI/lexgate/services/gateway/validation"
	"github.com/AleutianAI/lexgate/services/llm"
)

// Result is a classified failure.
type Result struct {
	Status  int
	Code    datatypes.ErrorCode
	Message string
}

// Response returns the JSON body for r.
func (r Result) Response() datatypes.ErrorResponse {
	return datatypes.ErrorResponse{Error: r.Message, Code: r.Code}
}

var messages = map[datatypes.ErrorCode]string{
	datatypes.CodeAPIKeyMissing:   "The assistant is not configured. Please contact the site administrator.",
	datatypes.CodeAuthError:       "The assistant is temporarily unavailable. Please try again later.",
	datatypes.CodeAPIRateLimit:    "The assistant is receiving too many requests. Please try again in a moment.",
	datatypes.CodeBudgetExhausted: "The assistant has reached its usage limit. Please try again later.",
	datatypes.CodeStoreError:      "The knowledge base is temporarily unavailable. Please try again later.",
	datatypes.CodeInternalError:   "An unexpected error occurred. Please try again.",
}

// Classify maps err to a Result.
//
// Precedence, first match wins:
//
//  1. client-input failure (*validation.Error)  as carried
//  2. missing credential                        503 API_KEY_MISSING
//  3. upstream 401 or 403                       503 AUTH_ERROR
//  4. upstream 429                              503 API_RATE_LIMIT
//  5. upstream 402, or "quota"/"billing" text   402 BUDGET_EXHAUSTED
//  6. store resolution failure                  503 STORE_ERROR
//  7. anything else                             500 INTERNAL_ERROR
func Classify(err error) Result {
	if err == nil {
		return result(datatypes.CodeInternalError)
	}

	var verr *validation.Error
	if errors.As(err, &verr) {
		return Result{Status: verr.Status(), Code: verr.Code, Message: verr.Message}
	}

	if errors.Is(err, llm.ErrAPIKeyMissing) {
		return result(datatypes.CodeAPIKeyMissing)
	}

	status := upstreamStatus(err)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return result(datatypes.CodeAuthError)
	case http.StatusTooManyRequests:
		return result(datatypes.CodeAPIRateLimit)
	case http.StatusPaymentRequired:
		return result(datatypes.CodeBudgetExhausted)
	}
	if mentionsBudget(err) {
		return result(datatypes.CodeBudgetExhausted)
	}

	var rerr *storecache.ResolveError
	if errors.As(err, &rerr) {
		return result(datatypes.CodeStoreError)
	}

	return result(datatypes.CodeInternalError)
}

func result(code datatypes.ErrorCode) Result {
	return Result{Status: code.Status(), Code: code, Message: messages[code]}
}

// upstreamStatus returns the HTTP status of an upstream error, or 0.
func upstreamStatus(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return coded.StatusCode()
	}
	return 0
}

func mentionsBudget(err error) bool {
	var parts []string
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		parts = append(parts, apiErr.Message, apiErr.Body)
	}
	parts = append(parts, err.Error())
	text := strings.ToLower(strings.Join(parts, " "))
	return strings.Contains(text, "quota") || strings.Contains(text, "billing")
}
