// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "net/http"

// ErrorCode is the machine-readable code in every error response.
type ErrorCode string

const (
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeInvalidContentType ErrorCode = "INVALID_CONTENT_TYPE"
	CodePayloadTooLarge    ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeInvalidJSON        ErrorCode = "INVALID_JSON"
	CodeValidationError    ErrorCode = "VALIDATION_ERROR"
	CodeMissingMessage     ErrorCode = "MISSING_MESSAGE"
	CodeAPIKeyMissing      ErrorCode = "API_KEY_MISSING"
	CodeAuthError          ErrorCode = "AUTH_ERROR"
	CodeAPIRateLimit       ErrorCode = "API_RATE_LIMIT"
	CodeStoreError         ErrorCode = "STORE_ERROR"
	CodeBudgetExhausted    ErrorCode = "BUDGET_EXHAUSTED"
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Status returns the HTTP status that accompanies the code.
func (c ErrorCode) Status() int {
	switch c {
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeInvalidContentType, CodeInvalidJSON, CodeValidationError, CodeMissingMessage:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeAPIKeyMissing, CodeAuthError, CodeAPIRateLimit, CodeStoreError:
		return http.StatusServiceUnavailable
	case CodeBudgetExhausted:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON body of every non-200 reply.
type ErrorResponse struct {
	Error      string    `json:"error"`
	Code       ErrorCode `json:"code"`
	RetryAfter *int      `json:"retryAfter,omitempty"`
}
