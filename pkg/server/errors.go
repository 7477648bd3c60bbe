// Copyright 2026 The Compass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Error kinds, stable across versions.
const (
	KindValidation      = "validation"
	KindUnauthenticated = "unauthenticated"
	KindForbidden       = "forbidden"
	KindNotFound        = "not_found"
	KindRateLimited     = "rate_limited"
	KindTimeout         = "timeout"
	KindUnavailable     = "dependency_unavailable"
	KindInternal        = "internal"
)

// Stable error codes not owned by the search validator.
const (
	codeMissingCredentials  = "MISSING_CREDENTIALS"
	codeMultipleCredentials = "MULTIPLE_CREDENTIALS"
	codeInvalidToken        = "INVALID_TOKEN"
	codeInvalidAPIKey       = "INVALID_API_KEY"
	codeIdentityInactive    = "IDENTITY_INACTIVE"
	codeRateLimited         = "RATE_LIMIT_EXCEEDED"
	codeForbidden           = "INSUFFICIENT_SCOPE"
	codeNotFound            = "NOT_FOUND"
	codeUnknownSearch       = "UNKNOWN_SEARCH_ID"
	codeSelectionMismatch   = "SELECTION_MISMATCH"
	codeInvalidBody         = "INVALID_REQUEST_BODY"
	codeTimeout             = "REQUEST_TIMEOUT"
	codeUnavailable         = "SEARCH_UNAVAILABLE"
	codeRebuildInProgress   = "REBUILD_IN_PROGRESS"
	codeInternal            = "INTERNAL_ERROR"
)

// errorEnvelope is the wire shape for every error response. The kind and
// code are stable; messages may change between versions.
type errorEnvelope struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error:     kind,
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
