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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atlasmesh/compass/pkg/auth"
)

// authMiddleware resolves the caller identity from exactly one credential:
// an Authorization bearer token, an X-API-Key header, or an api_key query
// parameter. The identity is attached to the request context; every denial
// is audited.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := bearerToken(r)
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		ident, err := s.authn.Authenticate(r.Context(), bearer, apiKey)
		if err != nil {
			s.audit(r, "", "authenticate", err.Error(), auth.OutcomeDenied)
			kind, code := authErrorCode(err)
			writeError(w, r, http.StatusUnauthorized, kind, code, "authentication failed")
			return
		}

		s.audit(r, ident.ID, "authenticate", "", auth.OutcomeAllowed)
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), ident)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func authErrorCode(err error) (kind, code string) {
	switch {
	case errors.Is(err, auth.ErrNoCredentials):
		return KindUnauthenticated, codeMissingCredentials
	case errors.Is(err, auth.ErrMultipleCredentials):
		return KindUnauthenticated, codeMultipleCredentials
	case errors.Is(err, auth.ErrInvalidToken):
		return KindUnauthenticated, codeInvalidToken
	case errors.Is(err, auth.ErrInvalidKey):
		return KindUnauthenticated, codeInvalidAPIKey
	case errors.Is(err, auth.ErrInactiveIdentity):
		return KindUnauthenticated, codeIdentityInactive
	default:
		return KindUnauthenticated, codeInvalidToken
	}
}

// rateLimitMiddleware admits requests against the caller's token bucket and
// stamps the X-RateLimit headers on every admitted response. Cache hits
// consume tokens like any other admission.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, ok := auth.IdentityFrom(r.Context())
		if !ok {
			writeError(w, r, http.StatusInternalServerError, KindInternal, codeInternal, "")
			return
		}

		res, err := s.limiter.Allow(r.Context(), ident.ID, ident.RateLimitOverride)
		if err != nil {
			slog.Error("rate limiter failure", "error", err)
			writeError(w, r, http.StatusInternalServerError, KindInternal, codeInternal, "")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Reset.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
		}

		if !res.Allowed {
			if s.metrics != nil {
				s.metrics.RateLimited()
			}
			s.audit(r, ident.ID, "rate_limit", "bucket exhausted", auth.OutcomeDenied)
			retry := int(res.RetryAfter.Round(time.Second).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, r, http.StatusTooManyRequests, KindRateLimited, codeRateLimited,
				"rate limit exceeded")
			return
		}

		s.audit(r, ident.ID, "admit", r.URL.Path, auth.OutcomeAllowed)
		next.ServeHTTP(w, r)
	})
}

// requireScope gates admin endpoints on a scope carried by the credential.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident, ok := auth.IdentityFrom(r.Context())
			if !ok || !ident.HasScope(scope) {
				id := ""
				if ok {
					id = ident.ID
				}
				s.audit(r, id, "scope_check", scope, auth.OutcomeDenied)
				writeError(w, r, http.StatusForbidden, KindForbidden, codeForbidden,
					fmt.Sprintf("scope %q required", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// metricsMiddleware records one counter sample per completed request, keyed
// by the chi route pattern so ids do not explode cardinality.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.ObserveRequest(route, strconv.Itoa(ww.Status()))
	})
}

func (s *Server) audit(r *http.Request, userID, action, detail string, outcome string) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.Record(auth.AuditEvent{
		UserID:    userID,
		Action:    action,
		Detail:    detail,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	})
}
