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

// Package auth authenticates callers and writes the audit trail. Requests
// present exactly one credential: an OAuth2/JWT bearer token or an API key.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/atlasmesh/compass/pkg/config"
)

// TokenClaims is the identity material extracted from a validated token.
type TokenClaims struct {
	Subject    string
	Roles      []string
	Scopes     []string
	Attributes map[string]any
}

// TokenValidator validates bearer tokens. With a JWKS URL configured it
// verifies against the provider's keyset, auto-refreshed to survive key
// rotation; otherwise it falls back to an HS256 shared secret.
type TokenValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	secret   []byte
	issuer   string
	audience string
}

// NewTokenValidator builds a validator from config.
func NewTokenValidator(ctx context.Context, cfg config.AuthConfig) (*TokenValidator, error) {
	v := &TokenValidator{
		jwksURL:  cfg.JWKSURL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}

	if cfg.JWKSURL != "" {
		cache := jwk.NewCache(ctx)
		if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
			return nil, fmt.Errorf("register JWKS URL: %w", err)
		}
		if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
			return nil, fmt.Errorf("fetch JWKS from %s: %w", cfg.JWKSURL, err)
		}
		v.cache = cache
		return v, nil
	}

	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("either jwks_url or shared_secret is required")
	}
	v.secret = []byte(cfg.SharedSecret)
	return v, nil
}

// Validate verifies signature, expiry, issuer and audience, then extracts
// the claims Compass cares about.
func (v *TokenValidator) Validate(ctx context.Context, raw string) (*TokenClaims, error) {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}
	if v.cache != nil {
		keyset, err := v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("get JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.secret))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &TokenClaims{
		Subject:    token.Subject(),
		Attributes: make(map[string]any),
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	if roles, ok := token.Get("roles"); ok {
		claims.Roles = toStringSlice(roles)
	}
	if scope, ok := token.Get("scope"); ok {
		claims.Scopes = toScopes(scope)
	}

	reserved := map[string]bool{
		"sub": true, "iss": true, "aud": true, "exp": true, "iat": true,
		"nbf": true, "jti": true, "roles": true, "scope": true,
	}
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, ok := pair.Key.(string)
		if !ok || reserved[key] {
			continue
		}
		claims.Attributes[key] = pair.Value
	}
	return claims, nil
}

func toStringSlice(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{list}
	default:
		return nil
	}
}

// toScopes accepts both the OAuth2 space-delimited string form and a list.
func toScopes(v any) []string {
	if s, ok := v.(string); ok {
		return strings.Fields(s)
	}
	return toStringSlice(v)
}
