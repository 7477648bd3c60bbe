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

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/atlasmesh/compass/pkg/model"
	"github.com/atlasmesh/compass/pkg/registry"
)

type contextKey int

const identityKey contextKey = iota

// WithIdentity attaches the resolved caller to ctx.
func WithIdentity(ctx context.Context, ident *model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, ident)
}

// IdentityFrom returns the caller attached by WithIdentity.
func IdentityFrom(ctx context.Context) (*model.Identity, bool) {
	ident, ok := ctx.Value(identityKey).(*model.Identity)
	return ident, ok
}

// Authenticator resolves credentials into identities.
type Authenticator struct {
	tokens *TokenValidator
	store  *registry.Store
	now    func() time.Time
}

// NewAuthenticator builds the authenticator.
func NewAuthenticator(tokens *TokenValidator, store *registry.Store) *Authenticator {
	return &Authenticator{tokens: tokens, store: store, now: time.Now}
}

// Authenticate resolves exactly one of bearerToken or apiKey into an
// identity. Both present or both absent is an error.
func (a *Authenticator) Authenticate(ctx context.Context, bearerToken, apiKey string) (*model.Identity, error) {
	switch {
	case bearerToken == "" && apiKey == "":
		return nil, ErrNoCredentials
	case bearerToken != "" && apiKey != "":
		return nil, ErrMultipleCredentials
	case bearerToken != "":
		return a.fromToken(ctx, bearerToken)
	default:
		return a.fromAPIKey(ctx, apiKey)
	}
}

// fromToken validates the JWT and merges in the registry's view of the user
// when one exists. Registry roles and attributes win over token claims; the
// registry is the canonical user store and tokens can be stale.
func (a *Authenticator) fromToken(ctx context.Context, raw string) (*model.Identity, error) {
	claims, err := a.tokens.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}

	ident := &model.Identity{
		ID:         claims.Subject,
		Roles:      claims.Roles,
		Scopes:     claims.Scopes,
		Attributes: claims.Attributes,
		Active:     true,
	}

	user, err := a.store.GetUser(ctx, claims.Subject)
	if errors.Is(err, registry.ErrNotFound) {
		return ident, nil
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, ErrInactiveIdentity
	}
	if len(user.Roles) > 0 {
		ident.Roles = user.Roles
	}
	for k, v := range user.Attributes {
		ident.Attributes[k] = v
	}
	return ident, nil
}

func (a *Authenticator) fromAPIKey(ctx context.Context, rawKey string) (*model.Identity, error) {
	key, err := a.store.GetAPIKeyByHash(ctx, HashKey(rawKey))
	if errors.Is(err, registry.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if !key.Active || key.Expired(a.now()) {
		return nil, ErrInvalidKey
	}

	user, err := a.store.GetUser(ctx, key.UserID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, ErrInactiveIdentity
	}

	return &model.Identity{
		ID:                user.ID,
		Roles:             user.Roles,
		Attributes:        user.Attributes,
		Scopes:            key.Scopes,
		Active:            true,
		RateLimitOverride: key.RateLimit,
	}, nil
}

// HashKey returns the hex SHA-256 digest under which API keys are stored.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
