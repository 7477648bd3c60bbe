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

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/atlasmesh/compass/pkg/model"
)

// GetUser loads a user record by id.
func (s *Store) GetUser(ctx context.Context, id string) (*model.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, roles, attributes, active FROM users WHERE id = ?`, id)

	var (
		ident                model.Identity
		rolesJSON, attrsJSON string
	)
	err := row.Scan(&ident.ID, &rolesJSON, &attrsJSON, &ident.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(rolesJSON), &ident.Roles); err != nil {
		return nil, fmt.Errorf("user %q roles: %w", id, err)
	}
	if err := json.Unmarshal([]byte(attrsJSON), &ident.Attributes); err != nil {
		return nil, fmt.Errorf("user %q attributes: %w", id, err)
	}
	return &ident, nil
}

// GetAPIKeyByHash looks up an API key record by the SHA-256 hex digest of the
// presented key. Raw keys are never stored.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, key_hash, scopes, rate_limit, expires_at, active
		 FROM api_keys WHERE key_hash = ?`, hash)

	var (
		key        model.APIKey
		scopesJSON string
		expiresAt  sql.NullTime
	)
	err := row.Scan(&key.ID, &key.UserID, &key.KeyHash, &scopesJSON,
		&key.RateLimit, &expiresAt, &key.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load api key: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(scopesJSON), &key.Scopes); err != nil {
		return nil, fmt.Errorf("api key %q scopes: %w", key.ID, err)
	}
	return &key, nil
}
