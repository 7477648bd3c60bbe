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

// Package registry is the read-side projection of the service/tool registry.
//
// The admin surface that mutates the registry is an external collaborator;
// Compass only reads. Index builds stream active rows; hot-path enrichment
// opens one read transaction per request so every fetch within a request
// observes a consistent registry state.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/atlasmesh/compass/pkg/config"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("registry: not found")

// Store provides read access to the registry database.
type Store struct {
	db *sql.DB
}

// Open connects to the registry database.
func Open(cfg config.RegistryConfig) (*Store, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	// sqlite serializes writers internally; a single connection avoids
	// SQLITE_BUSY under concurrent readers in WAL-less test databases.
	db.SetMaxOpenConns(4)

	return &Store{db: db}, nil
}

// OpenDB wraps an existing handle, used by tests.
func OpenDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for collaborators that share the database
// (the feedback store and audit log live in the same file by default).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// EnsureSchema creates the registry tables when absent. The authoritative
// migrations live with the admin surface; this exists for embedded and test
// deployments.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS services (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'api',
			status TEXT NOT NULL DEFAULT 'active',
			visibility TEXT NOT NULL DEFAULT 'internal',
			version TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			deprecation_date TIMESTAMP,
			deprecation_notice TEXT NOT NULL DEFAULT '',
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			retry_policy TEXT NOT NULL DEFAULT '',
			success_criteria TEXT NOT NULL DEFAULT '',
			domains TEXT NOT NULL DEFAULT '[]',
			interaction_modes TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS capabilities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS tools (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			input_schema TEXT NOT NULL DEFAULT '',
			output_schema TEXT NOT NULL DEFAULT '',
			example_calls TEXT NOT NULL DEFAULT '',
			endpoint_pattern TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			version TEXT NOT NULL DEFAULT '',
			UNIQUE(service_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS integration_details (
			service_id INTEGER PRIMARY KEY REFERENCES services(id) ON DELETE CASCADE,
			access_protocol TEXT NOT NULL DEFAULT '',
			base_endpoint TEXT NOT NULL DEFAULT '',
			auth_method TEXT NOT NULL DEFAULT '',
			auth_config TEXT NOT NULL DEFAULT '{}',
			rate_limit_hints TEXT NOT NULL DEFAULT '{}',
			esb_routing TEXT NOT NULL DEFAULT '{}',
			health_check_endpoint TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS agent_protocols (
			service_id INTEGER PRIMARY KEY REFERENCES services(id) ON DELETE CASCADE,
			message_protocol TEXT NOT NULL DEFAULT '',
			protocol_version TEXT NOT NULL DEFAULT '',
			streaming INTEGER NOT NULL DEFAULT 0,
			async INTEGER NOT NULL DEFAULT 0,
			batch INTEGER NOT NULL DEFAULT 0,
			response_style TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS access_policies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			required_roles TEXT NOT NULL DEFAULT '[]',
			constraints TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS service_policies (
			service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
			policy_id INTEGER NOT NULL REFERENCES access_policies(id) ON DELETE CASCADE,
			PRIMARY KEY (service_id, policy_id)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			roles TEXT NOT NULL DEFAULT '[]',
			attributes TEXT NOT NULL DEFAULT '{}',
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			key_hash TEXT NOT NULL UNIQUE,
			scopes TEXT NOT NULL DEFAULT '[]',
			rate_limit INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMP,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tools_service ON tools(service_id)`,
		`CREATE INDEX IF NOT EXISTS idx_capabilities_service ON capabilities(service_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
