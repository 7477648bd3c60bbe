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
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmesh/compass/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	store := OpenDB(db)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func seedFixtures(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	stmts := []struct {
		q    string
		args []any
	}{
		{`INSERT INTO services (id, name, description, kind, status, visibility, domains, interaction_modes)
		  VALUES (1, 'invoice-api', 'Create and query invoices', 'api', 'active', 'internal',
		          '["finance"]', '["sync"]')`, nil},
		{`INSERT INTO services (id, name, description, kind, status, visibility, domains, interaction_modes)
		  VALUES (2, 'billing-agent', 'Conversational billing assistant', 'internal_agent', 'active', 'internal',
		          '["finance"]', '["conversational"]')`, nil},
		{`INSERT INTO services (id, name, description, kind, status, visibility, domains, interaction_modes)
		  VALUES (3, 'old-ledger', 'Legacy ledger', 'legacy', 'inactive', 'internal', '[]', '[]')`, nil},
		{`INSERT INTO services (id, name, description, kind, status, visibility, domains, interaction_modes)
		  VALUES (4, 'sunset-api', 'Superseded invoicing endpoint', 'api', 'deprecated', 'internal',
		          '["finance"]', '["sync"]')`, nil},
		{`INSERT INTO capabilities (service_id, name, description, position)
		  VALUES (1, 'create_invoice', 'Create a draft invoice', 0)`, nil},
		{`INSERT INTO capabilities (service_id, name, description, position)
		  VALUES (1, 'query_invoices', 'Search invoices by customer', 1)`, nil},
		{`INSERT INTO tools (id, service_id, name, description, example_calls, is_active)
		  VALUES (10, 1, 'create_invoice', 'Creates an invoice', '{"basic": {"amount": 10}}', 1)`, nil},
		{`INSERT INTO tools (id, service_id, name, description, is_active)
		  VALUES (11, 1, 'void_invoice', 'Voids an invoice', 0)`, nil},
		{`INSERT INTO integration_details (service_id, access_protocol, base_endpoint, auth_method)
		  VALUES (1, 'rest', 'https://invoices.internal', 'oauth2')`, nil},
		{`INSERT INTO agent_protocols (service_id, message_protocol, streaming)
		  VALUES (2, 'a2a', 1)`, nil},
		{`INSERT INTO access_policies (id, type, required_roles, constraints)
		  VALUES (100, 'role_based', '["finance_user"]', '{}')`, nil},
		{`INSERT INTO access_policies (id, type, required_roles, constraints)
		  VALUES (101, 'attribute_based', '[]', '{"department": "finance", "all": [{"region": {"in": ["eu", "us"]}}]}')`, nil},
		{`INSERT INTO service_policies (service_id, policy_id) VALUES (1, 100)`, nil},
		{`INSERT INTO service_policies (service_id, policy_id) VALUES (1, 101)`, nil},
		{`INSERT INTO users (id, roles, attributes, active)
		  VALUES ('u-1', '["finance_user"]', '{"department": "finance"}', 1)`, nil},
		{`INSERT INTO api_keys (id, user_id, key_hash, scopes, rate_limit, active)
		  VALUES ('k-1', 'u-1', 'abc123', '["search"]', 120, 1)`, nil},
	}
	for _, st := range stmts {
		_, err := s.db.ExecContext(ctx, st.q, st.args...)
		require.NoError(t, err)
	}
}

func TestGetServiceBundle(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)
	ctx := context.Background()

	bundle, err := s.GetServiceBundle(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, "invoice-api", bundle.Service.Name)
	assert.Equal(t, model.KindAPI, bundle.Service.Kind)
	assert.Equal(t, []string{"finance"}, bundle.Service.Domains)

	require.Len(t, bundle.Service.Capabilities, 2)
	assert.Equal(t, "create_invoice", bundle.Service.Capabilities[0].Name)
	assert.Equal(t, "query_invoices", bundle.Service.Capabilities[1].Name)

	require.NotNil(t, bundle.Integration)
	assert.Equal(t, "https://invoices.internal", bundle.Integration.BaseEndpoint)
	assert.Nil(t, bundle.AgentProtocol)

	require.Len(t, bundle.Policies, 2)
	assert.Equal(t, model.PolicyRoleBased, bundle.Policies[0].Type)
	assert.Equal(t, []string{"finance_user"}, bundle.Policies[0].RequiredRoles)
}

func TestGetServiceBundleAgentProtocol(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	bundle, err := s.GetServiceBundle(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, bundle.AgentProtocol)
	assert.Equal(t, "a2a", bundle.AgentProtocol.MessageProtocol)
	assert.True(t, bundle.AgentProtocol.Streaming)
	assert.Nil(t, bundle.Integration)
}

func TestGetServiceBundleNotFound(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	_, err := s.GetServiceBundle(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetToolBundle(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	bundle, err := s.GetToolBundle(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, "create_invoice", bundle.Tool.Name)
	assert.Equal(t, "invoice-api", bundle.Service.Service.Name)
	assert.Equal(t, model.ExampleCallsMapping, bundle.Tool.ExampleCalls.Shape())
	assert.Equal(t, []string{"basic"}, bundle.Tool.ExampleCalls.Keys())
}

func TestSnapshotReadsAreConsistent(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)
	ctx := context.Background()

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	b1, err := snap.GetServiceBundle(ctx, 1)
	require.NoError(t, err)
	b2, err := snap.GetToolBundle(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, b1.Service.Name, b2.Service.Service.Name)
	require.NoError(t, snap.Close())
}

func TestListSearchableServicesWithRelations(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	bundles, err := s.ListSearchableServicesWithRelations(context.Background())
	require.NoError(t, err)

	// inactive old-ledger is excluded; deprecated sunset-api stays
	// searchable so scoped callers can still find it.
	require.Len(t, bundles, 3)
	assert.Equal(t, int64(1), bundles[0].Service.ID)
	assert.Len(t, bundles[0].Service.Capabilities, 2)
	assert.Len(t, bundles[0].Policies, 2)
	assert.Equal(t, int64(2), bundles[1].Service.ID)
	assert.Equal(t, int64(4), bundles[2].Service.ID)
	assert.Equal(t, model.StatusDeprecated, bundles[2].Service.Status)
}

func TestListSearchableToolsWithService(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	tools, err := s.ListSearchableToolsWithService(context.Background())
	require.NoError(t, err)

	// void_invoice is inactive and excluded
	require.Len(t, tools, 1)
	assert.Equal(t, "create_invoice", tools[0].Tool.Name)
	assert.Equal(t, "invoice-api", tools[0].ServiceName)
}

func TestKeywordCandidatesIncludeDeprecated(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	bundles, err := s.KeywordCandidates(context.Background(), 10)
	require.NoError(t, err)

	var ids []int64
	for _, b := range bundles {
		ids = append(ids, b.Service.ID)
	}
	assert.Equal(t, []int64{1, 2, 4}, ids, "deprecated stays, inactive does not")
}

func TestPolicyAttributeKeys(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	keys, err := s.PolicyAttributeKeys(context.Background())
	require.NoError(t, err)

	// "all" is a combinator; its children's keys are collected instead.
	assert.Equal(t, []string{"department", "region"}, keys)
}

func TestGetUser(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	user, err := s.GetUser(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"finance_user"}, user.Roles)
	assert.Equal(t, "finance", user.Attributes["department"])
	assert.True(t, user.Active)

	_, err = s.GetUser(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAPIKeyByHash(t *testing.T) {
	s := newTestStore(t)
	seedFixtures(t, s)

	key, err := s.GetAPIKeyByHash(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "u-1", key.UserID)
	assert.Equal(t, []string{"search"}, key.Scopes)
	assert.Equal(t, 120, key.RateLimit)
	assert.Nil(t, key.ExpiresAt)

	_, err = s.GetAPIKeyByHash(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}
