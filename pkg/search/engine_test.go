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

package search

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmesh/compass/pkg/cache"
	"github.com/atlasmesh/compass/pkg/config"
	"github.com/atlasmesh/compass/pkg/embedder"
	"github.com/atlasmesh/compass/pkg/feedback"
	"github.com/atlasmesh/compass/pkg/indexer"
	"github.com/atlasmesh/compass/pkg/model"
	"github.com/atlasmesh/compass/pkg/policy"
	"github.com/atlasmesh/compass/pkg/registry"
	"github.com/atlasmesh/compass/pkg/vector"
)

const testDim = 64

type fixture struct {
	engine *Engine
	store  *registry.Store
	fb     *feedback.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	store := registry.OpenDB(db)
	require.NoError(t, store.EnsureSchema(ctx))
	seedRegistry(t, db)

	emb := embedder.NewTermFrequencyEmbedder(testDim, 1)
	provider := &embedder.Provider{Embedder: emb, Backend: embedder.BackendFallback}

	services := vector.NewMemoryIndex(emb.Model(), testDim)
	tools := vector.NewMemoryIndex(emb.Model(), testDim)

	serviceBundles, err := store.ListSearchableServicesWithRelations(ctx)
	require.NoError(t, err)
	var corpus []string
	for i := range serviceBundles {
		corpus = append(corpus, indexer.ComposeServiceDoc(&serviceBundles[i]))
	}
	toolRows, err := store.ListSearchableToolsWithService(ctx)
	require.NoError(t, err)
	for i := range toolRows {
		corpus = append(corpus, indexer.ComposeToolDoc(&toolRows[i].Tool, toolRows[i].ServiceName))
	}
	emb.Fit(corpus)

	for i := range serviceBundles {
		vec, err := emb.Embed(ctx, indexer.ComposeServiceDoc(&serviceBundles[i]))
		require.NoError(t, err)
		require.NoError(t, services.Add(ctx, serviceBundles[i].Service.ID, vec))
	}
	for i := range toolRows {
		vec, err := emb.Embed(ctx, indexer.ComposeToolDoc(&toolRows[i].Tool, toolRows[i].ServiceName))
		require.NoError(t, err)
		require.NoError(t, tools.Add(ctx, toolRows[i].Tool.ID, vec))
	}

	cacheCfg := config.CacheConfig{}
	cacheCfg.SetDefaults()

	fbStore, err := feedback.NewStore(ctx, db)
	require.NoError(t, err)
	fbCfg := config.FeedbackConfig{}
	fbCfg.SetDefaults()
	ranker := feedback.NewRanker(fbStore, fbCfg)

	searchCfg := config.SearchConfig{}
	searchCfg.SetDefaults()

	engine := NewEngine(searchCfg, provider, services, tools, store,
		cache.NewEmbeddingCache(cacheCfg), cache.NewResponseCache(cacheCfg),
		fbStore, ranker)
	require.NoError(t, engine.RefreshPolicyKeys(ctx))

	return &fixture{engine: engine, store: store, fb: fbStore}
}

func seedRegistry(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO services (id, name, description, kind, status, visibility, domains, interaction_modes)
		 VALUES (1, 'ShoesAgent', 'Conversational shopping assistant for footwear and apparel',
		         'internal_agent', 'active', 'public', '["retail"]', '["conversational"]')`,
		`INSERT INTO services (id, name, description, kind, status, visibility, domains, interaction_modes)
		 VALUES (2, 'InvoiceAPI', 'Create, query and void customer invoices',
		         'api', 'active', 'internal', '["finance"]', '["sync"]')`,
		`INSERT INTO services (id, name, description, kind, status, visibility, version, domains, interaction_modes)
		 VALUES (3, 'SecretVault', 'Read and rotate secrets for workloads',
		         'microservice', 'active', 'restricted', '2.1', '["security"]', '["sync"]')`,
		`INSERT INTO capabilities (service_id, name, description, position)
		 VALUES (1, 'product_search', 'Search the product catalog for shoes and apparel', 0)`,
		`INSERT INTO capabilities (service_id, name, description, position)
		 VALUES (2, 'create_invoice', 'Create a draft invoice for a customer', 0)`,
		`INSERT INTO tools (id, service_id, name, description, input_schema, example_calls, is_active)
		 VALUES (10, 1, 'product_search', 'Search products by text query across the shoes catalog',
		         '{"type":"object"}', '{"by_text": {"query": "running shoes"}}', 1)`,
		`INSERT INTO tools (id, service_id, name, description, is_active)
		 VALUES (11, 1, 'order_status', 'Look up the status of an order', 1)`,
		`INSERT INTO tools (id, service_id, name, description, is_active)
		 VALUES (20, 2, 'create_invoice', 'Create a new invoice for a customer account', 1)`,
		`INSERT INTO tools (id, service_id, name, description, is_active)
		 VALUES (30, 3, 'read_secret', 'Read a secret value by path', 1)`,
		`INSERT INTO integration_details (service_id, access_protocol, base_endpoint, auth_method)
		 VALUES (2, 'rest', 'https://invoices.internal', 'oauth2')`,
		`INSERT INTO access_policies (id, type, required_roles, constraints)
		 VALUES (100, 'role_based', '["security_admin"]', '{}')`,
		`INSERT INTO service_policies (service_id, policy_id) VALUES (3, 100)`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

func caller() *model.Identity {
	return &model.Identity{ID: "u-1", Roles: []string{"employee"}, Active: true}
}

func TestSearchTopResultMatchesQuery(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Search(context.Background(), caller(), &Request{
		Query: "search products shoes catalog", Limit: 3,
	})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Results)
	assert.Equal(t, ModeToolsOnly, resp.SearchMode)
	assert.Equal(t, BackendVector, resp.Metadata.SearchBackend)
	assert.NotEmpty(t, resp.Metadata.SearchID)

	top := resp.Results[0]
	require.NotNil(t, top.RecommendedTool)
	assert.Equal(t, "product_search", top.RecommendedTool.Name)
	assert.Equal(t, "ShoesAgent", top.Service.Name)
	assert.Equal(t, 1, top.Rank)
	assert.InDelta(t, 1-top.SemanticScore, top.Distance, 1e-9)
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      Request
		wantCode string
	}{
		{"empty query", Request{}, CodeEmptyQuery},
		{"query too long", Request{Query: strings.Repeat("a", MaxQueryLength+1)}, CodeQueryTooLong},
		{"limit too large", Request{Query: "q", Limit: MaxLimit + 1}, CodeInvalidLimit},
		{"negative min_score", Request{Query: "q", MinScore: -0.1}, CodeInvalidMinScore},
		{"agents_only", Request{Query: "q", Mode: "agents_only"}, CodeInvalidSearchMode},
		{"unknown mode", Request{Query: "q", Mode: "telepathy"}, CodeInvalidSearchMode},
		{"unknown verbosity", Request{Query: "q", Verbosity: "huge"}, CodeInvalidResponseMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Search(ctx, caller(), &tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantCode, verr.Code)
		})
	}

	// Boundary acceptance: a max-length query and max limit are valid.
	_, err := f.engine.Search(ctx, caller(), &Request{
		Query: strings.Repeat("a", MaxQueryLength), Limit: MaxLimit,
	})
	assert.NoError(t, err)
}

func TestSearchPolicyExclusion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.engine.Search(ctx, caller(), &Request{Query: "read secret value path", Limit: 10})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, "SecretVault", r.Service.Name)
	}

	admin := &model.Identity{ID: "a-1", Roles: []string{"security_admin"}, Active: true}
	resp, err = f.engine.Search(ctx, admin, &Request{Query: "read secret value path", Limit: 10})
	require.NoError(t, err)

	found := false
	for _, r := range resp.Results {
		if r.Service.Name == "SecretVault" {
			found = true
		}
	}
	assert.True(t, found, "admin should see the restricted service")
}

func TestSearchDeprecatedRequiresScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The service stays indexed after deprecation; only the policy gate
	// decides who sees it.
	_, err := f.store.DB().Exec(`UPDATE services SET status = 'deprecated' WHERE id = 1`)
	require.NoError(t, err)

	resp, err := f.engine.Search(ctx, caller(), &Request{Query: "search products shoes", Limit: 10})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, "ShoesAgent", r.Service.Name)
	}

	scoped := caller()
	scoped.Scopes = []string{policy.ScopeIncludeDeprecated}
	resp, err = f.engine.Search(ctx, scoped, &Request{Query: "search products shoes", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "ShoesAgent", resp.Results[0].Service.Name)
}

func TestSearchVerbositySubsets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	byVerbosity := map[string]*Response{}
	for _, v := range []string{VerbosityFull, VerbosityCompact, VerbosityMinimal} {
		resp, err := f.engine.Search(ctx, caller(), &Request{
			Query: "search products shoes", Limit: 5, Verbosity: v,
		})
		require.NoError(t, err)
		require.NotEmpty(t, resp.Results)
		byVerbosity[v] = resp
	}

	full, compact, minimal := byVerbosity[VerbosityFull], byVerbosity[VerbosityCompact], byVerbosity[VerbosityMinimal]

	// Same ids in the same order at every verbosity.
	require.Equal(t, len(full.Results), len(compact.Results))
	require.Equal(t, len(full.Results), len(minimal.Results))
	for i := range full.Results {
		assert.Equal(t, full.Results[i].Service.ID, compact.Results[i].Service.ID)
		assert.Equal(t, full.Results[i].Service.ID, minimal.Results[i].Service.ID)
	}

	top := full.Results[0]
	require.NotNil(t, top.RecommendedTool)
	assert.NotEmpty(t, top.RecommendedTool.InputSchema)
	assert.Nil(t, compact.Results[0].RecommendedTool.InputSchema)
	assert.Nil(t, minimal.Results[0].RecommendedTool.InputSchema)
	assert.Empty(t, minimal.Results[0].Service.Capabilities)
	assert.NotEmpty(t, minimal.Results[0].Service.ShortDescription)
}

func TestSearchCacheHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &Request{Query: "create invoice customer", Limit: 5}

	first, err := f.engine.Search(ctx, caller(), req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := f.engine.Search(ctx, caller(), &Request{Query: "create invoice customer", Limit: 5})
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)

	// Fresh search id, identical ordering and ids.
	assert.NotEqual(t, first.Metadata.SearchID, second.Metadata.SearchID)
	require.Equal(t, len(first.Results), len(second.Results))
	for i := range first.Results {
		assert.Equal(t, first.Results[i].Service.ID, second.Results[i].Service.ID)
		assert.Equal(t, first.Results[i].Rank, second.Results[i].Rank)
	}
}

func TestSearchCacheVariesByCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Search(ctx, caller(), &Request{Query: "read secret value path", Limit: 10})
	require.NoError(t, err)

	// A differently-privileged caller must not hit the other caller's entry.
	admin := &model.Identity{ID: "a-1", Roles: []string{"security_admin"}, Active: true}
	resp, err := f.engine.Search(ctx, admin, &Request{Query: "read secret value path", Limit: 10})
	require.NoError(t, err)
	assert.False(t, resp.Metadata.CacheHit)
}

func TestSearchWorkflowsDegrades(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Search(context.Background(), caller(), &Request{
		Query: "search products shoes", Limit: 3, Mode: ModeWorkflows,
	})
	require.NoError(t, err)

	assert.Equal(t, ModeWorkflows, resp.SearchMode)
	assert.Equal(t, ModeWorkflows, resp.Metadata.FallbackFrom)
	require.NotEmpty(t, resp.Results)
	assert.NotNil(t, resp.Results[0].RecommendedTool)
}

func TestSearchAgentsAndTools(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Search(context.Background(), caller(), &Request{
		Query: "shopping assistant footwear", Limit: 10, Mode: ModeAgentsAndTool,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	var sawServiceOnly, sawTool bool
	for _, r := range resp.Results {
		if r.RecommendedTool == nil {
			sawServiceOnly = true
		} else {
			sawTool = true
		}
	}
	assert.True(t, sawServiceOnly, "expected direct service hits")
	assert.True(t, sawTool, "expected tool hits")

	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestSearchCapabilitiesMode(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Search(context.Background(), caller(), &Request{
		Query: "create draft invoice", Limit: 10, Mode: ModeCapabilities,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	found := false
	for _, r := range resp.Results {
		if r.Capability != nil && r.Capability.Name == "create_invoice" {
			found = true
		}
	}
	assert.True(t, found, "expected a capability entry for create_invoice")
}

func TestSearchMinScore(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Search(context.Background(), caller(), &Request{
		Query: "search products shoes", Limit: 10, MinScore: 0.99,
	})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.GreaterOrEqual(t, r.Score, 0.99)
	}
}

func TestSearchKeywordDegraded(t *testing.T) {
	f := newFixture(t)
	f.engine.SetIndexReady(false)

	resp, err := f.engine.Search(context.Background(), caller(), &Request{
		Query: "invoice", Limit: 5,
	})
	require.NoError(t, err)

	assert.Equal(t, BackendKeyword, resp.Metadata.SearchBackend)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "InvoiceAPI", resp.Results[0].Service.Name)
}

func TestSearchOrchestrationBlock(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Search(context.Background(), caller(), &Request{
		Query: "create invoice customer", Limit: 5,
		Verbosity: VerbosityMinimal, IncludeOrchestration: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	var invoice *Result
	for i := range resp.Results {
		if resp.Results[i].Service.Name == "InvoiceAPI" {
			invoice = &resp.Results[i]
		}
	}
	require.NotNil(t, invoice)
	require.NotNil(t, invoice.IntegrationDetails)
	assert.Equal(t, "https://invoices.internal", invoice.IntegrationDetails.BaseEndpoint)
	assert.Equal(t, "oauth2", invoice.IntegrationDetails.AuthMethod)
	// Minimal verbosity keeps only endpoint and auth method.
	assert.Empty(t, invoice.IntegrationDetails.AccessProtocol)
	require.NotNil(t, invoice.RecommendedTool)
	assert.Nil(t, invoice.RecommendedTool.InputSchema)
}

func TestSearchFeedbackRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.engine.Search(ctx, caller(), &Request{Query: "search products shoes", Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	top := resp.Results[0]
	require.NotNil(t, top.RecommendedTool)

	err = f.fb.RecordSelection(ctx, feedback.Selection{
		SearchID: resp.Metadata.SearchID, ResultType: RefTool,
		ResultID: top.RecommendedTool.ID, Position: 1,
	})
	assert.NoError(t, err)

	err = f.fb.RecordSelection(ctx, feedback.Selection{
		SearchID: resp.Metadata.SearchID, ResultType: RefTool,
		ResultID: top.RecommendedTool.ID + 999, Position: 1,
	})
	assert.ErrorIs(t, err, feedback.ErrSelectionMismatch)
}

func TestSearchExcludeServices(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Search(context.Background(), caller(), &Request{
		Query: "search products shoes", Limit: 10,
		ExcludeServices: []string{"ShoesAgent"},
	})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, "ShoesAgent", r.Service.Name)
	}
}

func TestSearchDomainFilter(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Search(context.Background(), caller(), &Request{
		Query: "customer records", Limit: 10, Domains: []string{"finance"},
	})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.Equal(t, "InvoiceAPI", r.Service.Name)
	}
}

func TestSimilarServices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	results, err := f.engine.Similar(ctx, caller(), 1, 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, int64(1), r.Service.ID, "reference service must be excluded")
	}

	_, err = f.engine.Similar(ctx, caller(), 9999, 5)
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

// brokenEmbedder fails every call, proving a code path needs no embedding.
type brokenEmbedder struct{}

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedder offline")
}
func (brokenEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedder offline")
}
func (brokenEmbedder) Dimension() int { return testDim }
func (brokenEmbedder) Model() string  { return "broken" }
func (brokenEmbedder) Close() error   { return nil }

func TestSimilarUsesStoredVector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The reference vector comes straight from the services index, so
	// Similar keeps working when the embedder is down.
	f.engine.provider = &embedder.Provider{Embedder: brokenEmbedder{}, Backend: embedder.BackendPrimary}

	results, err := f.engine.Similar(ctx, caller(), 1, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}
