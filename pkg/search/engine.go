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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

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

var (
	// ErrServiceNotFound is returned by Similar for an unknown service id.
	ErrServiceNotFound = errors.New("search: service not found")
	// ErrUnavailable is returned when neither the vector index nor the
	// keyword fallback can serve the request.
	ErrUnavailable = errors.New("search: no backend available")
)

var tracer = otel.Tracer("github.com/atlasmesh/compass/pkg/search")

// Result reference types recorded for feedback.
const (
	RefTool    = "tool"
	RefService = "service"
)

// Engine runs the search pipeline. All collaborators are injected so tests
// can assemble isolated instances.
type Engine struct {
	cfg      config.SearchConfig
	provider *embedder.Provider
	services vector.Index
	tools    vector.Index
	store    *registry.Store

	embCache  *cache.EmbeddingCache
	respCache *cache.ResponseCache
	fb        *feedback.Store
	ranker    *feedback.Ranker

	// indexReady reports whether the vector indexes may be queried; the
	// rebuild controller flips it while indexes are unusable.
	indexReady atomic.Bool

	policyKeys atomic.Pointer[[]string]
}

// NewEngine assembles the pipeline. Cache, feedback store and ranker may be
// nil; the pipeline degrades per their absence.
func NewEngine(cfg config.SearchConfig, provider *embedder.Provider,
	services, tools vector.Index, store *registry.Store,
	embCache *cache.EmbeddingCache, respCache *cache.ResponseCache,
	fb *feedback.Store, ranker *feedback.Ranker) *Engine {

	e := &Engine{
		cfg:       cfg,
		provider:  provider,
		services:  services,
		tools:     tools,
		store:     store,
		embCache:  embCache,
		respCache: respCache,
		fb:        fb,
		ranker:    ranker,
	}
	e.indexReady.Store(true)
	empty := []string{}
	e.policyKeys.Store(&empty)
	return e
}

// SetIndexReady flips vector availability; false routes requests through the
// keyword fallback.
func (e *Engine) SetIndexReady(ready bool) { e.indexReady.Store(ready) }

// RefreshPolicyKeys reloads the attribute keys referenced by policies, used
// for caller fingerprinting. Called at startup and after policy changes.
func (e *Engine) RefreshPolicyKeys(ctx context.Context) error {
	keys, err := e.store.PolicyAttributeKeys(ctx)
	if err != nil {
		return err
	}
	e.policyKeys.Store(&keys)
	return nil
}

// cachedEntry is the response-cache value: shaped results plus the refs
// needed to write a search record on a hit.
type cachedEntry struct {
	Results          []Result             `json:"results"`
	Refs             []feedback.ResultRef `json:"refs"`
	EmbeddingBackend string               `json:"embedding_backend"`
	SearchBackend    string               `json:"search_backend"`
	FallbackFrom     string               `json:"fallback_from,omitempty"`
}

// candidate is an enriched, policy-cleared hit awaiting ranking.
type candidate struct {
	ref        feedback.ResultRef
	semantic   float64
	bundle     *registry.ServiceBundle
	tool       *model.Tool
	capability *model.Capability
}

// Search executes the pipeline for an authenticated caller.
func (e *Engine) Search(ctx context.Context, ident *model.Identity, req *Request) (*Response, error) {
	start := time.Now()
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "search.pipeline")
	defer span.End()
	span.SetAttributes(
		attribute.String("search.mode", req.Mode),
		attribute.String("search.verbosity", req.Verbosity),
	)

	normalized := embedder.Normalize(req.Query)
	fingerprint := cache.Fingerprint(ident, *e.policyKeys.Load())
	cacheKey := ""
	if e.respCache != nil {
		cacheKey = e.respCache.Key(normalized, req.Mode+e.filterDigest(req), req.Verbosity,
			req.Limit, fingerprint)
		if raw, ok := e.respCache.Get(ctx, cacheKey); ok {
			var entry cachedEntry
			if err := json.Unmarshal(raw, &entry); err == nil {
				span.SetAttributes(attribute.Bool("search.cache_hit", true))
				return e.respond(ctx, req, normalized, ident, &entry, start, true), nil
			}
		}
	}

	entry, err := e.execute(ctx, ident, req, normalized)
	if err != nil {
		return nil, err
	}

	if e.respCache != nil && cacheKey != "" {
		if raw, err := json.Marshal(entry); err == nil {
			e.respCache.Set(ctx, cacheKey, raw)
		}
	}
	return e.respond(ctx, req, normalized, ident, entry, start, false), nil
}

// respond records the search and assembles the envelope. Cache hits get a
// fresh search id but identical result ordering and ids.
func (e *Engine) respond(ctx context.Context, req *Request, normalized string,
	ident *model.Identity, entry *cachedEntry, start time.Time, cacheHit bool) *Response {

	searchID := e.recordSearch(ctx, req, normalized, ident, entry.Refs)
	return &Response{
		Query:        req.Query,
		SearchMode:   req.Mode,
		Results:      entry.Results,
		TotalResults: len(entry.Results),
		Metadata: Metadata{
			SearchID:         searchID,
			ProcessingTimeMS: time.Since(start).Milliseconds(),
			CacheHit:         cacheHit,
			EmbeddingBackend: entry.EmbeddingBackend,
			SearchBackend:    entry.SearchBackend,
			FallbackFrom:     entry.FallbackFrom,
		},
	}
}

func (e *Engine) recordSearch(ctx context.Context, req *Request, normalized string,
	ident *model.Identity, refs []feedback.ResultRef) string {

	if e.fb == nil {
		return uuid.NewString()
	}
	searchID, err := e.fb.RecordSearch(ctx, req.Query, normalized, ident.ID, req.Mode, refs)
	if err != nil {
		slog.Warn("search record write failed", "error", err)
		return uuid.NewString()
	}
	return searchID
}

// filterDigest folds the request filters into the cache key so filtered and
// unfiltered variants of the same query never share an entry.
func (e *Engine) filterDigest(req *Request) string {
	if len(req.Domains) == 0 && len(req.Capabilities) == 0 &&
		len(req.ExcludeServices) == 0 && req.Version == "" && !req.IncludeOrchestration {
		return ""
	}
	return "|" + strings.Join(req.Domains, ",") +
		"|" + strings.Join(req.Capabilities, ",") +
		"|" + strings.Join(req.ExcludeServices, ",") +
		"|" + req.Version +
		"|" + fmt.Sprintf("%t", req.IncludeOrchestration)
}

// execute runs the cold path: embed, index search, enrich, filter, rank,
// shape.
func (e *Engine) execute(ctx context.Context, ident *model.Identity, req *Request,
	normalized string) (*cachedEntry, error) {

	entry := &cachedEntry{
		EmbeddingBackend: e.provider.Backend,
		SearchBackend:    BackendVector,
	}

	effectiveMode := req.Mode
	if req.Mode == ModeWorkflows {
		// The workflow index is not yet populated; degrade visibly.
		effectiveMode = ModeToolsOnly
		entry.FallbackFrom = ModeWorkflows
	}

	var candidates []candidate
	if e.indexReady.Load() {
		vec, err := e.embedQuery(ctx, normalized)
		if err != nil {
			slog.Warn("embedding failed, degrading to keyword scan", "error", err)
			return e.executeKeyword(ctx, ident, req, normalized, entry)
		}
		candidates, err = e.vectorCandidates(ctx, ident, req, effectiveMode, vec)
		if err != nil {
			return nil, err
		}
	} else {
		return e.executeKeyword(ctx, ident, req, normalized, entry)
	}

	e.rank(req, candidates, entry)
	return entry, nil
}

func (e *Engine) embedQuery(ctx context.Context, normalized string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "search.embed")
	defer span.End()

	compute := func(ctx context.Context) ([]float32, error) {
		return e.provider.Embed(ctx, normalized)
	}
	if e.embCache == nil {
		return compute(ctx)
	}
	vec, _, err := e.embCache.GetOrCompute(ctx, normalized, compute)
	return vec, err
}

// vectorCandidates queries the indexes for the mode and enriches every hit
// through one registry snapshot.
func (e *Engine) vectorCandidates(ctx context.Context, ident *model.Identity,
	req *Request, mode string, vec []float32) ([]candidate, error) {

	ctx, span := tracer.Start(ctx, "search.retrieve")
	defer span.End()

	k := req.Limit * e.cfg.OverFetchFactor

	var toolHits, serviceHits []vector.Hit
	var err error
	switch mode {
	case ModeToolsOnly:
		toolHits, err = e.tools.Search(ctx, vec, k)
	case ModeAgentsAndTool:
		if toolHits, err = e.tools.Search(ctx, vec, k); err == nil {
			serviceHits, err = e.services.Search(ctx, vec, k)
		}
	case ModeCapabilities:
		serviceHits, err = e.services.Search(ctx, vec, k)
	}
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}

	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("open registry snapshot: %w", err)
	}
	defer snap.Close()

	var candidates []candidate
	for _, hit := range toolHits {
		tb, err := snap.GetToolBundle(ctx, hit.ID)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !tb.Tool.IsActive {
			continue
		}
		if !policy.Allowed(ident, &tb.Service) || !matchesFilters(&tb.Service, req) {
			continue
		}
		bundle := tb.Service
		tool := tb.Tool
		candidates = append(candidates, candidate{
			ref:      feedback.ResultRef{Type: RefTool, ID: tool.ID},
			semantic: float64(hit.Score),
			bundle:   &bundle,
			tool:     &tool,
		})
	}

	for _, hit := range serviceHits {
		sb, err := snap.GetServiceBundle(ctx, hit.ID)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !policy.Allowed(ident, sb) || !matchesFilters(sb, req) {
			continue
		}
		if mode == ModeCapabilities {
			candidates = append(candidates, e.capabilityCandidates(ctx, vec, hit, sb)...)
			continue
		}
		candidates = append(candidates, candidate{
			ref:      feedback.ResultRef{Type: RefService, ID: sb.Service.ID},
			semantic: float64(hit.Score),
			bundle:   sb,
		})
	}
	return candidates, nil
}

// capabilityCandidates expands a service hit into one entry per capability,
// scored against the capability's own description. Capability embeddings go
// through the embedding cache; on embedding failure the service-level score
// is kept.
func (e *Engine) capabilityCandidates(ctx context.Context, queryVec []float32,
	hit vector.Hit, sb *registry.ServiceBundle) []candidate {

	out := make([]candidate, 0, len(sb.Service.Capabilities))
	for i := range sb.Service.Capabilities {
		c := sb.Service.Capabilities[i]
		score := float64(hit.Score)
		capDoc := embedder.Normalize(c.Name + " " + c.Description)
		if capVec, err := e.embedQuery(ctx, capDoc); err == nil {
			score = dot(queryVec, capVec)
		}
		out = append(out, candidate{
			ref:        feedback.ResultRef{Type: RefService, ID: sb.Service.ID},
			semantic:   score,
			bundle:     sb,
			capability: &c,
		})
	}
	return out
}

// executeKeyword is the degraded path when no index or embedder can serve.
func (e *Engine) executeKeyword(ctx context.Context, ident *model.Identity,
	req *Request, normalized string, entry *cachedEntry) (*cachedEntry, error) {

	entry.SearchBackend = BackendKeyword

	bundles, err := e.store.KeywordCandidates(ctx, e.cfg.KeywordMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword scan failed: %v", ErrUnavailable, err)
	}

	k := req.Limit * e.cfg.OverFetchFactor
	var candidates []candidate
	for _, hit := range keywordScan(normalized, bundles, k) {
		if !policy.Allowed(ident, hit.bundle) || !matchesFilters(hit.bundle, req) {
			continue
		}
		candidates = append(candidates, candidate{
			ref:      feedback.ResultRef{Type: RefService, ID: hit.bundle.Service.ID},
			semantic: hit.score,
			bundle:   hit.bundle,
		})
	}

	e.rank(req, candidates, entry)
	return entry, nil
}

// rank applies boosts, the score floor, ordering, truncation and shaping.
func (e *Engine) rank(req *Request, candidates []candidate, entry *cachedEntry) {
	type ranked struct {
		candidate
		boost float64
		final float64
	}

	rankedCands := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		var boost float64
		if e.ranker != nil {
			boost = e.ranker.Boost(c.ref)
		}
		final := c.semantic * (1 + boost)
		if final < req.MinScore {
			continue
		}
		rankedCands = append(rankedCands, ranked{candidate: c, boost: boost, final: final})
	}

	sort.Slice(rankedCands, func(i, j int) bool {
		a, b := rankedCands[i], rankedCands[j]
		if a.final != b.final {
			return a.final > b.final
		}
		if a.semantic != b.semantic {
			return a.semantic > b.semantic
		}
		if a.ref.ID != b.ref.ID {
			return a.ref.ID < b.ref.ID
		}
		return a.ref.Type < b.ref.Type
	})
	if len(rankedCands) > req.Limit {
		rankedCands = rankedCands[:req.Limit]
	}

	entry.Results = make([]Result, 0, len(rankedCands))
	entry.Refs = make([]feedback.ResultRef, 0, len(rankedCands))
	for i, rc := range rankedCands {
		res := Result{
			Service:       shapeService(&rc.bundle.Service, req.Verbosity),
			Score:         rc.final,
			SemanticScore: rc.semantic,
			FeedbackBoost: rc.boost,
			Rank:          i + 1,
			Distance:      1 - rc.semantic,
			Capability:    rc.capability,
		}
		if rc.tool != nil {
			res.RecommendedTool = shapeTool(rc.tool, req.Verbosity)
		}
		attachOrchestration(&res, rc.bundle, req)
		entry.Results = append(entry.Results, res)
		entry.Refs = append(entry.Refs, rc.ref)
	}
}

// vectorSource is implemented by index backends that can hand back a stored
// vector, letting Similar skip re-embedding the reference service.
type vectorSource interface {
	Vector(id int64) ([]float32, bool)
}

// Similar returns the services nearest to the given service's embedding.
// The reference service itself is excluded.
func (e *Engine) Similar(ctx context.Context, ident *model.Identity, serviceID int64, limit int) ([]Result, error) {
	if limit < 1 || limit > MaxLimit {
		limit = 10
	}

	ref, err := e.store.GetServiceBundle(ctx, serviceID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, err
	}

	// Prefer the vector already in the index; fall back to embedding the
	// composed document when the backend cannot return stored vectors.
	var vec []float32
	if src, ok := e.services.(vectorSource); ok {
		if v, ok := src.Vector(serviceID); ok {
			vec = v
		}
	}
	if vec == nil {
		vec, err = e.embedQuery(ctx, indexer.ComposeServiceDoc(ref))
		if err != nil {
			return nil, fmt.Errorf("%w: embedding unavailable: %v", ErrUnavailable, err)
		}
	}

	hits, err := e.services.Search(ctx, vec, limit*e.cfg.OverFetchFactor+1)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}

	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	results := make([]Result, 0, limit)
	for _, hit := range hits {
		if hit.ID == serviceID {
			continue
		}
		sb, err := snap.GetServiceBundle(ctx, hit.ID)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !policy.Allowed(ident, sb) {
			continue
		}
		results = append(results, Result{
			Service:       shapeService(&sb.Service, VerbosityCompact),
			Score:         float64(hit.Score),
			SemanticScore: float64(hit.Score),
			Rank:          len(results) + 1,
			Distance:      1 - float64(hit.Score),
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
