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

// Package indexer keeps the vector indexes consistent with the registry.
//
// The admin surface publishes mutation events; the controller applies them
// as index deltas. Full rebuilds run against a staged copy and swap in
// atomically, so readers see the old index or the new one, never a partial
// state. At most one writer is active per controller; events arriving during
// a rebuild are queued and drained once the new index is live.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlasmesh/compass/pkg/cache"
	"github.com/atlasmesh/compass/pkg/config"
	"github.com/atlasmesh/compass/pkg/embedder"
	"github.com/atlasmesh/compass/pkg/model"
	"github.com/atlasmesh/compass/pkg/registry"
	"github.com/atlasmesh/compass/pkg/vector"
)

// EventType enumerates registry mutations the controller reacts to.
type EventType string

const (
	ServiceCreated EventType = "service_created"
	ServiceUpdated EventType = "service_updated"
	ServiceDeleted EventType = "service_deleted"
	ToolCreated    EventType = "tool_created"
	ToolUpdated    EventType = "tool_updated"
	ToolDeleted    EventType = "tool_deleted"
	PolicyChanged  EventType = "policy_changed"
)

// Event is one registry mutation notification.
type Event struct {
	Type      EventType `json:"type"`
	ServiceID int64     `json:"service_id,omitempty"`
	ToolID    int64     `json:"tool_id,omitempty"`
}

// Valid reports whether t names a known mutation, letting the event
// endpoint reject bad payloads before they reach the controller.
func (t EventType) Valid() bool {
	switch t {
	case ServiceCreated, ServiceUpdated, ServiceDeleted,
		ToolCreated, ToolUpdated, ToolDeleted, PolicyChanged:
		return true
	}
	return false
}

// SearchHooks is the controller's view of the search engine: flip index
// availability and refresh fingerprint inputs after policy changes.
type SearchHooks interface {
	SetIndexReady(bool)
	RefreshPolicyKeys(ctx context.Context) error
}

// Status is the controller's health report for /search/status.
type Status struct {
	ServicesIndexed  int       `json:"services_indexed"`
	ToolsIndexed     int       `json:"tools_indexed"`
	Rebuilding       bool      `json:"rebuilding"`
	IndexStale       bool      `json:"index_stale"`
	LastRebuildAt    time.Time `json:"last_rebuild_at,omitzero"`
	LastRebuildError string    `json:"last_rebuild_error,omitempty"`
}

// embedBatchSize bounds one inference round trip during rebuilds.
const embedBatchSize = 32

// fitter is implemented by the term-frequency fallback; the primary backend
// needs no corpus.
type fitter interface {
	Fit(corpus []string)
}

// bulkReplacer is implemented by index backends that can swap their full
// contents atomically.
type bulkReplacer interface {
	ReplaceAll(ids []int64, vectors [][]float32)
}

// Controller owns all writes to the two indexes.
type Controller struct {
	cfg      config.IndexConfig
	store    *registry.Store
	provider *embedder.Provider
	services vector.Index
	tools    vector.Index

	respCache *cache.ResponseCache
	embCache  *cache.EmbeddingCache
	hooks     SearchHooks

	mu               sync.Mutex
	rebuilding       bool
	queued           []Event
	lastRebuildAt    time.Time
	lastRebuildError string
	stale            bool
}

// NewController wires the rebuild controller. respCache, embCache and hooks
// may be nil.
func NewController(cfg config.IndexConfig, store *registry.Store, provider *embedder.Provider,
	services, tools vector.Index, respCache *cache.ResponseCache,
	embCache *cache.EmbeddingCache, hooks SearchHooks) *Controller {

	return &Controller{
		cfg:       cfg,
		store:     store,
		provider:  provider,
		services:  services,
		tools:     tools,
		respCache: respCache,
		embCache:  embCache,
		hooks:     hooks,
	}
}

func (c *Controller) servicesDir() string { return filepath.Join(c.cfg.Dir, vector.CollectionServices) }
func (c *Controller) toolsDir() string    { return filepath.Join(c.cfg.Dir, vector.CollectionTools) }

// Status reports current controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ServicesIndexed:  c.services.Len(),
		ToolsIndexed:     c.tools.Len(),
		Rebuilding:       c.rebuilding,
		IndexStale:       c.stale,
		LastRebuildAt:    c.lastRebuildAt,
		LastRebuildError: c.lastRebuildError,
	}
}

// LoadOrRebuild restores persisted snapshots, falling back to a full rebuild
// when none exist or they are unusable (checksum or model mismatch).
func (c *Controller) LoadOrRebuild(ctx context.Context) error {
	svcErr := c.services.Load(c.servicesDir())
	toolErr := c.tools.Load(c.toolsDir())
	if svcErr == nil && toolErr == nil {
		slog.Info("Index snapshots loaded",
			"services", c.services.Len(), "tools", c.tools.Len())
		return nil
	}

	for _, err := range []error{svcErr, toolErr} {
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, vector.ErrNoSnapshot):
			slog.Info("No index snapshot, scheduling full rebuild")
		case errors.Is(err, vector.ErrChecksumMismatch),
			errors.Is(err, vector.ErrModelMismatch),
			errors.Is(err, vector.ErrDimensionMismatch):
			slog.Warn("Index snapshot rejected, scheduling full rebuild", "reason", err)
		default:
			return fmt.Errorf("load snapshot: %w", err)
		}
	}
	return c.Rebuild(ctx)
}

// Apply handles one mutation event. During a rebuild the event is queued and
// applied once the staged index is live.
func (c *Controller) Apply(ctx context.Context, ev Event) error {
	c.mu.Lock()
	if c.rebuilding {
		c.queued = append(c.queued, ev)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.apply(ctx, ev); err != nil {
		c.mu.Lock()
		c.stale = true
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Controller) apply(ctx context.Context, ev Event) error {
	switch ev.Type {
	case ServiceCreated, ServiceUpdated:
		if err := c.upsertService(ctx, ev.ServiceID); err != nil {
			return err
		}
	case ServiceDeleted:
		if err := c.removeService(ctx, ev.ServiceID); err != nil {
			return err
		}
	case ToolCreated, ToolUpdated:
		if err := c.upsertTool(ctx, ev.ToolID); err != nil {
			return err
		}
	case ToolDeleted:
		if err := c.tools.Remove(ctx, ev.ToolID); err != nil {
			return err
		}
	case PolicyChanged:
		// Indexes are unaffected; only visibility changed.
		c.invalidate(ctx)
		return nil
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	c.invalidate(ctx)
	return nil
}

// invalidate purges the response cache and refreshes policy fingerprint
// inputs. Ranking depends on global index state, so every mutation clears
// the whole response cache.
func (c *Controller) invalidate(ctx context.Context) {
	if c.respCache != nil {
		c.respCache.PurgeAll(ctx)
	}
	if c.hooks != nil {
		if err := c.hooks.RefreshPolicyKeys(ctx); err != nil {
			slog.Warn("policy key refresh failed", "error", err)
		}
	}
}

// upsertService recomputes the service embedding and those of its tools;
// tool documents carry the owning service's name.
func (c *Controller) upsertService(ctx context.Context, id int64) error {
	bundle, err := c.store.GetServiceBundle(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return c.removeService(ctx, id)
	}
	if err != nil {
		return err
	}

	// Deprecated services stay indexed so include_deprecated callers can
	// still find them; only inactive ones leave the index.
	if bundle.Service.Status == model.StatusInactive {
		return c.removeService(ctx, id)
	}

	vec, err := c.provider.Embed(ctx, ComposeServiceDoc(bundle))
	if err != nil {
		return fmt.Errorf("embed service %d: %w", id, err)
	}
	if err := c.services.Update(ctx, id, vec); err != nil {
		return err
	}

	toolIDs, err := c.store.ToolIDsByService(ctx, id)
	if err != nil {
		return err
	}
	for _, toolID := range toolIDs {
		if err := c.upsertTool(ctx, toolID); err != nil {
			return err
		}
	}
	return nil
}

// removeService drops a service and all of its tools from the indexes,
// used for deleted and inactive services.
func (c *Controller) removeService(ctx context.Context, id int64) error {
	if err := c.services.Remove(ctx, id); err != nil {
		return err
	}
	toolIDs, err := c.store.ToolIDsByService(ctx, id)
	if err != nil {
		return err
	}
	for _, toolID := range toolIDs {
		if err := c.tools.Remove(ctx, toolID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) upsertTool(ctx context.Context, id int64) error {
	tb, err := c.store.GetToolBundle(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return c.tools.Remove(ctx, id)
	}
	if err != nil {
		return err
	}
	if !tb.Tool.IsActive || tb.Service.Service.Status == model.StatusInactive {
		return c.tools.Remove(ctx, id)
	}

	vec, err := c.provider.Embed(ctx, ComposeToolDoc(&tb.Tool, tb.Service.Service.Name))
	if err != nil {
		return fmt.Errorf("embed tool %d: %w", id, err)
	}
	return c.tools.Update(ctx, id, vec)
}

// Rebuild streams the active registry through the embedder into staged
// vectors and swaps both indexes atomically. On success a snapshot is
// persisted and queued events are drained.
func (c *Controller) Rebuild(ctx context.Context) error {
	c.mu.Lock()
	if c.rebuilding {
		c.mu.Unlock()
		return fmt.Errorf("rebuild already in progress")
	}
	c.rebuilding = true
	c.mu.Unlock()

	err := c.rebuild(ctx)

	c.mu.Lock()
	c.rebuilding = false
	c.lastRebuildAt = time.Now().UTC()
	if err != nil {
		c.lastRebuildError = err.Error()
		c.stale = true
	} else {
		c.lastRebuildError = ""
		c.stale = false
	}
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()

	if err != nil {
		if c.hooks != nil && c.services.Len() == 0 && c.tools.Len() == 0 {
			// Nothing usable to serve from; route searches to the
			// keyword fallback until a rebuild succeeds.
			c.hooks.SetIndexReady(false)
		}
		return err
	}

	if c.hooks != nil {
		c.hooks.SetIndexReady(true)
	}

	for _, ev := range queued {
		if applyErr := c.apply(ctx, ev); applyErr != nil {
			slog.Warn("queued event failed after rebuild", "type", ev.Type, "error", applyErr)
			c.mu.Lock()
			c.stale = true
			c.mu.Unlock()
		}
	}
	return nil
}

func (c *Controller) rebuild(ctx context.Context) error {
	start := time.Now()

	serviceBundles, err := c.store.ListSearchableServicesWithRelations(ctx)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	toolRows, err := c.store.ListSearchableToolsWithService(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	serviceDocs := make([]string, len(serviceBundles))
	for i := range serviceBundles {
		serviceDocs[i] = ComposeServiceDoc(&serviceBundles[i])
	}
	toolDocs := make([]string, len(toolRows))
	for i := range toolRows {
		toolDocs[i] = ComposeToolDoc(&toolRows[i].Tool, toolRows[i].ServiceName)
	}

	// The fallback embedder derives term weights from the corpus.
	if f, ok := c.provider.Embedder.(fitter); ok {
		f.Fit(append(append([]string{}, serviceDocs...), toolDocs...))
	}

	var serviceVecs, toolVecs [][]float32
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		serviceVecs, err = c.embedAll(gctx, serviceDocs)
		return err
	})
	g.Go(func() error {
		var err error
		toolVecs, err = c.embedAll(gctx, toolDocs)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("embed corpus: %w", err)
	}

	serviceIDs := make([]int64, len(serviceBundles))
	for i := range serviceBundles {
		serviceIDs[i] = serviceBundles[i].Service.ID
	}
	toolIDs := make([]int64, len(toolRows))
	for i := range toolRows {
		toolIDs[i] = toolRows[i].Tool.ID
	}

	if err := swapIndex(ctx, c.services, serviceIDs, serviceVecs); err != nil {
		return fmt.Errorf("swap services index: %w", err)
	}
	if err := swapIndex(ctx, c.tools, toolIDs, toolVecs); err != nil {
		return fmt.Errorf("swap tools index: %w", err)
	}

	if err := c.services.Snapshot(c.servicesDir()); err != nil {
		return fmt.Errorf("snapshot services index: %w", err)
	}
	if err := c.tools.Snapshot(c.toolsDir()); err != nil {
		return fmt.Errorf("snapshot tools index: %w", err)
	}

	c.invalidate(ctx)
	if c.embCache != nil {
		c.embCache.PurgeAll(ctx)
	}

	slog.Info("Index rebuild complete",
		"services", len(serviceIDs), "tools", len(toolIDs),
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func (c *Controller) embedAll(ctx context.Context, docs []string) ([][]float32, error) {
	out := make([][]float32, 0, len(docs))
	for start := 0; start < len(docs); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		vecs, err := c.provider.EmbedBatch(ctx, docs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// swapIndex installs the staged vectors. Backends that support it swap
// atomically; others are updated in place behind their own write lock.
func swapIndex(ctx context.Context, idx vector.Index, ids []int64, vecs [][]float32) error {
	if r, ok := idx.(bulkReplacer); ok {
		r.ReplaceAll(ids, vecs)
		return nil
	}
	for i, id := range ids {
		if err := idx.Update(ctx, id, vecs[i]); err != nil {
			return err
		}
	}
	return nil
}
