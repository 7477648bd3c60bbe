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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlasmesh/compass/pkg/auth"
	"github.com/atlasmesh/compass/pkg/cache"
	"github.com/atlasmesh/compass/pkg/config"
	"github.com/atlasmesh/compass/pkg/embedder"
	"github.com/atlasmesh/compass/pkg/feedback"
	"github.com/atlasmesh/compass/pkg/indexer"
	"github.com/atlasmesh/compass/pkg/observability"
	"github.com/atlasmesh/compass/pkg/ratelimit"
	"github.com/atlasmesh/compass/pkg/registry"
	"github.com/atlasmesh/compass/pkg/search"
	"github.com/atlasmesh/compass/pkg/server"
	"github.com/atlasmesh/compass/pkg/vector"
)

// app is the assembled service with everything wired.
type app struct {
	server   *server.Server
	indexer  *indexer.Controller
	store    *registry.Store
	provider *embedder.Provider
	ranker   *feedback.Ranker
	auditLog *auth.AuditLog

	tracerShutdown func(context.Context) error
}

// buildApp wires the full component graph from configuration. portOverride
// takes precedence over the config file when non-zero.
func buildApp(ctx context.Context, cli *CLI, portOverride int, watch bool) (*app, *config.Loader, error) {
	a := &app{}

	loader := config.NewLoader(config.LoaderOptions{
		Path:  cli.Config,
		Watch: watch,
		OnChange: func(cfg *config.Config) error {
			if a.ranker != nil {
				a.ranker.UpdateConfig(cfg.Feedback)
			}
			return nil
		},
	})
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if portOverride != 0 {
		cfg.Server.Port = portOverride
	}

	store, err := registry.Open(cfg.Registry)
	if err != nil {
		return nil, nil, err
	}
	a.store = store
	if err := store.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, nil, err
	}

	a.provider = embedder.NewProvider(ctx, cfg.Embedding)

	services, err := vector.New(cfg.Index, vector.CollectionServices,
		a.provider.Model(), a.provider.Dimension())
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	tools, err := vector.New(cfg.Index, vector.CollectionTools,
		a.provider.Model(), a.provider.Dimension())
	if err != nil {
		a.Close()
		return nil, nil, err
	}

	embCache := cache.NewEmbeddingCache(cfg.Cache)
	respCache := cache.NewResponseCache(cfg.Cache)

	fbStore, err := feedback.NewStore(ctx, store.DB())
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	a.ranker = feedback.NewRanker(fbStore, cfg.Feedback)
	if err := a.ranker.Refresh(ctx); err != nil {
		slog.Warn("Initial feedback refresh failed", "error", err)
	}
	a.ranker.Start(ctx)

	engine := search.NewEngine(cfg.Search, a.provider, services, tools, store,
		embCache, respCache, fbStore, a.ranker)

	a.indexer = indexer.NewController(cfg.Index, store, a.provider,
		services, tools, respCache, embCache, engine)
	if err := a.indexer.LoadOrRebuild(ctx); err != nil {
		a.Close()
		return nil, nil, fmt.Errorf("index startup: %w", err)
	}
	engine.SetIndexReady(true)
	if err := engine.RefreshPolicyKeys(ctx); err != nil {
		a.Close()
		return nil, nil, err
	}

	validator, err := auth.NewTokenValidator(ctx, cfg.Auth)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	a.auditLog, err = auth.NewAuditLog(ctx, store.DB(), 0)
	if err != nil {
		a.Close()
		return nil, nil, err
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, ratelimit.NewMemoryStore())
	if err != nil {
		a.Close()
		return nil, nil, err
	}

	metrics := observability.NewMetrics()
	a.auditLog.SetDropHook(func() { metrics.AddAuditDropped(1) })
	_, shutdown, err := observability.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	a.tracerShutdown = shutdown

	a.server = server.New(cfg.Server, server.Deps{
		Engine:    engine,
		Indexer:   a.indexer,
		Provider:  a.provider,
		Store:     store,
		Feedback:  fbStore,
		Auth:      auth.NewAuthenticator(validator, store),
		Limiter:   limiter,
		AuditLog:  a.auditLog,
		EmbCache:  embCache,
		RespCache: respCache,
		Metrics:   metrics,
	})

	if err := loader.StartWatch(); err != nil {
		slog.Warn("Config watch unavailable", "error", err)
	}
	return a, loader, nil
}

// Close releases background workers and handles in reverse wiring order.
func (a *app) Close() {
	if a.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.tracerShutdown(ctx)
		cancel()
	}
	if a.auditLog != nil {
		a.auditLog.Close()
	}
	if a.ranker != nil {
		a.ranker.Stop()
	}
	if a.provider != nil {
		_ = a.provider.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
