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

// Package server exposes the discovery service over HTTP.
//
// Route layout:
//
//	GET  /api/v1/health                       liveness and readiness
//	GET  /metrics                             Prometheus scrape endpoint
//	GET  /api/v1/search                       search, query-string form
//	POST /api/v1/search                       search, JSON body form
//	POST /api/v1/search/feedback              record a selection
//	GET  /api/v1/search/status                search subsystem health
//	GET  /api/v1/search/similar/{service_id}  nearest services
//	POST /api/v1/admin/rebuild                full index rebuild (admin scope)
//	POST /api/v1/admin/events                 registry mutation event (admin scope)
//
// Everything under /api/v1 except /health requires authentication and passes
// the rate-limit gate.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

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
)

// ScopeAdmin gates the rebuild and event endpoints.
const ScopeAdmin = "admin"

// Server holds the HTTP surface and its collaborators.
type Server struct {
	cfg      config.ServerConfig
	engine   *search.Engine
	indexer  *indexer.Controller
	provider *embedder.Provider
	store    *registry.Store
	feedback *feedback.Store
	authn    *auth.Authenticator
	limiter  *ratelimit.Limiter
	auditLog *auth.AuditLog
	embCache *cache.EmbeddingCache
	respCache *cache.ResponseCache
	metrics  *observability.Metrics

	httpServer *http.Server
}

// Deps bundles the collaborators a Server needs. AuditLog and Metrics may be
// nil.
type Deps struct {
	Engine    *search.Engine
	Indexer   *indexer.Controller
	Provider  *embedder.Provider
	Store     *registry.Store
	Feedback  *feedback.Store
	Auth      *auth.Authenticator
	Limiter   *ratelimit.Limiter
	AuditLog  *auth.AuditLog
	EmbCache  *cache.EmbeddingCache
	RespCache *cache.ResponseCache
	Metrics   *observability.Metrics
}

// New creates the HTTP server.
func New(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		engine:    deps.Engine,
		indexer:   deps.Indexer,
		provider:  deps.Provider,
		store:     deps.Store,
		feedback:  deps.Feedback,
		authn:     deps.Auth,
		limiter:   deps.Limiter,
		auditLog:  deps.AuditLog,
		embCache:  deps.EmbCache,
		respCache: deps.RespCache,
		metrics:   deps.Metrics,
	}
}

// Router builds the route tree. Exposed separately from Start for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout()))

	r.Get("/api/v1/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.Get("/search", s.handleSearch)
		r.Post("/search", s.handleSearch)
		r.Post("/search/feedback", s.handleFeedback)
		r.Get("/search/status", s.handleStatus)
		r.Get("/search/similar/{service_id}", s.handleSimilar)

		r.With(s.requireScope(ScopeAdmin)).Post("/admin/rebuild", s.handleRebuild)
		r.With(s.requireScope(ScopeAdmin)).Post("/admin/events", s.handleEvents)
	})

	return r
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", s.cfg.Address())
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
