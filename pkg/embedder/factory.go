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

package embedder

import (
	"context"
	"log/slog"

	"github.com/atlasmesh/compass/pkg/config"
)

// Backend names reported in search metadata.
const (
	BackendPrimary  = "primary"
	BackendFallback = "fallback"
)

// Provider couples an embedder with the backend label it reports.
type Provider struct {
	Embedder
	Backend string
}

// NewProvider binds the primary transformer backend, falling back to the
// deterministic term-frequency model when the primary fails to initialize.
// The binding is made once at process start; a mid-flight primary failure
// surfaces as a transient error rather than a silent swap.
func NewProvider(ctx context.Context, cfg config.EmbeddingConfig) *Provider {
	primary, err := NewTransformerEmbedder(ctx, cfg)
	if err == nil {
		slog.Info("Embedding backend ready", "backend", BackendPrimary, "model", cfg.Model, "dimension", cfg.Dimension)
		return &Provider{Embedder: primary, Backend: BackendPrimary}
	}

	slog.Warn("Primary embedding model unavailable, binding term-frequency fallback",
		"model", cfg.Model, "error", err)
	return &Provider{
		Embedder: NewTermFrequencyEmbedder(cfg.Dimension, cfg.FallbackSeed),
		Backend:  BackendFallback,
	}
}
