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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/atlasmesh/compass/pkg/config"
)

// ErrBackendUnavailable marks a transient inference failure. Requests hitting
// it fail with a retryable error; the process never silently swaps backends
// mid-flight.
var ErrBackendUnavailable = errors.New("embedding backend unavailable")

// TransformerEmbedder is the primary backend: a sentence-transformer model
// served over HTTP (Ollama-compatible /api/embeddings contract).
type TransformerEmbedder struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewTransformerEmbedder creates the primary embedder and verifies the model
// is reachable by embedding a probe string.
func NewTransformerEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (*TransformerEmbedder, error) {
	e := &TransformerEmbedder{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}

	vec, err := e.Embed(ctx, "compass startup probe")
	if err != nil {
		return nil, fmt.Errorf("probe embedding model %q: %w", cfg.Model, err)
	}
	if len(vec) != cfg.Dimension {
		return nil, fmt.Errorf("model %q returned dimension %d, configured %d",
			cfg.Model, len(vec), cfg.Dimension)
	}

	return e, nil
}

// Embed embeds one normalized text.
func (e *TransformerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.cfg.Model, Prompt: Normalize(text)})
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
			e.cfg.Host+"/api/embeddings", bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = e.client.Do(req)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("Embedding retry", "attempt", attempt+1, "error", err)
		if attempt < e.cfg.MaxRetries-1 {
			select {
			case <-time.After(time.Duration(attempt+1) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, payload)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrBackendUnavailable)
	}

	return UnitNorm(out.Embedding), nil
}

// EmbedBatch embeds texts sequentially. The inference endpoint serializes
// embedding requests anyway, so no parallelism is attempted here.
func (e *TransformerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// Dimension returns the configured vector dimension.
func (e *TransformerEmbedder) Dimension() int { return e.cfg.Dimension }

// Model returns the model identifier.
func (e *TransformerEmbedder) Model() string { return e.cfg.Model }

// Close releases client resources.
func (e *TransformerEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

var _ Embedder = (*TransformerEmbedder)(nil)
