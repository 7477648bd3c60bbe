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
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
)

// TermFrequencyEmbedder is the deterministic fallback backend. Each term maps
// to a fixed pseudo-random unit direction seeded by (seed, term); a text
// embeds as the IDF-weighted sum of its term directions, unit-normalized.
//
// The projection is a function of configuration only, so two processes with
// the same seed and dimension produce identical vectors for identical input.
type TermFrequencyEmbedder struct {
	dimension int
	seed      int64
	model     string

	mu   sync.RWMutex
	idf  map[string]float64
	docs int
}

// NewTermFrequencyEmbedder creates the fallback embedder.
func NewTermFrequencyEmbedder(dimension int, seed int64) *TermFrequencyEmbedder {
	return &TermFrequencyEmbedder{
		dimension: dimension,
		seed:      seed,
		model:     "tf-fallback",
		idf:       make(map[string]float64),
	}
}

// Fit rebuilds the vocabulary IDF table from the corpus documents. Terms not
// seen during Fit still embed via the projection with weight 1.
func (e *TermFrequencyEmbedder) Fit(corpus []string) {
	df := make(map[string]int)
	for _, doc := range corpus {
		seen := make(map[string]bool)
		for _, term := range Tokenize(doc) {
			if !seen[term] {
				seen[term] = true
				df[term]++
			}
		}
	}

	idf := make(map[string]float64, len(df))
	for term, n := range df {
		idf[term] = math.Log(float64(len(corpus)+1)/float64(n+1)) + 1
	}

	e.mu.Lock()
	e.idf = idf
	e.docs = len(corpus)
	e.mu.Unlock()
}

// termDirection returns the fixed projection direction for a term.
func (e *TermFrequencyEmbedder) termDirection(term string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(term))
	rng := rand.New(rand.NewSource(e.seed ^ int64(h.Sum64())))

	dir := make([]float32, e.dimension)
	for i := range dir {
		dir[i] = float32(rng.NormFloat64())
	}
	return UnitNorm(dir)
}

// Embed embeds one text deterministically.
func (e *TermFrequencyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := Tokenize(text)
	tf := make(map[string]int, len(terms))
	for _, term := range terms {
		tf[term]++
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	vec := make([]float32, e.dimension)
	for term, count := range tf {
		weight := 1.0
		if w, ok := e.idf[term]; ok {
			weight = w
		}
		scale := float32(float64(count) * weight)
		for i, d := range e.termDirection(term) {
			vec[i] += scale * d
		}
	}

	return UnitNorm(vec), nil
}

// EmbedBatch embeds multiple texts.
func (e *TermFrequencyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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
func (e *TermFrequencyEmbedder) Dimension() int { return e.dimension }

// Model returns the fallback model identifier.
func (e *TermFrequencyEmbedder) Model() string { return e.model }

// Close is a no-op.
func (e *TermFrequencyEmbedder) Close() error { return nil }

var _ Embedder = (*TermFrequencyEmbedder)(nil)
