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

package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryIndex is the default index backend: a flat in-memory store with
// exact cosine search. Registry corpora are small enough (thousands of
// entries) that exact scan beats approximate structures on both latency and
// correctness.
type MemoryIndex struct {
	model     string
	dimension int

	mu      sync.RWMutex
	ids     []int64
	vectors [][]float32
	pos     map[int64]int
}

// NewMemoryIndex creates an empty index bound to an embedding model identity.
func NewMemoryIndex(model string, dimension int) *MemoryIndex {
	return &MemoryIndex{
		model:     model,
		dimension: dimension,
		pos:       make(map[int64]int),
	}
}

// Add inserts a vector under id.
func (x *MemoryIndex) Add(ctx context.Context, id int64, vec []float32) error {
	if len(vec) != x.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), x.dimension)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.pos[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	x.pos[id] = len(x.ids)
	x.ids = append(x.ids, id)
	x.vectors = append(x.vectors, vec)
	return nil
}

// Update replaces the vector under id, inserting if absent.
func (x *MemoryIndex) Update(ctx context.Context, id int64, vec []float32) error {
	if len(vec) != x.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), x.dimension)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if p, exists := x.pos[id]; exists {
		x.vectors[p] = vec
		return nil
	}
	x.pos[id] = len(x.ids)
	x.ids = append(x.ids, id)
	x.vectors = append(x.vectors, vec)
	return nil
}

// Remove deletes id via swap-with-last. Missing ids are a no-op.
func (x *MemoryIndex) Remove(ctx context.Context, id int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	p, exists := x.pos[id]
	if !exists {
		return nil
	}

	last := len(x.ids) - 1
	if p != last {
		x.ids[p] = x.ids[last]
		x.vectors[p] = x.vectors[last]
		x.pos[x.ids[p]] = p
	}
	x.ids = x.ids[:last]
	x.vectors = x.vectors[:last]
	delete(x.pos, id)
	return nil
}

// Search scans all vectors and returns the top k by inner product.
func (x *MemoryIndex) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if len(vec) != x.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), x.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := make([]Hit, 0, len(x.ids))
	for i, v := range x.vectors {
		var dot float32
		for j, a := range v {
			dot += a * vec[j]
		}
		hits = append(hits, Hit{ID: x.ids[i], Score: dot})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of indexed vectors.
func (x *MemoryIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Vector returns the stored vector for id, if present. Used by the
// similar-services endpoint to avoid re-embedding.
func (x *MemoryIndex) Vector(id int64) ([]float32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	p, ok := x.pos[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(x.vectors[p]))
	copy(out, x.vectors[p])
	return out, true
}

// ReplaceAll atomically swaps the index contents with a freshly built set.
// Readers see either the old or the new state, never a partial one.
func (x *MemoryIndex) ReplaceAll(ids []int64, vectors [][]float32) {
	pos := make(map[int64]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}

	x.mu.Lock()
	x.ids = ids
	x.vectors = vectors
	x.pos = pos
	x.mu.Unlock()
}

var _ Index = (*MemoryIndex)(nil)
