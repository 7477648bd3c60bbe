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

// Package vector provides the ANN indexes behind capability search.
//
// Two logical instances exist per deployment: one over services, one over
// tools. Vectors are unit-norm, so cosine similarity is computed as an inner
// product. Writes are serialized by the invalidation controller; reads are
// safe under concurrency and always observe a complete pre- or post-write
// state.
package vector

import (
	"context"
	"errors"
)

// Hit is one search result: a domain id and its cosine similarity.
type Hit struct {
	ID    int64
	Score float32
}

// Index is an ANN structure over vectors with stable integer ids.
type Index interface {
	// Add inserts a vector under id. Adding an existing id is an error.
	Add(ctx context.Context, id int64, vec []float32) error

	// Update replaces the vector under id, inserting if absent.
	Update(ctx context.Context, id int64, vec []float32) error

	// Remove deletes the vector under id. Removing a missing id is a no-op.
	Remove(ctx context.Context, id int64) error

	// Search returns up to k hits ordered by descending similarity, ties
	// broken by ascending id.
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)

	// Len returns the number of indexed vectors.
	Len() int

	// Snapshot persists the index under dir (data file, id_map, meta.json).
	Snapshot(dir string) error

	// Load restores the index from dir, verifying checksum and embedding
	// model identity.
	Load(dir string) error
}

// Errors surfaced by snapshot loading. Both schedule a full rebuild.
var (
	ErrChecksumMismatch  = errors.New("snapshot checksum mismatch")
	ErrModelMismatch     = errors.New("snapshot embedding model mismatch")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrDuplicateID       = errors.New("id already indexed")
	ErrNoSnapshot        = errors.New("no snapshot present")
)
