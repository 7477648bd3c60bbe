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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

// ChromemIndex is an alternative index backend over chromem-go's embedded
// vector store. Embeddings are computed externally and handed in
// pre-computed; the registered embedding function must never fire.
type ChromemIndex struct {
	model      string
	dimension  int
	collection string

	mu  sync.RWMutex
	db  *chromem.DB
	col *chromem.Collection
}

// NewChromemIndex creates a chromem-backed index.
func NewChromemIndex(collection, model string, dimension int) (*ChromemIndex, error) {
	db := chromem.NewDB()

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	col, err := db.GetOrCreateCollection(collection, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("create collection %q: %w", collection, err)
	}

	return &ChromemIndex{
		model:      model,
		dimension:  dimension,
		collection: collection,
		db:         db,
		col:        col,
	}, nil
}

func (x *ChromemIndex) add(ctx context.Context, id int64, vec []float32) error {
	if len(vec) != x.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), x.dimension)
	}

	doc := chromem.Document{
		ID:        strconv.FormatInt(id, 10),
		Content:   strconv.FormatInt(id, 10),
		Embedding: vec,
	}
	if err := x.col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add document %d: %w", id, err)
	}
	return nil
}

// Add inserts a vector under id.
func (x *ChromemIndex) Add(ctx context.Context, id int64, vec []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.add(ctx, id, vec)
}

// Update replaces the vector under id.
func (x *ChromemIndex) Update(ctx context.Context, id int64, vec []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	_ = x.col.Delete(ctx, nil, nil, strconv.FormatInt(id, 10))
	return x.add(ctx, id, vec)
}

// Remove deletes the vector under id.
func (x *ChromemIndex) Remove(ctx context.Context, id int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.col.Delete(ctx, nil, nil, strconv.FormatInt(id, 10)); err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	return nil
}

// Search returns up to k hits by descending similarity, ties by ascending id.
func (x *ChromemIndex) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if len(vec) != x.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), x.dimension)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	// chromem rejects k greater than the document count.
	if count := x.col.Count(); k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := x.col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", x.collection, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: r.Similarity})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

// Len returns the number of indexed vectors.
func (x *ChromemIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.col.Count()
}

// Snapshot exports the chromem database plus Compass snapshot metadata.
func (x *ChromemIndex) Snapshot(dir string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	dataPath := filepath.Join(dir, dataFile)
	//nolint:staticcheck // Export is the stable persistence entry point for this library version.
	if err := x.db.Export(dataPath, false, ""); err != nil {
		return fmt.Errorf("export database: %w", err)
	}

	raw, err := os.ReadFile(dataPath)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(raw)

	meta := Meta{
		EmbeddingModel: x.model,
		Dimension:      x.dimension,
		VectorCount:    x.col.Count(),
		Checksum:       hex.EncodeToString(sum[:]),
		CreatedAt:      time.Now().UTC(),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metaFile), metaBytes, 0644)
}

// Load restores a snapshot written by Snapshot.
func (x *ChromemIndex) Load(dir string) error {
	meta, err := ReadMeta(dir)
	if err != nil {
		return err
	}
	if meta.EmbeddingModel != x.model {
		return fmt.Errorf("%w: snapshot %q, configured %q",
			ErrModelMismatch, meta.EmbeddingModel, x.model)
	}
	if meta.Dimension != x.dimension {
		return fmt.Errorf("%w: snapshot %d, configured %d",
			ErrDimensionMismatch, meta.Dimension, x.dimension)
	}

	dataPath := filepath.Join(dir, dataFile)
	raw, err := os.ReadFile(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoSnapshot
		}
		return err
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return ErrChecksumMismatch
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	//nolint:staticcheck // Import mirrors Export above.
	if err := x.db.Import(dataPath, ""); err != nil {
		return fmt.Errorf("%w: import failed: %v", ErrChecksumMismatch, err)
	}
	x.col = x.db.GetCollection(x.collection, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	})
	if x.col == nil {
		return ErrNoSnapshot
	}
	return nil
}

var _ Index = (*ChromemIndex)(nil)
