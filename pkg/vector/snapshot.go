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
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	dataFile  = "vectors.gob"
	idMapFile = "id_map"
	metaFile  = "meta.json"
)

// Meta describes a persisted snapshot. A snapshot is only accepted when its
// checksum matches the data file and its embedding model matches the
// configured one.
type Meta struct {
	EmbeddingModel string    `json:"embedding_model"`
	Dimension      int       `json:"dimension"`
	VectorCount    int       `json:"vector_count"`
	Checksum       string    `json:"checksum"`
	CreatedAt      time.Time `json:"created_at"`
}

type snapshotData struct {
	IDs     []int64
	Vectors [][]float32
}

// Snapshot persists the index contents under dir.
func (x *MemoryIndex) Snapshot(dir string) error {
	x.mu.RLock()
	data := snapshotData{
		IDs:     append([]int64(nil), x.ids...),
		Vectors: make([][]float32, len(x.vectors)),
	}
	for i, v := range x.vectors {
		data.Vectors[i] = append([]float32(nil), v...)
	}
	x.mu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())

	if err := os.WriteFile(filepath.Join(dir, dataFile), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write snapshot data: %w", err)
	}

	var idMap bytes.Buffer
	for pos, id := range data.IDs {
		fmt.Fprintf(&idMap, "%d %d\n", pos, id)
	}
	if err := os.WriteFile(filepath.Join(dir, idMapFile), idMap.Bytes(), 0644); err != nil {
		return fmt.Errorf("write id_map: %w", err)
	}

	meta := Meta{
		EmbeddingModel: x.model,
		Dimension:      x.dimension,
		VectorCount:    len(data.IDs),
		Checksum:       hex.EncodeToString(sum[:]),
		CreatedAt:      time.Now().UTC(),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), metaBytes, 0644); err != nil {
		return fmt.Errorf("write meta.json: %w", err)
	}

	return nil
}

// Load restores index contents from dir. Returns ErrNoSnapshot when no
// snapshot exists, ErrChecksumMismatch or ErrModelMismatch when the snapshot
// is unusable; all three schedule a full rebuild at the caller.
func (x *MemoryIndex) Load(dir string) error {
	metaBytes, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoSnapshot
		}
		return fmt.Errorf("read meta.json: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("%w: bad meta.json: %v", ErrChecksumMismatch, err)
	}

	if meta.EmbeddingModel != x.model {
		return fmt.Errorf("%w: snapshot %q, configured %q",
			ErrModelMismatch, meta.EmbeddingModel, x.model)
	}
	if meta.Dimension != x.dimension {
		return fmt.Errorf("%w: snapshot %d, configured %d",
			ErrDimensionMismatch, meta.Dimension, x.dimension)
	}

	raw, err := os.ReadFile(filepath.Join(dir, dataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoSnapshot
		}
		return fmt.Errorf("read snapshot data: %w", err)
	}

	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return ErrChecksumMismatch
	}

	var data snapshotData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return fmt.Errorf("%w: undecodable data: %v", ErrChecksumMismatch, err)
	}

	x.ReplaceAll(data.IDs, data.Vectors)
	return nil
}

// ReadMeta reads snapshot metadata without loading vectors.
func ReadMeta(dir string) (*Meta, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
