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

package cache

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/atlasmesh/compass/pkg/config"
)

const embeddingPrefix = "compass:emb:"

// EmbeddingCache memoizes query embeddings keyed by the hash of the
// normalized query text. Concurrent misses for the same query collapse into
// one embedding computation.
type EmbeddingCache struct {
	local *expirable.LRU[string, []float32]
	rdb   *redis.Client
	ttl   time.Duration
	group singleflight.Group
	counters
}

// NewEmbeddingCache builds the embedding cache from config.
func NewEmbeddingCache(cfg config.CacheConfig) *EmbeddingCache {
	return &EmbeddingCache{
		local: expirable.NewLRU[string, []float32](cfg.EmbeddingCapacity, nil, cfg.EmbeddingTTL()),
		rdb:   newRedisClient(cfg),
		ttl:   cfg.EmbeddingTTL(),
	}
}

// GetOrCompute returns the cached embedding for normalizedQuery, computing
// and storing it on a miss. The boolean reports whether the value was served
// from cache.
func (c *EmbeddingCache) GetOrCompute(ctx context.Context, normalizedQuery string,
	compute func(ctx context.Context) ([]float32, error)) ([]float32, bool, error) {

	key := hashKey(normalizedQuery)

	if vec, ok := c.local.Get(key); ok {
		c.hit()
		return vec, true, nil
	}
	if vec := c.redisGet(ctx, key); vec != nil {
		c.local.Add(key, vec)
		c.hit()
		return vec, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A flight that lost the race may find the value now present.
		if vec, ok := c.local.Get(key); ok {
			return vec, nil
		}
		vec, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.local.Add(key, vec)
		c.redisSet(ctx, key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, false, err
	}
	c.miss()
	return v.([]float32), false, nil
}

// PurgeAll drops every cached embedding, local and shared.
func (c *EmbeddingCache) PurgeAll(ctx context.Context) {
	c.local.Purge()
	if c.rdb != nil {
		redisScanDelete(ctx, c.rdb, embeddingPrefix)
	}
}

// Stats returns hit/miss counters.
func (c *EmbeddingCache) Stats() Stats { return c.stats() }

func (c *EmbeddingCache) redisGet(ctx context.Context, key string) []float32 {
	if c.rdb == nil {
		return nil
	}
	raw, err := c.rdb.Get(ctx, embeddingPrefix+key).Bytes()
	if err != nil {
		return nil
	}
	return decodeVector(raw)
}

func (c *EmbeddingCache) redisSet(ctx context.Context, key string, vec []float32) {
	if c.rdb == nil {
		return
	}
	c.rdb.Set(ctx, embeddingPrefix+key, encodeVector(vec), c.ttl)
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte) []float32 {
	if len(raw)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec
}
