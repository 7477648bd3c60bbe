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
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmesh/compass/pkg/config"
	"github.com/atlasmesh/compass/pkg/model"
)

func testCacheConfig() config.CacheConfig {
	cfg := config.CacheConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestEmbeddingCacheComputeOnce(t *testing.T) {
	c := NewEmbeddingCache(testCacheConfig())
	ctx := context.Background()

	var calls atomic.Int32
	compute := func(ctx context.Context) ([]float32, error) {
		calls.Add(1)
		return []float32{1, 2, 3}, nil
	}

	vec, hit, err := c.GetOrCompute(ctx, "find invoices", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []float32{1, 2, 3}, vec)

	vec, hit, err = c.GetOrCompute(ctx, "find invoices", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []float32{1, 2, 3}, vec)
	assert.Equal(t, int32(1), calls.Load())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestEmbeddingCacheError(t *testing.T) {
	c := NewEmbeddingCache(testCacheConfig())

	wantErr := errors.New("backend down")
	_, _, err := c.GetOrCompute(context.Background(), "q", func(ctx context.Context) ([]float32, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// A failed compute must not poison the key.
	vec, hit, err := c.GetOrCompute(context.Background(), "q", func(ctx context.Context) ([]float32, error) {
		return []float32{9}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []float32{9}, vec)
}

func TestEmbeddingCacheSingleflight(t *testing.T) {
	c := NewEmbeddingCache(testCacheConfig())
	ctx := context.Background()

	var calls atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := c.GetOrCompute(ctx, "same query", func(ctx context.Context) ([]float32, error) {
				calls.Add(1)
				return []float32{1}, nil
			})
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbeddingCachePurge(t *testing.T) {
	c := NewEmbeddingCache(testCacheConfig())
	ctx := context.Background()

	_, _, err := c.GetOrCompute(ctx, "q", func(ctx context.Context) ([]float32, error) {
		return []float32{1}, nil
	})
	require.NoError(t, err)

	c.PurgeAll(ctx)

	_, hit, err := c.GetOrCompute(ctx, "q", func(ctx context.Context) ([]float32, error) {
		return []float32{1}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestResponseCacheRoundTrip(t *testing.T) {
	c := NewResponseCache(testCacheConfig())
	ctx := context.Background()

	key := c.Key("find invoices", "tools_only", "compact", 10, "fp1")
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	c.Set(ctx, key, []byte(`{"results":[]}`))
	body, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, `{"results":[]}`, string(body))
}

func TestResponseCacheKeyDependsOnAllParts(t *testing.T) {
	c := NewResponseCache(testCacheConfig())

	base := c.Key("q", "tools_only", "compact", 10, "fp")
	assert.NotEqual(t, base, c.Key("q2", "tools_only", "compact", 10, "fp"))
	assert.NotEqual(t, base, c.Key("q", "agents_and_tools", "compact", 10, "fp"))
	assert.NotEqual(t, base, c.Key("q", "tools_only", "full", 10, "fp"))
	assert.NotEqual(t, base, c.Key("q", "tools_only", "compact", 20, "fp"))
	assert.NotEqual(t, base, c.Key("q", "tools_only", "compact", 10, "fp2"))
}

func TestResponseCachePurgeAll(t *testing.T) {
	c := NewResponseCache(testCacheConfig())
	ctx := context.Background()

	key := c.Key("q", "tools_only", "compact", 10, "fp")
	c.Set(ctx, key, []byte("body"))
	c.PurgeAll(ctx)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}

func TestFingerprintRoleOrderIndependent(t *testing.T) {
	a := &model.Identity{ID: "u1", Roles: []string{"admin", "finance"}}
	b := &model.Identity{ID: "u2", Roles: []string{"finance", "admin"}}

	assert.Equal(t, Fingerprint(a, nil), Fingerprint(b, nil))
}

func TestFingerprintIgnoresUnreferencedAttributes(t *testing.T) {
	a := &model.Identity{
		ID:         "u1",
		Roles:      []string{"finance"},
		Attributes: map[string]any{"department": "finance", "favorite_color": "blue"},
	}
	b := &model.Identity{
		ID:         "u2",
		Roles:      []string{"finance"},
		Attributes: map[string]any{"department": "finance", "favorite_color": "red"},
	}

	keys := []string{"department"}
	assert.Equal(t, Fingerprint(a, keys), Fingerprint(b, keys))
	assert.NotEqual(t, Fingerprint(a, keys),
		Fingerprint(&model.Identity{ID: "u3", Roles: []string{"finance"},
			Attributes: map[string]any{"department": "hr"}}, keys))
}

func TestFingerprintDiffersByRole(t *testing.T) {
	a := &model.Identity{ID: "u1", Roles: []string{"admin"}}
	b := &model.Identity{ID: "u2", Roles: []string{"viewer"}}
	assert.NotEqual(t, Fingerprint(a, nil), Fingerprint(b, nil))
}

func TestFingerprintDiffersByScopes(t *testing.T) {
	// Scopes change what the policy gate lets a caller see, so identical
	// roles with different scopes must never share a cache entry.
	plain := &model.Identity{ID: "u1", Roles: []string{"developer"}}
	scoped := &model.Identity{ID: "u2", Roles: []string{"developer"},
		Scopes: []string{"include_deprecated"}}

	assert.NotEqual(t, Fingerprint(plain, nil), Fingerprint(scoped, nil))

	reordered := &model.Identity{ID: "u3", Roles: []string{"developer"},
		Scopes: []string{"search", "include_deprecated"}}
	sameScopes := &model.Identity{ID: "u4", Roles: []string{"developer"},
		Scopes: []string{"include_deprecated", "search"}}
	assert.Equal(t, Fingerprint(reordered, nil), Fingerprint(sameScopes, nil))
}
