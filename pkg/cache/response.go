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
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/atlasmesh/compass/pkg/config"
)

const responsePrefix = "compass:resp:"

// ResponseCache memoizes serialized search responses. The key covers the
// normalized query, search mode, verbosity, result limit and the caller's
// access fingerprint, so a hit is only possible when the cached body is
// byte-for-byte valid for the caller.
type ResponseCache struct {
	local *expirable.LRU[string, []byte]
	rdb   *redis.Client
	ttl   time.Duration
	counters
}

// NewResponseCache builds the response cache from config.
func NewResponseCache(cfg config.CacheConfig) *ResponseCache {
	return &ResponseCache{
		local: expirable.NewLRU[string, []byte](cfg.ResponseCapacity, nil, cfg.ResponseTTL()),
		rdb:   newRedisClient(cfg),
		ttl:   cfg.ResponseTTL(),
	}
}

// Key derives the cache key for a request shape.
func (c *ResponseCache) Key(normalizedQuery, mode, verbosity string, limit int, fingerprint string) string {
	return hashKey(normalizedQuery, mode, verbosity, strconv.Itoa(limit), fingerprint)
}

// Get returns the cached response body, if any.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if body, ok := c.local.Get(key); ok {
		c.hit()
		return body, true
	}
	if c.rdb != nil {
		if body, err := c.rdb.Get(ctx, responsePrefix+key).Bytes(); err == nil {
			c.local.Add(key, body)
			c.hit()
			return body, true
		}
	}
	c.miss()
	return nil, false
}

// Set stores a response body.
func (c *ResponseCache) Set(ctx context.Context, key string, body []byte) {
	c.local.Add(key, body)
	if c.rdb != nil {
		c.rdb.Set(ctx, responsePrefix+key, body, c.ttl)
	}
}

// PurgeAll drops every cached response. Called after any index mutation;
// ranking depends on global index state, so per-entry invalidation is not
// sound.
func (c *ResponseCache) PurgeAll(ctx context.Context) {
	c.local.Purge()
	if c.rdb != nil {
		redisScanDelete(ctx, c.rdb, responsePrefix)
	}
}

// Stats returns hit/miss counters.
func (c *ResponseCache) Stats() Stats { return c.stats() }
