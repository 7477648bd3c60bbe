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

// Package ratelimit admits requests per authenticated identity using token
// buckets. The bucket state lives behind the Store interface so a shared
// backend can replace the in-process store without touching the limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlasmesh/compass/pkg/config"
)

// Bucket is the persisted state of one identity's token bucket.
type Bucket struct {
	Tokens     float64
	LastRefill time.Time
}

// Store persists bucket state keyed by identity.
type Store interface {
	// Get returns the bucket for key, or nil when none exists yet.
	Get(ctx context.Context, key string) (*Bucket, error)
	// Put stores the bucket for key.
	Put(ctx context.Context, key string, b *Bucket) error
}

// Result reports an admission decision plus the header values that describe
// it to the caller.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter admits requests against per-identity token buckets.
type Limiter struct {
	cfg   config.RateLimitConfig
	store Store
	now   func() time.Time

	// mu makes the load-modify-store sequence atomic across goroutines.
	mu sync.Mutex
}

// NewLimiter builds a limiter over store.
func NewLimiter(cfg config.RateLimitConfig, store Store) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &Limiter{cfg: cfg, store: store, now: time.Now}, nil
}

// Allow consumes one token from identity's bucket if available. perMinute
// overrides the configured default when positive (per-key quotas).
func (l *Limiter) Allow(ctx context.Context, identity string, perMinute int) (*Result, error) {
	if !l.cfg.IsEnabled() {
		return &Result{Allowed: true, Remaining: 1}, nil
	}
	if identity == "" {
		return nil, fmt.Errorf("identity cannot be empty")
	}

	limit := l.cfg.PerMinute
	if perMinute > 0 {
		limit = perMinute
	}
	capacity := float64(limit + l.cfg.Burst)
	refillPerSec := float64(limit) / 60.0

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, err := l.store.Get(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("load bucket %q: %w", identity, err)
	}
	if bucket == nil {
		bucket = &Bucket{Tokens: capacity, LastRefill: now}
	} else {
		elapsed := now.Sub(bucket.LastRefill).Seconds()
		bucket.Tokens += elapsed * refillPerSec
		if bucket.Tokens > capacity {
			bucket.Tokens = capacity
		}
		bucket.LastRefill = now
	}

	res := &Result{Limit: limit}
	if bucket.Tokens >= 1 {
		bucket.Tokens--
		res.Allowed = true
	} else {
		deficit := 1 - bucket.Tokens
		res.RetryAfter = time.Duration(deficit/refillPerSec*float64(time.Second)) + time.Second
	}
	res.Remaining = int(bucket.Tokens)
	res.Reset = now.Add(time.Duration((capacity - bucket.Tokens) / refillPerSec * float64(time.Second)))

	if err := l.store.Put(ctx, identity, bucket); err != nil {
		return nil, fmt.Errorf("store bucket %q: %w", identity, err)
	}
	return res, nil
}
