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

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps buckets in process memory. Idle buckets are evicted
// after staleAfter so one-off identities do not accumulate forever.
type MemoryStore struct {
	mu         sync.RWMutex
	buckets    map[string]*Bucket
	staleAfter time.Duration
	lastSweep  time.Time
}

// NewMemoryStore creates an in-process bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:    make(map[string]*Bucket),
		staleAfter: time.Hour,
		lastSweep:  time.Now(),
	}
}

// Get returns a copy of the bucket for key, or nil.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[key]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

// Put stores the bucket for key, sweeping stale entries opportunistically.
func (m *MemoryStore) Put(ctx context.Context, key string, b *Bucket) error {
	cp := *b
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[key] = &cp

	if time.Since(m.lastSweep) > m.staleAfter {
		cutoff := time.Now().Add(-m.staleAfter)
		for k, v := range m.buckets {
			if v.LastRefill.Before(cutoff) {
				delete(m.buckets, k)
			}
		}
		m.lastSweep = time.Now()
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
