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

package feedback

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/atlasmesh/compass/pkg/config"
)

// minImpressions is the evidence floor below which an item gets no boost.
// Tiny samples produce extreme click-through rates.
const minImpressions = 5.0

// Ranker turns the feedback log into per-result boost factors. Boosts are
// recomputed on a cadence and swapped in atomically; the search hot path
// only ever reads an immutable map.
type Ranker struct {
	store *Store
	cfg   atomic.Pointer[config.FeedbackConfig]

	boosts atomic.Pointer[map[string]float64]

	stop chan struct{}
	done chan struct{}
}

// NewRanker builds a ranker. Call Refresh once for an initial map, then
// Start for the background cadence.
func NewRanker(store *Store, cfg config.FeedbackConfig) *Ranker {
	r := &Ranker{
		store: store,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	r.cfg.Store(&cfg)
	empty := map[string]float64{}
	r.boosts.Store(&empty)
	return r
}

// UpdateConfig swaps the feedback tuning, used by config hot reload. New
// decay buckets and bounds take effect at the next refresh; the refresh
// cadence itself is fixed at startup.
func (r *Ranker) UpdateConfig(cfg config.FeedbackConfig) {
	r.cfg.Store(&cfg)
}

// Boost returns the current boost for a result, 0 when no evidence exists.
// The final score is semantic * (1 + boost).
func (r *Ranker) Boost(ref ResultRef) float64 {
	return (*r.boosts.Load())[ref.Key()]
}

// Refresh recomputes the boost map from the feedback window now.
func (r *Ranker) Refresh(ctx context.Context) error {
	window := r.windowCutoff()
	impressions, selections, err := r.store.loadWindow(ctx, window)
	if err != nil {
		return err
	}

	boosts := r.compute(impressions, selections)
	r.boosts.Store(&boosts)
	slog.Debug("feedback boosts refreshed", "items", len(boosts),
		"impressions", len(impressions), "selections", len(selections))
	return nil
}

// Start runs the refresh cadence until Stop.
func (r *Ranker) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Load().RefreshInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					slog.Warn("feedback refresh failed", "error", err)
				}
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the refresh cadence.
func (r *Ranker) Stop() {
	close(r.stop)
	<-r.done
}

// windowCutoff is the oldest event that still carries weight.
func (r *Ranker) windowCutoff() time.Time {
	maxHours := 0
	for _, b := range r.cfg.Load().DecayBuckets {
		if b.MaxAgeHours > maxHours {
			maxHours = b.MaxAgeHours
		}
	}
	if maxHours == 0 {
		maxHours = 30 * 24
	}
	return time.Now().UTC().Add(-time.Duration(maxHours) * time.Hour)
}

// decay maps an event age to its bucket weight. Events older than every
// bucket weigh zero (loadWindow excludes them anyway).
func (r *Ranker) decay(age time.Duration) float64 {
	hours := age.Hours()
	for _, b := range r.cfg.Load().DecayBuckets {
		if hours <= float64(b.MaxAgeHours) {
			return b.Weight
		}
	}
	return 0
}

// positionBias is the expected click propensity of a rank position. Clicks
// at deep positions are divided by a smaller bias, so they count for more
// than clicks on the top result.
func positionBias(position int) float64 {
	if position < 1 {
		position = 1
	}
	return 1.0 / math.Log2(float64(position)+1)
}

// compute derives clamped boosts: each item's position-corrected, time-
// decayed click-through rate relative to the global rate.
func (r *Ranker) compute(impressions []impression, selections []selection) map[string]float64 {
	type tally struct {
		impressions float64
		clicks      float64
	}
	tallies := make(map[string]*tally)
	var totalImpressions, totalClicks float64

	get := func(key string) *tally {
		t, ok := tallies[key]
		if !ok {
			t = &tally{}
			tallies[key] = t
		}
		return t
	}

	for _, imp := range impressions {
		w := r.decay(imp.age)
		get(imp.ref.Key()).impressions += w
		totalImpressions += w
	}
	for _, sel := range selections {
		w := r.decay(sel.age) / positionBias(sel.position)
		get(sel.ref.Key()).clicks += w
		totalClicks += w
	}

	if totalImpressions == 0 {
		return map[string]float64{}
	}
	globalCTR := totalClicks / totalImpressions

	bounds := r.cfg.Load().BoostBounds
	minBoost, maxBoost := bounds[0], bounds[1]
	boosts := make(map[string]float64, len(tallies))
	for key, t := range tallies {
		if t.impressions < minImpressions {
			continue
		}
		boost := t.clicks/t.impressions - globalCTR
		if boost < minBoost {
			boost = minBoost
		}
		if boost > maxBoost {
			boost = maxBoost
		}
		if boost != 0 {
			boosts[key] = boost
		}
	}
	return boosts
}
