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

package search

import (
	"sort"
	"strings"

	"github.com/atlasmesh/compass/pkg/embedder"
	"github.com/atlasmesh/compass/pkg/registry"
)

// keywordHit is a degraded-mode candidate.
type keywordHit struct {
	bundle *registry.ServiceBundle
	score  float64
}

// keywordScan ranks candidates by token overlap between the query and each
// service's name, description and capability names. Used when no vector
// index can serve the request; candidates are pre-bounded by the caller.
func keywordScan(query string, candidates []registry.ServiceBundle, k int) []keywordHit {
	queryTokens := uniqueTokens(query)
	if len(queryTokens) == 0 {
		return nil
	}

	hits := make([]keywordHit, 0, len(candidates))
	for i := range candidates {
		b := &candidates[i]
		score := overlapScore(queryTokens, serviceText(b))
		if score > 0 {
			hits = append(hits, keywordHit{bundle: b, score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].bundle.Service.ID < hits[j].bundle.Service.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func serviceText(b *registry.ServiceBundle) string {
	parts := []string{b.Service.Name, b.Service.Description}
	for _, c := range b.Service.Capabilities {
		parts = append(parts, c.Name)
	}
	return strings.Join(parts, " ")
}

func uniqueTokens(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range embedder.Tokenize(s) {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

// overlapScore is the fraction of query tokens occurring in the document.
// Substring matching, so "invoice" finds both "invoices" and "InvoiceAPI".
func overlapScore(queryTokens []string, doc string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	normalized := embedder.Normalize(doc)
	matched := 0
	for _, tok := range queryTokens {
		if strings.Contains(normalized, tok) {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}
