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

package embedder

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "Create Invoice", "create invoice"},
		{"collapse whitespace", "  create \t\n invoice  ", "create invoice"},
		{"nfkc fullwidth", "Ｉｎｖｏｉｃｅ", "invoice"},
		{"already normal", "create invoice", "create invoice"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			assert.Equal(t, tt.want, got)
			// Normalization is idempotent.
			assert.Equal(t, got, Normalize(got))
		})
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"create", "invoice", "v2"},
		Tokenize("Create-Invoice (v2)!"))
	assert.Empty(t, Tokenize("--- !!! ---"))
}

func TestUnitNorm(t *testing.T) {
	v := UnitNorm([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	// Zero vectors pass through untouched.
	zero := UnitNorm([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, zero)
}

func vecNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestTermFrequencyDeterminism(t *testing.T) {
	ctx := context.Background()

	a := NewTermFrequencyEmbedder(64, 7)
	b := NewTermFrequencyEmbedder(64, 7)

	va, err := a.Embed(ctx, "create customer invoice")
	require.NoError(t, err)
	vb, err := b.Embed(ctx, "create customer invoice")
	require.NoError(t, err)
	assert.Equal(t, va, vb, "same seed and input must embed identically")

	// A different seed produces a different projection.
	c := NewTermFrequencyEmbedder(64, 8)
	vc, err := c.Embed(ctx, "create customer invoice")
	require.NoError(t, err)
	assert.NotEqual(t, va, vc)
}

func TestTermFrequencyUnitNormOutput(t *testing.T) {
	e := NewTermFrequencyEmbedder(32, 1)
	v, err := e.Embed(context.Background(), "refund payment card")
	require.NoError(t, err)
	require.Len(t, v, 32)
	assert.InDelta(t, 1.0, vecNorm(v), 1e-5)
}

func TestTermFrequencySimilarityOrdering(t *testing.T) {
	ctx := context.Background()
	e := NewTermFrequencyEmbedder(128, 1)
	e.Fit([]string{
		"create customer invoice billing",
		"search shoes product catalog",
		"read secret vault path",
	})

	query, err := e.Embed(ctx, "customer invoice")
	require.NoError(t, err)
	invoice, err := e.Embed(ctx, "create customer invoice billing")
	require.NoError(t, err)
	shoes, err := e.Embed(ctx, "search shoes product catalog")
	require.NoError(t, err)

	assert.Greater(t, dot(query, invoice), dot(query, shoes),
		"query must land closer to the overlapping document")
}

func TestTermFrequencyEmbedBatch(t *testing.T) {
	ctx := context.Background()
	e := NewTermFrequencyEmbedder(16, 1)

	texts := []string{"alpha beta", "gamma delta"}
	batch, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	for i, text := range texts {
		single, err := e.Embed(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestTermFrequencyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewTermFrequencyEmbedder(16, 1)
	_, err := e.Embed(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}
