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

package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ExampleCallsShape discriminates the wire shape of a tool's example calls.
type ExampleCallsShape int

const (
	// ExampleCallsAbsent means no example calls were provided.
	ExampleCallsAbsent ExampleCallsShape = iota
	// ExampleCallsMapping means example calls arrived as a name→payload map.
	ExampleCallsMapping
	// ExampleCallsSequence means example calls arrived as a bare list.
	ExampleCallsSequence
)

// ExampleCalls preserves the shape divergence of the registry's example_calls
// field. The registry permits either a mapping or a sequence; consumers must
// tolerate both. The embedding document builder treats the two shapes
// differently, so the distinction is carried end to end instead of being
// normalized away at the boundary.
type ExampleCalls struct {
	shape ExampleCallsShape
	keys  []string
	count int
	raw   json.RawMessage
}

// NewExampleCallsMapping builds the mapping variant. Keys are kept sorted so
// downstream composition is deterministic.
func NewExampleCallsMapping(keys []string, raw json.RawMessage) ExampleCalls {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return ExampleCalls{shape: ExampleCallsMapping, keys: sorted, count: len(sorted), raw: raw}
}

// NewExampleCallsSequence builds the sequence variant.
func NewExampleCallsSequence(count int, raw json.RawMessage) ExampleCalls {
	return ExampleCalls{shape: ExampleCallsSequence, count: count, raw: raw}
}

// Shape returns the wire shape.
func (e ExampleCalls) Shape() ExampleCallsShape { return e.shape }

// Keys returns the sorted mapping keys; nil for non-mapping shapes.
func (e ExampleCalls) Keys() []string { return e.keys }

// Count returns the number of examples regardless of shape.
func (e ExampleCalls) Count() int { return e.count }

// IsZero reports whether no example calls are present.
func (e ExampleCalls) IsZero() bool { return e.shape == ExampleCallsAbsent }

// MarshalJSON emits the original wire form, or null when absent.
func (e ExampleCalls) MarshalJSON() ([]byte, error) {
	if e.shape == ExampleCallsAbsent || len(e.raw) == 0 {
		return []byte("null"), nil
	}
	return e.raw, nil
}

// UnmarshalJSON accepts a mapping, a sequence, or null.
func (e *ExampleCalls) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*e = ExampleCalls{}
		return nil
	}
	switch data[0] {
	case '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("example_calls mapping: %w", err)
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		*e = NewExampleCallsMapping(keys, append(json.RawMessage(nil), data...))
		return nil
	case '[':
		var s []json.RawMessage
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("example_calls sequence: %w", err)
		}
		*e = NewExampleCallsSequence(len(s), append(json.RawMessage(nil), data...))
		return nil
	default:
		return fmt.Errorf("example_calls: expected object or array, got %q", data[0])
	}
}
