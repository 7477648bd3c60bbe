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

package indexer

import (
	"fmt"
	"strings"

	"github.com/atlasmesh/compass/pkg/embedder"
	"github.com/atlasmesh/compass/pkg/model"
	"github.com/atlasmesh/compass/pkg/registry"
)

// ComposeServiceDoc builds the embedding document for a service: name,
// description, capability descriptions in declared order, domain tags, then
// interaction modes. Integration details never contribute text.
func ComposeServiceDoc(b *registry.ServiceBundle) string {
	var parts []string
	parts = append(parts, b.Service.Name, b.Service.Description)
	for _, c := range b.Service.Capabilities {
		parts = append(parts, c.Name, c.Description)
	}
	parts = append(parts, b.Service.Domains...)
	parts = append(parts, b.Service.InteractionModes...)
	return embedder.Normalize(strings.Join(parts, " "))
}

// ComposeToolDoc builds the embedding document for a tool: tool name,
// description, owning service name, then example-call keys when the examples
// arrived as a mapping. Sequence-shaped examples contribute only their count;
// the two registry shapes are deliberately not unified.
func ComposeToolDoc(t *model.Tool, serviceName string) string {
	parts := []string{t.Name, t.Description, serviceName}
	switch t.ExampleCalls.Shape() {
	case model.ExampleCallsMapping:
		parts = append(parts, t.ExampleCalls.Keys()...)
	case model.ExampleCallsSequence:
		parts = append(parts, fmt.Sprintf("%d example(s)", t.ExampleCalls.Count()))
	}
	return embedder.Normalize(strings.Join(parts, " "))
}
