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

package vector

import (
	"fmt"

	"github.com/atlasmesh/compass/pkg/config"
)

// Logical index names; also the snapshot subdirectory names under INDEX_DIR.
const (
	CollectionServices = "services"
	CollectionTools    = "tools"
)

// New creates an index for the configured backend.
func New(cfg config.IndexConfig, collection, model string, dimension int) (Index, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryIndex(model, dimension), nil
	case "chromem":
		return NewChromemIndex(collection, model, dimension)
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
}
