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
	"fmt"
	"sort"
	"strings"

	"github.com/atlasmesh/compass/pkg/model"
)

// Fingerprint derives a stable digest of the caller's access-relevant
// context: sorted roles, sorted scopes, plus only those attributes some
// policy actually references. Scopes gate visibility too (deprecated
// services are hidden without include_deprecated), so callers differing
// only in scopes must not share response-cache entries.
func Fingerprint(ident *model.Identity, policyAttrKeys []string) string {
	var b strings.Builder
	for _, role := range ident.SortedRoles() {
		b.WriteString("r:")
		b.WriteString(role)
		b.WriteByte('\n')
	}
	scopes := append([]string(nil), ident.Scopes...)
	sort.Strings(scopes)
	for _, scope := range scopes {
		b.WriteString("s:")
		b.WriteString(scope)
		b.WriteByte('\n')
	}
	// policyAttrKeys is already sorted by the registry.
	for _, key := range policyAttrKeys {
		v, ok := ident.Attributes[key]
		if !ok {
			continue
		}
		b.WriteString("a:")
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(fmt.Sprintf("%v", v))
		b.WriteByte('\n')
	}
	return hashKey(b.String())
}
