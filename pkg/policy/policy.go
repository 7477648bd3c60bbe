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

// Package policy decides result visibility. Evaluation is a pure function of
// the caller's identity and the candidate's bundled policies; it performs no
// I/O, so the search pipeline can filter over-fetched candidates without
// per-candidate round trips.
//
// Filtering is silent. An excluded candidate simply does not appear; the
// response never signals that something was withheld.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/atlasmesh/compass/pkg/model"
	"github.com/atlasmesh/compass/pkg/registry"
)

// ScopeIncludeDeprecated lets a caller see deprecated services, for migration
// tooling.
const ScopeIncludeDeprecated = "include_deprecated"

// Allowed reports whether ident may see the service. Every attached policy
// must pass; a service with no policies is gated by visibility alone.
func Allowed(ident *model.Identity, bundle *registry.ServiceBundle) bool {
	if bundle.Service.Status == model.StatusInactive {
		return false
	}
	if bundle.Service.Status == model.StatusDeprecated && !ident.HasScope(ScopeIncludeDeprecated) {
		return false
	}

	switch bundle.Service.Visibility {
	case model.VisibilityPublic, model.VisibilityInternal, model.VisibilityOrgWide:
		// Reaching this code at all means the caller authenticated.
	case model.VisibilityRestricted:
		// Restricted services are visible only through an explicit policy
		// grant; an empty policy set denies.
		if len(bundle.Policies) == 0 {
			return false
		}
	default:
		return false
	}

	for _, p := range bundle.Policies {
		if !policyAllows(ident, p) {
			return false
		}
	}
	return true
}

func policyAllows(ident *model.Identity, p model.AccessPolicy) bool {
	switch p.Type {
	case model.PolicyRoleBased:
		return hasAllRoles(ident, p.RequiredRoles)
	case model.PolicyAttributeBased:
		return evalConstraints(ident.Attributes, p.Constraints)
	default:
		// Unknown policy types deny; failing open would leak restricted
		// services when the registry gains a new policy family first.
		return false
	}
}

func hasAllRoles(ident *model.Identity, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(ident.Roles))
	for _, r := range ident.Roles {
		have[r] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// operatorClause is the decoded form of an operator-style constraint value,
// e.g. {"in": ["eu", "us"]} or {"contains": "pci"}.
type operatorClause struct {
	Equals   any   `mapstructure:"equals"`
	In       []any `mapstructure:"in"`
	Contains any   `mapstructure:"contains"`
}

// evalConstraints interprets an attribute predicate tree. Keys are attribute
// names except the combinators "all" and "any", whose values are lists of
// nested predicate maps. Sibling keys conjoin.
func evalConstraints(attrs map[string]any, constraints map[string]any) bool {
	for key, expect := range constraints {
		switch key {
		case "all":
			if !evalCombinator(attrs, expect, true) {
				return false
			}
		case "any":
			if !evalCombinator(attrs, expect, false) {
				return false
			}
		default:
			if !evalAttribute(attrs[key], expect) {
				return false
			}
		}
	}
	return true
}

func evalCombinator(attrs map[string]any, expect any, needAll bool) bool {
	clauses, ok := expect.([]any)
	if !ok {
		return false
	}
	for _, c := range clauses {
		m, ok := c.(map[string]any)
		if !ok {
			return false
		}
		pass := evalConstraints(attrs, m)
		if needAll && !pass {
			return false
		}
		if !needAll && pass {
			return true
		}
	}
	// all: every clause passed; any: none did (vacuous any denies).
	return needAll
}

func evalAttribute(actual, expect any) bool {
	switch e := expect.(type) {
	case map[string]any:
		var clause operatorClause
		if err := mapstructure.Decode(e, &clause); err != nil {
			return false
		}
		return evalClause(actual, clause)
	case []any:
		// Bare list is membership shorthand.
		return containsValue(e, actual)
	default:
		return looseEqual(actual, expect)
	}
}

func evalClause(actual any, clause operatorClause) bool {
	if clause.Equals != nil && !looseEqual(actual, clause.Equals) {
		return false
	}
	if clause.In != nil && !containsValue(clause.In, actual) {
		return false
	}
	if clause.Contains != nil {
		list, ok := actual.([]any)
		if !ok {
			return false
		}
		found := false
		for _, item := range list {
			if looseEqual(item, clause.Contains) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if looseEqual(v, item) {
			return true
		}
	}
	return false
}

// looseEqual compares across JSON's numeric erasure: registry constraints and
// JWT claims both arrive as float64 regardless of the authored type.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
