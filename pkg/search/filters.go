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
	"strconv"
	"strings"

	"github.com/atlasmesh/compass/pkg/registry"
)

// matchesFilters applies the request's declarative filters to an enriched
// candidate. Policy filtering happens separately.
func matchesFilters(b *registry.ServiceBundle, req *Request) bool {
	if len(req.Domains) > 0 && !hasAnyDomain(b.Service.Domains, req.Domains) {
		return false
	}
	if len(req.Capabilities) > 0 && !hasCapabilitySubstring(b, req.Capabilities) {
		return false
	}
	for _, name := range req.ExcludeServices {
		if strings.EqualFold(name, b.Service.Name) {
			return false
		}
	}
	if req.Version != "" && !versionSatisfies(b.Service.Version, req.Version) {
		return false
	}
	return true
}

func hasAnyDomain(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

func hasCapabilitySubstring(b *registry.ServiceBundle, subs []string) bool {
	for _, sub := range subs {
		needle := strings.ToLower(sub)
		for _, c := range b.Service.Capabilities {
			if strings.Contains(strings.ToLower(c.Name), needle) ||
				strings.Contains(strings.ToLower(c.Description), needle) {
				return true
			}
		}
	}
	return false
}

// versionSatisfies checks a simple constraint: ">=x.y", "<=x.y" or an exact
// version. Unparseable versions fail closed.
func versionSatisfies(version, constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	switch {
	case strings.HasPrefix(constraint, ">="):
		return compareVersions(version, strings.TrimSpace(constraint[2:])) >= 0
	case strings.HasPrefix(constraint, "<="):
		return compareVersions(version, strings.TrimSpace(constraint[2:])) <= 0
	default:
		return compareVersions(version, constraint) == 0
	}
}

// compareVersions compares dotted numeric versions segment by segment.
// Missing segments compare as zero; non-numeric segments compare as strings.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		sa, sb := "0", "0"
		if i < len(as) && as[i] != "" {
			sa = as[i]
		}
		if i < len(bs) && bs[i] != "" {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		default:
			if sa != sb {
				return strings.Compare(sa, sb)
			}
		}
	}
	return 0
}
