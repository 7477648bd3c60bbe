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

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atlasmesh/compass/pkg/model"
	"github.com/atlasmesh/compass/pkg/registry"
)

func bundle(svc model.Service, policies ...model.AccessPolicy) *registry.ServiceBundle {
	return &registry.ServiceBundle{Service: svc, Policies: policies}
}

func activeService(vis model.Visibility) model.Service {
	return model.Service{ID: 1, Name: "svc", Status: model.StatusActive, Visibility: vis}
}

func TestAllowedVisibility(t *testing.T) {
	ident := &model.Identity{ID: "u", Roles: []string{"user"}}

	tests := []struct {
		name string
		vis  model.Visibility
		want bool
	}{
		{"internal", model.VisibilityInternal, true},
		{"org_wide", model.VisibilityOrgWide, true},
		{"public", model.VisibilityPublic, true},
		{"restricted without policies", model.VisibilityRestricted, false},
		{"unknown", model.Visibility("weird"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Allowed(ident, bundle(activeService(tt.vis))))
		})
	}
}

func TestAllowedRestrictedWithPassingPolicy(t *testing.T) {
	ident := &model.Identity{ID: "u", Roles: []string{"auditor"}}
	b := bundle(activeService(model.VisibilityRestricted), model.AccessPolicy{
		Type: model.PolicyRoleBased, RequiredRoles: []string{"auditor"},
	})
	assert.True(t, Allowed(ident, b))
}

func TestAllowedStatus(t *testing.T) {
	ident := &model.Identity{ID: "u"}

	inactive := activeService(model.VisibilityInternal)
	inactive.Status = model.StatusInactive
	assert.False(t, Allowed(ident, bundle(inactive)))

	deprecated := activeService(model.VisibilityInternal)
	deprecated.Status = model.StatusDeprecated
	assert.False(t, Allowed(ident, bundle(deprecated)))

	migrator := &model.Identity{ID: "m", Scopes: []string{ScopeIncludeDeprecated}}
	assert.True(t, Allowed(migrator, bundle(deprecated)))
}

func TestRolePolicyRequiresAllRoles(t *testing.T) {
	p := model.AccessPolicy{Type: model.PolicyRoleBased, RequiredRoles: []string{"finance", "approver"}}

	both := &model.Identity{ID: "a", Roles: []string{"finance", "approver", "extra"}}
	one := &model.Identity{ID: "b", Roles: []string{"finance"}}

	assert.True(t, Allowed(both, bundle(activeService(model.VisibilityInternal), p)))
	assert.False(t, Allowed(one, bundle(activeService(model.VisibilityInternal), p)))
}

func TestAllPoliciesMustPass(t *testing.T) {
	role := model.AccessPolicy{Type: model.PolicyRoleBased, RequiredRoles: []string{"finance"}}
	attr := model.AccessPolicy{Type: model.PolicyAttributeBased,
		Constraints: map[string]any{"region": "eu"}}

	ident := &model.Identity{ID: "u", Roles: []string{"finance"},
		Attributes: map[string]any{"region": "us"}}

	assert.False(t, Allowed(ident, bundle(activeService(model.VisibilityInternal), role, attr)))

	ident.Attributes["region"] = "eu"
	assert.True(t, Allowed(ident, bundle(activeService(model.VisibilityInternal), role, attr)))
}

func TestUnknownPolicyTypeDenies(t *testing.T) {
	p := model.AccessPolicy{Type: model.PolicyType("time_based")}
	ident := &model.Identity{ID: "u"}
	assert.False(t, Allowed(ident, bundle(activeService(model.VisibilityInternal), p)))
}

func TestEvalConstraints(t *testing.T) {
	tests := []struct {
		name        string
		attrs       map[string]any
		constraints map[string]any
		want        bool
	}{
		{
			name:        "scalar equality",
			attrs:       map[string]any{"department": "finance"},
			constraints: map[string]any{"department": "finance"},
			want:        true,
		},
		{
			name:        "scalar mismatch",
			attrs:       map[string]any{"department": "hr"},
			constraints: map[string]any{"department": "finance"},
			want:        false,
		},
		{
			name:        "missing attribute denies",
			attrs:       map[string]any{},
			constraints: map[string]any{"department": "finance"},
			want:        false,
		},
		{
			name:        "bare list membership",
			attrs:       map[string]any{"region": "eu"},
			constraints: map[string]any{"region": []any{"eu", "us"}},
			want:        true,
		},
		{
			name:        "in operator",
			attrs:       map[string]any{"region": "apac"},
			constraints: map[string]any{"region": map[string]any{"in": []any{"eu", "us"}}},
			want:        false,
		},
		{
			name:        "equals operator",
			attrs:       map[string]any{"level": float64(3)},
			constraints: map[string]any{"level": map[string]any{"equals": 3}},
			want:        true,
		},
		{
			name:        "contains operator",
			attrs:       map[string]any{"certifications": []any{"pci", "sox"}},
			constraints: map[string]any{"certifications": map[string]any{"contains": "pci"}},
			want:        true,
		},
		{
			name:        "contains on non-list denies",
			attrs:       map[string]any{"certifications": "pci"},
			constraints: map[string]any{"certifications": map[string]any{"contains": "pci"}},
			want:        false,
		},
		{
			name:  "all combinator",
			attrs: map[string]any{"department": "finance", "region": "eu"},
			constraints: map[string]any{"all": []any{
				map[string]any{"department": "finance"},
				map[string]any{"region": "eu"},
			}},
			want: true,
		},
		{
			name:  "any combinator",
			attrs: map[string]any{"region": "apac"},
			constraints: map[string]any{"any": []any{
				map[string]any{"region": "eu"},
				map[string]any{"region": "apac"},
			}},
			want: true,
		},
		{
			name:        "empty any denies",
			attrs:       map[string]any{},
			constraints: map[string]any{"any": []any{}},
			want:        false,
		},
		{
			name:        "numeric erasure tolerated",
			attrs:       map[string]any{"clearance": float64(2)},
			constraints: map[string]any{"clearance": 2},
			want:        true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalConstraints(tt.attrs, tt.constraints))
		})
	}
}
