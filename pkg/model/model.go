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

// Package model defines the registry entities Compass discovers: services,
// tools, their integration metadata, and the identities that query them.
//
// All types are plain value objects. The registry read model (pkg/registry)
// assembles them from a single transactional read; nothing here holds lazy
// references back into storage.
package model

import (
	"encoding/json"
	"sort"
	"time"
)

// ServiceKind classifies a registered service.
type ServiceKind string

const (
	KindAPI           ServiceKind = "api"
	KindInternalAgent ServiceKind = "internal_agent"
	KindExternalAgent ServiceKind = "external_agent"
	KindESBEndpoint   ServiceKind = "esb_endpoint"
	KindLegacy        ServiceKind = "legacy"
	KindMicroservice  ServiceKind = "microservice"
)

// IsAgent reports whether the kind indicates LLM-backed conversational
// behavior (as opposed to a plain API).
func (k ServiceKind) IsAgent() bool {
	return k == KindInternalAgent || k == KindExternalAgent
}

// ServiceStatus is the lifecycle state of a service.
type ServiceStatus string

const (
	StatusActive     ServiceStatus = "active"
	StatusInactive   ServiceStatus = "inactive"
	StatusDeprecated ServiceStatus = "deprecated"
)

// Visibility controls who may discover a service.
type Visibility string

const (
	VisibilityInternal   Visibility = "internal"
	VisibilityOrgWide    Visibility = "org_wide"
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
)

// Service is a registered capability provider.
type Service struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Kind        ServiceKind   `json:"kind"`
	Status      ServiceStatus `json:"status"`
	Visibility  Visibility    `json:"visibility"`
	Version     string        `json:"version,omitempty"`
	Endpoint    string        `json:"endpoint,omitempty"`

	DeprecationDate   *time.Time `json:"deprecation_date,omitempty"`
	DeprecationNotice string     `json:"deprecation_notice,omitempty"`

	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
	RetryPolicy     string `json:"retry_policy,omitempty"`
	SuccessCriteria string `json:"success_criteria,omitempty"`

	Capabilities     []Capability `json:"capabilities,omitempty"`
	Domains          []string     `json:"domains,omitempty"`
	InteractionModes []string     `json:"interaction_modes,omitempty"`
}

// Capability is a named action a service advertises. Its description
// contributes text to the owning service's embedding document.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Tool is an invocable operation belonging to exactly one service.
type Tool struct {
	ID              int64        `json:"id"`
	ServiceID       int64        `json:"service_id"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	InputSchema     json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema    json.RawMessage `json:"output_schema,omitempty"`
	ExampleCalls    ExampleCalls `json:"example_calls,omitempty"`
	EndpointPattern string       `json:"endpoint_pattern,omitempty"`
	IsActive        bool         `json:"is_active"`
	Version         string       `json:"tool_version,omitempty"`
}

// IntegrationDetails describes how to reach a service. Enrichment only;
// never participates in similarity.
type IntegrationDetails struct {
	ServiceID           int64             `json:"service_id"`
	AccessProtocol      string            `json:"access_protocol,omitempty"`
	BaseEndpoint        string            `json:"base_endpoint,omitempty"`
	AuthMethod          string            `json:"auth_method,omitempty"`
	AuthConfig          map[string]any    `json:"auth_config,omitempty"`
	RateLimitHints      map[string]string `json:"rate_limit_hints,omitempty"`
	ESBRouting          map[string]string `json:"esb_routing,omitempty"`
	HealthCheckEndpoint string            `json:"health_check_endpoint,omitempty"`
}

// AgentProtocol describes the messaging contract of an agent-kind service.
// Enrichment only.
type AgentProtocol struct {
	ServiceID       int64  `json:"service_id"`
	MessageProtocol string `json:"message_protocol,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Streaming       bool   `json:"supports_streaming"`
	Async           bool   `json:"supports_async"`
	Batch           bool   `json:"supports_batch"`
	ResponseStyle   string `json:"response_style,omitempty"`
}

// PolicyType distinguishes access-policy predicate families.
type PolicyType string

const (
	PolicyRoleBased      PolicyType = "role_based"
	PolicyAttributeBased PolicyType = "attribute_based"
)

// AccessPolicy is a predicate attached to zero-or-more services.
// RequiredRoles applies to role_based policies; Constraints holds the raw
// attribute predicate map for attribute_based policies and is interpreted by
// pkg/policy.
type AccessPolicy struct {
	ID            int64          `json:"id"`
	Type          PolicyType     `json:"type"`
	RequiredRoles []string       `json:"required_roles,omitempty"`
	Constraints   map[string]any `json:"constraints,omitempty"`
}

// Identity is a resolved caller: a user authenticated via JWT or an API key
// principal. Attributes is an opaque bag evaluated by attribute policies.
type Identity struct {
	ID         string         `json:"id"`
	Roles      []string       `json:"roles,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Scopes     []string       `json:"scopes,omitempty"`
	Active     bool           `json:"active"`

	// RateLimitOverride is a per-key quota override, 0 means use the default.
	RateLimitOverride int `json:"-"`
}

// HasScope reports whether the identity carries the named scope.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// SortedRoles returns a sorted copy of the role set, used for stable
// fingerprinting.
func (id *Identity) SortedRoles() []string {
	roles := append([]string(nil), id.Roles...)
	sort.Strings(roles)
	return roles
}

// APIKey is a stored key record. The secret itself is never stored; only its
// SHA-256 hash.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	KeyHash    string     `json:"-"`
	Scopes     []string   `json:"scopes,omitempty"`
	RateLimit  int        `json:"rate_limit,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"active"`
}

// Expired reports whether the key has an expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}
