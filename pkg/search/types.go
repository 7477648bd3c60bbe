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

// Package search implements the discovery pipeline: normalize, embed, query
// the vector indexes, enrich, filter, re-rank with feedback boosts, and
// shape the response for the requested verbosity.
package search

import (
	"encoding/json"
	"fmt"

	"github.com/atlasmesh/compass/pkg/model"
)

// Search modes.
const (
	ModeToolsOnly     = "tools_only"
	ModeAgentsAndTool = "agents_and_tools"
	ModeWorkflows     = "workflows"
	ModeCapabilities  = "capabilities"

	// modeAgentsOnly existed historically and is rejected outright.
	modeAgentsOnly = "agents_only"
)

// Verbosity levels. Each lower level is a strict subset of the one above.
const (
	VerbosityFull    = "full"
	VerbosityCompact = "compact"
	VerbosityMinimal = "minimal"
)

// Search backends reported in metadata.
const (
	BackendVector  = "vector"
	BackendKeyword = "keyword"
)

// MaxQueryLength bounds accepted queries.
const MaxQueryLength = 10000

// MaxLimit bounds the result count.
const MaxLimit = 100

// ValidationError reports a rejected request with a stable code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validation codes.
const (
	CodeEmptyQuery          = "EMPTY_QUERY"
	CodeQueryTooLong        = "QUERY_TOO_LONG"
	CodeInvalidLimit        = "INVALID_LIMIT"
	CodeInvalidMinScore     = "INVALID_MIN_SCORE"
	CodeInvalidSearchMode   = "INVALID_SEARCH_MODE"
	CodeInvalidResponseMode = "INVALID_RESPONSE_MODE"
)

// Request is a validated search request.
type Request struct {
	Query                string   `json:"query"`
	Limit                int      `json:"limit,omitempty"`
	MinScore             float64  `json:"min_score,omitempty"`
	Mode                 string   `json:"search_mode,omitempty"`
	Verbosity            string   `json:"response_mode,omitempty"`
	IncludeOrchestration bool     `json:"include_orchestration,omitempty"`
	Domains              []string `json:"domains,omitempty"`
	Capabilities         []string `json:"capabilities,omitempty"`
	ExcludeServices      []string `json:"exclude_services,omitempty"`
	Version              string   `json:"version,omitempty"`
}

// Normalize applies defaults and validates, returning a *ValidationError on
// rejection.
func (r *Request) Normalize() error {
	if r.Limit == 0 {
		r.Limit = 10
	}
	if r.Mode == "" {
		r.Mode = ModeToolsOnly
	}
	if r.Verbosity == "" {
		r.Verbosity = VerbosityFull
	}

	if r.Query == "" {
		return &ValidationError{Code: CodeEmptyQuery, Message: "query is required"}
	}
	if len([]rune(r.Query)) > MaxQueryLength {
		return &ValidationError{Code: CodeQueryTooLong,
			Message: fmt.Sprintf("query exceeds %d characters", MaxQueryLength)}
	}
	if r.Limit < 1 || r.Limit > MaxLimit {
		return &ValidationError{Code: CodeInvalidLimit,
			Message: fmt.Sprintf("limit must be between 1 and %d", MaxLimit)}
	}
	if r.MinScore < 0 || r.MinScore > 1 {
		return &ValidationError{Code: CodeInvalidMinScore,
			Message: "min_score must be between 0 and 1"}
	}

	switch r.Mode {
	case ModeToolsOnly, ModeAgentsAndTool, ModeWorkflows, ModeCapabilities:
	case modeAgentsOnly:
		return &ValidationError{Code: CodeInvalidSearchMode,
			Message: "search_mode agents_only is no longer supported; use agents_and_tools"}
	default:
		return &ValidationError{Code: CodeInvalidSearchMode,
			Message: fmt.Sprintf("unknown search_mode %q", r.Mode)}
	}

	switch r.Verbosity {
	case VerbosityFull, VerbosityCompact, VerbosityMinimal:
	default:
		return &ValidationError{Code: CodeInvalidResponseMode,
			Message: fmt.Sprintf("unknown response_mode %q", r.Verbosity)}
	}
	return nil
}

// ServiceView is the verbosity-shaped service projection.
type ServiceView struct {
	ID               int64              `json:"id"`
	Name             string             `json:"name"`
	Description      string             `json:"description,omitempty"`
	ShortDescription string             `json:"short_description,omitempty"`
	Kind             model.ServiceKind  `json:"kind,omitempty"`
	Status           model.ServiceStatus `json:"status,omitempty"`
	Version          string             `json:"version,omitempty"`
	Capabilities     []model.Capability `json:"capabilities,omitempty"`
	Domains          []string           `json:"domains,omitempty"`
	InteractionModes []string           `json:"interaction_modes,omitempty"`
}

// ToolView is the verbosity-shaped tool projection.
type ToolView struct {
	ID              int64              `json:"id"`
	ServiceID       int64              `json:"service_id,omitempty"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	InputSchema     json.RawMessage    `json:"input_schema,omitempty"`
	OutputSchema    json.RawMessage    `json:"output_schema,omitempty"`
	ExampleCalls    model.ExampleCalls `json:"example_calls,omitempty"`
	EndpointPattern string             `json:"endpoint_pattern,omitempty"`
}

// IntegrationView is the orchestration block's integration projection.
type IntegrationView struct {
	AccessProtocol      string            `json:"access_protocol,omitempty"`
	BaseEndpoint        string            `json:"base_endpoint,omitempty"`
	AuthMethod          string            `json:"auth_method,omitempty"`
	RateLimitHints      map[string]string `json:"rate_limit_hints,omitempty"`
	ESBRouting          map[string]string `json:"esb_routing,omitempty"`
	HealthCheckEndpoint string            `json:"health_check_endpoint,omitempty"`
}

// Result is one ranked search hit.
type Result struct {
	Service         *ServiceView      `json:"service,omitempty"`
	RecommendedTool *ToolView         `json:"recommended_tool,omitempty"`
	Capability      *model.Capability `json:"capability,omitempty"`

	Score         float64 `json:"score"`
	SemanticScore float64 `json:"semantic_score"`
	FeedbackBoost float64 `json:"feedback_boost"`
	Rank          int     `json:"rank"`
	Distance      float64 `json:"distance"`

	IntegrationDetails *IntegrationView     `json:"integration_details,omitempty"`
	AgentProtocol      *model.AgentProtocol `json:"agent_protocol,omitempty"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	SearchID         string `json:"search_id"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	CacheHit         bool   `json:"cache_hit"`
	EmbeddingBackend string `json:"embedding_backend"`
	SearchBackend    string `json:"search_backend"`
	FallbackFrom     string `json:"fallback_from,omitempty"`
}

// Response is the search envelope.
type Response struct {
	Query        string   `json:"query"`
	SearchMode   string   `json:"search_mode"`
	Results      []Result `json:"results"`
	TotalResults int      `json:"total_results"`
	Metadata     Metadata `json:"metadata"`
}

// StatusReport is the /search/status payload.
type StatusReport struct {
	ServicesIndexed  int     `json:"services_indexed"`
	ToolsIndexed     int     `json:"tools_indexed"`
	EmbeddingBackend string  `json:"embedding_backend"`
	EmbeddingModel   string  `json:"embedding_model"`
	IndexStale       bool    `json:"index_stale"`
	LastRebuildAt    string  `json:"last_rebuild_at,omitempty"`
	LastRebuildError string  `json:"last_rebuild_error,omitempty"`
	EmbeddingCache   float64 `json:"embedding_cache_hit_rate"`
	ResponseCache    float64 `json:"response_cache_hit_rate"`
}
