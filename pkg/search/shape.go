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
	"strings"
	"unicode/utf8"

	"github.com/atlasmesh/compass/pkg/model"
	"github.com/atlasmesh/compass/pkg/registry"
)

const snippetLength = 140

// snippet truncates a description at a word boundary.
func snippet(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:max])
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

// shapeService projects a service for the requested verbosity.
func shapeService(svc *model.Service, verbosity string) *ServiceView {
	switch verbosity {
	case VerbosityMinimal:
		return &ServiceView{
			ID:               svc.ID,
			Name:             svc.Name,
			ShortDescription: snippet(svc.Description, snippetLength),
		}
	case VerbosityCompact:
		return &ServiceView{
			ID:          svc.ID,
			Name:        svc.Name,
			Description: svc.Description,
			Kind:        svc.Kind,
			Status:      svc.Status,
			Version:     svc.Version,
			Domains:     svc.Domains,
		}
	default:
		return &ServiceView{
			ID:               svc.ID,
			Name:             svc.Name,
			Description:      svc.Description,
			Kind:             svc.Kind,
			Status:           svc.Status,
			Version:          svc.Version,
			Capabilities:     svc.Capabilities,
			Domains:          svc.Domains,
			InteractionModes: svc.InteractionModes,
		}
	}
}

// shapeTool projects a tool. Schemas and example calls only survive full
// verbosity; minimal keeps name, id and a description snippet.
func shapeTool(t *model.Tool, verbosity string) *ToolView {
	switch verbosity {
	case VerbosityMinimal:
		return &ToolView{
			ID:          t.ID,
			Name:        t.Name,
			Description: snippet(t.Description, snippetLength),
		}
	case VerbosityCompact:
		return &ToolView{
			ID:              t.ID,
			ServiceID:       t.ServiceID,
			Name:            t.Name,
			Description:     t.Description,
			EndpointPattern: t.EndpointPattern,
		}
	default:
		return &ToolView{
			ID:              t.ID,
			ServiceID:       t.ServiceID,
			Name:            t.Name,
			Description:     t.Description,
			InputSchema:     t.InputSchema,
			OutputSchema:    t.OutputSchema,
			ExampleCalls:    t.ExampleCalls,
			EndpointPattern: t.EndpointPattern,
		}
	}
}

// shapeIntegration projects the orchestration block. Minimal keeps only the
// base endpoint and auth method. AuthConfig never leaves the server.
func shapeIntegration(d *model.IntegrationDetails, verbosity string) *IntegrationView {
	if d == nil {
		return nil
	}
	if verbosity == VerbosityMinimal {
		return &IntegrationView{
			BaseEndpoint: d.BaseEndpoint,
			AuthMethod:   d.AuthMethod,
		}
	}
	return &IntegrationView{
		AccessProtocol:      d.AccessProtocol,
		BaseEndpoint:        d.BaseEndpoint,
		AuthMethod:          d.AuthMethod,
		RateLimitHints:      d.RateLimitHints,
		ESBRouting:          d.ESBRouting,
		HealthCheckEndpoint: d.HealthCheckEndpoint,
	}
}

// attachOrchestration fills the orchestration block on a result when the
// caller asked for it.
func attachOrchestration(res *Result, bundle *registry.ServiceBundle, req *Request) {
	if !req.IncludeOrchestration {
		return
	}
	res.IntegrationDetails = shapeIntegration(bundle.Integration, req.Verbosity)
	if req.Verbosity != VerbosityMinimal {
		res.AgentProtocol = bundle.AgentProtocol
	}
}
