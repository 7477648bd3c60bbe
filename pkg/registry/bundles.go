package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/atlasmesh/compass/pkg/model"
)

// ServiceBundle is the value object returned for enrichment: the service with
// its relations fetched in one consistent read. Policies are attached so the
// policy filter never needs a per-candidate database round trip.
type ServiceBundle struct {
	Service       model.Service             `json:"service"`
	Integration   *model.IntegrationDetails `json:"integration_details,omitempty"`
	AgentProtocol *model.AgentProtocol      `json:"agent_protocol,omitempty"`
	Policies      []model.AccessPolicy      `json:"-"`
}

// ToolBundle is a tool plus its owning service bundle.
type ToolBundle struct {
	Tool    model.Tool    `json:"tool"`
	Service ServiceBundle `json:"service"`
}

// querier abstracts *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Snapshot is a consistent read view of the registry. A single search request
// performs all of its enrichment fetches through one snapshot.
type Snapshot struct {
	tx *sql.Tx
}

// Snapshot opens a read transaction.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin registry snapshot: %w", err)
	}
	return &Snapshot{tx: tx}, nil
}

// Close releases the snapshot's transaction.
func (sn *Snapshot) Close() error {
	return sn.tx.Rollback()
}

// GetServiceBundle fetches a service with integration details, agent
// protocol, capabilities, domains and attached policies.
func (sn *Snapshot) GetServiceBundle(ctx context.Context, id int64) (*ServiceBundle, error) {
	return getServiceBundle(ctx, sn.tx, id)
}

// GetToolBundle fetches a tool with its owning service bundle.
func (sn *Snapshot) GetToolBundle(ctx context.Context, id int64) (*ToolBundle, error) {
	return getToolBundle(ctx, sn.tx, id)
}

// GetServiceBundle is the non-transactional variant used outside the hot path.
func (s *Store) GetServiceBundle(ctx context.Context, id int64) (*ServiceBundle, error) {
	return getServiceBundle(ctx, s.db, id)
}

// GetToolBundle is the non-transactional variant used outside the hot path.
func (s *Store) GetToolBundle(ctx context.Context, id int64) (*ToolBundle, error) {
	return getToolBundle(ctx, s.db, id)
}

const serviceColumns = `id, name, description, kind, status, visibility, version, endpoint,
	deprecation_date, deprecation_notice, timeout_seconds, retry_policy, success_criteria,
	domains, interaction_modes`

func scanService(row interface{ Scan(...any) error }) (*model.Service, error) {
	var (
		svc              model.Service
		deprecationDate  sql.NullTime
		domainsJSON      string
		interactionJSON  string
	)
	err := row.Scan(&svc.ID, &svc.Name, &svc.Description, &svc.Kind, &svc.Status,
		&svc.Visibility, &svc.Version, &svc.Endpoint, &deprecationDate,
		&svc.DeprecationNotice, &svc.TimeoutSeconds, &svc.RetryPolicy,
		&svc.SuccessCriteria, &domainsJSON, &interactionJSON)
	if err != nil {
		return nil, err
	}
	if deprecationDate.Valid {
		t := deprecationDate.Time
		svc.DeprecationDate = &t
	}
	if err := json.Unmarshal([]byte(domainsJSON), &svc.Domains); err != nil {
		return nil, fmt.Errorf("service %d domains: %w", svc.ID, err)
	}
	if err := json.Unmarshal([]byte(interactionJSON), &svc.InteractionModes); err != nil {
		return nil, fmt.Errorf("service %d interaction_modes: %w", svc.ID, err)
	}
	return &svc, nil
}

func loadCapabilities(ctx context.Context, q querier, serviceID int64) ([]model.Capability, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name, description FROM capabilities WHERE service_id = ? ORDER BY position, id`,
		serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var caps []model.Capability
	for rows.Next() {
		var c model.Capability
		if err := rows.Scan(&c.Name, &c.Description); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func loadIntegration(ctx context.Context, q querier, serviceID int64) (*model.IntegrationDetails, error) {
	row := q.QueryRowContext(ctx,
		`SELECT access_protocol, base_endpoint, auth_method, auth_config,
		        rate_limit_hints, esb_routing, health_check_endpoint
		 FROM integration_details WHERE service_id = ?`, serviceID)

	var (
		d                                    model.IntegrationDetails
		authConfigJSON, hintsJSON, esbJSON string
	)
	err := row.Scan(&d.AccessProtocol, &d.BaseEndpoint, &d.AuthMethod,
		&authConfigJSON, &hintsJSON, &esbJSON, &d.HealthCheckEndpoint)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.ServiceID = serviceID
	if err := json.Unmarshal([]byte(authConfigJSON), &d.AuthConfig); err != nil {
		return nil, fmt.Errorf("integration %d auth_config: %w", serviceID, err)
	}
	if err := json.Unmarshal([]byte(hintsJSON), &d.RateLimitHints); err != nil {
		return nil, fmt.Errorf("integration %d rate_limit_hints: %w", serviceID, err)
	}
	if err := json.Unmarshal([]byte(esbJSON), &d.ESBRouting); err != nil {
		return nil, fmt.Errorf("integration %d esb_routing: %w", serviceID, err)
	}
	return &d, nil
}

func loadAgentProtocol(ctx context.Context, q querier, serviceID int64) (*model.AgentProtocol, error) {
	row := q.QueryRowContext(ctx,
		`SELECT message_protocol, protocol_version, streaming, async, batch, response_style
		 FROM agent_protocols WHERE service_id = ?`, serviceID)

	var p model.AgentProtocol
	err := row.Scan(&p.MessageProtocol, &p.ProtocolVersion, &p.Streaming, &p.Async,
		&p.Batch, &p.ResponseStyle)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.ServiceID = serviceID
	return &p, nil
}

func loadPolicies(ctx context.Context, q querier, serviceID int64) ([]model.AccessPolicy, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT p.id, p.type, p.required_roles, p.constraints
		 FROM access_policies p
		 JOIN service_policies sp ON sp.policy_id = p.id
		 WHERE sp.service_id = ? ORDER BY p.id`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []model.AccessPolicy
	for rows.Next() {
		var (
			p                          model.AccessPolicy
			rolesJSON, constraintsJSON string
		)
		if err := rows.Scan(&p.ID, &p.Type, &rolesJSON, &constraintsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rolesJSON), &p.RequiredRoles); err != nil {
			return nil, fmt.Errorf("policy %d roles: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(constraintsJSON), &p.Constraints); err != nil {
			return nil, fmt.Errorf("policy %d constraints: %w", p.ID, err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func scanTool(row interface{ Scan(...any) error }) (*model.Tool, error) {
	var (
		t                                      model.Tool
		inputSchema, outputSchema, exampleJSON string
	)
	err := row.Scan(&t.ID, &t.ServiceID, &t.Name, &t.Description, &inputSchema,
		&outputSchema, &exampleJSON, &t.EndpointPattern, &t.IsActive, &t.Version)
	if err != nil {
		return nil, err
	}
	if inputSchema != "" {
		t.InputSchema = json.RawMessage(inputSchema)
	}
	if outputSchema != "" {
		t.OutputSchema = json.RawMessage(outputSchema)
	}
	if exampleJSON != "" {
		if err := t.ExampleCalls.UnmarshalJSON([]byte(exampleJSON)); err != nil {
			return nil, fmt.Errorf("tool %d example_calls: %w", t.ID, err)
		}
	}
	return &t, nil
}

const toolColumns = `id, service_id, name, description, input_schema, output_schema,
	example_calls, endpoint_pattern, is_active, version`

func getServiceBundle(ctx context.Context, q querier, id int64) (*ServiceBundle, error) {
	row := q.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = ?`, id)
	svc, err := scanService(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load service %d: %w", id, err)
	}

	if svc.Capabilities, err = loadCapabilities(ctx, q, id); err != nil {
		return nil, fmt.Errorf("load capabilities %d: %w", id, err)
	}

	bundle := &ServiceBundle{Service: *svc}
	if bundle.Integration, err = loadIntegration(ctx, q, id); err != nil {
		return nil, fmt.Errorf("load integration %d: %w", id, err)
	}
	if bundle.AgentProtocol, err = loadAgentProtocol(ctx, q, id); err != nil {
		return nil, fmt.Errorf("load agent protocol %d: %w", id, err)
	}
	if bundle.Policies, err = loadPolicies(ctx, q, id); err != nil {
		return nil, fmt.Errorf("load policies %d: %w", id, err)
	}
	return bundle, nil
}

func getToolBundle(ctx context.Context, q querier, id int64) (*ToolBundle, error) {
	row := q.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = ?`, id)
	tool, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tool %d: %w", id, err)
	}

	svc, err := getServiceBundle(ctx, q, tool.ServiceID)
	if err != nil {
		return nil, err
	}
	return &ToolBundle{Tool: *tool, Service: *svc}, nil
}

// ListSearchableServicesWithRelations streams every searchable service
// (active or deprecated) with its relations, used by the rebuild controller
// to construct the services index. Deprecated services stay indexed; the
// policy gate hides them from callers without the include_deprecated scope.
func (s *Store) ListSearchableServicesWithRelations(ctx context.Context) ([]ServiceBundle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE status IN (?, ?) ORDER BY id`,
		model.StatusActive, model.StatusDeprecated)
	if err != nil {
		return nil, fmt.Errorf("list searchable services: %w", err)
	}
	defer rows.Close()

	var out []ServiceBundle
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ServiceBundle{Service: *svc})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		id := out[i].Service.ID
		if out[i].Service.Capabilities, err = loadCapabilities(ctx, s.db, id); err != nil {
			return nil, err
		}
		if out[i].Integration, err = loadIntegration(ctx, s.db, id); err != nil {
			return nil, err
		}
		if out[i].AgentProtocol, err = loadAgentProtocol(ctx, s.db, id); err != nil {
			return nil, err
		}
		if out[i].Policies, err = loadPolicies(ctx, s.db, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListSearchableToolsWithService streams every searchable tool (active tool
// on an active or deprecated service) with its owning service name, used to
// construct the tools index.
func (s *Store) ListSearchableToolsWithService(ctx context.Context) ([]ToolWithService, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.service_id, t.name, t.description, t.input_schema, t.output_schema,
		        t.example_calls, t.endpoint_pattern, t.is_active, t.version, s.name
		 FROM tools t JOIN services s ON s.id = t.service_id
		 WHERE t.is_active = 1 AND s.status IN (?, ?) ORDER BY t.id`,
		model.StatusActive, model.StatusDeprecated)
	if err != nil {
		return nil, fmt.Errorf("list searchable tools: %w", err)
	}
	defer rows.Close()

	var out []ToolWithService
	for rows.Next() {
		var (
			t                                      model.Tool
			inputSchema, outputSchema, exampleJSON string
			serviceName                            string
		)
		if err := rows.Scan(&t.ID, &t.ServiceID, &t.Name, &t.Description, &inputSchema,
			&outputSchema, &exampleJSON, &t.EndpointPattern, &t.IsActive, &t.Version,
			&serviceName); err != nil {
			return nil, err
		}
		if inputSchema != "" {
			t.InputSchema = json.RawMessage(inputSchema)
		}
		if outputSchema != "" {
			t.OutputSchema = json.RawMessage(outputSchema)
		}
		if exampleJSON != "" {
			if err := t.ExampleCalls.UnmarshalJSON([]byte(exampleJSON)); err != nil {
				return nil, fmt.Errorf("tool %d example_calls: %w", t.ID, err)
			}
		}
		out = append(out, ToolWithService{Tool: t, ServiceName: serviceName})
	}
	return out, rows.Err()
}

// ToolWithService pairs a tool with its owning service's name for embedding
// document composition.
type ToolWithService struct {
	Tool        model.Tool
	ServiceName string
}

// KeywordCandidates returns up to limit searchable services with
// capabilities loaded, for the degraded substring scan when an index is
// unavailable. Deprecated services are included; the policy gate filters.
func (s *Store) KeywordCandidates(ctx context.Context, limit int) ([]ServiceBundle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE status IN (?, ?) ORDER BY id LIMIT ?`,
		model.StatusActive, model.StatusDeprecated, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword candidates: %w", err)
	}
	defer rows.Close()

	var out []ServiceBundle
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ServiceBundle{Service: *svc})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		id := out[i].Service.ID
		if out[i].Service.Capabilities, err = loadCapabilities(ctx, s.db, id); err != nil {
			return nil, err
		}
		if out[i].Policies, err = loadPolicies(ctx, s.db, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ToolIDsByService returns the ids of every tool row belonging to a service,
// active or not, used by the index controller to cascade removals.
func (s *Store) ToolIDsByService(ctx context.Context, serviceID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tools WHERE service_id = ? ORDER BY id`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("tool ids for service %d: %w", serviceID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PolicyAttributeKeys returns the sorted set of attribute keys referenced by
// any attribute-based access policy. The user-context fingerprint hashes only
// these attributes; hashing the full attribute map would make every caller a
// distinct response-cache key.
func (s *Store) PolicyAttributeKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT constraints FROM access_policies WHERE type = ?`, model.PolicyAttributeBased)
	if err != nil {
		return nil, fmt.Errorf("policy attribute keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var constraintsJSON string
		if err := rows.Scan(&constraintsJSON); err != nil {
			return nil, err
		}
		var constraints map[string]any
		if err := json.Unmarshal([]byte(constraintsJSON), &constraints); err != nil {
			continue
		}
		collectAttributeKeys(constraints, keys)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// collectAttributeKeys walks a constraint tree gathering attribute names.
// Combinator keys ("all", "any") recurse instead of being collected.
func collectAttributeKeys(constraints map[string]any, into map[string]bool) {
	for k, v := range constraints {
		switch k {
		case "all", "any":
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if m, ok := item.(map[string]any); ok {
						collectAttributeKeys(m, into)
					}
				}
			}
		default:
			into[k] = true
		}
	}
}
