// Package provisioning builds the tenant/project/agent identity graph. It
// owns bootstrap idempotency, agent enrollment and heartbeat tracking, and
// delegates all credential minting to the auth service.
package provisioning

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cassandranet/cassnet/pkg/auth"
	"github.com/cassandranet/cassnet/pkg/errdefs"
	"github.com/cassandranet/cassnet/pkg/events"
	"github.com/cassandranet/cassnet/pkg/log"
	"github.com/cassandranet/cassnet/pkg/scope"
	"github.com/cassandranet/cassnet/pkg/storage"
	"github.com/cassandranet/cassnet/pkg/types"
)

// DefaultHeartbeatTimeout is how long an agent may go without a heartbeat
// before the sweep suspends it.
const DefaultHeartbeatTimeout = 5 * time.Minute

// agentTokenTTL bounds agent-issued tokens; agents are expected to refresh
// often.
const agentTokenTTL = 15 * time.Minute

// TenantCreateRequest carries the full set of tenant bootstrap options.
type TenantCreateRequest struct {
	Name             string
	IdempotencyKey   *string
	Settings         *types.TenantSettings
	BootstrapScopes  []scope.Scope
	BootstrapScripts []string
}

// TenantBootstrap is the result of tenant creation: the tenant, its default
// API key, and the scripts an operator runs to finish setup.
type TenantBootstrap struct {
	Tenant           types.Tenant
	DefaultApiKey    *types.ApiKey
	BootstrapScripts []string
}

// ProjectCreateRequest carries project bootstrap options.
type ProjectCreateRequest struct {
	TenantID         uuid.UUID
	Name             string
	IdempotencyKey   *string
	BootstrapScripts []string
}

// ProjectBootstrap is the result of project creation.
type ProjectBootstrap struct {
	Project          types.Project
	BootstrapScripts []string
}

// AgentRegistrationOptions customizes agent enrollment.
type AgentRegistrationOptions struct {
	Metadata          *types.AgentMetadata
	BootstrapCommands []string
	CertificateBundle []byte
}

// Service builds and maintains the identity graph.
type Service struct {
	tenants  storage.TenantStore
	projects storage.ProjectStore
	agents   storage.AgentStore
	auth     *auth.Service
	roles    *scope.Registry
	broker   *events.Broker

	mu                 sync.RWMutex
	tenantIdempotency  map[string]TenantBootstrap
	projectIdempotency map[string]ProjectBootstrap

	heartbeatTimeout time.Duration
	now              func() time.Time
	logger           zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHeartbeatTimeout overrides the sweep threshold.
func WithHeartbeatTimeout(timeout time.Duration) Option {
	return func(s *Service) { s.heartbeatTimeout = timeout }
}

// WithRoleRegistry overrides the role registry consulted for agent scopes.
func WithRoleRegistry(registry *scope.Registry) Option {
	return func(s *Service) { s.roles = registry }
}

// WithEventBroker attaches a broker; lifecycle events are published to it.
func WithEventBroker(broker *events.Broker) Option {
	return func(s *Service) { s.broker = broker }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a provisioning service. The auth service is injected so
// provisioning can mint keys; auth never calls back into provisioning.
func NewService(tenants storage.TenantStore, projects storage.ProjectStore, agents storage.AgentStore, authSvc *auth.Service, opts ...Option) *Service {
	s := &Service{
		tenants:            tenants,
		projects:           projects,
		agents:             agents,
		auth:               authSvc,
		roles:              scope.DefaultRegistry(),
		tenantIdempotency:  make(map[string]TenantBootstrap),
		projectIdempotency: make(map[string]ProjectBootstrap),
		heartbeatTimeout:   DefaultHeartbeatTimeout,
		now:                time.Now,
		logger:             log.WithComponent("provisioning"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTenant creates a tenant with default bootstrap options.
func (s *Service) CreateTenant(name string) (*types.Tenant, error) {
	bundle, err := s.CreateTenantWithOptions(TenantCreateRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return &bundle.Tenant, nil
}

// CreateTenantWithOptions creates a tenant, issues its default admin key, and
// returns the bootstrap bundle. A repeated idempotency key returns the
// original bundle unchanged. Idempotency state lives in process memory only.
func (s *Service) CreateTenantWithOptions(request TenantCreateRequest) (*TenantBootstrap, error) {
	if request.IdempotencyKey != nil {
		s.mu.RLock()
		existing, ok := s.tenantIdempotency[*request.IdempotencyKey]
		s.mu.RUnlock()
		if ok {
			return &existing, nil
		}
	}

	if strings.TrimSpace(request.Name) == "" {
		return nil, errdefs.InvalidInput("tenant name required")
	}

	tenant := types.Tenant{
		ID:        uuid.New(),
		Name:      request.Name,
		CreatedAt: s.now().UTC(),
	}
	if request.Settings != nil {
		tenant.Settings = *request.Settings
	}
	if err := s.tenants.InsertTenant(tenant); err != nil {
		return nil, err
	}

	scopes := request.BootstrapScopes
	if len(scopes) == 0 {
		scopes = []scope.Scope{scope.Admin}
	}
	defaultKey, err := s.auth.IssueApiKey(tenant.ID, "tenant:"+tenant.ID.String()+":default", scopes)
	if err != nil {
		return nil, err
	}

	scripts := request.BootstrapScripts
	if len(scripts) == 0 {
		scripts = []string{"cassctl bootstrap --tenant " + tenant.ID.String()}
	}

	bundle := TenantBootstrap{
		Tenant:           tenant,
		DefaultApiKey:    defaultKey,
		BootstrapScripts: scripts,
	}
	if request.IdempotencyKey != nil {
		s.mu.Lock()
		s.tenantIdempotency[*request.IdempotencyKey] = bundle
		s.mu.Unlock()
	}

	s.logger.Info().
		Str("tenant_id", tenant.ID.String()).
		Str("name", tenant.Name).
		Msg("tenant created")
	s.publish(events.EventTenantCreated, tenant.Name, map[string]string{
		"tenant_id": tenant.ID.String(),
	})
	return &bundle, nil
}

// CreateProject creates a project with default bootstrap options.
func (s *Service) CreateProject(tenantID uuid.UUID, name string) (*types.Project, error) {
	bundle, err := s.CreateProjectWithOptions(ProjectCreateRequest{TenantID: tenantID, Name: name})
	if err != nil {
		return nil, err
	}
	return &bundle.Project, nil
}

// CreateProjectWithOptions creates a project under an existing tenant.
func (s *Service) CreateProjectWithOptions(request ProjectCreateRequest) (*ProjectBootstrap, error) {
	tenant, err := s.tenants.GetTenant(request.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, errdefs.NotFound("tenant")
	}

	if request.IdempotencyKey != nil {
		s.mu.RLock()
		existing, ok := s.projectIdempotency[*request.IdempotencyKey]
		s.mu.RUnlock()
		if ok {
			return &existing, nil
		}
	}

	if strings.TrimSpace(request.Name) == "" {
		return nil, errdefs.InvalidInput("project name required")
	}

	project := types.Project{
		ID:        uuid.New(),
		TenantID:  request.TenantID,
		Name:      request.Name,
		CreatedAt: s.now().UTC(),
	}
	if err := s.projects.InsertProject(project); err != nil {
		return nil, err
	}

	scripts := request.BootstrapScripts
	if len(scripts) == 0 {
		scripts = []string{"cassctl project init --project " + project.ID.String()}
	}

	bundle := ProjectBootstrap{
		Project:          project,
		BootstrapScripts: scripts,
	}
	if request.IdempotencyKey != nil {
		s.mu.Lock()
		s.projectIdempotency[*request.IdempotencyKey] = bundle
		s.mu.Unlock()
	}

	s.logger.Info().
		Str("project_id", project.ID.String()).
		Str("tenant_id", project.TenantID.String()).
		Msg("project created")
	s.publish(events.EventProjectCreated, project.Name, map[string]string{
		"project_id": project.ID.String(),
		"tenant_id":  project.TenantID.String(),
	})
	return &bundle, nil
}

// RegisterAgent enrolls an agent with default options.
func (s *Service) RegisterAgent(tenantID, projectID uuid.UUID, hostname string) (*types.ProvisionedAgent, error) {
	return s.RegisterAgentWithOptions(tenantID, projectID, hostname, AgentRegistrationOptions{})
}

// RegisterAgentWithOptions enrolls an agent under a (tenant, project) pair
// and issues it a scoped API key. Registering against a project owned by a
// different tenant fails Forbidden.
func (s *Service) RegisterAgentWithOptions(tenantID, projectID uuid.UUID, hostname string, options AgentRegistrationOptions) (*types.ProvisionedAgent, error) {
	project, err := s.projects.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, errdefs.NotFound("project")
	}
	if project.TenantID != tenantID {
		return nil, errdefs.Forbidden()
	}
	tenant, err := s.tenants.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, errdefs.NotFound("tenant")
	}
	if strings.TrimSpace(hostname) == "" {
		return nil, errdefs.InvalidInput("hostname required")
	}

	agent := types.Agent{
		ID:        uuid.New(),
		TenantID:  tenantID,
		ProjectID: projectID,
		Hostname:  hostname,
		Status:    types.AgentStatusRegistered,
		CreatedAt: s.now().UTC(),
	}
	if options.Metadata != nil {
		agent.Metadata = *options.Metadata
	}
	if err := s.agents.InsertAgent(agent); err != nil {
		return nil, err
	}

	scopes := s.agentScopes()
	scopes = append(scopes, scope.Project(projectID))
	apiKey, err := s.auth.IssueApiKey(tenantID, "agent:"+hostname, scopes)
	if err != nil {
		return nil, err
	}

	commands := options.BootstrapCommands
	if len(commands) == 0 {
		commands = []string{"cass-agent enroll --agent " + agent.ID.String()}
	}

	s.logger.Info().
		Str("agent_id", agent.ID.String()).
		Str("tenant_id", tenantID.String()).
		Str("hostname", hostname).
		Msg("agent registered")
	s.publish(events.EventAgentRegistered, hostname, map[string]string{
		"agent_id":  agent.ID.String(),
		"tenant_id": tenantID.String(),
	})

	return &types.ProvisionedAgent{
		Agent:             agent,
		ApiKey:            *apiKey,
		BootstrapCommands: commands,
		CertificateBundle: options.CertificateBundle,
	}, nil
}

// ProvisionServiceAccount issues an API key for a non-agent automation
// principal under the tenant.
func (s *Service) ProvisionServiceAccount(tenantID uuid.UUID, label string, scopes []scope.Scope) (*types.ApiKey, error) {
	tenant, err := s.tenants.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, errdefs.NotFound("tenant")
	}
	return s.auth.IssueApiKey(tenantID, label, scopes)
}

// RecordAgentHeartbeat stamps last_seen and flips the agent to Active. A nil
// when uses the current time.
func (s *Service) RecordAgentHeartbeat(agentID uuid.UUID, when *time.Time) error {
	agent, err := s.agents.GetAgent(agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return errdefs.NotFound("agent")
	}
	seen := s.now().UTC()
	if when != nil {
		seen = when.UTC()
	}
	agent.LastSeen = &seen
	agent.Status = types.AgentStatusActive
	return s.agents.UpdateAgent(*agent)
}

// SetAgentStatus forces an agent into the given status.
func (s *Service) SetAgentStatus(agentID uuid.UUID, status types.AgentStatus) error {
	agent, err := s.agents.GetAgent(agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return errdefs.NotFound("agent")
	}
	agent.Status = status
	return s.agents.UpdateAgent(*agent)
}

// ListAgents returns every agent under the tenant.
func (s *Service) ListAgents(tenantID uuid.UUID) ([]types.Agent, error) {
	return s.agents.ListAgents(tenantID)
}

// SweepInactiveAgents suspends agents whose last heartbeat is older than the
// timeout (or who never sent one) and returns them.
func (s *Service) SweepInactiveAgents() ([]types.Agent, error) {
	tenants, err := s.tenants.ListTenants()
	if err != nil {
		return nil, err
	}

	threshold := s.now().UTC().Add(-s.heartbeatTimeout)
	var suspended []types.Agent
	for _, tenant := range tenants {
		agents, err := s.agents.ListAgents(tenant.ID)
		if err != nil {
			return nil, err
		}
		for _, agent := range agents {
			stale := agent.LastSeen == nil || agent.LastSeen.Before(threshold)
			if !stale || agent.Status == types.AgentStatusSuspended {
				continue
			}
			agent.Status = types.AgentStatusSuspended
			if err := s.agents.UpdateAgent(agent); err != nil {
				return nil, err
			}
			suspended = append(suspended, agent)

			s.logger.Warn().
				Str("agent_id", agent.ID.String()).
				Str("hostname", agent.Hostname).
				Msg("agent suspended after missed heartbeats")
			s.publish(events.EventAgentSuspended, agent.Hostname, map[string]string{
				"agent_id":  agent.ID.String(),
				"tenant_id": agent.TenantID.String(),
			})
		}
	}
	return suspended, nil
}

// IssueAgentToken mints a short-lived token for an enrolled agent, scoped to
// its project and audience-bound to the agent plane.
func (s *Service) IssueAgentToken(agentID uuid.UUID) (*types.AuthToken, error) {
	agent, err := s.agents.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, errdefs.NotFound("agent")
	}

	audience := "agents"
	deviceID := agent.Hostname
	ctx := types.AuthContext{
		PrincipalID:   agent.ID,
		PrincipalType: types.PrincipalAgent,
		TenantID:      agent.TenantID,
		Scopes: []scope.Scope{
			scope.AgentExecute,
			scope.Project(agent.ProjectID),
		},
		Audience: &audience,
		Session: &types.AuthSessionMetadata{
			DeviceID: &deviceID,
		},
	}
	ttl := agentTokenTTL
	return s.auth.IssueTokenFromContext(ctx, &ttl)
}

func (s *Service) agentScopes() []scope.Scope {
	if role, ok := s.roles.Role("agent"); ok {
		out := make([]scope.Scope, len(role.Scopes))
		copy(out, role.Scopes)
		return out
	}
	return []scope.Scope{scope.AgentExecute}
}

func (s *Service) publish(eventType events.EventType, message string, metadata map[string]string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}
