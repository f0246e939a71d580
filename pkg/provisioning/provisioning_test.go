package provisioning

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassandranet/cassnet/pkg/auth"
	"github.com/cassandranet/cassnet/pkg/errdefs"
	"github.com/cassandranet/cassnet/pkg/scope"
	"github.com/cassandranet/cassnet/pkg/storage"
	"github.com/cassandranet/cassnet/pkg/types"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	authSvc := auth.NewService(store, store, []byte("test-secret"))
	return NewService(store, store, store, authSvc, opts...), store
}

func strPtr(s string) *string { return &s }

func TestCreateTenantBootstrap(t *testing.T) {
	svc, _ := newTestService(t)

	bundle, err := svc.CreateTenantWithOptions(TenantCreateRequest{
		Name:            "Acme",
		IdempotencyKey:  strPtr("t1"),
		BootstrapScopes: []scope.Scope{scope.Admin},
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme", bundle.Tenant.Name)
	require.NotNil(t, bundle.DefaultApiKey)
	assert.Equal(t, []scope.Scope{scope.Admin}, bundle.DefaultApiKey.Scopes)
	assert.Equal(t,
		[]string{"cassctl bootstrap --tenant " + bundle.Tenant.ID.String()},
		bundle.BootstrapScripts)

	// Same idempotency key returns the identical bundle.
	retry, err := svc.CreateTenantWithOptions(TenantCreateRequest{
		Name:           "Acme",
		IdempotencyKey: strPtr("t1"),
	})
	require.NoError(t, err)
	assert.Equal(t, bundle.Tenant.ID, retry.Tenant.ID)
	assert.Equal(t, bundle.DefaultApiKey.ID, retry.DefaultApiKey.ID)
	assert.Equal(t, bundle.BootstrapScripts, retry.BootstrapScripts)
}

func TestCreateTenantEmptyName(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateTenant("   ")
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestCreateProjectIdempotency(t *testing.T) {
	svc, _ := newTestService(t)

	tenant, err := svc.CreateTenant("Acme")
	require.NoError(t, err)

	bundle, err := svc.CreateProjectWithOptions(ProjectCreateRequest{
		TenantID:       tenant.ID,
		Name:           "edge",
		IdempotencyKey: strPtr("p1"),
	})
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"cassctl project init --project " + bundle.Project.ID.String()},
		bundle.BootstrapScripts)

	retry, err := svc.CreateProjectWithOptions(ProjectCreateRequest{
		TenantID:       tenant.ID,
		Name:           "edge",
		IdempotencyKey: strPtr("p1"),
	})
	require.NoError(t, err)
	assert.Equal(t, bundle.Project.ID, retry.Project.ID)
}

func TestCreateProjectUnknownTenant(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateProject(uuid.New(), "edge")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRegisterAgent(t *testing.T) {
	svc, _ := newTestService(t)

	tenant, err := svc.CreateTenant("Acme")
	require.NoError(t, err)
	project, err := svc.CreateProject(tenant.ID, "edge")
	require.NoError(t, err)

	provisioned, err := svc.RegisterAgent(tenant.ID, project.ID, "host-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusRegistered, provisioned.Agent.Status)
	assert.Nil(t, provisioned.Agent.LastSeen)
	assert.Contains(t, provisioned.ApiKey.Scopes, scope.AgentExecute)
	assert.Contains(t, provisioned.ApiKey.Scopes, scope.Project(project.ID))
	assert.Equal(t, "agent:host-1", provisioned.ApiKey.Label)
	assert.Equal(t,
		[]string{"cass-agent enroll --agent " + provisioned.Agent.ID.String()},
		provisioned.BootstrapCommands)
}

func TestRegisterAgentWrongTenant(t *testing.T) {
	svc, _ := newTestService(t)

	tenant, err := svc.CreateTenant("Acme")
	require.NoError(t, err)
	other, err := svc.CreateTenant("Globex")
	require.NoError(t, err)
	project, err := svc.CreateProject(tenant.ID, "edge")
	require.NoError(t, err)

	_, err = svc.RegisterAgent(other.ID, project.ID, "host-1")
	assert.True(t, errdefs.IsForbidden(err))
}

func TestAgentHeartbeatAndSweep(t *testing.T) {
	now := time.Now().UTC()
	svc, store := newTestService(t,
		WithHeartbeatTimeout(5*time.Minute),
		WithClock(func() time.Time { return now }))

	tenant, err := svc.CreateTenant("Acme")
	require.NoError(t, err)
	project, err := svc.CreateProject(tenant.ID, "edge")
	require.NoError(t, err)
	provisioned, err := svc.RegisterAgent(tenant.ID, project.ID, "host-1")
	require.NoError(t, err)

	require.NoError(t, svc.RecordAgentHeartbeat(provisioned.Agent.ID, nil))
	agent, err := store.GetAgent(provisioned.Agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusActive, agent.Status)
	require.NotNil(t, agent.LastSeen)

	// Fresh heartbeat: the sweep leaves the agent alone.
	suspended, err := svc.SweepInactiveAgents()
	require.NoError(t, err)
	assert.Empty(t, suspended)

	// Rewind last_seen past the timeout.
	stale := now.Add(-6 * time.Minute)
	require.NoError(t, svc.RecordAgentHeartbeat(provisioned.Agent.ID, &stale))

	suspended, err = svc.SweepInactiveAgents()
	require.NoError(t, err)
	require.Len(t, suspended, 1)
	assert.Equal(t, provisioned.Agent.ID, suspended[0].ID)
	assert.Equal(t, types.AgentStatusSuspended, suspended[0].Status)

	// Already-suspended agents are not reported twice.
	suspended, err = svc.SweepInactiveAgents()
	require.NoError(t, err)
	assert.Empty(t, suspended)
}

func TestSweepAgentWithoutHeartbeat(t *testing.T) {
	svc, _ := newTestService(t)

	tenant, err := svc.CreateTenant("Acme")
	require.NoError(t, err)
	project, err := svc.CreateProject(tenant.ID, "edge")
	require.NoError(t, err)
	provisioned, err := svc.RegisterAgent(tenant.ID, project.ID, "host-1")
	require.NoError(t, err)

	// Never heartbeated: stale by definition.
	suspended, err := svc.SweepInactiveAgents()
	require.NoError(t, err)
	require.Len(t, suspended, 1)
	assert.Equal(t, provisioned.Agent.ID, suspended[0].ID)
}

func TestSetAgentStatus(t *testing.T) {
	svc, store := newTestService(t)

	tenant, err := svc.CreateTenant("Acme")
	require.NoError(t, err)
	project, err := svc.CreateProject(tenant.ID, "edge")
	require.NoError(t, err)
	provisioned, err := svc.RegisterAgent(tenant.ID, project.ID, "host-1")
	require.NoError(t, err)

	require.NoError(t, svc.SetAgentStatus(provisioned.Agent.ID, types.AgentStatusSuspended))
	agent, err := store.GetAgent(provisioned.Agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusSuspended, agent.Status)

	err = svc.SetAgentStatus(uuid.New(), types.AgentStatusActive)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestProvisionServiceAccount(t *testing.T) {
	svc, _ := newTestService(t)

	tenant, err := svc.CreateTenant("Acme")
	require.NoError(t, err)

	key, err := svc.ProvisionServiceAccount(tenant.ID, "svc:metrics", []scope.Scope{scope.ProvisioningManage})
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, key.TenantID)
	assert.Equal(t, "svc:metrics", key.Label)

	_, err = svc.ProvisionServiceAccount(uuid.New(), "svc:none", []scope.Scope{scope.TenantRead})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestIssueAgentToken(t *testing.T) {
	store := storage.NewMemoryStore()
	authSvc := auth.NewService(store, store, []byte("test-secret"))
	svc := NewService(store, store, store, authSvc)

	tenant, err := svc.CreateTenant("Acme")
	require.NoError(t, err)
	project, err := svc.CreateProject(tenant.ID, "edge")
	require.NoError(t, err)
	provisioned, err := svc.RegisterAgent(tenant.ID, project.ID, "host-1")
	require.NoError(t, err)

	token, err := svc.IssueAgentToken(provisioned.Agent.ID)
	require.NoError(t, err)
	assert.Equal(t, provisioned.Agent.ID, token.Context.PrincipalID)
	assert.Equal(t, types.PrincipalAgent, token.Context.PrincipalType)
	assert.Contains(t, token.Context.Scopes, scope.Project(project.ID))
	require.NotNil(t, token.Context.Audience)
	assert.Equal(t, "agents", *token.Context.Audience)
	require.NotNil(t, token.Context.Session)
	require.NotNil(t, token.Context.Session.DeviceID)
	assert.Equal(t, "host-1", *token.Context.Session.DeviceID)
	assert.Equal(t, 15*time.Minute, token.Context.ExpiresAt.Sub(token.Context.IssuedAt))
}
