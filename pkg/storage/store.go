package storage

import (
	"github.com/google/uuid"

	"github.com/cassandranet/cassnet/pkg/types"
)

// TenantStore persists tenants.
type TenantStore interface {
	InsertTenant(tenant types.Tenant) error
	GetTenant(id uuid.UUID) (*types.Tenant, error)
	ListTenants() ([]types.Tenant, error)
}

// ProjectStore persists projects. Inserting a project whose tenant does not
// exist fails NotFound.
type ProjectStore interface {
	InsertProject(project types.Project) error
	GetProject(id uuid.UUID) (*types.Project, error)
	ListProjects(tenantID uuid.UUID) ([]types.Project, error)
}

// AgentStore persists agents.
type AgentStore interface {
	InsertAgent(agent types.Agent) error
	UpdateAgent(agent types.Agent) error
	GetAgent(id uuid.UUID) (*types.Agent, error)
	ListAgents(tenantID uuid.UUID) ([]types.Agent, error)
}

// APIKeyStore persists API key records. GetApiKeyByPrefix is O(1) average
// via a prefix index; inserting a duplicate prefix fails Conflict.
type APIKeyStore interface {
	InsertApiKey(record types.ApiKeyRecord) error
	GetApiKey(id uuid.UUID) (*types.ApiKeyRecord, error)
	GetApiKeyByPrefix(prefix string) (*types.ApiKeyRecord, error)
	ListApiKeys(tenantID uuid.UUID) ([]types.ApiKeyRecord, error)
	UpdateApiKey(record types.ApiKeyRecord) error
}

// TaskStore persists tasks and maintains the pending queue. ListPendingTasks
// returns tasks in non-decreasing ScheduledAt order, and UpdateTask removes a
// task from the pending index in the same critical section whenever the new
// status is not Pending.
type TaskStore interface {
	EnqueueTask(task types.Task) error
	UpdateTask(task types.Task) error
	GetTask(id uuid.UUID) (*types.Task, error)
	ListPendingTasks(tenantID uuid.UUID) ([]types.Task, error)
}

// WorkflowStore persists workflow templates.
type WorkflowStore interface {
	InsertWorkflow(workflow types.Workflow) error
	GetWorkflow(id uuid.UUID) (*types.Workflow, error)
	ListWorkflows(tenantID uuid.UUID) ([]types.Workflow, error)
}

// Store is the full persistence surface consumed by the composition root.
// The in-memory implementation is the reference; the bolt implementation is
// the durable flavor for single-node deployments.
type Store interface {
	TenantStore
	ProjectStore
	AgentStore
	APIKeyStore
	TaskStore
	WorkflowStore

	Close() error
}
