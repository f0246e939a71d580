package storage

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cassandranet/cassnet/pkg/errdefs"
	"github.com/cassandranet/cassnet/pkg/types"
)

// platformState is the whole in-memory dataset. One RWMutex guards it; every
// modifying store call takes the write lock exactly once, so a cancelled
// caller never observes partial state.
type platformState struct {
	tenants         map[uuid.UUID]types.Tenant
	projects        map[uuid.UUID]types.Project
	agents          map[uuid.UUID]types.Agent
	apiKeys         map[uuid.UUID]types.ApiKeyRecord
	apiKeysByPrefix map[string]uuid.UUID
	tasks           map[uuid.UUID]types.Task
	taskQueue       []uuid.UUID
	workflows       map[uuid.UUID]types.Workflow
}

// MemoryStore is the reference Store implementation.
type MemoryStore struct {
	mu    sync.RWMutex
	state platformState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: platformState{
			tenants:         make(map[uuid.UUID]types.Tenant),
			projects:        make(map[uuid.UUID]types.Project),
			agents:          make(map[uuid.UUID]types.Agent),
			apiKeys:         make(map[uuid.UUID]types.ApiKeyRecord),
			apiKeysByPrefix: make(map[string]uuid.UUID),
			tasks:           make(map[uuid.UUID]types.Task),
			workflows:       make(map[uuid.UUID]types.Workflow),
		},
	}
}

// Close implements Store. The in-memory store has nothing to release.
func (s *MemoryStore) Close() error { return nil }

// Tenant operations

func (s *MemoryStore) InsertTenant(tenant types.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.tenants[tenant.ID]; exists {
		return errdefs.Conflict("tenant")
	}
	s.state.tenants[tenant.ID] = tenant
	return nil
}

func (s *MemoryStore) GetTenant(id uuid.UUID) (*types.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tenant, ok := s.state.tenants[id]; ok {
		return &tenant, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListTenants() ([]types.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants := make([]types.Tenant, 0, len(s.state.tenants))
	for _, tenant := range s.state.tenants {
		tenants = append(tenants, tenant)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Name < tenants[j].Name })
	return tenants, nil
}

// Project operations

func (s *MemoryStore) InsertProject(project types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.tenants[project.TenantID]; !ok {
		return errdefs.NotFound("tenant")
	}
	if _, exists := s.state.projects[project.ID]; exists {
		return errdefs.Conflict("project")
	}
	s.state.projects[project.ID] = project
	return nil
}

func (s *MemoryStore) GetProject(id uuid.UUID) (*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if project, ok := s.state.projects[id]; ok {
		return &project, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListProjects(tenantID uuid.UUID) ([]types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var projects []types.Project
	for _, project := range s.state.projects {
		if project.TenantID == tenantID {
			projects = append(projects, project)
		}
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// Agent operations

func (s *MemoryStore) InsertAgent(agent types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.tenants[agent.TenantID]; !ok {
		return errdefs.NotFound("tenant")
	}
	if _, ok := s.state.projects[agent.ProjectID]; !ok {
		return errdefs.NotFound("project")
	}
	if _, exists := s.state.agents[agent.ID]; exists {
		return errdefs.Conflict("agent")
	}
	s.state.agents[agent.ID] = agent
	return nil
}

func (s *MemoryStore) UpdateAgent(agent types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.agents[agent.ID]; !exists {
		return errdefs.NotFound("agent")
	}
	s.state.agents[agent.ID] = agent
	return nil
}

func (s *MemoryStore) GetAgent(id uuid.UUID) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if agent, ok := s.state.agents[id]; ok {
		return &agent, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListAgents(tenantID uuid.UUID) ([]types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agents []types.Agent
	for _, agent := range s.state.agents {
		if agent.TenantID == tenantID {
			agents = append(agents, agent)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Hostname < agents[j].Hostname })
	return agents, nil
}

// API key operations

func (s *MemoryStore) InsertApiKey(record types.ApiKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.apiKeysByPrefix[record.TokenPrefix]; exists {
		return errdefs.Conflict("api_key")
	}
	s.state.apiKeysByPrefix[record.TokenPrefix] = record.ID
	s.state.apiKeys[record.ID] = record
	return nil
}

func (s *MemoryStore) GetApiKey(id uuid.UUID) (*types.ApiKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if record, ok := s.state.apiKeys[id]; ok {
		return &record, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetApiKeyByPrefix(prefix string) (*types.ApiKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.state.apiKeysByPrefix[prefix]
	if !ok {
		return nil, nil
	}
	if record, ok := s.state.apiKeys[id]; ok {
		return &record, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListApiKeys(tenantID uuid.UUID) ([]types.ApiKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []types.ApiKeyRecord
	for _, record := range s.state.apiKeys {
		if record.TenantID == tenantID {
			keys = append(keys, record)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) UpdateApiKey(record types.ApiKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.apiKeys[record.ID]; !exists {
		return errdefs.NotFound("api_key")
	}
	s.state.apiKeysByPrefix[record.TokenPrefix] = record.ID
	s.state.apiKeys[record.ID] = record
	return nil
}

// Task operations

func (s *MemoryStore) EnqueueTask(task types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.tasks[task.ID]; exists {
		return errdefs.Conflict("task")
	}
	s.state.taskQueue = append(s.state.taskQueue, task.ID)
	s.state.tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) UpdateTask(task types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.tasks[task.ID]; !exists {
		return errdefs.NotFound("task")
	}
	// Drop any queue entry for the task, then re-append only if it is
	// Pending again. Done under the same lock so no pending-list caller
	// can observe a non-Pending task in the queue.
	queue := s.state.taskQueue[:0]
	for _, id := range s.state.taskQueue {
		if id != task.ID {
			queue = append(queue, id)
		}
	}
	s.state.taskQueue = queue
	if task.Status == types.TaskStatusPending {
		s.state.taskQueue = append(s.state.taskQueue, task.ID)
	}
	s.state.tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) GetTask(id uuid.UUID) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if task, ok := s.state.tasks[id]; ok {
		return &task, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListPendingTasks(tenantID uuid.UUID) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []types.Task
	for _, id := range s.state.taskQueue {
		task, ok := s.state.tasks[id]
		if ok && task.TenantID == tenantID {
			tasks = append(tasks, task)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].ScheduledAt.Before(tasks[j].ScheduledAt)
	})
	return tasks, nil
}

// Workflow operations

func (s *MemoryStore) InsertWorkflow(workflow types.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.workflows[workflow.ID]; exists {
		return errdefs.Conflict("workflow")
	}
	s.state.workflows[workflow.ID] = workflow
	return nil
}

func (s *MemoryStore) GetWorkflow(id uuid.UUID) (*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if workflow, ok := s.state.workflows[id]; ok {
		return &workflow, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListWorkflows(tenantID uuid.UUID) ([]types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var workflows []types.Workflow
	for _, workflow := range s.state.workflows {
		if workflow.TenantID == tenantID {
			workflows = append(workflows, workflow)
		}
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })
	return workflows, nil
}
