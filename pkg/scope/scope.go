package scope

import (
	"fmt"
	"sync"
)

// Scope is a named capability attached to an API key or token. The set of
// well-known scopes below is closed, but any other string is a valid custom
// scope (project-scoped capabilities use the "project:<id>" form).
type Scope string

const (
	Admin               Scope = "admin"
	TenantRead          Scope = "tenant:read"
	TenantWrite         Scope = "tenant:write"
	ProvisioningManage  Scope = "provisioning:manage"
	OrchestrationManage Scope = "orchestration:manage"
	ApiKeyManage        Scope = "apikey:manage"
	AgentExecute        Scope = "agent:execute"
	WorkflowExecute     Scope = "workflow:execute"
)

// Project returns the custom scope that grants access to a single project.
func Project(projectID fmt.Stringer) Scope {
	return Scope("project:" + projectID.String())
}

// IsCustom reports whether s is outside the well-known set.
func (s Scope) IsCustom() bool {
	switch s {
	case Admin, TenantRead, TenantWrite, ProvisioningManage,
		OrchestrationManage, ApiKeyManage, AgentExecute, WorkflowExecute:
		return false
	}
	return true
}

func (s Scope) String() string { return string(s) }

// Strings converts a scope slice to its string form, for token claims.
func Strings(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// FromStrings converts raw strings back to scopes.
func FromStrings(values []string) []Scope {
	out := make([]Scope, len(values))
	for i, v := range values {
		out[i] = Scope(v)
	}
	return out
}

// Role bundles scopes under a name so callers can grant them as a unit.
type Role struct {
	Name        string
	Description string
	Scopes      []Scope
}

// Registry maps role names to scope sets.
type Registry struct {
	mu    sync.RWMutex
	roles []Role
}

// NewRegistry returns a registry seeded with the default roles.
func NewRegistry() *Registry {
	r := &Registry{}
	r.seedDefaults()
	return r
}

func (r *Registry) seedDefaults() {
	r.roles = []Role{
		{
			Name:        "admin",
			Description: "Full administrative access",
			Scopes:      []Scope{Admin},
		},
		{
			Name:        "operator",
			Description: "Manage provisioning and orchestration",
			Scopes: []Scope{
				TenantRead, TenantWrite, ProvisioningManage,
				OrchestrationManage, ApiKeyManage,
			},
		},
		{
			Name:        "agent",
			Description: "Execute workflows and tasks",
			Scopes:      []Scope{AgentExecute, WorkflowExecute},
		},
		{
			Name:        "viewer",
			Description: "Read-only access to tenant resources",
			Scopes:      []Scope{TenantRead},
		},
	}
}

// RegisterRole adds a role, replacing any existing role of the same name.
func (r *Registry) RegisterRole(role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.roles {
		if existing.Name == role.Name {
			r.roles[i] = role
			return
		}
	}
	r.roles = append(r.roles, role)
}

// Role returns the named role, if registered.
func (r *Registry) Role(name string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, role := range r.roles {
		if role.Name == name {
			return role, true
		}
	}
	return Role{}, false
}

// Roles returns a snapshot of all registered roles.
func (r *Registry) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, len(r.roles))
	copy(out, r.roles)
	return out
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry with the seeded roles.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}
