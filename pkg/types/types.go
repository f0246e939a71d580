package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cassandranet/cassnet/pkg/scope"
)

// Tenant is the top-level isolation boundary. Projects, agents and API keys
// all hang off a tenant.
type Tenant struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	Settings  TenantSettings `json:"settings"`
}

// TenantSettings carries per-tenant overrides for token lifetimes and allowed
// origins. Nil pointers fall back to service defaults; an explicit
// RefreshTokenTTLSeconds of zero disables refresh tokens for the tenant.
type TenantSettings struct {
	AllowedOrigins         []string `json:"allowed_origins,omitempty"`
	TokenTTLSeconds        *int64   `json:"token_ttl_seconds,omitempty"`
	RefreshTokenTTLSeconds *int64   `json:"refresh_token_ttl_seconds,omitempty"`
}

// Project is a sub-namespace within a tenant.
type Project struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusRegistered AgentStatus = "registered"
	AgentStatusActive     AgentStatus = "active"
	AgentStatusSuspended  AgentStatus = "suspended"
)

// AgentMetadata is free-form capability and tag data supplied at enrollment.
type AgentMetadata struct {
	Capabilities []string          `json:"capabilities,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// Agent is a remote worker registered against a (tenant, project) pair.
type Agent struct {
	ID        uuid.UUID     `json:"id"`
	TenantID  uuid.UUID     `json:"tenant_id"`
	ProjectID uuid.UUID     `json:"project_id"`
	Hostname  string        `json:"hostname"`
	Status    AgentStatus   `json:"status"`
	LastSeen  *time.Time    `json:"last_seen,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Metadata  AgentMetadata `json:"metadata"`
}

// ApiKeyRecord is the at-rest form of an API key. The plaintext secret is
// never stored; TokenHash is the URL-safe unpadded base64 SHA-256 of the
// secret component and TokenPrefix the first 8 hex characters of the id.
type ApiKeyRecord struct {
	ID          uuid.UUID     `json:"id"`
	TenantID    uuid.UUID     `json:"tenant_id"`
	Label       string        `json:"label"`
	Scopes      []scope.Scope `json:"scopes"`
	TokenPrefix string        `json:"token_prefix"`
	TokenHash   string        `json:"token_hash"`
	CreatedAt   time.Time     `json:"created_at"`
	LastUsedAt  *time.Time    `json:"last_used_at,omitempty"`
	Revoked     bool          `json:"revoked"`
	DeletedAt   *time.Time    `json:"deleted_at,omitempty"`
	RotatedFrom *uuid.UUID    `json:"rotated_from,omitempty"`
	RotatedTo   *uuid.UUID    `json:"rotated_to,omitempty"`
}

// Active reports whether the record is neither revoked nor soft-deleted.
func (r *ApiKeyRecord) Active() bool {
	return !r.Revoked && r.DeletedAt == nil
}

// ApiKey is the caller-facing result of issuing a key. Value holds the
// plaintext "<prefix>.<secret>" string and exists only in this response.
type ApiKey struct {
	ID             uuid.UUID     `json:"id"`
	Value          string        `json:"value"`
	TenantID       uuid.UUID     `json:"tenant_id"`
	Label          string        `json:"label"`
	Scopes         []scope.Scope `json:"scopes"`
	CreatedAt      time.Time     `json:"created_at"`
	RotationParent *uuid.UUID    `json:"rotation_parent,omitempty"`
}

// PrincipalType tags what kind of principal an auth context represents.
type PrincipalType string

const (
	PrincipalTenant         PrincipalType = "Tenant"
	PrincipalAgent          PrincipalType = "Agent"
	PrincipalService        PrincipalType = "Service"
	PrincipalServiceAccount PrincipalType = "ServiceAccount"
)

// AuthSessionMetadata is optional session context carried inside tokens.
type AuthSessionMetadata struct {
	UserAgent *string `json:"user_agent,omitempty"`
	IPAddress *string `json:"ip_address,omitempty"`
	DeviceID  *string `json:"device_id,omitempty"`
}

// AuthContext is the resolved identity attached to a request after
// authenticating an API key or validating a token.
type AuthContext struct {
	PrincipalID   uuid.UUID            `json:"principal_id"`
	PrincipalType PrincipalType        `json:"principal_type"`
	TenantID      uuid.UUID            `json:"tenant_id"`
	Scopes        []scope.Scope        `json:"scopes"`
	IssuedAt      time.Time            `json:"issued_at"`
	ExpiresAt     time.Time            `json:"expires_at"`
	Audience      *string              `json:"audience,omitempty"`
	Issuer        *string              `json:"issuer,omitempty"`
	Session       *AuthSessionMetadata `json:"session,omitempty"`
}

// HasScope reports whether the context carries the given scope.
func (c *AuthContext) HasScope(s scope.Scope) bool {
	for _, have := range c.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// AuthToken is a signed access token, its decoded context, and an optional
// refresh token.
type AuthToken struct {
	Token        string      `json:"token"`
	Context      AuthContext `json:"context"`
	RefreshToken *string     `json:"refresh_token,omitempty"`
}

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is Completed or Failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskTimeouts are per-task execution hints propagated from the task policy.
type TaskTimeouts struct {
	LeaseSeconds        *int64 `json:"lease_seconds,omitempty"`
	ExecutionSeconds    *int64 `json:"execution_seconds,omitempty"`
	RetryBackoffSeconds *int64 `json:"retry_backoff_seconds,omitempty"`
}

// Task is a unit of work with a kind discriminator and an opaque payload.
type Task struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      TaskStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Timeouts    *TaskTimeouts   `json:"timeouts,omitempty"`
}

// TaskRequest is the input to scheduling a task.
type TaskRequest struct {
	TenantID uuid.UUID       `json:"tenant_id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// TaskLease is an exclusive, time-bounded claim on an in-progress task held
// by one worker. LeaseVersion strictly increases across lease and renewal.
type TaskLease struct {
	Task           Task      `json:"task"`
	WorkerID       uuid.UUID `json:"worker_id"`
	LeasedAt       time.Time `json:"leased_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	LeaseVersion   uint64    `json:"lease_version"`
	LeaseToken     uuid.UUID `json:"lease_token"`
}

// TaskDependency gates a workflow step on a prior task kind reaching a given
// status within the same run. Pending/InProgress dependencies order steps but
// never block them.
type TaskDependency struct {
	TaskKind       string     `json:"task_kind"`
	RequiredStatus TaskStatus `json:"required_status"`
}

// WorkflowStep is one node in a workflow's task graph.
type WorkflowStep struct {
	ID           uuid.UUID        `json:"id"`
	Name         string           `json:"name"`
	TaskKind     string           `json:"task_kind"`
	Dependencies []TaskDependency `json:"dependencies,omitempty"`
}

// Workflow is an immutable template of steps and their dependencies.
type Workflow struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	Name      string         `json:"name"`
	Steps     []WorkflowStep `json:"steps"`
	CreatedAt time.Time      `json:"created_at"`
}

// WorkflowRunStatus represents the state of a workflow run.
type WorkflowRunStatus string

const (
	WorkflowRunPending   WorkflowRunStatus = "pending"
	WorkflowRunRunning   WorkflowRunStatus = "running"
	WorkflowRunCompleted WorkflowRunStatus = "completed"
	WorkflowRunFailed    WorkflowRunStatus = "failed"
	WorkflowRunCancelled WorkflowRunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s WorkflowRunStatus) Terminal() bool {
	switch s {
	case WorkflowRunCompleted, WorkflowRunFailed, WorkflowRunCancelled:
		return true
	}
	return false
}

// WorkflowRun is one execution instance of a workflow.
type WorkflowRun struct {
	ID          uuid.UUID         `json:"id"`
	TenantID    uuid.UUID         `json:"tenant_id"`
	WorkflowID  uuid.UUID         `json:"workflow_id"`
	Status      WorkflowRunStatus `json:"status"`
	CurrentStep *uuid.UUID        `json:"current_step,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Context     json.RawMessage   `json:"context,omitempty"`
}

// ProvisionedAgent bundles a freshly registered agent with its scoped API key
// and the bootstrap commands the operator runs on the host.
type ProvisionedAgent struct {
	Agent             Agent    `json:"agent"`
	ApiKey            ApiKey   `json:"api_key"`
	BootstrapCommands []string `json:"bootstrap_commands"`
	CertificateBundle []byte   `json:"certificate_bundle,omitempty"`
}
