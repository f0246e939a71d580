package orchestration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassandranet/cassnet/pkg/errdefs"
	"github.com/cassandranet/cassnet/pkg/storage"
	"github.com/cassandranet/cassnet/pkg/types"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *storage.MemoryStore, uuid.UUID) {
	t.Helper()
	store := storage.NewMemoryStore()
	tenant := types.Tenant{ID: uuid.New(), Name: "acme", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTenant(tenant))
	return NewEngine(store, store, opts...), store, tenant.ID
}

func TestScheduleTask(t *testing.T) {
	engine, store, tenantID := newTestEngine(t)

	task, err := engine.ScheduleTask(types.TaskRequest{
		TenantID: tenantID,
		Kind:     "configure",
		Payload:  json.RawMessage(`{"target":"db"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, 0, task.Attempts)

	pending, err := store.ListPendingTasks(tenantID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, task.ID, pending[0].ID)
}

func TestScheduleTaskAppliesPolicyTimeouts(t *testing.T) {
	engine, _, tenantID := newTestEngine(t)

	lease := int64(120)
	engine.RegisterTaskPolicy("slow", TaskPolicy{
		Timeouts:   &types.TaskTimeouts{LeaseSeconds: &lease},
		MaxRetries: 3, BackoffSeconds: 30, Priority: 100,
	})

	task, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "slow"})
	require.NoError(t, err)
	require.NotNil(t, task.Timeouts)
	require.NotNil(t, task.Timeouts.LeaseSeconds)
	assert.Equal(t, int64(120), *task.Timeouts.LeaseSeconds)

	// The lease window follows the policy, not the caller TTL.
	leased, err := engine.LeaseNextTask(tenantID, uuid.New(), time.Hour)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, 120*time.Second, leased.LeaseExpiresAt.Sub(leased.LeasedAt))
}

func TestLeaseNextTaskEmpty(t *testing.T) {
	engine, _, tenantID := newTestEngine(t)

	lease, err := engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestLeaseAndRenew(t *testing.T) {
	engine, _, tenantID := newTestEngine(t)
	worker := uuid.New()

	task, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "k"})
	require.NoError(t, err)

	lease, err := engine.LeaseNextTask(tenantID, worker, 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, task.ID, lease.Task.ID)
	assert.Equal(t, types.TaskStatusInProgress, lease.Task.Status)
	assert.Equal(t, uint64(1), lease.LeaseVersion)
	expiresAt := lease.LeaseExpiresAt

	renewed, err := engine.RenewTaskLease(task.ID, worker, lease.LeaseToken, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), renewed.LeaseVersion)
	assert.Equal(t, expiresAt.Add(10*time.Minute), renewed.LeaseExpiresAt)

	// Wrong worker, wrong token, unknown task: all InvalidInput.
	_, err = engine.RenewTaskLease(task.ID, uuid.New(), lease.LeaseToken, time.Minute)
	assert.True(t, errdefs.IsInvalidInput(err))
	_, err = engine.RenewTaskLease(task.ID, worker, uuid.New(), time.Minute)
	assert.True(t, errdefs.IsInvalidInput(err))
	_, err = engine.RenewTaskLease(uuid.New(), worker, lease.LeaseToken, time.Minute)
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestRenewExpiredLease(t *testing.T) {
	now := time.Now().UTC()
	current := now
	engine, _, tenantID := newTestEngine(t, WithClock(func() time.Time { return current }))
	worker := uuid.New()

	_, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "k"})
	require.NoError(t, err)
	lease, err := engine.LeaseNextTask(tenantID, worker, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	current = now.Add(2 * time.Minute)
	_, err = engine.RenewTaskLease(lease.Task.ID, worker, lease.LeaseToken, time.Minute)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))
	assert.Contains(t, err.Error(), "lease expired")
}

func TestCompleteTaskClearsLease(t *testing.T) {
	engine, store, tenantID := newTestEngine(t)
	worker := uuid.New()

	task, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "k"})
	require.NoError(t, err)
	lease, err := engine.LeaseNextTask(tenantID, worker, time.Minute)
	require.NoError(t, err)

	completed, err := engine.CompleteTask(task.ID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	// Lease is gone; renewal fails.
	_, err = engine.RenewTaskLease(task.ID, worker, lease.LeaseToken, time.Minute)
	assert.True(t, errdefs.IsInvalidInput(err))

	stored, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, stored.Status)
}

func TestFailTaskWithRetry(t *testing.T) {
	engine, _, tenantID := newTestEngine(t)
	worker := uuid.New()

	engine.RegisterTaskPolicy("k", TaskPolicy{MaxRetries: 1, BackoffSeconds: 0, Priority: 100})

	task, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "k"})
	require.NoError(t, err)

	_, err = engine.LeaseNextTask(tenantID, worker, time.Minute)
	require.NoError(t, err)
	failed, err := engine.FailTask(task.ID, "boom", true)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Nil(t, failed.StartedAt)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "boom", *failed.LastError)

	// Second failure exceeds max_retries and finalizes.
	_, err = engine.LeaseNextTask(tenantID, worker, time.Minute)
	require.NoError(t, err)
	failed, err = engine.FailTask(task.ID, "boom", true)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, failed.Status)
	assert.Equal(t, 2, failed.Attempts)
	require.NotNil(t, failed.CompletedAt)
}

func TestFailTaskZeroRetries(t *testing.T) {
	engine, _, tenantID := newTestEngine(t)

	engine.RegisterTaskPolicy("k", TaskPolicy{MaxRetries: 0, BackoffSeconds: 0, Priority: 100})

	task, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "k"})
	require.NoError(t, err)
	_, err = engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)

	failed, err := engine.FailTask(task.ID, "boom", true)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
}

func TestFailTaskRetryBackoff(t *testing.T) {
	now := time.Now().UTC()
	engine, _, tenantID := newTestEngine(t, WithClock(func() time.Time { return now }))

	engine.RegisterTaskPolicy("k", TaskPolicy{MaxRetries: 3, BackoffSeconds: 30, Priority: 100})

	task, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "k"})
	require.NoError(t, err)
	_, err = engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)

	failed, err := engine.FailTask(task.ID, "boom", true)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), failed.ScheduledAt)
}

func TestLeaseRestartsAfterRetry(t *testing.T) {
	engine, _, tenantID := newTestEngine(t)
	worker := uuid.New()

	engine.RegisterTaskPolicy("k", TaskPolicy{MaxRetries: 5, BackoffSeconds: 0, Priority: 100})
	task, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "k"})
	require.NoError(t, err)

	first, err := engine.LeaseNextTask(tenantID, worker, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.LeaseVersion)

	renewed, err := engine.RenewTaskLease(task.ID, worker, first.LeaseToken, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), renewed.LeaseVersion)

	_, err = engine.FailTask(task.ID, "boom", true)
	require.NoError(t, err)

	// The lease was cleared on failure, so a fresh lease restarts at 1.
	second, err := engine.LeaseNextTask(tenantID, worker, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, uint64(1), second.LeaseVersion)
	assert.NotEqual(t, first.LeaseToken, second.LeaseToken)
}

func TestTwoWorkersReceiveDistinctTasks(t *testing.T) {
	engine, _, tenantID := newTestEngine(t)

	first, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "a"})
	require.NoError(t, err)
	second, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "b"})
	require.NoError(t, err)

	leaseA, err := engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)
	leaseB, err := engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leaseA)
	require.NotNil(t, leaseB)
	assert.NotEqual(t, leaseA.Task.ID, leaseB.Task.ID)

	leased := map[uuid.UUID]bool{leaseA.Task.ID: true, leaseB.Task.ID: true}
	assert.True(t, leased[first.ID])
	assert.True(t, leased[second.ID])

	third, err := engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestPriorityStrategy(t *testing.T) {
	engine, _, tenantID := newTestEngine(t)

	engine.RegisterTaskPolicy("low", TaskPolicy{MaxRetries: 3, BackoffSeconds: 30, Priority: 200})
	engine.RegisterTaskPolicy("high", TaskPolicy{MaxRetries: 3, BackoffSeconds: 30, Priority: 10})
	engine.SetSchedulerStrategy(StrategyPriority)

	_, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "low"})
	require.NoError(t, err)
	high, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: "high"})
	require.NoError(t, err)

	lease, err := engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, high.ID, lease.Task.ID)
}

func TestFairnessByKindStrategy(t *testing.T) {
	engine, _, tenantID := newTestEngine(t)
	engine.SetSchedulerStrategy(StrategyFairnessByKind)

	// Two of kind a, one of kind b, scheduled in order a a b.
	for _, kind := range []string{"a", "a", "b"} {
		_, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: kind})
		require.NoError(t, err)
	}

	first, err := engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Task.Kind)

	// Last dispatched kind was a, so b jumps the queue.
	second, err := engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "b", second.Task.Kind)

	// Only a remains.
	third, err := engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "a", third.Task.Kind)
}

func TestSetSchedulerStrategyResetsCursor(t *testing.T) {
	engine, _, tenantID := newTestEngine(t)
	engine.SetSchedulerStrategy(StrategyFairnessByKind)

	for _, kind := range []string{"a", "a"} {
		_, err := engine.ScheduleTask(types.TaskRequest{TenantID: tenantID, Kind: kind})
		require.NoError(t, err)
	}
	first, err := engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Task.Kind)

	// Resetting the strategy clears the last-kind cursor; kind a is
	// dispatched again immediately.
	engine.SetSchedulerStrategy(StrategyFairnessByKind)
	second, err := engine.LeaseNextTask(tenantID, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "a", second.Task.Kind)
}
