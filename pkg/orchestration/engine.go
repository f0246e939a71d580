// Package orchestration is the task scheduler and workflow runtime. Tasks
// move Pending -> InProgress -> Completed/Failed under lease-based execution;
// workflows fan their step graphs out as tasks and track progress until the
// run terminates.
package orchestration

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cassandranet/cassnet/pkg/errdefs"
	"github.com/cassandranet/cassnet/pkg/events"
	"github.com/cassandranet/cassnet/pkg/log"
	"github.com/cassandranet/cassnet/pkg/metrics"
	"github.com/cassandranet/cassnet/pkg/storage"
	"github.com/cassandranet/cassnet/pkg/types"
)

// SchedulerStrategy selects which pending task a worker receives next.
type SchedulerStrategy string

const (
	// StrategyFIFO dispatches the earliest scheduled task.
	StrategyFIFO SchedulerStrategy = "fifo"
	// StrategyPriority dispatches the lowest policy priority, FIFO on ties.
	StrategyPriority SchedulerStrategy = "priority"
	// StrategyFairnessByKind avoids dispatching the same kind twice in a
	// row when another kind is waiting.
	StrategyFairnessByKind SchedulerStrategy = "fairness_by_kind"
)

// TaskPolicy is the per-kind retry and priority configuration.
type TaskPolicy struct {
	Timeouts       *types.TaskTimeouts
	MaxRetries     int
	BackoffSeconds int64
	Priority       int
}

// DefaultTaskPolicy applies to kinds without a registered policy.
func DefaultTaskPolicy() TaskPolicy {
	return TaskPolicy{
		MaxRetries:     3,
		BackoffSeconds: 30,
		Priority:       100,
	}
}

// leaseState is the engine-side record of a held lease.
type leaseState struct {
	version        uint64
	token          uuid.UUID
	workerID       uuid.UUID
	leasedAt       time.Time
	leaseExpiresAt time.Time
}

// Engine drives task scheduling, leasing, retries, and workflow runs.
//
// Locking: the lease map, the workflow-run map, the policy map, and the
// scheduler strategy (with its last-kind cursor) each have their own lock.
// When a call touches both the lease map and the run map it acquires them
// sequentially, leases first; no task enqueue happens while the run lock is
// held.
type Engine struct {
	tasks     storage.TaskStore
	workflows storage.WorkflowStore

	schedulerMu sync.RWMutex
	scheduler   SchedulerStrategy
	lastKind    *string

	policyMu sync.RWMutex
	policies map[string]TaskPolicy

	runMu sync.RWMutex
	runs  map[uuid.UUID]*workflowRunState

	leaseMu sync.Mutex
	leases  map[uuid.UUID]*leaseState

	broker *events.Broker
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventBroker attaches a broker; task and run events are published to it.
func WithEventBroker(broker *events.Broker) Option {
	return func(e *Engine) { e.broker = broker }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the given stores. The scheduler starts on
// FIFO.
func NewEngine(tasks storage.TaskStore, workflows storage.WorkflowStore, opts ...Option) *Engine {
	e := &Engine{
		tasks:     tasks,
		workflows: workflows,
		scheduler: StrategyFIFO,
		policies:  make(map[string]TaskPolicy),
		runs:      make(map[uuid.UUID]*workflowRunState),
		leases:    make(map[uuid.UUID]*leaseState),
		now:       time.Now,
		logger:    log.WithComponent("orchestration"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSchedulerStrategy switches the selection strategy and resets the
// fairness cursor.
func (e *Engine) SetSchedulerStrategy(strategy SchedulerStrategy) {
	e.schedulerMu.Lock()
	defer e.schedulerMu.Unlock()
	e.lastKind = nil
	e.scheduler = strategy
}

// RegisterTaskPolicy installs (or replaces) the policy for a task kind.
func (e *Engine) RegisterTaskPolicy(kind string, policy TaskPolicy) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	e.policies[kind] = policy
}

// ScheduleTask enqueues a Pending task for the request, stamping any
// registered per-kind timeouts onto it.
func (e *Engine) ScheduleTask(request types.TaskRequest) (*types.Task, error) {
	policy := e.policyFor(request.Kind)
	now := e.now().UTC()
	task := types.Task{
		ID:          uuid.New(),
		TenantID:    request.TenantID,
		Kind:        request.Kind,
		Payload:     request.Payload,
		Status:      types.TaskStatusPending,
		ScheduledAt: now,
		Timeouts:    policy.Timeouts,
	}
	if err := e.tasks.EnqueueTask(task); err != nil {
		return nil, err
	}

	metrics.TasksScheduled.Inc()
	e.logger.Debug().
		Str("task_id", task.ID.String()).
		Str("kind", task.Kind).
		Msg("task scheduled")
	e.publish(events.EventTaskScheduled, task.Kind, map[string]string{
		"task_id":   task.ID.String(),
		"tenant_id": task.TenantID.String(),
	})
	return &task, nil
}

// LeaseNextTask selects a pending task per the active strategy, flips it to
// InProgress, and installs a lease for the worker. Returns nil when nothing
// is eligible.
func (e *Engine) LeaseNextTask(tenantID, workerID uuid.UUID, leaseTTL time.Duration) (*types.TaskLease, error) {
	// The lease lock spans selection and the status flip so racing workers
	// never receive the same task.
	e.leaseMu.Lock()
	defer e.leaseMu.Unlock()

	pending, err := e.tasks.ListPendingTasks(tenantID)
	if err != nil {
		return nil, err
	}
	task := e.selectTask(pending)
	if task == nil {
		return nil, nil
	}

	now := e.now().UTC()
	task.Status = types.TaskStatusInProgress
	task.StartedAt = &now
	if err := e.tasks.UpdateTask(*task); err != nil {
		return nil, err
	}

	lease := e.startLease(task, workerID, leaseTTL, now)
	e.publish(events.EventTaskLeased, task.Kind, map[string]string{
		"task_id":   task.ID.String(),
		"worker_id": workerID.String(),
	})
	return lease, nil
}

// RenewTaskLease extends an unexpired lease held by (worker, token) and bumps
// its version. Every mismatch is InvalidInput and non-retriable.
func (e *Engine) RenewTaskLease(taskID, workerID, leaseToken uuid.UUID, extendBy time.Duration) (*types.TaskLease, error) {
	e.leaseMu.Lock()
	state, ok := e.leases[taskID]
	if !ok {
		e.leaseMu.Unlock()
		return nil, errdefs.InvalidInput("lease not found")
	}
	if state.workerID != workerID {
		e.leaseMu.Unlock()
		return nil, errdefs.InvalidInput("worker mismatch")
	}
	if state.token != leaseToken {
		e.leaseMu.Unlock()
		return nil, errdefs.InvalidInput("invalid lease token")
	}
	if state.leaseExpiresAt.Before(e.now()) {
		e.leaseMu.Unlock()
		return nil, errdefs.InvalidInput("lease expired")
	}
	state.version++
	state.leaseExpiresAt = state.leaseExpiresAt.Add(extendBy)
	snapshot := *state
	e.leaseMu.Unlock()

	task, err := e.tasks.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errdefs.NotFound("task")
	}

	metrics.LeaseRenewals.Inc()
	return &types.TaskLease{
		Task:           *task,
		WorkerID:       snapshot.workerID,
		LeasedAt:       snapshot.leasedAt,
		LeaseExpiresAt: snapshot.leaseExpiresAt,
		LeaseVersion:   snapshot.version,
		LeaseToken:     snapshot.token,
	}, nil
}

// CompleteTask marks a task Completed, clears its lease, and drives any
// owning workflow run.
func (e *Engine) CompleteTask(taskID uuid.UUID, result []byte) (*types.Task, error) {
	task, err := e.tasks.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errdefs.NotFound("task")
	}

	now := e.now().UTC()
	task.Status = types.TaskStatusCompleted
	task.CompletedAt = &now
	task.Result = result
	if err := e.tasks.UpdateTask(*task); err != nil {
		return nil, err
	}
	e.clearLease(taskID)

	metrics.TasksCompleted.Inc()
	e.publish(events.EventTaskCompleted, task.Kind, map[string]string{
		"task_id": task.ID.String(),
	})
	if err := e.handleTaskOutcome(task, true); err != nil {
		return nil, err
	}
	return task, nil
}

// FailTask records a failure. With retry and attempts within the policy the
// task goes back to Pending after the backoff; otherwise it finalizes as
// Failed and drives any owning workflow run.
func (e *Engine) FailTask(taskID uuid.UUID, taskErr string, retry bool) (*types.Task, error) {
	task, err := e.tasks.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errdefs.NotFound("task")
	}

	task.Attempts++
	task.LastError = &taskErr
	policy := e.policyFor(task.Kind)
	shouldRetry := retry && task.Attempts <= policy.MaxRetries

	now := e.now().UTC()
	if shouldRetry {
		task.Status = types.TaskStatusPending
		task.StartedAt = nil
		task.CompletedAt = nil
		task.ScheduledAt = now.Add(time.Duration(policy.BackoffSeconds) * time.Second)
	} else {
		task.Status = types.TaskStatusFailed
		task.CompletedAt = &now
	}
	if err := e.tasks.UpdateTask(*task); err != nil {
		return nil, err
	}
	e.clearLease(taskID)

	if shouldRetry {
		metrics.TaskRetries.Inc()
		e.logger.Debug().
			Str("task_id", task.ID.String()).
			Int("attempts", task.Attempts).
			Msg("task requeued for retry")
	} else {
		metrics.TasksFailed.Inc()
		e.logger.Warn().
			Str("task_id", task.ID.String()).
			Str("error", taskErr).
			Msg("task failed")
		e.publish(events.EventTaskFailed, task.Kind, map[string]string{
			"task_id": task.ID.String(),
		})
		if err := e.handleTaskOutcome(task, false); err != nil {
			return nil, err
		}
	}
	return task, nil
}

func (e *Engine) policyFor(kind string) TaskPolicy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	if policy, ok := e.policies[kind]; ok {
		return policy
	}
	return DefaultTaskPolicy()
}

// selectTask applies the active strategy to the pending list, which arrives
// sorted by scheduled_at. FairnessByKind advances the last-kind cursor only
// when a task is actually chosen.
func (e *Engine) selectTask(pending []types.Task) *types.Task {
	if len(pending) == 0 {
		return nil
	}

	e.schedulerMu.Lock()
	defer e.schedulerMu.Unlock()

	var candidate *types.Task
	switch e.scheduler {
	case StrategyPriority:
		priorities := make([]int, len(pending))
		for i, task := range pending {
			priorities[i] = e.policyFor(task.Kind).Priority
		}
		best := 0
		for i := 1; i < len(pending); i++ {
			if priorities[i] < priorities[best] {
				best = i
			}
		}
		candidate = &pending[best]
	case StrategyFairnessByKind:
		sorted := make([]types.Task, len(pending))
		copy(sorted, pending)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].ScheduledAt.Before(sorted[j].ScheduledAt)
		})
		candidate = &sorted[0]
		if e.lastKind != nil {
			for i := range sorted {
				if sorted[i].Kind != *e.lastKind {
					candidate = &sorted[i]
					break
				}
			}
		}
		kind := candidate.Kind
		e.lastKind = &kind
	default: // FIFO
		candidate = &pending[0]
	}

	chosen := *candidate
	return &chosen
}

// startLease installs a fresh lease for the task. The window comes from the
// task's lease_seconds timeout when present, otherwise the caller's TTL. The
// version continues from any prior lease of the same task.
func (e *Engine) startLease(task *types.Task, workerID uuid.UUID, leaseTTL time.Duration, now time.Time) *types.TaskLease {
	window := leaseTTL
	if task.Timeouts != nil && task.Timeouts.LeaseSeconds != nil {
		window = time.Duration(*task.Timeouts.LeaseSeconds) * time.Second
	}

	version := uint64(1)
	if prior, ok := e.leases[task.ID]; ok {
		version = prior.version + 1
	}
	state := &leaseState{
		version:        version,
		token:          uuid.New(),
		workerID:       workerID,
		leasedAt:       now,
		leaseExpiresAt: now.Add(window),
	}
	e.leases[task.ID] = state
	metrics.LeasesActive.Set(float64(len(e.leases)))

	return &types.TaskLease{
		Task:           *task,
		WorkerID:       workerID,
		LeasedAt:       state.leasedAt,
		LeaseExpiresAt: state.leaseExpiresAt,
		LeaseVersion:   state.version,
		LeaseToken:     state.token,
	}
}

func (e *Engine) clearLease(taskID uuid.UUID) {
	e.leaseMu.Lock()
	defer e.leaseMu.Unlock()
	delete(e.leases, taskID)
	metrics.LeasesActive.Set(float64(len(e.leases)))
}

func (e *Engine) publish(eventType events.EventType, message string, metadata map[string]string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}
