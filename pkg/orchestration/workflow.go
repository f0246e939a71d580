package orchestration

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cassandranet/cassnet/pkg/errdefs"
	"github.com/cassandranet/cassnet/pkg/events"
	"github.com/cassandranet/cassnet/pkg/metrics"
	"github.com/cassandranet/cassnet/pkg/types"
)

// stepEnvelope is the payload attached to every workflow-born task. Its
// presence is how task completion finds its way back to the owning run.
type stepEnvelope struct {
	WorkflowID    uuid.UUID       `json:"workflow_id"`
	WorkflowRunID uuid.UUID       `json:"workflow_run_id"`
	StepID        uuid.UUID       `json:"step_id"`
	Input         json.RawMessage `json:"input,omitempty"`
}

// workflowRunState tracks one run's progress. Outcome sets grow per task
// kind, matching the dependency semantics: a Completed dependency on kind k
// is satisfied once any step of kind k completed in this run.
type workflowRunState struct {
	run            types.WorkflowRun
	stepLookup     map[uuid.UUID]types.WorkflowStep
	waitingSteps   map[uuid.UUID]struct{}
	inflightSteps  map[uuid.UUID]struct{}
	completedKinds map[string]struct{}
	failedKinds    map[string]struct{}
}

func newWorkflowRunState(run types.WorkflowRun, steps []types.WorkflowStep) *workflowRunState {
	state := &workflowRunState{
		run:            run,
		stepLookup:     make(map[uuid.UUID]types.WorkflowStep, len(steps)),
		waitingSteps:   make(map[uuid.UUID]struct{}, len(steps)),
		inflightSteps:  make(map[uuid.UUID]struct{}),
		completedKinds: make(map[string]struct{}),
		failedKinds:    make(map[string]struct{}),
	}
	for _, step := range steps {
		state.stepLookup[step.ID] = step
		state.waitingSteps[step.ID] = struct{}{}
	}
	return state
}

// popReadySteps moves every waiting step whose dependencies are satisfied
// into the inflight set and returns them. Pending and InProgress dependencies
// gate ordering only and count as satisfied.
func (s *workflowRunState) popReadySteps() []types.WorkflowStep {
	var ready []types.WorkflowStep
	for id := range s.waitingSteps {
		step, ok := s.stepLookup[id]
		if !ok {
			continue
		}
		satisfied := true
		for _, dep := range step.Dependencies {
			switch dep.RequiredStatus {
			case types.TaskStatusCompleted:
				if _, done := s.completedKinds[dep.TaskKind]; !done {
					satisfied = false
				}
			case types.TaskStatusFailed:
				if _, failed := s.failedKinds[dep.TaskKind]; !failed {
					satisfied = false
				}
			}
			if !satisfied {
				break
			}
		}
		if satisfied {
			ready = append(ready, step)
		}
	}
	for _, step := range ready {
		delete(s.waitingSteps, step.ID)
		s.inflightSteps[step.ID] = struct{}{}
	}
	return ready
}

// markStepOutcome records a step result and finalizes the run when nothing
// is waiting or inflight.
func (s *workflowRunState) markStepOutcome(stepID uuid.UUID, success bool, now time.Time) {
	if step, ok := s.stepLookup[stepID]; ok {
		if success {
			s.completedKinds[step.TaskKind] = struct{}{}
		} else {
			s.failedKinds[step.TaskKind] = struct{}{}
		}
	}
	delete(s.inflightSteps, stepID)
	id := stepID
	s.run.CurrentStep = &id
	s.run.UpdatedAt = now
	if len(s.waitingSteps) == 0 && len(s.inflightSteps) == 0 {
		s.run.CompletedAt = &now
		if len(s.failedKinds) == 0 {
			s.run.Status = types.WorkflowRunCompleted
		} else {
			s.run.Status = types.WorkflowRunFailed
		}
	}
}

// RegisterWorkflow stores an immutable workflow template.
func (e *Engine) RegisterWorkflow(tenantID uuid.UUID, name string, steps []types.WorkflowStep) (*types.Workflow, error) {
	if len(steps) == 0 {
		return nil, errdefs.InvalidInput("workflow steps required")
	}
	workflow := types.Workflow{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		Steps:     steps,
		CreatedAt: e.now().UTC(),
	}
	if err := e.workflows.InsertWorkflow(workflow); err != nil {
		return nil, err
	}
	return &workflow, nil
}

// ScheduleWorkflow starts a run: every step whose dependencies are already
// satisfied is enqueued as a task carrying the step envelope. Returns the
// tasks scheduled for the first wave. A workflow owned by a different tenant
// fails Forbidden.
func (e *Engine) ScheduleWorkflow(workflowID, tenantID uuid.UUID, initialPayload json.RawMessage) ([]types.Task, error) {
	workflow, err := e.workflows.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if workflow == nil {
		return nil, errdefs.NotFound("workflow")
	}
	if workflow.TenantID != tenantID {
		return nil, errdefs.Forbidden()
	}

	now := e.now().UTC()
	run := types.WorkflowRun{
		ID:         uuid.New(),
		TenantID:   tenantID,
		WorkflowID: workflow.ID,
		Status:     types.WorkflowRunRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
		StartedAt:  &now,
		Context:    initialPayload,
	}
	state := newWorkflowRunState(run, workflow.Steps)
	ready := state.popReadySteps()

	var scheduled []types.Task
	for _, step := range ready {
		task, err := e.scheduleStepTask(workflow.ID, run.ID, tenantID, step, initialPayload)
		if err != nil {
			return nil, err
		}
		scheduled = append(scheduled, *task)
	}
	if len(scheduled) == 0 {
		run.Status = types.WorkflowRunPending
	}
	state.run = run

	e.runMu.Lock()
	e.runs[run.ID] = state
	metrics.WorkflowRunsActive.Set(float64(len(e.runs)))
	e.runMu.Unlock()

	e.logger.Info().
		Str("workflow_id", workflow.ID.String()).
		Str("run_id", run.ID.String()).
		Int("first_wave", len(scheduled)).
		Msg("workflow run scheduled")
	e.publish(events.EventWorkflowScheduled, workflow.Name, map[string]string{
		"workflow_id": workflow.ID.String(),
		"run_id":      run.ID.String(),
	})
	return scheduled, nil
}

// GetWorkflowRun returns a snapshot of an active run. Terminated runs are
// removed from the index and report false.
func (e *Engine) GetWorkflowRun(runID uuid.UUID) (*types.WorkflowRun, bool) {
	e.runMu.RLock()
	defer e.runMu.RUnlock()
	state, ok := e.runs[runID]
	if !ok {
		return nil, false
	}
	run := state.run
	return &run, true
}

func (e *Engine) scheduleStepTask(workflowID, runID, tenantID uuid.UUID, step types.WorkflowStep, input json.RawMessage) (*types.Task, error) {
	payload, err := json.Marshal(stepEnvelope{
		WorkflowID:    workflowID,
		WorkflowRunID: runID,
		StepID:        step.ID,
		Input:         input,
	})
	if err != nil {
		return nil, errdefs.Wrap("serialize step payload", err)
	}
	return e.ScheduleTask(types.TaskRequest{
		TenantID: tenantID,
		Kind:     step.TaskKind,
		Payload:  payload,
	})
}

// workflowContext extracts the step envelope from a task payload. Tasks not
// born from a workflow return false.
func workflowContext(task *types.Task) (stepEnvelope, bool) {
	var envelope stepEnvelope
	if len(task.Payload) == 0 {
		return envelope, false
	}
	if err := json.Unmarshal(task.Payload, &envelope); err != nil {
		return envelope, false
	}
	if envelope.WorkflowID == uuid.Nil || envelope.WorkflowRunID == uuid.Nil || envelope.StepID == uuid.Nil {
		return envelope, false
	}
	return envelope, true
}

// handleTaskOutcome feeds a terminal task result back into its owning run,
// fanning out newly-ready steps. The ready list is copied out so enqueues
// happen after the run lock is released; no step is ever dispatched twice.
func (e *Engine) handleTaskOutcome(task *types.Task, success bool) error {
	envelope, ok := workflowContext(task)
	if !ok {
		return nil
	}

	e.runMu.Lock()
	state, ok := e.runs[envelope.WorkflowRunID]
	if !ok {
		e.runMu.Unlock()
		return nil
	}
	state.markStepOutcome(envelope.StepID, success, e.now().UTC())
	ready := state.popReadySteps()
	run := state.run
	finished := run.Status.Terminal()
	e.runMu.Unlock()

	for _, step := range ready {
		if _, err := e.scheduleStepTask(run.WorkflowID, run.ID, run.TenantID, step, run.Context); err != nil {
			return err
		}
	}

	if finished {
		e.runMu.Lock()
		delete(e.runs, run.ID)
		metrics.WorkflowRunsActive.Set(float64(len(e.runs)))
		e.runMu.Unlock()

		outcome := events.EventWorkflowCompleted
		label := "completed"
		if run.Status == types.WorkflowRunFailed {
			outcome = events.EventWorkflowFailed
			label = "failed"
		}
		metrics.WorkflowRunsFinished.WithLabelValues(label).Inc()
		e.logger.Info().
			Str("run_id", run.ID.String()).
			Str("status", string(run.Status)).
			Msg("workflow run finished")
		e.publish(outcome, run.ID.String(), map[string]string{
			"workflow_id": run.WorkflowID.String(),
			"run_id":      run.ID.String(),
		})
	}
	return nil
}
