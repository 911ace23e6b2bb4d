package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/orchestrator/internal/coordinator"
	"github.com/swarmguard/orchestrator/internal/outbox"
	"github.com/swarmguard/orchestrator/internal/ports"
	"github.com/swarmguard/orchestrator/internal/workflow"
	"github.com/swarmguard/orchestrator/internal/worldstate"
)

// executeTaskPipeline runs the nine-step per-task pipeline of §4.1,
// including the retry/backoff loop, and persists TaskState after every
// transition so a restarted orchestrator can resume (§4.1, §5).
func (o *Orchestrator) executeTaskPipeline(ctx context.Context, spec workflow.Spec, state *workflow.State, task workflow.Task) error {
	retry := task.Retry.Normalize()
	if retry.MaxAttempts == 0 {
		retry = o.cfg.DefaultRetry
	}

	ts := &workflow.TaskState{TaskID: task.ID, Status: workflow.TaskRunning, StartedAt: time.Now().UTC()}
	state.Tasks[task.ID] = ts
	o.cfg.StateStore.Put(ctx, state)
	o.appendEvent(workflow.NewEvent(workflow.EventTaskStarted, spec.ID, task.ID, spec.TenantID, nil))

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		ts.Attempt = attempt

		err := o.attemptTask(ctx, spec, state, task, ts)
		if err == nil {
			return nil
		}

		terminal := true
		if code, ok := asFailureCode(err); ok {
			switch code {
			case workflow.CodePolicyBlocked, workflow.CodeFeasibilityFailed, workflow.CodeCRVBlocked:
				terminal = true // these failure kinds are not retried (§4.1 step list)
			default:
				terminal = false
			}
		}

		if !terminal && attempt < retry.MaxAttempts {
			o.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task.ID)))
			o.appendEvent(workflow.NewEvent(workflow.EventTaskRetry, spec.ID, task.ID, spec.TenantID,
				map[string]any{"attempt": attempt, "error": err.Error()}))
			time.Sleep(backoffDuration(retry, attempt))
			continue
		}

		ts.Status = workflow.TaskFailed
		if code, ok := asFailureCode(err); ok && code == workflow.CodeTimeout {
			ts.Status = workflow.TaskTimeout
			ts.TimedOut = true
		}
		ts.Error = err.Error()
		ts.CompletedAt = time.Now().UTC()
		o.cfg.StateStore.Put(ctx, state)
		o.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task.ID)))
		o.appendEvent(workflow.NewEvent(workflow.EventTaskFailed, spec.ID, task.ID, spec.TenantID,
			map[string]any{"error": err.Error(), "attempt": attempt}))
		return err
	}
	return fmt.Errorf("task %s: exhausted retries", task.ID)
}

func asFailureCode(err error) (workflow.FailureCode, bool) {
	var te *workflow.TaskError
	if ok := errorsAsTaskError(err, &te); ok {
		return te.Code, true
	}
	return "", false
}

func errorsAsTaskError(err error, target **workflow.TaskError) bool {
	for err != nil {
		if te, ok := err.(*workflow.TaskError); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// attemptTask runs a single attempt through steps 1-9. Its error, if any,
// is always a *workflow.TaskError tagged with the §7 failure code that
// applies.
func (o *Orchestrator) attemptTask(ctx context.Context, spec workflow.Spec, state *workflow.State, task workflow.Task, ts *workflow.TaskState) error {
	ctx, span := o.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task_id", task.ID), attribute.String("workflow_id", spec.ID),
	))
	defer span.End()

	// Step 1: policy gate.
	if o.cfg.PolicyGuard != nil {
		decision, err := o.cfg.PolicyGuard.Check(ctx, o.cfg.Principal, task)
		if err == nil && !decision.Allowed {
			return workflow.NewTaskError(workflow.CodePolicyBlocked, task.ID, fmt.Errorf("policy denied: %s", decision.Reason))
		}
	}

	// Step 2: feasibility check.
	if o.cfg.Feasibility != nil {
		result := o.cfg.Feasibility.Check(task, o.cfg.WorldState)
		if !result.Feasible {
			return workflow.NewTaskError(workflow.CodeFeasibilityFailed, task.ID, fmt.Errorf("infeasible: %v", result.Reasons))
		}
	}

	// Lock acquisition (§5 "Shared resources"); released in the deferred
	// cleanup below regardless of outcome.
	heldLocks := o.acquireLocks(ctx, spec, task)
	defer o.releaseLocks(spec, task, heldLocks)

	// Step 4: world-state snapshot.
	var snapshot worldstate.Snapshot
	if o.cfg.WorldState != nil {
		snapshot = o.cfg.WorldState.Snapshot()
		o.appendEvent(workflow.NewEvent(workflow.EventStateSnapshot, spec.ID, task.ID, spec.TenantID, nil))
	}

	runFn := func(execCtx context.Context) (map[string]any, error) {
		exec := o.cfg.Executor
		scope := o.snapshotResults(state)
		// Step 3: fault-injection hook.
		if o.cfg.FaultInjector != nil {
			return o.cfg.FaultInjector.InjectBeforeTask(execCtx, spec.ID, task.ID, task.ToolName,
				func(c context.Context) (map[string]any, error) { return exec.Execute(c, task, scope) })
		}
		return exec.Execute(execCtx, task, scope)
	}

	// Cacheable tasks skip the executor/outbox path entirely on a hit
	// (§"SUPPLEMENTED FEATURES" #1).
	var result map[string]any
	var err error
	if task.Cacheable {
		key := cacheKey(task)
		if cached, ok := o.cache.get(key); ok {
			result = cached
		} else {
			result, err = o.executeThroughOutbox(ctx, spec, task, runFn)
			if err == nil {
				o.cache.put(key, result)
			}
		}
	} else {
		result, err = o.executeThroughOutbox(ctx, spec, task, runFn)
	}
	if err != nil {
		return err
	}

	// Step 6: CRV validation.
	if o.cfg.CRVGate != nil {
		result, err = o.runCRV(ctx, spec, task, result)
		if err != nil {
			return err
		}
	}

	ts.Status = workflow.TaskCompleted
	ts.Result = result
	ts.CompletedAt = time.Now().UTC()
	o.cfg.StateStore.Put(ctx, state)
	o.taskDuration.Record(ctx, float64(ts.CompletedAt.Sub(ts.StartedAt).Milliseconds()),
		metric.WithAttributes(attribute.String("task", task.ID)))
	o.appendEvent(workflow.NewEvent(workflow.EventTaskCompleted, spec.ID, task.ID, spec.TenantID, nil))

	// Step 7: world-state diff.
	if o.cfg.WorldState != nil {
		diffs := o.cfg.WorldState.Diff(snapshot)
		if len(diffs) > 0 {
			o.appendEvent(workflow.NewEvent(workflow.EventStateUpdated, spec.ID, task.ID, spec.TenantID,
				map[string]any{"diff": diffs}))
		}
	}

	// Step 8: memory write.
	if o.cfg.MemoryAPI != nil {
		_ = o.cfg.MemoryAPI.WriteEpisodicNote(ctx, spec.ID, task.ID, "task_lifecycle")
	}

	return nil
}

// executeThroughOutbox races the executor invocation against the task's
// timeout and wraps it in the outbox's idempotency guard (§4.1 step 5,
// "Timeout"). When the deadline passes first, the in-flight call is
// abandoned and reported as TIMEOUT, so its late result is never committed.
func (o *Orchestrator) executeThroughOutbox(ctx context.Context, spec workflow.Spec, task workflow.Task, fn outbox.Fn) (map[string]any, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if d := task.Timeout(); d > 0 {
		execCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
		inner := fn
		fn = func(c context.Context) (map[string]any, error) {
			var result map[string]any
			var err error
			done := make(chan struct{})
			go func() { result, err = inner(c); close(done) }()
			select {
			case <-done:
				return result, err
			case <-c.Done():
				return nil, c.Err()
			}
		}
	}

	if o.cfg.Outbox == nil {
		result, err := fn(execCtx)
		if err != nil && execCtx.Err() != nil {
			o.appendEvent(workflow.NewEvent(workflow.EventTaskTimeout, spec.ID, task.ID, spec.TenantID, nil))
			if task.Compensation.OnTimeout != "" {
				o.triggerHookCompensation(ctx, spec, task, task.Compensation.OnTimeout)
			}
			return nil, workflow.NewTaskError(workflow.CodeTimeout, task.ID, execCtx.Err())
		}
		if err != nil {
			return nil, workflow.NewTaskError(workflow.CodeToolError, task.ID, err)
		}
		return result, nil
	}

	key := task.IdempotencyKey
	if key == "" {
		key = deriveIdempotencyKey(spec.ID, task.ID, task.Inputs)
	}

	result, err := o.cfg.Outbox.Execute(execCtx, spec.ID, task.ID, task.ToolName, task.Inputs, key, func(c context.Context) (map[string]any, error) {
		return fn(c)
	}, task.Retry.Normalize().MaxAttempts)

	if err != nil {
		if execCtx.Err() != nil {
			o.appendEvent(workflow.NewEvent(workflow.EventTaskTimeout, spec.ID, task.ID, spec.TenantID, nil))
			if task.Compensation.OnTimeout != "" {
				o.triggerHookCompensation(ctx, spec, task, task.Compensation.OnTimeout)
			}
			return nil, workflow.NewTaskError(workflow.CodeTimeout, task.ID, execCtx.Err())
		}
		return nil, workflow.NewTaskError(workflow.CodeToolError, task.ID, err)
	}
	return result, nil
}

func (o *Orchestrator) triggerHookCompensation(ctx context.Context, spec workflow.Spec, task workflow.Task, compensationTaskID string) {
	o.appendEvent(workflow.NewEvent(workflow.EventCompensationTriggered, spec.ID, task.ID, spec.TenantID,
		map[string]any{"hook": "onTimeout", "compensationTask": compensationTaskID}))
}

// runCRV builds a Commit, validates it, and dispatches recovery on block
// (§4.1 step 6).
func (o *Orchestrator) runCRV(ctx context.Context, spec workflow.Spec, task workflow.Task, result map[string]any) (map[string]any, error) {
	commit := ports.Commit{WorkflowID: spec.ID, TaskID: task.ID, Data: result}
	verdict, err := o.cfg.CRVGate.Validate(ctx, commit)
	if err != nil || !verdict.Blocked {
		return result, nil
	}

	if verdict.RecoveryStrategy == ports.RecoveryIgnore {
		// §9 resolved open question: original data is committed, flagged.
		o.appendEvent(workflow.NewEvent(workflow.EventStateUpdated, spec.ID, task.ID, spec.TenantID,
			map[string]any{"crvIgnored": true}))
		return result, nil
	}

	if o.cfg.RecoveryExecutor == nil {
		return nil, workflow.NewTaskError(workflow.CodeCRVBlocked, task.ID, fmt.Errorf("blocked, no recovery executor configured"))
	}

	var outcome ports.RecoveryOutcome
	switch verdict.RecoveryStrategy {
	case ports.RecoveryRetryAltTool:
		outcome, err = o.cfg.RecoveryExecutor.ExecuteRetryAltTool(ctx, nil, commit)
	case ports.RecoveryAskUser:
		outcome, err = o.cfg.RecoveryExecutor.ExecuteAskUser(ctx, nil, commit)
	case ports.RecoveryEscalate:
		outcome, err = o.cfg.RecoveryExecutor.ExecuteEscalate(ctx, nil, commit)
	default:
		return nil, workflow.NewTaskError(workflow.CodeCRVBlocked, task.ID, fmt.Errorf("blocked, unknown recovery strategy %q", verdict.RecoveryStrategy))
	}
	if err != nil || !outcome.Success {
		return nil, workflow.NewTaskError(workflow.CodeRecoveryFailed, task.ID, err)
	}
	if outcome.RecoveredData != nil {
		return outcome.RecoveredData, nil
	}
	return result, nil
}

// acquireLocks attempts every RequiredLocks entry for task, using the
// owning workflow as the coordinator's agent identity since spec.md's
// Task does not carry a separate per-task agent id.
func (o *Orchestrator) acquireLocks(ctx context.Context, spec workflow.Spec, task workflow.Task) []workflow.LockRequest {
	if o.cfg.Coordinator == nil || len(task.RequiredLocks) == 0 {
		return nil
	}
	var held []workflow.LockRequest
	for _, req := range task.RequiredLocks {
		mode := coordinator.ModeRead
		if req.Mode == "write" {
			mode = coordinator.ModeWrite
		}
		if o.cfg.Coordinator.AcquireLock(ctx, req.ResourceID, spec.ID, spec.ID, mode, 0) {
			held = append(held, req)
			o.appendEvent(workflow.NewEvent(workflow.EventLockAcquired, spec.ID, task.ID, spec.TenantID,
				map[string]any{"resourceId": req.ResourceID, "mode": req.Mode}))
		}
	}
	return held
}

func (o *Orchestrator) releaseLocks(spec workflow.Spec, task workflow.Task, held []workflow.LockRequest) {
	if o.cfg.Coordinator == nil {
		return
	}
	for _, req := range held {
		o.cfg.Coordinator.ReleaseLock(req.ResourceID, spec.ID, spec.ID)
		o.appendEvent(workflow.NewEvent(workflow.EventLockReleased, spec.ID, task.ID, spec.TenantID,
			map[string]any{"resourceId": req.ResourceID, "reason": "RELEASE"}))
	}
}

func deriveIdempotencyKey(workflowID, taskID string, inputs map[string]any) string {
	data, _ := json.Marshal(inputs)
	sum := sha256.Sum256(append([]byte(workflowID+":"+taskID+":"), data...))
	return hex.EncodeToString(sum[:])
}
