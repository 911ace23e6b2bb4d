package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/orchestrator/internal/eventlog"
	"github.com/swarmguard/orchestrator/internal/outbox"
	"github.com/swarmguard/orchestrator/internal/statestore"
	"github.com/swarmguard/orchestrator/internal/workflow"
	"github.com/swarmguard/orchestrator/internal/worldstate"
)

// scriptedExecutor runs a caller-supplied function per task ID, counting
// invocations so tests can assert exact attempt counts.
type scriptedExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	fns   map[string]func(call int) (map[string]any, error)
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{calls: make(map[string]int), fns: make(map[string]func(int) (map[string]any, error))}
}

func (s *scriptedExecutor) on(taskID string, fn func(call int) (map[string]any, error)) {
	s.fns[taskID] = fn
}

func (s *scriptedExecutor) Execute(ctx context.Context, task workflow.Task, scope map[string]map[string]any) (map[string]any, error) {
	// Compensation dispatch swaps ToolName but keeps the original task's
	// ID, so a tool name takes priority over the task ID when both are
	// registered.
	key := task.ID
	if task.ToolName != "" {
		key = task.ToolName
	}

	s.mu.Lock()
	s.calls[key]++
	call := s.calls[key]
	s.mu.Unlock()

	if fn, ok := s.fns[key]; ok {
		return fn(call)
	}
	return map[string]any{"taskId": task.ID}, nil
}

func (s *scriptedExecutor) callCount(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[taskID]
}

type harness struct {
	orch  *Orchestrator
	exec  *scriptedExecutor
	state *statestore.Store
	log   *eventlog.Log
	ob    *outbox.Service
}

func newHarness(t *testing.T, configure func(cfg *Config)) *harness {
	t.Helper()
	dir := t.TempDir()

	states, err := statestore.Open(dir, otel.Meter("orchestrator-test-state"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	log, err := eventlog.New(dir + "/events")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	ob, err := outbox.Open(dir, otel.Meter("orchestrator-test-outbox"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ob.Close() })

	exec := newScriptedExecutor()
	cfg := Config{
		StateStore: states,
		Executor:   exec,
		EventLog:   log,
		Outbox:     ob,
		MaxWorkers: 4,
	}
	if configure != nil {
		configure(&cfg)
	}
	orch, err := New(cfg)
	require.NoError(t, err)

	return &harness{orch: orch, exec: exec, state: states, log: log, ob: ob}
}

func TestExecuteWorkflowChainAllSucceed(t *testing.T) {
	h := newHarness(t, nil)
	spec := workflow.Spec{
		ID: "wf-chain",
		Tasks: []workflow.Task{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		},
	}

	state, err := h.orch.ExecuteWorkflow(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, state.Status)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, workflow.TaskCompleted, state.Tasks[id].Status)
	}

	events, err := h.log.Read("wf-chain", "")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.EventWorkflowStarted, events[0].Type)
	assert.Equal(t, workflow.EventWorkflowCompleted, events[len(events)-1].Type)
}

func TestExecuteWorkflowRetriesAndSucceedsOnThirdAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.on("flaky", func(call int) (map[string]any, error) {
		if call < 3 {
			return nil, errors.New("transient failure")
		}
		return map[string]any{"ok": true}, nil
	})

	spec := workflow.Spec{
		ID: "wf-retry",
		Tasks: []workflow.Task{
			{ID: "flaky", Retry: workflow.RetryPolicy{MaxAttempts: 3, BackoffMs: 1, BackoffMultiplier: 1, Jitter: false}},
		},
	}

	state, err := h.orch.ExecuteWorkflow(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, state.Status)
	assert.Equal(t, 3, h.exec.callCount("flaky"))
	assert.Equal(t, 3, state.Tasks["flaky"].Attempt)

	events, err := h.log.Read("wf-retry", "")
	require.NoError(t, err)
	retries := 0
	for _, ev := range events {
		if ev.Type == workflow.EventTaskRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestExecuteWorkflowExhaustsRetriesAndFails(t *testing.T) {
	h := newHarness(t, nil)
	cause := errors.New("always fails")
	h.exec.on("doomed", func(call int) (map[string]any, error) { return nil, cause })

	spec := workflow.Spec{
		ID: "wf-exhaust",
		Tasks: []workflow.Task{
			{ID: "doomed", Retry: workflow.RetryPolicy{MaxAttempts: 2, BackoffMs: 1, BackoffMultiplier: 1}},
		},
	}

	state, err := h.orch.ExecuteWorkflow(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, workflow.WorkflowFailed, state.Status)
	assert.Equal(t, workflow.TaskFailed, state.Tasks["doomed"].Status)
	assert.Equal(t, 2, h.exec.callCount("doomed"))
}

func TestExecuteWorkflowTimeoutTriggersCompensationHook(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.on("slow", func(call int) (map[string]any, error) {
		time.Sleep(100 * time.Millisecond)
		return map[string]any{"ok": true}, nil
	})
	var triggered bool
	h.exec.on("cleanup", func(call int) (map[string]any, error) {
		triggered = true
		return map[string]any{}, nil
	})

	spec := workflow.Spec{
		ID: "wf-timeout",
		Tasks: []workflow.Task{
			{
				ID: "slow", TimeoutMs: 10,
				Retry:        workflow.RetryPolicy{MaxAttempts: 1},
				Compensation: workflow.CompensationHooks{OnTimeout: "cleanup"},
			},
		},
	}

	state, err := h.orch.ExecuteWorkflow(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, workflow.TaskTimeout, state.Tasks["slow"].Status)
	assert.True(t, state.Tasks["slow"].TimedOut)
	_ = triggered // the hook only records a COMPENSATION_TRIGGERED event; the cleanup task itself is not auto-dispatched by this hook path

	events, err := h.log.Read("wf-timeout", "")
	require.NoError(t, err)
	found := false
	hookRecorded := false
	for _, ev := range events {
		if ev.Type == workflow.EventTaskTimeout {
			found = true
		}
		if ev.Type == workflow.EventCompensationTriggered && ev.Metadata["compensationTask"] == "cleanup" {
			hookRecorded = true
		}
	}
	assert.True(t, found)
	assert.True(t, hookRecorded)
}

func TestExecuteWorkflowTimeoutAppliesWithNoOutboxConfigured(t *testing.T) {
	dir := t.TempDir()
	states, err := statestore.Open(dir, otel.Meter("orchestrator-test-no-outbox"))
	require.NoError(t, err)
	defer states.Close()
	log, err := eventlog.New(dir + "/events")
	require.NoError(t, err)
	defer log.Close()

	exec := newScriptedExecutor()
	exec.on("slow", func(call int) (map[string]any, error) {
		time.Sleep(100 * time.Millisecond)
		return map[string]any{"ok": true}, nil
	})

	orch, err := New(Config{StateStore: states, Executor: exec, EventLog: log, MaxWorkers: 4})
	require.NoError(t, err)

	spec := workflow.Spec{
		ID: "wf-timeout-no-outbox",
		Tasks: []workflow.Task{
			{ID: "slow", TimeoutMs: 10, Retry: workflow.RetryPolicy{MaxAttempts: 1}},
		},
	}

	state, err := orch.ExecuteWorkflow(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, workflow.TaskTimeout, state.Tasks["slow"].Status)
	assert.True(t, state.Tasks["slow"].TimedOut)

	var te *workflow.TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, workflow.CodeTimeout, te.Code)
}

func TestExecuteWorkflowSagaCompensatesInReverseOrder(t *testing.T) {
	h := newHarness(t, nil)
	var compensated []string
	var mu sync.Mutex
	h.exec.on("reserve_inventory.compensate", func(call int) (map[string]any, error) {
		mu.Lock()
		compensated = append(compensated, "reserve_inventory")
		mu.Unlock()
		return map[string]any{}, nil
	})
	h.exec.on("charge_card.compensate", func(call int) (map[string]any, error) {
		mu.Lock()
		compensated = append(compensated, "charge_card")
		mu.Unlock()
		return map[string]any{}, nil
	})
	h.exec.on("ship_order", func(call int) (map[string]any, error) {
		return nil, errors.New("shipping carrier unavailable")
	})

	spec := workflow.Spec{
		ID: "wf-saga",
		Tasks: []workflow.Task{
			{
				ID: "reserve_inventory",
				CompensationAction: &workflow.CompensationAction{Tool: "reserve_inventory.compensate"},
			},
			{
				ID:                 "charge_card",
				DependsOn:          []string{"reserve_inventory"},
				CompensationAction: &workflow.CompensationAction{Tool: "charge_card.compensate"},
			},
			{
				ID:        "ship_order",
				DependsOn: []string{"charge_card"},
				Retry:     workflow.RetryPolicy{MaxAttempts: 1},
			},
		},
	}

	state, err := h.orch.ExecuteWorkflow(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, workflow.WorkflowFailed, state.Status)
	assert.Equal(t, []string{"charge_card", "reserve_inventory"}, compensated)

	// Re-executing a terminal-failed workflow is a no-op per the
	// idempotence law; compensation must not run again.
	compensated = nil
	state2, err2 := h.orch.ExecuteWorkflow(context.Background(), spec)
	require.Error(t, err2)
	assert.Equal(t, state.CompletedAt, state2.CompletedAt)
	assert.Empty(t, compensated)
}

// TestRunCompensationIsOutboxIdempotent exercises the crash-mid-saga gap:
// if the process dies after runCompensation side-effects but before the
// workflow's final WorkflowFailed state is persisted, a restart resumes
// with a non-terminal WorkflowState and calls runCompensation a second
// time for the same completion order. Because compensations go through
// the outbox (§4.1 "Compensation (saga)"), the replay must hit the
// cached COMMITTED result rather than re-invoking the compensation tool.
func TestRunCompensationIsOutboxIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.on("reserve_inventory.compensate", func(call int) (map[string]any, error) {
		return map[string]any{"released": true}, nil
	})

	spec := workflow.Spec{
		ID: "wf-saga-replay",
		Tasks: []workflow.Task{
			{
				ID:                 "reserve_inventory",
				CompensationAction: &workflow.CompensationAction{Tool: "reserve_inventory.compensate"},
			},
		},
	}
	state := workflow.NewState(spec)
	state.Tasks["reserve_inventory"] = &workflow.TaskState{
		TaskID: "reserve_inventory", Status: workflow.TaskCompleted, Result: map[string]any{},
	}
	completionOrder := []string{"reserve_inventory"}

	h.orch.runCompensation(context.Background(), spec, state, completionOrder)
	require.Equal(t, 1, h.exec.callCount("reserve_inventory.compensate"))

	// Simulate the crash-before-final-Put restart: runCompensation fires
	// again for the same completion order.
	h.orch.runCompensation(context.Background(), spec, state, completionOrder)
	assert.Equal(t, 1, h.exec.callCount("reserve_inventory.compensate"),
		"replayed compensation must be an outbox cache hit, not a second invocation")
}

func TestExecuteWorkflowAllowFailureDoesNotStopSiblings(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.on("optional", func(call int) (map[string]any, error) { return nil, errors.New("best effort failed") })

	spec := workflow.Spec{
		ID: "wf-allow-failure",
		Tasks: []workflow.Task{
			{ID: "optional", AllowFailure: true, Retry: workflow.RetryPolicy{MaxAttempts: 1}},
			{ID: "required"},
		},
	}

	state, err := h.orch.ExecuteWorkflow(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, state.Status)
	assert.Equal(t, workflow.TaskFailed, state.Tasks["optional"].Status)
	assert.Equal(t, workflow.TaskCompleted, state.Tasks["required"].Status)
}

func TestExecuteWorkflowUnknownDependencyFailsFast(t *testing.T) {
	h := newHarness(t, nil)
	spec := workflow.Spec{
		ID: "wf-unknown-dep",
		Tasks: []workflow.Task{
			{ID: "a", DependsOn: []string{"does-not-exist"}},
		},
	}
	_, err := h.orch.ExecuteWorkflow(context.Background(), spec)
	require.Error(t, err)
	var te *workflow.TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, workflow.CodeUnknownTaskDependency, te.Code)
}

func TestExecuteWorkflowCompletedIsIdempotentNoOp(t *testing.T) {
	h := newHarness(t, nil)
	spec := workflow.Spec{ID: "wf-idempotent", Tasks: []workflow.Task{{ID: "a"}}}

	state1, err := h.orch.ExecuteWorkflow(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 1, h.exec.callCount("a"))

	state2, err := h.orch.ExecuteWorkflow(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 1, h.exec.callCount("a"), "re-running a completed workflow must not re-invoke the executor")
	assert.Equal(t, state1.CompletedAt, state2.CompletedAt)
}

func TestExecuteWorkflowConditionalTaskSkipsWhenUnsatisfied(t *testing.T) {
	dir := t.TempDir()
	states, err := statestore.Open(dir, otel.Meter("orchestrator-test-cond"))
	require.NoError(t, err)
	defer states.Close()
	log, err := eventlog.New(dir + "/events")
	require.NoError(t, err)
	defer log.Close()

	world, err := worldstate.Open(dir)
	require.NoError(t, err)
	defer world.Close()
	_, err = world.Create("feature.enabled", false)
	require.NoError(t, err)

	exec := newScriptedExecutor()
	orch, err := New(Config{StateStore: states, Executor: exec, EventLog: log, WorldState: world, MaxWorkers: 4})
	require.NoError(t, err)

	spec := workflow.Spec{
		ID: "wf-conditional",
		Tasks: []workflow.Task{
			{ID: "gate"},
			{
				ID: "conditional_step", DependsOn: []string{"gate"},
				Condition: &workflow.Condition{Key: "feature.enabled", Op: "eq", Value: true},
			},
		},
	}

	state, err := orch.ExecuteWorkflow(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, state.Status)
	assert.Equal(t, workflow.TaskSkipped, state.Tasks["conditional_step"].Status)
	assert.Equal(t, 0, exec.callCount("conditional_step"))
}

func TestBackoffDurationFollowsExponentialFormula(t *testing.T) {
	retry := workflow.RetryPolicy{BackoffMs: 100, BackoffMultiplier: 2, Jitter: false}
	assert.Equal(t, 100*time.Millisecond, backoffDuration(retry, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDuration(retry, 2))
	assert.Equal(t, 400*time.Millisecond, backoffDuration(retry, 3))
}

func TestBackoffDurationJitterStaysWithinBounds(t *testing.T) {
	retry := workflow.RetryPolicy{BackoffMs: 100, BackoffMultiplier: 1, Jitter: true}
	for i := 0; i < 20; i++ {
		d := backoffDuration(retry, 1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestEvaluateConditionOperators(t *testing.T) {
	cases := []struct {
		cond   workflow.Condition
		actual any
		exists bool
		want   bool
	}{
		{workflow.Condition{Op: "exists"}, nil, false, false},
		{workflow.Condition{Op: "exists"}, "x", true, true},
		{workflow.Condition{Op: "not_exists"}, nil, false, true},
		{workflow.Condition{Op: "eq", Value: "a"}, "a", true, true},
		{workflow.Condition{Op: "eq", Value: "a"}, "b", true, false},
		{workflow.Condition{Op: "gt", Value: 5.0}, 10.0, true, true},
		{workflow.Condition{Op: "lte", Value: 5.0}, 5.0, true, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, evaluateCondition(c.cond, c.actual, c.exists), "op=%s", c.cond.Op)
	}
}

func TestExecuteWorkflowTenantStampedOnState(t *testing.T) {
	h := newHarness(t, nil)
	spec := workflow.Spec{ID: "wf-tenant", TenantID: "tenant-x", Tasks: []workflow.Task{{ID: "a"}}}
	state, err := h.orch.ExecuteWorkflow(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "tenant-x", state.TenantID)

	_, ok, err := h.state.Get(context.Background(), "wf-tenant", "other-tenant")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeriveIdempotencyKeyIsStableForSameInputs(t *testing.T) {
	inputs := map[string]any{"a": 1, "b": "x"}
	k1 := deriveIdempotencyKey("wf-1", "task-1", inputs)
	k2 := deriveIdempotencyKey("wf-1", "task-1", inputs)
	assert.Equal(t, k1, k2)

	k3 := deriveIdempotencyKey("wf-1", "task-2", inputs)
	assert.NotEqual(t, k1, k3)
}
