// Package orchestrator binds the state store, event log, world-state
// store, outbox, coordinator, feasibility checker, and task executor
// into the DAG scheduler of spec.md §4.1, generalizing dag_engine.go's
// Kahn's-algorithm-plus-worker-pool engine from the teacher's flat
// Workflow/Task types to the full pipeline the spec requires.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/orchestrator/internal/eventlog"
	"github.com/swarmguard/orchestrator/internal/workflow"
)

// Orchestrator is the DAG scheduler. Construct with New(cfg); cfg's
// optional collaborators gate the corresponding pipeline steps.
type Orchestrator struct {
	cfg    Config
	tracer trace.Tracer
	cache  *resultCache

	taskDuration     metric.Float64Histogram
	taskRetries      metric.Int64Counter
	taskFailures     metric.Int64Counter
	parallelismGauge metric.Int64UpDownCounter
}

// New constructs an Orchestrator. StateStore and Executor are required;
// every other Config field is an optional collaborator.
func New(cfg Config) (*Orchestrator, error) {
	cfg = cfg.WithDefaults()
	if cfg.StateStore == nil {
		return nil, errors.New("orchestrator: StateStore is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("orchestrator: Executor is required")
	}
	if cfg.EventLog == nil {
		el, err := eventlog.New("")
		if err != nil {
			return nil, fmt.Errorf("orchestrator: default event log: %w", err)
		}
		cfg.EventLog = el
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("orchestrator")
	}

	taskDuration, _ := meter.Float64Histogram("orchestrator_task_duration_ms")
	taskRetries, _ := meter.Int64Counter("orchestrator_task_retries_total")
	taskFailures, _ := meter.Int64Counter("orchestrator_task_failures_total")
	parallelism, _ := meter.Int64UpDownCounter("orchestrator_parallelism")

	return &Orchestrator{
		cfg:              cfg,
		tracer:           otel.Tracer("orchestrator-dag"),
		cache:            newResultCache(cfg.ResultCacheSize, cfg.ResultCacheTTL),
		taskDuration:     taskDuration,
		taskRetries:      taskRetries,
		taskFailures:     taskFailures,
		parallelismGauge: parallelism,
	}, nil
}

// dagNode tracks one task's scheduling state for a single ExecuteWorkflow
// call.
type dagNode struct {
	task          workflow.Task
	children      []*dagNode
	remainingDeps int
}

// ExecuteWorkflow is spec.md §4.1's executeWorkflow contract: rehydrates
// any prior state, resumes from the first non-terminal task, and returns
// the final state or a structured terminal error.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, spec workflow.Spec) (*workflow.State, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute_workflow",
		trace.WithAttributes(attribute.String("workflow_id", spec.ID)))
	defer span.End()

	state, found, err := o.cfg.StateStore.Get(ctx, spec.ID, spec.TenantID)
	if err != nil {
		return nil, fmt.Errorf("rehydrate state: %w", err)
	}
	if !found {
		state = workflow.NewState(spec)
	}

	// Idempotence: an already-completed workflow is a no-op (§4.1
	// "Determinism and idempotence", §8 "Idempotence" law); an
	// already-failed one runs nothing again and returns its stored state
	// with an error.
	if state.Status == workflow.WorkflowCompleted {
		return state, nil
	}
	if state.Status == workflow.WorkflowFailed {
		return state, fmt.Errorf("workflow %s already failed: %s", spec.ID, state.Error)
	}

	if state.Status == workflow.WorkflowPending {
		state.Status = workflow.WorkflowRunning
		state.StartedAt = time.Now().UTC()
		o.appendEvent(workflow.NewEvent(workflow.EventWorkflowStarted, spec.ID, "", spec.TenantID, nil))
	}
	if err := o.cfg.StateStore.Put(ctx, state); err != nil {
		return nil, fmt.Errorf("persist initial state: %w", err)
	}

	nodes, roots, err := o.buildDAG(spec, state)
	if err != nil {
		state.Status = workflow.WorkflowFailed
		state.Error = err.Error()
		state.CompletedAt = time.Now().UTC()
		o.cfg.StateStore.Put(ctx, state)
		return state, err
	}

	var completionOrder []string
	var completionMu sync.Mutex
	runErr := o.runDAG(ctx, spec, state, nodes, roots, &completionOrder, &completionMu)

	if runErr != nil {
		o.runCompensation(ctx, spec, state, completionOrder)
		state.Status = workflow.WorkflowFailed
		state.Error = runErr.Error()
		state.CompletedAt = time.Now().UTC()
		o.appendEvent(workflow.NewEvent(workflow.EventWorkflowFailed, spec.ID, "", spec.TenantID,
			map[string]any{"error": runErr.Error()}))
	} else {
		state.Status = workflow.WorkflowCompleted
		state.CompletedAt = time.Now().UTC()
		o.appendEvent(workflow.NewEvent(workflow.EventWorkflowCompleted, spec.ID, "", spec.TenantID, nil))
	}
	if err := o.cfg.StateStore.Put(ctx, state); err != nil {
		return state, fmt.Errorf("persist final state: %w", err)
	}
	return state, runErr
}

// buildDAG constructs the dependency graph and the initial ready set,
// honoring tasks already completed/skipped in a rehydrated state
// (durability/resume, §4.1).
func (o *Orchestrator) buildDAG(spec workflow.Spec, state *workflow.State) (map[string]*dagNode, []*dagNode, error) {
	nodes := make(map[string]*dagNode, len(spec.Tasks))
	for _, t := range spec.Tasks {
		nodes[t.ID] = &dagNode{task: t}
	}

	for _, t := range spec.Tasks {
		node := nodes[t.ID]
		deps := spec.TaskDependencies(t.ID)
		remaining := 0
		for _, depID := range deps {
			parent, ok := nodes[depID]
			if !ok {
				return nil, nil, workflow.NewTaskError(workflow.CodeUnknownTaskDependency, t.ID, fmt.Errorf("depends on unknown task %q", depID))
			}
			parent.children = append(parent.children, node)
			if ts := state.Tasks[depID]; ts == nil || !ts.Status.Terminal() || ts.Status == workflow.TaskFailed || ts.Status == workflow.TaskTimeout {
				remaining++
			}
		}
		node.remainingDeps = remaining
	}

	var roots []*dagNode
	for _, t := range spec.Tasks {
		node := nodes[t.ID]
		if ts := state.Tasks[t.ID]; ts != nil && ts.Status.Terminal() && ts.Status != workflow.TaskFailed && ts.Status != workflow.TaskTimeout {
			continue // already done, durability skip
		}
		if node.remainingDeps == 0 {
			roots = append(roots, node)
		}
	}
	if len(roots) == 0 && !allTerminal(spec, state) {
		return nil, nil, workflow.NewTaskError(workflow.CodeCycleDetected, "", errors.New("workflow has circular dependencies"))
	}
	return nodes, roots, nil
}

func allTerminal(spec workflow.Spec, state *workflow.State) bool {
	for _, t := range spec.Tasks {
		ts := state.Tasks[t.ID]
		if ts == nil || !ts.Status.Terminal() {
			return false
		}
	}
	return true
}

type taskOutcome struct {
	node *dagNode
	err  error
}

// runDAG executes the DAG with Kahn's algorithm and a bounded worker
// pool, following dag_engine.go's executeDAG/worker/coordinator split,
// generalized to the full per-task pipeline and to stopping the whole
// workflow on the first non-allowed failure.
func (o *Orchestrator) runDAG(ctx context.Context, spec workflow.Spec, state *workflow.State, nodes map[string]*dagNode, roots []*dagNode, completionOrder *[]string, completionMu *sync.Mutex) error {
	total := len(nodes)
	alreadyDone := 0
	for _, n := range nodes {
		if ts := state.Tasks[n.task.ID]; ts != nil && ts.Status.Terminal() && ts.Status != workflow.TaskFailed && ts.Status != workflow.TaskTimeout {
			alreadyDone++
		}
	}

	ready := make(chan *dagNode, total)
	for _, r := range sortedByID(roots) {
		ready <- r
	}

	results := make(chan taskOutcome, total)
	var wg sync.WaitGroup
	workers := o.cfg.MaxWorkers
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go o.worker(ctx, spec, state, ready, results, &wg, completionOrder, completionMu)
	}

	done := alreadyDone
	var firstErr error

	coordinatorDone := make(chan error, 1)
	go func() {
		defer close(coordinatorDone)
		for done < total {
			select {
			case <-ctx.Done():
				coordinatorDone <- ctx.Err()
				return
			case outcome := <-results:
				done++
				if outcome.err != nil && !outcome.node.task.AllowFailure {
					if firstErr == nil {
						firstErr = outcome.err
					}
					coordinatorDone <- firstErr
					return
				}
				for _, child := range sortedByID(outcome.node.children) {
					child.remainingDeps--
					if child.remainingDeps == 0 {
						if skip, reason := o.shouldSkip(child.task, state); skip {
							o.markSkipped(ctx, spec, state, child, reason)
							done++
							o.cascadeSkip(ctx, spec, state, child, &done)
							continue
						}
						ready <- child
					}
				}
			}
		}
		coordinatorDone <- nil
	}()

	err := <-coordinatorDone
	close(ready)
	wg.Wait()
	close(results)
	return err
}

func (o *Orchestrator) worker(ctx context.Context, spec workflow.Spec, state *workflow.State, ready <-chan *dagNode, results chan<- taskOutcome, wg *sync.WaitGroup, completionOrder *[]string, completionMu *sync.Mutex) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case node, ok := <-ready:
			if !ok {
				return
			}
			o.parallelismGauge.Add(ctx, 1)
			err := o.executeTaskPipeline(ctx, spec, state, node.task)
			o.parallelismGauge.Add(ctx, -1)
			if err == nil {
				completionMu.Lock()
				*completionOrder = append(*completionOrder, node.task.ID)
				completionMu.Unlock()
			}
			results <- taskOutcome{node: node, err: err}
		}
	}
}

// shouldSkip evaluates the supplemented conditional-task predicate
// against the current world-state snapshot (§"SUPPLEMENTED FEATURES" #2).
func (o *Orchestrator) shouldSkip(task workflow.Task, state *workflow.State) (bool, string) {
	if task.Condition == nil {
		return false, ""
	}
	if o.cfg.WorldState == nil {
		return false, ""
	}
	entry, ok := o.cfg.WorldState.Read(task.Condition.Key)
	var actual any
	if ok {
		actual = entry.Value
	}
	if evaluateCondition(*task.Condition, actual, ok) {
		return false, ""
	}
	return true, fmt.Sprintf("condition %s %s %v not satisfied", task.Condition.Key, task.Condition.Op, task.Condition.Value)
}

func evaluateCondition(cond workflow.Condition, actual any, exists bool) bool {
	switch cond.Op {
	case "exists":
		return exists
	case "not_exists":
		return !exists
	}
	if !exists {
		return false
	}
	af, aok := toFloat(actual)
	vf, vok := toFloat(cond.Value)
	switch cond.Op {
	case "eq":
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", cond.Value)
	case "neq":
		return fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", cond.Value)
	case "gt":
		return aok && vok && af > vf
	case "gte":
		return aok && vok && af >= vf
	case "lt":
		return aok && vok && af < vf
	case "lte":
		return aok && vok && af <= vf
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (o *Orchestrator) markSkipped(ctx context.Context, spec workflow.Spec, state *workflow.State, node *dagNode, reason string) {
	now := time.Now().UTC()
	state.Tasks[node.task.ID] = &workflow.TaskState{TaskID: node.task.ID, Status: workflow.TaskSkipped, StartedAt: now, CompletedAt: now}
	o.cfg.StateStore.Put(ctx, state)
	o.appendEvent(workflow.NewEvent(workflow.EventTaskCompleted, spec.ID, node.task.ID, spec.TenantID, map[string]any{"skipped": true, "reason": reason}))
}

// cascadeSkip recursively marks descendants as skipped, kept from
// dag_engine.go's skipChildren.
func (o *Orchestrator) cascadeSkip(ctx context.Context, spec workflow.Spec, state *workflow.State, node *dagNode, done *int) {
	for _, child := range node.children {
		if _, exists := state.Tasks[child.task.ID]; exists && state.Tasks[child.task.ID].Status == workflow.TaskSkipped {
			continue
		}
		o.markSkipped(ctx, spec, state, child, "ancestor skipped")
		*done++
		o.cascadeSkip(ctx, spec, state, child, done)
	}
}

func sortedByID(nodes []*dagNode) []*dagNode {
	cp := append([]*dagNode{}, nodes...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].task.ID < cp[j].task.ID })
	return cp
}

func (o *Orchestrator) appendEvent(ev workflow.Event) {
	if o.cfg.EventLog == nil {
		return
	}
	_ = o.cfg.EventLog.Append(ev)
	if o.cfg.Telemetry != nil {
		o.cfg.Telemetry.RecordEvent(context.Background(), ev)
	}
}

// backoffDuration computes backoffMs × multiplier^(attempt-1), jittered
// by uniform(0.5,1.5) when enabled, per §4.1 "Retry and backoff".
func backoffDuration(retry workflow.RetryPolicy, attempt int) time.Duration {
	wait := float64(retry.BackoffMs)
	for i := 1; i < attempt; i++ {
		wait *= retry.BackoffMultiplier
	}
	if retry.Jitter {
		wait *= 0.5 + rand.Float64()
	}
	return time.Duration(wait) * time.Millisecond
}

// runCompensation fires compensationAction for every completed task that
// declared one, in reverse completion order (§4.1 "Compensation (saga)").
func (o *Orchestrator) runCompensation(ctx context.Context, spec workflow.Spec, state *workflow.State, completionOrder []string) {
	byID := make(map[string]workflow.Task, len(spec.Tasks))
	for _, t := range spec.Tasks {
		byID[t.ID] = t
	}
	for i := len(completionOrder) - 1; i >= 0; i-- {
		taskID := completionOrder[i]
		task, ok := byID[taskID]
		if !ok || task.CompensationAction == nil {
			continue
		}
		o.appendEvent(workflow.NewEvent(workflow.EventCompensationTriggered, spec.ID, taskID, spec.TenantID,
			map[string]any{"tool": task.CompensationAction.Tool}))

		exec := o.cfg.CompensationExecutor
		if exec == nil {
			exec = o.cfg.Executor
		}
		compTask := task
		compTask.ToolName = task.CompensationAction.Tool
		compTask.Inputs = task.CompensationAction.Args

		// Routed through the outbox the same as forward execution
		// (§4.1 "Compensation (saga)": "executed through the same
		// outbox-idempotent path"), so a compensation that already
		// side-effected before a crash is a cache hit on replay
		// rather than a second invocation.
		runFn := func(c context.Context) (map[string]any, error) {
			return exec.Execute(c, compTask, o.snapshotResults(state))
		}
		var err error
		if o.cfg.Outbox != nil {
			key := deriveIdempotencyKey(spec.ID, taskID+":compensation", compTask.Inputs)
			_, err = o.cfg.Outbox.Execute(ctx, spec.ID, taskID, compTask.ToolName, compTask.Inputs, key, runFn, 1)
		} else {
			_, err = runFn(ctx)
		}
		if err != nil {
			o.appendEvent(workflow.NewEvent(workflow.EventCompensationFailed, spec.ID, taskID, spec.TenantID,
				map[string]any{"error": err.Error()}))
			continue
		}
		o.appendEvent(workflow.NewEvent(workflow.EventCompensationCompleted, spec.ID, taskID, spec.TenantID, nil))
	}
}

func (o *Orchestrator) snapshotResults(state *workflow.State) map[string]map[string]any {
	out := make(map[string]map[string]any, len(state.Tasks))
	for id, ts := range state.Tasks {
		if ts.Result != nil {
			out[id] = ts.Result
		}
	}
	return out
}
