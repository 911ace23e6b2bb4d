// Package workflow holds the data model shared by every orchestrator
// subsystem: workflow specs, task definitions, run-time state, and the
// event types appended to the per-workflow journal.
package workflow

import "time"

// TaskType distinguishes the handling a task gets from the orchestrator.
type TaskType string

const (
	TaskAction       TaskType = "action"
	TaskDecision     TaskType = "decision"
	TaskWait         TaskType = "wait"
	TaskCompensation TaskType = "compensation"
)

// RiskTier orders the sensitivity of a task's side effects, LOW < MEDIUM <
// HIGH < CRITICAL, the way a tool's own risk level is compared against it
// during feasibility checks.
type RiskTier int

const (
	RiskLow RiskTier = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskTier) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseRiskTier parses the §3 string form; an empty or unrecognised
// string yields MEDIUM. Task.RiskTier itself is an int whose zero value
// is RiskLow, so a task that leaves it unset is treated as LOW.
func ParseRiskTier(s string) RiskTier {
	switch s {
	case "LOW":
		return RiskLow
	case "HIGH":
		return RiskHigh
	case "CRITICAL":
		return RiskCritical
	default:
		return RiskMedium
	}
}

// Permission is one {action, resource} pair a task requires to run.
type Permission struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// RetryPolicy is the exponential-backoff-with-jitter strategy for a task,
// following dag_engine.go's RetryPolicy but with spec.md's exact field
// names and a default jitter of true.
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts"`
	BackoffMs         int64   `json:"backoffMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	Jitter            bool    `json:"jitter"`
}

// DefaultRetryPolicy mirrors the teacher's NewDAGEngine defaults, adapted
// to spec.md's field names and units (milliseconds, not time.Duration).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BackoffMs:         100,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Normalize fills in spec defaults for a zero-value RetryPolicy.
func (r RetryPolicy) Normalize() RetryPolicy {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 1
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
	return r
}

// CompensationAction is the inverse action associated with a task,
// invoked in reverse completion order on workflow failure.
type CompensationAction struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// CompensationHooks names a compensation task per terminal failure mode
// of the task that declares them. On timeout the orchestrator records
// OnTimeout in a COMPENSATION_TRIGGERED event without dispatching the
// named task; OnFailure is not read by the orchestrator.
type CompensationHooks struct {
	OnFailure string `json:"onFailure,omitempty"`
	OnTimeout string `json:"onTimeout,omitempty"`
}

// Condition is the supplemented conditional-task predicate that replaces
// the teacher's free-text dagNode.Condition / unfinished evaluateCondition
// TODO with a small typed predicate evaluated against a world-state
// snapshot value.
type Condition struct {
	Key   string `json:"key"`
	Op    string `json:"op"` // eq, neq, gt, gte, lt, lte, exists, not_exists
	Value any    `json:"value,omitempty"`
}

// SandboxConfig carries the opaque sandbox flags spec.md's Task mentions;
// the orchestrator core treats these as pass-through data for the
// executor/runtime adapter, never interpreting them itself.
type SandboxConfig map[string]any

// LockRequest is one resource a task must hold before it may execute,
// released by the orchestrator in the task's completion pipeline (§5
// "Shared resources").
type LockRequest struct {
	ResourceID string `json:"resourceId"`
	Mode       string `json:"mode"` // "read" or "write"
}

// Task is one node of a WorkflowSpec's DAG.
type Task struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Type                TaskType            `json:"type"`
	ToolName            string              `json:"toolName,omitempty"`
	Inputs              map[string]any      `json:"inputs,omitempty"`
	RiskTier            RiskTier            `json:"riskTier"`
	RequiredPermissions []Permission        `json:"requiredPermissions,omitempty"`
	RequiredLocks       []LockRequest       `json:"requiredLocks,omitempty"`
	AllowedTools        []string            `json:"allowedTools,omitempty"`
	DependsOn           []string            `json:"dependsOn,omitempty"`
	Retry               RetryPolicy         `json:"retry"`
	TimeoutMs           int64               `json:"timeoutMs,omitempty"`
	IdempotencyKey      string              `json:"idempotencyKey,omitempty"`
	CompensationAction  *CompensationAction `json:"compensationAction,omitempty"`
	Compensation        CompensationHooks   `json:"compensation,omitempty"`
	SandboxConfig       SandboxConfig       `json:"sandboxConfig,omitempty"`
	Condition           *Condition          `json:"condition,omitempty"`
	Cacheable           bool                `json:"cacheable,omitempty"`
	AllowFailure        bool                `json:"allowFailure,omitempty"`
}

// Timeout returns the task's timeout as a time.Duration, or 0 if unset.
func (t Task) Timeout() time.Duration {
	if t.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// Spec is the immutable workflow definition submitted to the orchestrator.
type Spec struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	TenantID     string         `json:"tenantId,omitempty"`
	Tasks        []Task         `json:"tasks"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
}

// TaskDependencies merges a task's own DependsOn with any edges declared
// separately in Spec.Dependencies, since the teacher's Workflow only used
// the former while spec.md's data model names both.
func (s Spec) TaskDependencies(taskID string) []string {
	var deps []string
	for _, t := range s.Tasks {
		if t.ID == taskID {
			deps = append(deps, t.DependsOn...)
			break
		}
	}
	deps = append(deps, s.Dependencies[taskID]...)
	return dedupe(deps)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// TaskStatus is the lifecycle state of a single task within a running
// workflow instance.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether status admits no further transitions for the
// current workflow instance.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskSkipped:
		return true
	default:
		return false
	}
}

// TaskState is the mutable run-time record for one task in one workflow
// instance.
type TaskState struct {
	TaskID      string         `json:"taskId"`
	Status      TaskStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	StartedAt   time.Time      `json:"startedAt,omitempty"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	TimedOut    bool           `json:"timedOut,omitempty"`
}

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// State is the durable, restart-safe record of one workflow instance's
// progress, the unit persisted by internal/statestore.
type State struct {
	WorkflowID  string                `json:"workflowId"`
	TenantID    string                `json:"tenantId,omitempty"`
	Status      WorkflowStatus        `json:"status"`
	Tasks       map[string]*TaskState `json:"tasks"`
	Error       string                `json:"error,omitempty"`
	StartedAt   time.Time             `json:"startedAt,omitempty"`
	CompletedAt time.Time             `json:"completedAt,omitempty"`
}

// NewState seeds a fresh State with a pending TaskState per task,
// mirroring the teacher's WorkflowExecution zero-value layout.
func NewState(spec Spec) *State {
	tasks := make(map[string]*TaskState, len(spec.Tasks))
	for _, t := range spec.Tasks {
		tasks[t.ID] = &TaskState{TaskID: t.ID, Status: TaskPending}
	}
	return &State{
		WorkflowID: spec.ID,
		TenantID:   spec.TenantID,
		Status:     WorkflowPending,
		Tasks:      tasks,
	}
}

// Result pairs a final State with its terminal error. ExecuteWorkflow
// returns the two as separate values and does not use this type.
type Result struct {
	State *State `json:"state"`
	Err   error  `json:"-"`
}
