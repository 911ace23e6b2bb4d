// Package ports defines the small capability-surface interfaces for
// every external collaborator spec.md §6 names as "consumed interfaces":
// policy gate, feasibility support, fault injection, CRV gate and
// recovery, telemetry, memory, tool registry, and runtime-adapter
// validation. The orchestrator treats every field as optional, disabling
// the corresponding pipeline step when absent, per §6's "Recognized
// configuration options" and DESIGN NOTES §9's builder-pattern guidance.
package ports

import (
	"context"

	"github.com/swarmguard/orchestrator/internal/workflow"
	"github.com/swarmguard/orchestrator/internal/worldstate"
)

// Principal identifies the actor on whose behalf a workflow runs.
type Principal struct {
	ID    string
	Roles []string
}

// PolicyDecision is PolicyGuard.check's result.
type PolicyDecision struct {
	Allowed bool
	Reason  string
}

// PolicyGuard gates task execution by principal/action (§6).
type PolicyGuard interface {
	Check(ctx context.Context, principal Principal, task workflow.Task) (PolicyDecision, error)
}

// FaultInjector can raise a synthetic error, delay, or partial outage
// ahead of a task's real invocation (§4.1 step 3).
type FaultInjector interface {
	InjectBeforeTask(ctx context.Context, workflowID, taskID, toolName string, fn func(context.Context) (map[string]any, error)) (map[string]any, error)
}

// Commit is the {data} payload a CRVGate validates after a task executes.
type Commit struct {
	WorkflowID string
	TaskID     string
	Data       map[string]any
}

// RecoveryStrategy names a CRVGate-requested recovery path.
type RecoveryStrategy string

const (
	RecoveryRetryAltTool RecoveryStrategy = "retry_alt_tool"
	RecoveryAskUser      RecoveryStrategy = "ask_user"
	RecoveryEscalate     RecoveryStrategy = "escalate"
	RecoveryIgnore       RecoveryStrategy = "ignore"
)

// CRVVerdict is CRVGate.validate's result.
type CRVVerdict struct {
	Passed           bool
	Blocked          bool
	RecoveryStrategy RecoveryStrategy
	FailureCode      workflow.FailureCode
}

// CRVGate is the pluggable Commit/Result Validation gate (§6).
type CRVGate interface {
	Validate(ctx context.Context, commit Commit) (CRVVerdict, error)
}

// RecoveryOutcome is a RecoveryExecutor call's result.
type RecoveryOutcome struct {
	Success       bool
	RecoveredData map[string]any
}

// RecoveryExecutor dispatches by the strategy a CRVGate requested (§6).
type RecoveryExecutor interface {
	ExecuteRetryAltTool(ctx context.Context, args map[string]any, commit Commit) (RecoveryOutcome, error)
	ExecuteAskUser(ctx context.Context, args map[string]any, commit Commit) (RecoveryOutcome, error)
	ExecuteEscalate(ctx context.Context, args map[string]any, commit Commit) (RecoveryOutcome, error)
}

// TelemetryCollector is best-effort: its absence or failure never blocks
// task execution (§6).
type TelemetryCollector interface {
	RecordEvent(ctx context.Context, ev workflow.Event)
	RecordMetric(ctx context.Context, name string, value float64, tags map[string]string)
}

// MemoryAPI is the episodic/artifact/snapshot memory write surface (§6).
type MemoryAPI interface {
	WriteEpisodicNote(ctx context.Context, workflowID, taskID, note string) error
	WriteArtifact(ctx context.Context, workflowID, taskID string, artifact map[string]any) error
	WriteSnapshot(ctx context.Context, workflowID string, snapshot map[string]any) error
}

// Tool is ToolRegistry.getTool's result shape.
type Tool struct {
	Name         string
	Capabilities []string
	Available    bool
	RiskLevel    workflow.RiskTier
}

// ToolRegistry resolves a tool's capabilities, availability, and risk.
type ToolRegistry interface {
	GetTool(name string) (Tool, bool)
}

// BlueprintValidation is RuntimeAdapterRegistry.validateBlueprint's result.
type BlueprintValidation struct {
	Valid               bool
	CompatibleAdapters  []string
	Errors              []string
}

// RuntimeAdapterRegistry validates an agent blueprint against the
// available runtime adapters (§6); out of scope for execution itself.
type RuntimeAdapterRegistry interface {
	ValidateBlueprint(ctx context.Context, blueprint map[string]any) (BlueprintValidation, error)
}

// ConstraintVerdict is the hard/soft constraint result feasibility.Checker
// consumes (§4.5).
type ConstraintVerdict struct {
	HardSatisfied bool
	Reasons       []string
	SoftScores    []float64
}

// ConstraintEngine evaluates a task's hard and soft constraints against
// current world state; the external engine §4.1 step 2 refers to.
type ConstraintEngine interface {
	Evaluate(task workflow.Task, world *worldstate.Store) ConstraintVerdict
}
