// Package feasibility implements spec.md §4.5's feasibility checker: a
// pure function of (task, tool registry, constraint engine, world state)
// that decides whether a task can run before the orchestrator ever
// dispatches it to an executor.
package feasibility

import (
	"github.com/swarmguard/orchestrator/internal/ports"
	"github.com/swarmguard/orchestrator/internal/workflow"
	"github.com/swarmguard/orchestrator/internal/worldstate"
)

// Result is the feasibility verdict for one task.
type Result struct {
	Feasible        bool     `json:"feasible"`
	Reasons         []string `json:"reasons,omitempty"`
	ConfidenceScore float64  `json:"confidenceScore"`
}

// Checker evaluates feasibility against a tool registry and an optional
// hard-constraint engine.
type Checker struct {
	Tools       ports.ToolRegistry
	Constraints ports.ConstraintEngine // optional; nil disables hard-constraint checks
}

// Check is the pure decision function of §4.5. A missing ToolName passes
// trivially, matching the spec's explicit carve-out.
func (c *Checker) Check(task workflow.Task, world *worldstate.Store) Result {
	if task.ToolName == "" {
		return Result{Feasible: true, ConfidenceScore: 1.0}
	}

	var reasons []string
	feasible := true
	score := 1.0

	tool, ok := c.Tools.GetTool(task.ToolName)
	if !ok || !tool.Available {
		feasible = false
		reasons = append(reasons, "tool not registered or unavailable: "+task.ToolName)
	} else {
		if tool.RiskLevel > task.RiskTier {
			feasible = false
			reasons = append(reasons, "tool risk exceeds task risk tier")
		}
		if len(task.AllowedTools) > 0 && !contains(task.AllowedTools, task.ToolName) {
			feasible = false
			reasons = append(reasons, "tool not in task's allowed-tools whitelist")
		}
	}

	for k, v := range task.Inputs {
		if v == nil {
			feasible = false
			reasons = append(reasons, "null input: "+k)
		}
	}

	if c.Constraints != nil {
		verdict := c.Constraints.Evaluate(task, world)
		if !verdict.HardSatisfied {
			feasible = false
			reasons = append(reasons, verdict.Reasons...)
		}
		// Soft-constraint scores aggregate multiplicatively (§4.5).
		for _, s := range verdict.SoftScores {
			score *= s
		}
	}

	if !feasible {
		score = 0
	}

	return Result{Feasible: feasible, Reasons: reasons, ConfidenceScore: score}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
