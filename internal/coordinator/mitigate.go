package coordinator

import (
	"context"
	"sort"
)

// Strategy is a mitigation strategy for a detected deadlock or livelock.
type Strategy string

const (
	Abort    Strategy = "ABORT"
	Replan   Strategy = "REPLAN"
	Escalate Strategy = "ESCALATE"
	Wait     Strategy = "WAIT"
)

// EscalationHandler is the registered callback invoked synchronously (from
// the mitigator's perspective) by ESCALATE, per DESIGN NOTES §9's
// "Listener/callback registration" guidance.
type EscalationHandler func(ctx context.Context, detail string, cycle []string)

// MitigationResult reports what mitigation did, for the orchestrator to
// translate into a WORKFLOW_FAILED or a retry signal.
type MitigationResult struct {
	Strategy      Strategy
	VictimAgentID string
	Released      []*Lock
}

// SetEscalationHandler registers the callback invoked by ESCALATE.
func (c *Coordinator) SetEscalationHandler(h EscalationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalate = h
}

// MitigateDeadlock applies strategy to a DeadlockDetection. ABORT picks
// the lowest agentId in the cycle as victim and releases its locks;
// REPLAN clears the victim's livelock history (if any) and releases
// locks so the caller may retry with an altered plan; ESCALATE invokes
// the registered handler; WAIT does nothing (§4.3).
func (c *Coordinator) MitigateDeadlock(ctx context.Context, d *DeadlockDetection, strategy Strategy, livelock *LivelockDetector) MitigationResult {
	victim := lowestAgent(d.Cycle)

	switch strategy {
	case Abort, Replan:
		released := c.releaseAllForAgent(victim)
		if strategy == Replan && livelock != nil {
			livelock.Reset(victim)
		}
		return MitigationResult{Strategy: strategy, VictimAgentID: victim, Released: released}
	case Escalate:
		c.mu.Lock()
		handler := c.escalate
		c.mu.Unlock()
		if handler != nil {
			handler(ctx, "deadlock", d.Cycle)
		}
		return MitigationResult{Strategy: strategy, VictimAgentID: victim}
	default: // WAIT
		return MitigationResult{Strategy: Wait}
	}
}

// MitigateLivelock applies strategy to a LivelockDetection, following the
// same semantics as MitigateDeadlock for a single agent.
func (c *Coordinator) MitigateLivelock(ctx context.Context, d *LivelockDetection, strategy Strategy, livelock *LivelockDetector) MitigationResult {
	switch strategy {
	case Abort, Replan:
		released := c.releaseAllForAgent(d.AgentID)
		if strategy == Replan && livelock != nil {
			livelock.Reset(d.AgentID)
		}
		return MitigationResult{Strategy: strategy, VictimAgentID: d.AgentID, Released: released}
	case Escalate:
		c.mu.Lock()
		handler := c.escalate
		c.mu.Unlock()
		if handler != nil {
			handler(ctx, "livelock", []string{d.AgentID})
		}
		return MitigationResult{Strategy: strategy, VictimAgentID: d.AgentID}
	default:
		return MitigationResult{Strategy: Wait}
	}
}

func (c *Coordinator) releaseAllForAgent(agentID string) []*Lock {
	c.mu.Lock()
	defer c.mu.Unlock()

	var released []*Lock
	for resourceID, holders := range c.grants {
		kept := holders[:0]
		for _, h := range holders {
			if h.AgentID == agentID {
				released = append(released, h)
				continue
			}
			kept = append(kept, h)
		}
		c.grants[resourceID] = kept
		c.removeWaitRequest(resourceID, agentID)
	}
	return released
}

func lowestAgent(agents []string) string {
	cp := append([]string{}, agents...)
	sort.Strings(cp)
	if len(cp) == 0 {
		return ""
	}
	return cp[0]
}
