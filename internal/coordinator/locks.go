// Package coordinator implements spec.md §4.3's Multi-Agent Coordinator:
// non-blocking lock acquisition, a wait-for graph, and deadlock/livelock
// detection with pluggable mitigation strategies. The tracking-map +
// metrics-counter idiom follows cancellation.go's CancellationManager.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// LockMode is read or write access to a resource.
type LockMode string

const (
	ModeRead  LockMode = "read"
	ModeWrite LockMode = "write"
)

// PolicyType is a resource's coordination policy kind.
type PolicyType string

const (
	PolicyExclusive PolicyType = "EXCLUSIVE"
	PolicyShared    PolicyType = "SHARED"
)

// Policy is the per-resource coordination policy of §4.3.
type Policy struct {
	Type                PolicyType
	MaxConcurrentAccess int // 0 = unlimited, only meaningful under SHARED
	LockTimeout         time.Duration
}

// Lock is one granted hold on a resource.
type Lock struct {
	ResourceID string
	AgentID    string
	WorkflowID string
	Mode       LockMode
	AcquiredAt time.Time
	TimeoutAt  time.Time
}

// waitRequest is a pending, ungranted lock request recorded in the
// wait-for graph.
type waitRequest struct {
	resourceID string
	agentID    string
	workflowID string
	mode       LockMode
}

// Coordinator owns resource policies, the current grant set, and the
// wait-for graph derived from pending requests.
type Coordinator struct {
	mu sync.Mutex

	policies map[string]Policy
	grants   map[string][]*Lock       // resourceID -> holders
	waiting  map[string][]*waitRequest // resourceID -> pending requests

	tracer        trace.Tracer
	locksGranted  metric.Int64Counter
	locksDenied   metric.Int64Counter
	locksReaped   metric.Int64Counter

	escalate EscalationHandler
}

// New constructs a Coordinator; resources with no SetPolicy call default
// to EXCLUSIVE.
func New(meter metric.Meter) *Coordinator {
	locksGranted, _ := meter.Int64Counter("orchestrator_coordinator_locks_granted_total")
	locksDenied, _ := meter.Int64Counter("orchestrator_coordinator_locks_denied_total")
	locksReaped, _ := meter.Int64Counter("orchestrator_coordinator_locks_reaped_total")
	return &Coordinator{
		policies:     make(map[string]Policy),
		grants:       make(map[string][]*Lock),
		waiting:      make(map[string][]*waitRequest),
		tracer:       otel.Tracer("orchestrator-coordinator"),
		locksGranted: locksGranted,
		locksDenied:  locksDenied,
		locksReaped:  locksReaped,
	}
}

// SetPolicy registers the coordination policy for a resource. Resources
// with no configured policy default to EXCLUSIVE.
func (c *Coordinator) SetPolicy(resourceID string, p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[resourceID] = p
}

func (c *Coordinator) policyFor(resourceID string) Policy {
	if p, ok := c.policies[resourceID]; ok {
		return p
	}
	return Policy{Type: PolicyExclusive}
}

// AcquireLock attempts to grant resourceID to agentID under mode. It
// never blocks: compatible requests are granted immediately; incompatible
// ones are recorded in the wait-for graph and false is returned (§4.3).
func (c *Coordinator) AcquireLock(ctx context.Context, resourceID, agentID, workflowID string, mode LockMode, timeout time.Duration) bool {
	_, span := c.tracer.Start(ctx, "coordinator.acquire_lock",
		trace.WithAttributes(
			attribute.String("resource_id", resourceID),
			attribute.String("agent_id", agentID),
			attribute.String("mode", string(mode)),
		),
	)
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	holders := c.grants[resourceID]
	policy := c.policyFor(resourceID)

	if c.compatible(holders, policy, mode) {
		now := time.Now()
		timeoutAt := time.Time{}
		if timeout > 0 {
			timeoutAt = now.Add(timeout)
		} else if policy.LockTimeout > 0 {
			timeoutAt = now.Add(policy.LockTimeout)
		}
		lock := &Lock{ResourceID: resourceID, AgentID: agentID, WorkflowID: workflowID, Mode: mode, AcquiredAt: now, TimeoutAt: timeoutAt}
		c.grants[resourceID] = append(holders, lock)
		c.removeWaitRequest(resourceID, agentID)
		if c.locksGranted != nil {
			c.locksGranted.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resourceID)))
		}
		span.AddEvent("granted")
		return true
	}

	c.recordWait(resourceID, agentID, workflowID, mode)
	if c.locksDenied != nil {
		c.locksDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resourceID)))
	}
	span.AddEvent("denied")
	return false
}

// compatible implements the §4.3 matrix: EXCLUSIVE allows at most one
// holder of any mode; SHARED allows any number of readers up to
// MaxConcurrentAccess OR exactly one writer, never both.
func (c *Coordinator) compatible(holders []*Lock, policy Policy, mode LockMode) bool {
	if len(holders) == 0 {
		return true
	}
	if policy.Type == PolicyExclusive {
		return false
	}
	// SHARED
	hasWriter := false
	readers := 0
	for _, h := range holders {
		if h.Mode == ModeWrite {
			hasWriter = true
		} else {
			readers++
		}
	}
	if hasWriter {
		return false
	}
	if mode == ModeWrite {
		return false
	}
	if policy.MaxConcurrentAccess > 0 && readers >= policy.MaxConcurrentAccess {
		return false
	}
	return true
}

// ReleaseLock removes a held grant and prunes any wait-for edges that
// pointed at it.
func (c *Coordinator) ReleaseLock(resourceID, agentID, workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(resourceID, agentID, workflowID, "RELEASE")
}

func (c *Coordinator) releaseLocked(resourceID, agentID, workflowID, reason string) {
	holders := c.grants[resourceID]
	kept := holders[:0]
	for _, h := range holders {
		if h.AgentID == agentID && h.WorkflowID == workflowID {
			continue
		}
		kept = append(kept, h)
	}
	c.grants[resourceID] = kept
	_ = reason
}

// ReapExpired revokes any lock past its TimeoutAt and returns the
// released locks, for the caller to emit LOCK_RELEASED(reason=TIMEOUT)
// events (§4.3 "Timeouts").
func (c *Coordinator) ReapExpired(ctx context.Context) []*Lock {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var reaped []*Lock
	for resourceID, holders := range c.grants {
		kept := holders[:0]
		for _, h := range holders {
			if !h.TimeoutAt.IsZero() && now.After(h.TimeoutAt) {
				reaped = append(reaped, h)
				continue
			}
			kept = append(kept, h)
		}
		c.grants[resourceID] = kept
	}
	if len(reaped) > 0 && c.locksReaped != nil {
		c.locksReaped.Add(ctx, int64(len(reaped)))
	}
	return reaped
}

func (c *Coordinator) recordWait(resourceID, agentID, workflowID string, mode LockMode) {
	for _, w := range c.waiting[resourceID] {
		if w.agentID == agentID {
			return
		}
	}
	c.waiting[resourceID] = append(c.waiting[resourceID], &waitRequest{
		resourceID: resourceID, agentID: agentID, workflowID: workflowID, mode: mode,
	})
}

func (c *Coordinator) removeWaitRequest(resourceID, agentID string) {
	reqs := c.waiting[resourceID]
	kept := reqs[:0]
	for _, r := range reqs {
		if r.agentID != agentID {
			kept = append(kept, r)
		}
	}
	c.waiting[resourceID] = kept
}

// Holders returns a snapshot copy of the current grant set for a
// resource, for tests and the feasibility/coordination HTTP surface.
func (c *Coordinator) Holders(resourceID string) []Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Lock, len(c.grants[resourceID]))
	for i, h := range c.grants[resourceID] {
		out[i] = *h
	}
	return out
}
