// Package cancelreg tracks in-flight workflow executions so an operator
// can cancel one by id, generalizing cancellation.go's CancellationManager
// from the teacher's single in-process WorkflowExecution to this module's
// workflow.State.
package cancelreg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Status is the tracked lifecycle of a registered execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type entry struct {
	cancel       context.CancelFunc
	status       Status
	cancelReason string
	cancelledAt  time.Time
	completedAt  time.Time
}

// Registry tracks cancel funcs for running workflow executions, keyed by
// workflow id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// New constructs a Registry.
func New(meter metric.Meter) *Registry {
	cancellations, _ := meter.Int64Counter("orchestrator_cancellations_total")
	return &Registry{
		entries:       make(map[string]*entry),
		cancellations: cancellations,
		tracer:        otel.Tracer("orchestrator-cancellation"),
	}
}

// Register records workflowID as running under cancel, overwriting any
// stale record left by a prior run with the same id.
func (r *Registry) Register(workflowID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[workflowID] = &entry{cancel: cancel, status: StatusRunning}
}

// Complete marks workflowID terminal, retaining it briefly for status
// queries; Cleanup evicts it later.
func (r *Registry) Complete(workflowID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[workflowID]; ok {
		e.status = status
		e.completedAt = time.Now()
	}
}

// Cancel triggers the registered context cancellation for workflowID.
func (r *Registry) Cancel(ctx context.Context, workflowID, reason string) error {
	ctx, span := r.tracer.Start(ctx, "cancellation.cancel",
		trace.WithAttributes(attribute.String("workflow_id", workflowID), attribute.String("reason", reason)))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[workflowID]
	if !ok {
		return fmt.Errorf("workflow execution not found or already completed: %s", workflowID)
	}
	if e.status != StatusRunning {
		return fmt.Errorf("workflow execution is not running: %s (status: %s)", workflowID, e.status)
	}

	e.cancel()
	e.status = StatusCancelled
	e.cancelReason = reason
	e.cancelledAt = time.Now()

	r.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", workflowID), attribute.String("reason", reason)))
	span.AddEvent("workflow_cancelled")
	return nil
}

// Status returns the tracked status of workflowID.
func (r *Registry) Status(workflowID string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[workflowID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Cleanup evicts terminal entries older than retention.
func (r *Registry) Cleanup(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cleaned := 0
	for id, e := range r.entries {
		if e.status == StatusRunning {
			continue
		}
		completion := e.completedAt
		if e.status == StatusCancelled {
			completion = e.cancelledAt
		}
		if !completion.IsZero() && now.Sub(completion) > retention {
			delete(r.entries, id)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs Cleanup on interval until ctx is done.
func (r *Registry) StartCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup(retention)
		}
	}
}
