package workflow

import "time"

// EventType enumerates the seventeen event kinds of §3, appended to the
// per-workflow journal in causal order (§5 "Ordering guarantees").
type EventType string

const (
	EventWorkflowStarted        EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted      EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed         EventType = "WORKFLOW_FAILED"
	EventTaskStarted            EventType = "TASK_STARTED"
	EventTaskCompleted          EventType = "TASK_COMPLETED"
	EventTaskFailed             EventType = "TASK_FAILED"
	EventTaskRetry              EventType = "TASK_RETRY"
	EventTaskTimeout            EventType = "TASK_TIMEOUT"
	EventStateSnapshot          EventType = "STATE_SNAPSHOT"
	EventStateUpdated           EventType = "STATE_UPDATED"
	EventCompensationTriggered  EventType = "COMPENSATION_TRIGGERED"
	EventCompensationCompleted  EventType = "COMPENSATION_COMPLETED"
	EventCompensationFailed     EventType = "COMPENSATION_FAILED"
	EventFaultInjected          EventType = "FAULT_INJECTED"
	EventDeadlockDetected       EventType = "DEADLOCK_DETECTED"
	EventLockAcquired           EventType = "LOCK_ACQUIRED"
	EventLockReleased           EventType = "LOCK_RELEASED"
)

// Event is one append-only journal record. Metadata is a typed payload
// per event type (§3), carried as an open JSON map per DESIGN NOTES §9's
// guidance to avoid reflection-based tagged unions.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	WorkflowID string        `json:"workflowId"`
	TaskID    string         `json:"taskId,omitempty"`
	TenantID  string         `json:"tenantId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent stamps the current UTC time when the event is built; the
// event log writes that timestamp unchanged.
func NewEvent(typ EventType, workflowID, taskID, tenantID string, metadata map[string]any) Event {
	return Event{
		Timestamp:  time.Now().UTC(),
		Type:       typ,
		WorkflowID: workflowID,
		TaskID:     taskID,
		TenantID:   tenantID,
		Metadata:   metadata,
	}
}
