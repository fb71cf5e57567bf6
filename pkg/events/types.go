// Package events provides the in-process event bus: a bounded ring of
// recent events for catch-up, live fan-out to subscribers, duplicate
// suppression, and agent heartbeat tracking with stale detection.
package events

import (
	"encoding/json"
	"time"
)

// Event types published on the bus. Consumers (WebSocket clients, the
// notifier) discriminate on the "type" field of the payload.
const (
	// Task lifecycle.
	EventTypeTaskStarted   = "task-started"
	EventTypeTaskCompleted = "task-completed"
	EventTypeAutoReview    = "auto-review"

	// Failure surface.
	EventTypeTaskFailed             = "task.failed"
	EventTypeTaskFinalizationFailed = "task.finalization_failed"
	EventTypeTaskRepairRequested    = "task.repair_requested"

	// Recovery and flow control.
	EventTypeAutoCooldown    = "auto-cooldown"
	EventTypeExecutorPaused  = "executor-paused"
	EventTypeExecutorResumed = "executor-resumed"

	// Monitoring.
	EventTypeAgentAlert = "agent-alert"
	EventTypeAgentStale = "agent:stale"
)

// Event is one bus entry. ID is a process-local sequence number assigned at
// publish time; clients use it to request everything they missed.
type Event struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// dedupKey identifies an event for duplicate suppression. Events of the
// same type for the same task inside the dedup window collapse to one.
type dedupKey struct {
	eventType string
	taskID    string
}
