package models

import "time"

// WorkStreamEventType identifies an entry in the shared work-stream log.
type WorkStreamEventType string

// Work-stream event types. Every agent runner appends exactly one JSON line
// per observable occurrence; the analyzer is the single reader.
const (
	EventSessionStart WorkStreamEventType = "session_start"
	EventToolCall     WorkStreamEventType = "tool_call"
	EventError        WorkStreamEventType = "error"
	EventSessionEnd   WorkStreamEventType = "session_end"
	EventHeartbeat    WorkStreamEventType = "heartbeat"
)

// CompletionStatus is the terminal outcome recorded on session_end.
type CompletionStatus string

// Completion statuses.
const (
	CompletionSuccess   CompletionStatus = "success"
	CompletionFailed    CompletionStatus = "failed"
	CompletionCancelled CompletionStatus = "cancelled"
)

// PromptType distinguishes the first prompt of an attempt from restarts.
type PromptType string

// Prompt types. Followup and retry starts count toward restart detection.
const (
	PromptInitial  PromptType = "initial"
	PromptFollowup PromptType = "followup"
	PromptRetry    PromptType = "retry"
)

// WorkStreamEvent is one line of the append-only work-stream log.
type WorkStreamEvent struct {
	AttemptID string              `json:"attempt_id"`
	EventType WorkStreamEventType `json:"event_type"`
	Timestamp time.Time           `json:"timestamp"`
	TaskID    string              `json:"task_id,omitempty"`
	Executor  string              `json:"executor,omitempty"`
	Data      WorkStreamData      `json:"data,omitempty"`
}

// WorkStreamData carries the event-specific fields. Only the fields relevant
// to the event type are populated; the rest stay at their zero value and are
// omitted from the JSON line.
type WorkStreamData struct {
	// error events
	ErrorFingerprint string `json:"error_fingerprint,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`

	// tool_call events
	ToolName string `json:"tool_name,omitempty"`

	// session_start events
	PromptType     PromptType `json:"prompt_type,omitempty"`
	FollowupReason string     `json:"followup_reason,omitempty"`

	// session_end events
	CompletionStatus CompletionStatus `json:"completion_status,omitempty"`
	DurationMS       int64            `json:"duration_ms,omitempty"`
	CostUSD          *float64         `json:"cost_usd,omitempty"`
}
