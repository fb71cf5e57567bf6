package events

// TaskStartedPayload is the payload for task-started events.
// Published when the scheduler hands a claimed task to an agent.
type TaskStartedPayload struct {
	Type       string `json:"type"`       // always EventTypeTaskStarted
	TaskID     string `json:"task_id"`    // kanban task identifier
	AttemptID  string `json:"attempt_id"` // this execution attempt
	Title      string `json:"title"`
	Executor   string `json:"executor"` // executor profile name
	Branch     string `json:"branch"`   // work branch
	BaseBranch string `json:"base_branch"`
	Timestamp  string `json:"timestamp"` // RFC3339Nano
}

// TaskCompletedPayload is the payload for task-completed events.
// Published when an attempt finishes, successfully or not.
type TaskCompletedPayload struct {
	Type       string   `json:"type"`    // always EventTypeTaskCompleted
	TaskID     string   `json:"task_id"`
	AttemptID  string   `json:"attempt_id"`
	Status     string   `json:"status"` // success, failed, cancelled
	DurationMS int64    `json:"duration_ms"`
	CostUSD    *float64 `json:"cost_usd,omitempty"`
	Timestamp  string   `json:"timestamp"` // RFC3339Nano
}

// AutoReviewPayload is the payload for auto-review events.
// Published when a finished task lands in review with a pull request.
type AutoReviewPayload struct {
	Type      string `json:"type"` // always EventTypeAutoReview
	TaskID    string `json:"task_id"`
	PRNumber  int    `json:"pr_number,omitempty"`
	PRURL     string `json:"pr_url,omitempty"`
	Branch    string `json:"branch"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// TaskFailedPayload is the payload for task.failed events.
type TaskFailedPayload struct {
	Type      string `json:"type"` // always EventTypeTaskFailed
	TaskID    string `json:"task_id"`
	AttemptID string `json:"attempt_id,omitempty"`
	Kind      string `json:"kind"` // error kind from classification
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// TaskFinalizationFailedPayload is the payload for task.finalization_failed
// events. The agent produced work but the push or PR step could not land it.
type TaskFinalizationFailedPayload struct {
	Type      string `json:"type"` // always EventTypeTaskFinalizationFailed
	TaskID    string `json:"task_id"`
	Step      string `json:"step"` // push, pr
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// TaskRepairRequestedPayload is the payload for task.repair_requested
// events. Published when recovery re-queues a task with a repair prompt.
type TaskRepairRequestedPayload struct {
	Type      string `json:"type"` // always EventTypeTaskRepairRequested
	TaskID    string `json:"task_id"`
	Reason    string `json:"reason"`
	Prompt    string `json:"prompt,omitempty"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// AutoCooldownPayload is the payload for auto-cooldown events.
// Published when recovery or the analyzer places a task (or the whole
// executor) on cooldown.
type AutoCooldownPayload struct {
	Type       string `json:"type"`              // always EventTypeAutoCooldown
	TaskID     string `json:"task_id,omitempty"` // empty for executor-wide cooldowns
	Reason     string `json:"reason"`
	CooldownMS int64  `json:"cooldown_ms"`
	Timestamp  string `json:"timestamp"` // RFC3339Nano
}

// ExecutorPausedPayload is the payload for executor-paused events.
type ExecutorPausedPayload struct {
	Type      string `json:"type"` // always EventTypeExecutorPaused
	Reason    string `json:"reason"`
	Until     string `json:"until,omitempty"` // RFC3339Nano, empty for manual pauses
	Timestamp string `json:"timestamp"`       // RFC3339Nano
}

// ExecutorResumedPayload is the payload for executor-resumed events.
type ExecutorResumedPayload struct {
	Type      string `json:"type"` // always EventTypeExecutorResumed
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// AgentAlertPayload is the payload for agent-alert events, carrying one
// analyzer or session-sequence detection.
type AgentAlertPayload struct {
	Type           string `json:"type"` // always EventTypeAgentAlert
	AlertType      string `json:"alert_type"`
	Severity       string `json:"severity"`
	TaskID         string `json:"task_id,omitempty"`
	AttemptID      string `json:"attempt_id,omitempty"`
	Executor       string `json:"executor,omitempty"`
	Recommendation string `json:"recommendation"`
	Occurrences    int    `json:"occurrences,omitempty"`
	Timestamp      string `json:"timestamp"` // RFC3339Nano
}

// AgentStalePayload is the payload for agent:stale events, published by the
// heartbeat sweeper when an attempt goes silent.
type AgentStalePayload struct {
	Type      string `json:"type"` // always EventTypeAgentStale
	AttemptID string `json:"attempt_id"`
	TaskID    string `json:"task_id"`
	Executor  string `json:"executor,omitempty"`
	LastBeat  string `json:"last_beat"` // RFC3339Nano
	Timestamp string `json:"timestamp"` // RFC3339Nano
}
