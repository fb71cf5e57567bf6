package models

import "time"

// AlertSeverity grades an analyzer alert.
type AlertSeverity string

// Alert severities.
const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType identifies the pathological pattern an alert reports.
type AlertType string

// Alert types emitted by the work-stream analyzer.
const (
	AlertErrorLoop               AlertType = "error_loop"
	AlertToolLoop                AlertType = "tool_loop"
	AlertExcessiveRestarts       AlertType = "excessive_restarts"
	AlertCostAnomaly             AlertType = "cost_anomaly"
	AlertFailedSessionHighErrors AlertType = "failed_session_high_errors"
	AlertStuckAgent              AlertType = "stuck_agent"
)

// TaskScoped reports whether the alert's cooldown key uses the task ID
// instead of the attempt ID. Task-scoped types keep firing suppressed across
// fresh attempts on the same task.
func (t AlertType) TaskScoped() bool {
	return t == AlertFailedSessionHighErrors || t == AlertStuckAgent
}

// Alert is one line of the append-only alerts log. The alerts log doubles as
// the authoritative cooldown store: on startup the analyzer replays its tail
// to rebuild cooldown state.
type Alert struct {
	Type           AlertType     `json:"type"`
	Timestamp      time.Time     `json:"timestamp"`
	AttemptID      string        `json:"attempt_id,omitempty"`
	TaskID         string        `json:"task_id,omitempty"`
	Executor       string        `json:"executor,omitempty"`
	Severity       AlertSeverity `json:"severity"`
	Recommendation string        `json:"recommendation"`
	CooldownKey    string        `json:"_cooldown_key"`

	// Type-specific fields.
	Occurrences       int      `json:"occurrences,omitempty"`
	ToolName          string   `json:"tool_name,omitempty"`
	WindowMS          int64    `json:"window_ms,omitempty"`
	IdleTimeMS        int64    `json:"idle_time_ms,omitempty"`
	ThresholdMS       int64    `json:"threshold_ms,omitempty"`
	CostUSD           float64  `json:"cost_usd,omitempty"`
	ErrorCount        int      `json:"error_count,omitempty"`
	ErrorFingerprints []string `json:"error_fingerprints,omitempty"`
}
