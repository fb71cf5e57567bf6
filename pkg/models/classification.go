package models

import "time"

// ErrorPattern names an entry of the closed classification taxonomy.
type ErrorPattern string

// Classification taxonomy. Order of evaluation lives in the classifier; this
// is the closed set of values it may return.
const (
	PatternAuthError      ErrorPattern = "auth_error"
	PatternContentPolicy  ErrorPattern = "content_policy"
	PatternPlanStuck      ErrorPattern = "plan_stuck"
	PatternRateLimit      ErrorPattern = "rate_limit"
	PatternTokenOverflow  ErrorPattern = "token_overflow"
	PatternModelError     ErrorPattern = "model_error"
	PatternRequestError   ErrorPattern = "request_error"
	PatternAPIError       ErrorPattern = "api_error"
	PatternSessionExpired ErrorPattern = "session_expired"
	PatternOOMKill        ErrorPattern = "oom_kill"
	PatternOOM            ErrorPattern = "oom"
	PatternCodexSandbox   ErrorPattern = "codex_sandbox"
	PatternPushFailure    ErrorPattern = "push_failure"
	PatternTestFailure    ErrorPattern = "test_failure"
	PatternLintFailure    ErrorPattern = "lint_failure"
	PatternBuildFailure   ErrorPattern = "build_failure"
	PatternGitConflict    ErrorPattern = "git_conflict"
	PatternPermissionWait ErrorPattern = "permission_wait"
	PatternEmptyResponse  ErrorPattern = "empty_response"
	PatternUnknown        ErrorPattern = "unknown"
)

// Classification is the classifier's verdict on a chunk of agent output.
type Classification struct {
	Pattern    ErrorPattern  `json:"pattern"`
	Confidence float64       `json:"confidence"`
	Details    string        `json:"details,omitempty"`
	RawMatch   string        `json:"raw_match,omitempty"`
	Severity   AlertSeverity `json:"severity"`
}

// RecoveryAction is what the recovery policy tells the scheduler to do next.
type RecoveryAction string

// Recovery actions.
const (
	ActionRetry         RecoveryAction = "retry"
	ActionRetryPrompt   RecoveryAction = "retry_with_prompt"
	ActionCooldown      RecoveryAction = "cooldown"
	ActionNewSession    RecoveryAction = "new_session"
	ActionBlock         RecoveryAction = "block"
	ActionPauseExecutor RecoveryAction = "pause_executor"
	ActionManual        RecoveryAction = "manual"
)

// RecoveryDecision is the recovery policy's answer for one recorded error.
type RecoveryDecision struct {
	Action     RecoveryAction `json:"action"`
	Prompt     string         `json:"prompt,omitempty"`
	CooldownMS int64          `json:"cooldown_ms,omitempty"`
	Reason     string         `json:"reason"`
	ErrorCount int            `json:"error_count"`
}

// ErrorRecord is one entry of a task's bounded error history.
type ErrorRecord struct {
	Pattern    ErrorPattern   `json:"pattern"`
	Timestamp  time.Time      `json:"timestamp"`
	Action     RecoveryAction `json:"action"`
	Confidence float64        `json:"confidence"`
	Details    string         `json:"details,omitempty"`
}
