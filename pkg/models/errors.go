package models

import "fmt"

// ErrorKind categorises a structured failure crossing the scheduler seams.
type ErrorKind string

// Error kinds produced by agent output classification.
const (
	KindAuth           ErrorKind = "auth"
	KindContentPolicy  ErrorKind = "content_policy"
	KindRateLimit      ErrorKind = "rate_limit"
	KindTokenOverflow  ErrorKind = "token_overflow"
	KindModel          ErrorKind = "model"
	KindRequest        ErrorKind = "request"
	KindAPI            ErrorKind = "api"
	KindSessionExpired ErrorKind = "session_expired"
	KindOOM            ErrorKind = "oom"
	KindSandbox        ErrorKind = "sandbox"
	KindPush           ErrorKind = "push"
	KindTest           ErrorKind = "test"
	KindLint           ErrorKind = "lint"
	KindBuild          ErrorKind = "build"
	KindConflict       ErrorKind = "conflict"
	KindPermissionWait ErrorKind = "permission_wait"
	KindEmptyResponse  ErrorKind = "empty_response"
	KindUnknown        ErrorKind = "unknown"
)

// Infrastructure error kinds produced by the scheduler itself.
const (
	KindClaimConflict       ErrorKind = "claim_conflict"
	KindWorktreeUnavailable ErrorKind = "worktree_unavailable"
	KindTimeout             ErrorKind = "timeout"
	KindCancelled           ErrorKind = "cancelled"
)

// AgentError is the structured error surfaced by leaf operations. The
// scheduler converts every failure into one of these at its seams so the
// classifier sees uniform input; SourceOutput carries the verbatim
// stdout+stderr when a subprocess produced the failure.
type AgentError struct {
	Kind         ErrorKind
	Message      string
	Retryable    bool
	SourceOutput string
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAgentError builds a retryable structured error.
func NewAgentError(kind ErrorKind, format string, args ...any) *AgentError {
	return &AgentError{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NewFatalAgentError builds a non-retryable structured error.
func NewFatalAgentError(kind ErrorKind, format string, args ...any) *AgentError {
	return &AgentError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithOutput attaches captured subprocess output for classification.
func (e *AgentError) WithOutput(output string) *AgentError {
	e.SourceOutput = output
	return e
}
