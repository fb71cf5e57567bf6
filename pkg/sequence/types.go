// Package sequence analyzes a whole session's message sequence for
// behavioural patterns that single-event classification cannot see, such as
// tool loops, analysis paralysis, or an agent claiming completion without
// ever committing. Each detected primary pattern maps to a targeted
// intervention prompt for the next session.
package sequence

// MessageType discriminates the three kinds of captured session messages.
type MessageType string

// Message types captured by the agent runner.
const (
	MessageToolCall MessageType = "tool_call"
	MessageAgent    MessageType = "agent_message"
	MessageError    MessageType = "error"
)

// Message is one entry of a session's ordered message sequence. ToolName is
// only set for tool calls.
type Message struct {
	Type     MessageType `json:"type"`
	Content  string      `json:"content"`
	ToolName string      `json:"tool_name,omitempty"`
}

// Pattern names a behavioural pattern detected over a session sequence.
type Pattern string

// Detectable patterns. PatternNone is returned as the primary when nothing
// fired.
const (
	PatternNone               Pattern = ""
	PatternToolLoop           Pattern = "tool_loop"
	PatternAnalysisParalysis  Pattern = "analysis_paralysis"
	PatternPlanStuck          Pattern = "plan_stuck"
	PatternNeedsClarification Pattern = "needs_clarification"
	PatternFalseCompletion    Pattern = "false_completion"
	PatternCommitsNoPush      Pattern = "commits_no_push"
	PatternPermissionWait     Pattern = "permission_wait"
	PatternNoProgress         Pattern = "no_progress"
	PatternErrorLoop          Pattern = "error_loop"
	PatternRateLimited        Pattern = "rate_limited"
)

// primaryOrder ranks patterns for primary selection. Earlier entries
// describe conditions that must be answered first: a rate-limited session
// looks like a tool loop too, but the rate limit is the real problem.
var primaryOrder = []Pattern{
	PatternRateLimited,
	PatternPlanStuck,
	PatternFalseCompletion,
	PatternCommitsNoPush,
	PatternPermissionWait,
	PatternErrorLoop,
	PatternNeedsClarification,
	PatternToolLoop,
	PatternAnalysisParalysis,
	PatternNoProgress,
}

// Result is the analyzer's verdict on one session.
type Result struct {
	Patterns     []Pattern `json:"patterns"`
	Primary      Pattern   `json:"primary"`
	Details      string    `json:"details,omitempty"`
	Intervention string    `json:"intervention,omitempty"`
}

// Detected reports whether any pattern fired.
func (r Result) Detected() bool {
	return r.Primary != PatternNone
}
