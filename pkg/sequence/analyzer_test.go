package sequence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolMsg(name, content string) Message {
	return Message{Type: MessageToolCall, ToolName: name, Content: content}
}

func agentMsg(content string) Message {
	return Message{Type: MessageAgent, Content: content}
}

func errorMsg(content string) Message {
	return Message{Type: MessageError, Content: content}
}

func TestAnalyzeEmptySession(t *testing.T) {
	result := Analyze(nil)
	assert.False(t, result.Detected())
	assert.Equal(t, PatternNone, result.Primary)
	assert.Empty(t, result.Patterns)
	assert.Empty(t, result.Intervention)
}

func TestToolLoop(t *testing.T) {
	messages := []Message{
		toolMsg("bash", "ls"),
		toolMsg("bash", "ls -la"),
		toolMsg("bash", "ls src"),
		toolMsg("bash", "ls pkg"),
		toolMsg("bash", "ls cmd"),
	}
	result := Analyze(messages)
	assert.Equal(t, PatternToolLoop, result.Primary)
	assert.Contains(t, result.Details, "distinct tools")
	assert.Equal(t, interventionToolLoop, result.Intervention)
}

func TestToolLoopNeedsFiveCalls(t *testing.T) {
	messages := []Message{
		toolMsg("bash", "ls"),
		toolMsg("bash", "ls"),
		toolMsg("bash", "ls"),
		toolMsg("bash", "ls"),
	}
	assert.False(t, Analyze(messages).Detected())
}

func TestToolLoopDistinctToolsDoNotFire(t *testing.T) {
	messages := []Message{
		toolMsg("bash", "ls"),
		toolMsg("web_fetch", "get docs"),
		toolMsg("bash", "ls"),
		toolMsg("http_request", "POST /api"),
		toolMsg("docker", "ps"),
	}
	assert.False(t, Analyze(messages).Detected())
}

func TestAnalysisParalysis(t *testing.T) {
	names := []string{"read_file", "grep_search", "list_dir", "find_files", "cat_file"}
	var messages []Message
	for i := 0; i < 10; i++ {
		messages = append(messages, toolMsg(names[i%len(names)], "looking around"))
	}
	result := Analyze(messages)
	assert.Equal(t, PatternAnalysisParalysis, result.Primary)
	assert.Equal(t, interventionAnalysisParalysis, result.Intervention)
}

func TestAnalysisParalysisSuppressedByWrites(t *testing.T) {
	names := []string{"read_file", "grep_search", "list_dir", "find_files", "edit_file"}
	var messages []Message
	for i := 0; i < 10; i++ {
		messages = append(messages, toolMsg(names[i%len(names)], "working"))
	}
	assert.False(t, Analyze(messages).Detected())
}

func TestPlanStuck(t *testing.T) {
	messages := []Message{
		agentMsg("Here's the plan: first I will refactor the parser, then add tests."),
		toolMsg("write_file", "plan.md"),
	}
	result := Analyze(messages)
	assert.Equal(t, PatternPlanStuck, result.Primary)
	assert.Equal(t, interventionPlanStuck, result.Intervention)
}

func TestPlanStuckSuppressedByRealWork(t *testing.T) {
	messages := []Message{
		agentMsg("Here's the plan: refactor the parser."),
		toolMsg("edit_file", "parser.go"),
		toolMsg("write_file", "parser_test.go"),
	}
	assert.False(t, Analyze(messages).Detected())
}

func TestPlanStuckOutranksToolLoop(t *testing.T) {
	messages := []Message{
		agentMsg("Ready to begin once you confirm."),
		toolMsg("bash", "ls"),
		toolMsg("bash", "ls"),
		toolMsg("bash", "ls"),
		toolMsg("bash", "ls"),
		toolMsg("bash", "ls"),
	}
	result := Analyze(messages)
	assert.Equal(t, PatternPlanStuck, result.Primary)
	assert.Equal(t, []Pattern{PatternPlanStuck, PatternToolLoop}, result.Patterns)
}

func TestNeedsClarification(t *testing.T) {
	messages := []Message{
		agentMsg("I need clarification before continuing: which approach should the cache use?"),
	}
	result := Analyze(messages)
	assert.Equal(t, PatternNeedsClarification, result.Primary)
	assert.Equal(t, interventionNeedsClarification, result.Intervention)
}

func TestFalseCompletion(t *testing.T) {
	messages := []Message{
		toolMsg("edit_file", "fixed the handler"),
		agentMsg("Task complete. The fix has been pushed to the feature branch."),
	}
	result := Analyze(messages)
	assert.Equal(t, PatternFalseCompletion, result.Primary)
	assert.Equal(t, interventionFalseCompletion, result.Intervention)
}

func TestFalseCompletionSuppressedByCommit(t *testing.T) {
	messages := []Message{
		toolMsg("bash", "git commit -m 'fix handler' && git push origin fix"),
		agentMsg("Task complete, pushed to origin."),
	}
	assert.False(t, Analyze(messages).Detected())
}

func TestCommitsNoPush(t *testing.T) {
	messages := []Message{
		toolMsg("bash", "git commit -m 'fix handler'"),
		agentMsg("Task complete."),
	}
	result := Analyze(messages)
	assert.Equal(t, PatternCommitsNoPush, result.Primary)
	assert.Equal(t, interventionCommitsNoPush, result.Intervention)
}

func TestCommitsNoPushRequiresCompletionClaim(t *testing.T) {
	messages := []Message{
		toolMsg("bash", "git commit -m 'wip'"),
		agentMsg("Still working through the remaining failures."),
	}
	assert.False(t, Analyze(messages).Detected())
}

func TestPermissionWaitOnLastMessage(t *testing.T) {
	messages := []Message{
		agentMsg("I located the bug in the retry logic."),
		agentMsg("Should I proceed with removing the legacy path?"),
	}
	result := Analyze(messages)
	assert.Equal(t, PatternPermissionWait, result.Primary)
	assert.Equal(t, interventionPermissionWait, result.Intervention)
}

func TestPermissionWaitIgnoresEarlierMessages(t *testing.T) {
	messages := []Message{
		agentMsg("Should I proceed with removing the legacy path?"),
		agentMsg("Removed the legacy path and updated the callers."),
	}
	assert.False(t, Analyze(messages).Detected())
}

func TestNoProgress(t *testing.T) {
	messages := []Message{
		agentMsg("Starting."),
		errorMsg("connection refused"),
		errorMsg("dial timeout"),
		errorMsg("no route to host"),
		errorMsg("connection reset"),
	}
	result := Analyze(messages)
	assert.Equal(t, PatternNoProgress, result.Primary)
	assert.Equal(t, interventionNoProgress, result.Intervention)
}

func TestNoProgressNeedsFiveMessages(t *testing.T) {
	messages := []Message{
		agentMsg("Starting."),
		errorMsg("connection refused"),
		errorMsg("dial timeout"),
		errorMsg("no route to host"),
	}
	assert.False(t, Analyze(messages).Detected())
}

func TestErrorLoop(t *testing.T) {
	messages := []Message{
		errorMsg("TypeError: cannot read properties of undefined"),
		errorMsg("TypeError: cannot read properties of undefined"),
		errorMsg("TypeError: cannot read properties of undefined"),
	}
	result := Analyze(messages)
	assert.Equal(t, PatternErrorLoop, result.Primary)
	assert.Contains(t, result.Details, "identical")
}

func TestErrorLoopComparesTruncatedContents(t *testing.T) {
	base := strings.Repeat("x", errorTruncateLen)
	messages := []Message{
		errorMsg(base + " trailer one"),
		errorMsg(base + " trailer two"),
		errorMsg(base + " trailer three"),
	}
	assert.Equal(t, PatternErrorLoop, Analyze(messages).Primary)
}

func TestErrorLoopDistinctErrorsDoNotFire(t *testing.T) {
	messages := []Message{
		errorMsg("TypeError: cannot read properties of undefined"),
		errorMsg("TypeError: cannot read properties of undefined"),
		errorMsg("ReferenceError: x is not defined"),
	}
	assert.False(t, Analyze(messages).Detected())
}

func TestRateLimited(t *testing.T) {
	messages := []Message{
		errorMsg("429 Too Many Requests"),
		errorMsg("Rate limit exceeded, retry after 30s"),
	}
	result := Analyze(messages)
	assert.Equal(t, PatternRateLimited, result.Primary)
	assert.Equal(t, interventionRateLimited, result.Intervention)
}

func TestRateLimitedNeedsTwoHits(t *testing.T) {
	messages := []Message{
		errorMsg("429 Too Many Requests"),
		errorMsg("connection refused"),
	}
	assert.False(t, Analyze(messages).Detected())
}

func TestRateLimitedOutranksErrorLoop(t *testing.T) {
	messages := []Message{
		errorMsg("429 Too Many Requests"),
		errorMsg("429 Too Many Requests"),
		errorMsg("429 Too Many Requests"),
	}
	result := Analyze(messages)
	require.Equal(t, PatternRateLimited, result.Primary)
	assert.Equal(t, []Pattern{PatternRateLimited, PatternErrorLoop}, result.Patterns)
}

func TestInterventionCoversEveryPattern(t *testing.T) {
	for _, p := range primaryOrder {
		assert.NotEmpty(t, Intervention(p), string(p))
	}
	assert.Empty(t, Intervention(PatternNone))
}
