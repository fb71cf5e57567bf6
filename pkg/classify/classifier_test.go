package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bosun-dev/bosun/pkg/models"
)

func TestClassifySinglePatterns(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		pattern  models.ErrorPattern
		severity models.AlertSeverity
	}{
		{"auth", "Error: 401 Unauthorized", models.PatternAuthError, models.SeverityHigh},
		{"billing", "Your credit balance is too low to continue", models.PatternAuthError, models.SeverityHigh},
		{"content policy", "request blocked by content policy", models.PatternContentPolicy, models.SeverityHigh},
		{"model", "model claude-9 not found", models.PatternModelError, models.SeverityHigh},
		{"oom kill", "process exited: signal: killed", models.PatternOOMKill, models.SeverityCritical},
		{"oom", "FATAL: JavaScript heap out of memory", models.PatternOOM, models.SeverityHigh},
		{"plan stuck", "Here's my plan for the refactor. Would you like me to proceed?", models.PatternPlanStuck, models.SeverityMedium},
		{"rate limit", "HTTP 429 Too Many Requests", models.PatternRateLimit, models.SeverityMedium},
		{"token overflow", "error: prompt is too long for the context window", models.PatternTokenOverflow, models.SeverityHigh},
		{"session expired", "session not found; unable to resume", models.PatternSessionExpired, models.SeverityMedium},
		{"sandbox", "operation blocked by sandbox (seatbelt)", models.PatternCodexSandbox, models.SeverityMedium},
		{"git conflict", "CONFLICT (content): merge conflict in main.go", models.PatternGitConflict, models.SeverityHigh},
		{"push", "error: failed to push some refs (non-fast-forward)", models.PatternPushFailure, models.SeverityHigh},
		{"tests", "--- FAIL: TestScheduler (0.01s)", models.PatternTestFailure, models.SeverityMedium},
		{"lint", "golangci-lint found 3 issues", models.PatternLintFailure, models.SeverityLow},
		{"build", "compilation error: undefined reference to `run`", models.PatternBuildFailure, models.SeverityMedium},
		{"permission", "The agent is waiting for your approval to run this command", models.PatternPermissionWait, models.SeverityMedium},
		{"request", "API returned invalid_request_error", models.PatternRequestError, models.SeverityMedium},
		{"api", "502 Bad Gateway from upstream", models.PatternAPIError, models.SeverityMedium},
		{"empty", "the response was empty", models.PatternEmptyResponse, models.SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.output)
			assert.Equal(t, tt.pattern, got.Pattern)
			assert.Equal(t, tt.severity, got.Severity)
			assert.GreaterOrEqual(t, got.Confidence, 0.75)
			assert.NotEmpty(t, got.RawMatch)
			assert.NotEmpty(t, got.Details)
		})
	}
}

func TestClassifyAuthBeatsAPIError(t *testing.T) {
	// Both groups match twice, so both get boosted; the auth group's higher
	// base wins.
	got := Classify("401 Unauthorized after retry; upstream said 500 Internal Server Error")
	assert.Equal(t, models.PatternAuthError, got.Pattern)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.InDelta(t, 0.95, got.Confidence, 0.0001)
}

func TestClassifyTieKeepsEarlierGroup(t *testing.T) {
	// One hit each at identical base confidence: content_policy is ordered
	// before model_error and must win the tie.
	got := Classify("content policy rejected the request for unknown model")
	assert.Equal(t, models.PatternContentPolicy, got.Pattern)
	assert.InDelta(t, 0.9, got.Confidence, 0.0001)
}

func TestClassifyConfidenceBoost(t *testing.T) {
	one := Classify("rate limit reached")
	multi := Classify("rate limit reached: 429 too many requests, quota exceeded")

	assert.Equal(t, models.PatternRateLimit, one.Pattern)
	assert.Equal(t, models.PatternRateLimit, multi.Pattern)
	assert.Greater(t, multi.Confidence, one.Confidence)
	assert.LessOrEqual(t, multi.Confidence, 1.0)
}

func TestClassifyConfidenceCap(t *testing.T) {
	got := Classify("rate limit 429 too many requests quota exceeded overloaded usage limit rate-limit")
	assert.Equal(t, models.PatternRateLimit, got.Pattern)
	assert.InDelta(t, 1.0, got.Confidence, 0.0001)
}

func TestClassifyUnknown(t *testing.T) {
	got := Classify("the agent emitted nothing recognizable")
	assert.Equal(t, models.PatternUnknown, got.Pattern)
	assert.InDelta(t, 0.2, got.Confidence, 0.0001)
	assert.Empty(t, got.RawMatch)
}

func TestClassifyEmptyInput(t *testing.T) {
	got := Classify("")
	assert.Equal(t, models.PatternUnknown, got.Pattern)
}

func TestClassifyRawMatchIsFirstHit(t *testing.T) {
	got := Classify("cannot rebase: merge conflict in pkg/scheduler/pipeline.go")
	assert.Equal(t, models.PatternGitConflict, got.Pattern)
	assert.Equal(t, "merge conflict", got.RawMatch)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, strings.Repeat("x", rawMatchLimit), truncate(strings.Repeat("x", rawMatchLimit+50), rawMatchLimit))
}
