package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/models"
)

func newTestTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	tracker := NewTracker(config.DefaultClassifierConfig())
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

func classification(pattern models.ErrorPattern) models.Classification {
	return models.Classification{Pattern: pattern, Confidence: 0.9, Severity: models.SeverityMedium}
}

func TestRecordErrorBlocksNonRetryable(t *testing.T) {
	tracker, _ := newTestTracker(t)

	for _, pattern := range []models.ErrorPattern{
		models.PatternAuthError,
		models.PatternModelError,
		models.PatternContentPolicy,
		models.PatternOOMKill,
		models.PatternOOM,
	} {
		decision := tracker.RecordError("task-"+string(pattern), classification(pattern))
		assert.Equal(t, models.ActionBlock, decision.Action, string(pattern))
	}
}

func TestRecordErrorRequestErrorEscalatesToBlock(t *testing.T) {
	tracker, _ := newTestTracker(t)

	first := tracker.RecordError("t1", classification(models.PatternRequestError))
	assert.Equal(t, models.ActionRetryPrompt, first.Action)
	assert.NotEmpty(t, first.Prompt)
	assert.Equal(t, 1, first.ErrorCount)

	second := tracker.RecordError("t1", classification(models.PatternRequestError))
	assert.Equal(t, models.ActionRetryPrompt, second.Action)

	third := tracker.RecordError("t1", classification(models.PatternRequestError))
	assert.Equal(t, models.ActionBlock, third.Action)
	assert.Equal(t, 3, third.ErrorCount)
}

func TestRecordErrorBuildFailureEscalatesToManual(t *testing.T) {
	tracker, _ := newTestTracker(t)

	for i := 0; i < 2; i++ {
		decision := tracker.RecordError("t1", classification(models.PatternBuildFailure))
		assert.Equal(t, models.ActionRetryPrompt, decision.Action)
		assert.Contains(t, decision.Prompt, "build")
	}
	third := tracker.RecordError("t1", classification(models.PatternBuildFailure))
	assert.Equal(t, models.ActionManual, third.Action)
}

func TestRecordErrorGitConflictSingleRetry(t *testing.T) {
	tracker, _ := newTestTracker(t)

	first := tracker.RecordError("t1", classification(models.PatternGitConflict))
	assert.Equal(t, models.ActionRetryPrompt, first.Action)
	assert.Contains(t, first.Prompt, "conflict")

	second := tracker.RecordError("t1", classification(models.PatternGitConflict))
	assert.Equal(t, models.ActionManual, second.Action)
}

func TestRecordErrorNewSessionPatterns(t *testing.T) {
	tracker, _ := newTestTracker(t)

	overflow := tracker.RecordError("t1", classification(models.PatternTokenOverflow))
	assert.Equal(t, models.ActionNewSession, overflow.Action)

	expired := tracker.RecordError("t2", classification(models.PatternSessionExpired))
	assert.Equal(t, models.ActionNewSession, expired.Action)
}

func TestRecordErrorPlanStuckAlwaysReprompts(t *testing.T) {
	tracker, _ := newTestTracker(t)

	for i := 0; i < 4; i++ {
		decision := tracker.RecordError("t1", classification(models.PatternPlanStuck))
		assert.Equal(t, models.ActionRetryPrompt, decision.Action)
		assert.Contains(t, decision.Prompt, "implement now")
	}
}

func TestRecordErrorRateLimitCooldownThenPause(t *testing.T) {
	tracker, now := newTestTracker(t)

	// Hits land on different tasks: the pause policy is global.
	for i, taskID := range []string{"t1", "t2", "t3"} {
		*now = now.Add(10 * time.Second)
		decision := tracker.RecordError(taskID, classification(models.PatternRateLimit))
		assert.Equal(t, models.ActionCooldown, decision.Action, "hit %d", i+1)
		assert.Equal(t, int64(60_000), decision.CooldownMS)
	}
	assert.False(t, tracker.ShouldPauseExecutor())

	*now = now.Add(10 * time.Second)
	fourth := tracker.RecordError("t4", classification(models.PatternRateLimit))
	assert.Equal(t, models.ActionPauseExecutor, fourth.Action)
	assert.True(t, tracker.ShouldPauseExecutor())
}

func TestShouldPauseExecutorExpiresWithWindow(t *testing.T) {
	tracker, now := newTestTracker(t)

	for _, taskID := range []string{"t1", "t2", "t3", "t4"} {
		tracker.RecordError(taskID, classification(models.PatternRateLimit))
	}
	require.True(t, tracker.ShouldPauseExecutor())

	*now = now.Add(6 * time.Minute)
	assert.False(t, tracker.ShouldPauseExecutor())
}

func TestRecordErrorConsecutiveLimitBlocks(t *testing.T) {
	tracker, _ := newTestTracker(t)

	var last models.RecoveryDecision
	for i := 0; i < 5; i++ {
		last = tracker.RecordError("t1", classification(models.PatternUnknown))
	}
	assert.Equal(t, models.ActionBlock, last.Action)
	assert.Equal(t, 5, last.ErrorCount)
	assert.Contains(t, last.Reason, "consecutive")
}

func TestRecordErrorUnknownCooldownThenManual(t *testing.T) {
	tracker, _ := newTestTracker(t)

	first := tracker.RecordError("t1", classification(models.PatternUnknown))
	assert.Equal(t, models.ActionCooldown, first.Action)
	assert.Equal(t, int64(30_000), first.CooldownMS)

	tracker.RecordError("t1", classification(models.PatternUnknown))
	third := tracker.RecordError("t1", classification(models.PatternUnknown))
	assert.Equal(t, models.ActionManual, third.Action)
}

func TestRecordErrorPermissionWaitIsManual(t *testing.T) {
	tracker, _ := newTestTracker(t)

	decision := tracker.RecordError("t1", classification(models.PatternPermissionWait))
	assert.Equal(t, models.ActionManual, decision.Action)
}

func TestResetTaskCreditsRecovery(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tracker.RecordError("t1", classification(models.PatternTestFailure))
	tracker.ResetTask("t1")

	assert.Empty(t, tracker.History("t1"))
	summary := tracker.PatternSummary()
	assert.Equal(t, 1, summary.Recoveries)
	assert.Zero(t, summary.TotalErrors)

	// Resetting an error-free task is not a recovery.
	tracker.ResetTask("t2")
	assert.Equal(t, 1, tracker.PatternSummary().Recoveries)
}

func TestHistoryBounded(t *testing.T) {
	cfg := config.DefaultClassifierConfig()
	cfg.MaxErrorRecords = 3
	tracker := NewTracker(cfg)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		tracker.RecordError("t1", classification(models.PatternAPIError))
	}

	history := tracker.History("t1")
	require.Len(t, history, 3)
	// Oldest entries were dropped.
	assert.True(t, history[0].Timestamp.After(now.Add(-4*time.Second)))
}

func TestPatternSummary(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tracker.RecordError("t1", classification(models.PatternTestFailure))
	tracker.RecordError("t1", classification(models.PatternTestFailure))
	tracker.RecordError("t2", classification(models.PatternRateLimit))

	summary := tracker.PatternSummary()
	assert.Equal(t, 2, summary.Tasks)
	assert.Equal(t, 3, summary.TotalErrors)
	assert.Equal(t, 2, summary.Patterns[models.PatternTestFailure])
	assert.Equal(t, 1, summary.Patterns[models.PatternRateLimit])
}
