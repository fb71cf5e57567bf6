package classify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/models"
)

// Targeted retry prompts, keyed by the failure they answer.
const (
	promptRequestError = "The previous request was rejected as invalid. Review the last command or API call, simplify it, and take a different approach."
	promptBuildFailure = "The build is failing. Run the build, read the first error carefully, fix it, and repeat until the build passes."
	promptTestFailure  = "Tests are failing. Run the test suite, fix the failing tests one at a time, and re-run until everything is green."
	promptPushFailure  = "Pushing the branch failed. Fetch the latest base branch, rebase onto it, resolve any fallout, and push again."
	promptLintFailure  = "Lint checks are failing. Run the linter, apply the reported fixes, and re-run until it passes."
	promptGitConflict  = "The rebase hit merge conflicts. Resolve each conflicted file, continue the rebase, and verify the build still passes before pushing."
	promptSandbox      = "A sandbox restriction blocked the last operation. Stay inside the worktree and avoid commands that need elevated access or network writes."
	promptPlanStuck    = "Stop planning and implement now. Make the code changes directly, commit them, and push the branch."
)

// Tracker owns per-task error history and the recovery policy. One Tracker
// serves the whole process; all methods are safe for concurrent use.
type Tracker struct {
	cfg *config.ClassifierConfig

	mu            sync.Mutex
	records       map[string][]models.ErrorRecord
	consecutive   map[string]int
	rateLimitHits []time.Time
	recoveries    int

	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker(cfg *config.ClassifierConfig) *Tracker {
	return &Tracker{
		cfg:         cfg,
		records:     make(map[string][]models.ErrorRecord),
		consecutive: make(map[string]int),
		now:         time.Now,
	}
}

// RecordError folds one classification into the task's history and returns
// the recovery decision. Reaching the consecutive error ceiling blocks the
// task regardless of pattern.
func (t *Tracker) RecordError(taskID string, c models.Classification) models.RecoveryDecision {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.consecutive[taskID]++
	count := t.consecutive[taskID]

	if c.Pattern == models.PatternRateLimit {
		t.rateLimitHits = append(t.rateLimitHits, now)
	}
	t.pruneRateLimitHitsLocked(now)

	decision := t.decideLocked(taskID, c, count)
	decision.ErrorCount = count

	record := models.ErrorRecord{
		Pattern:    c.Pattern,
		Timestamp:  now,
		Action:     decision.Action,
		Confidence: c.Confidence,
		Details:    c.Details,
	}
	history := append(t.records[taskID], record)
	if len(history) > t.cfg.MaxErrorRecords {
		history = history[len(history)-t.cfg.MaxErrorRecords:]
	}
	t.records[taskID] = history

	slog.Info("Recorded task error",
		"task_id", taskID,
		"pattern", c.Pattern,
		"confidence", c.Confidence,
		"action", decision.Action,
		"error_count", count)
	return decision
}

// decideLocked maps a classification onto a recovery action. Callers hold
// t.mu.
func (t *Tracker) decideLocked(taskID string, c models.Classification, count int) models.RecoveryDecision {
	if count >= t.cfg.MaxConsecutiveErrors {
		return models.RecoveryDecision{
			Action: models.ActionBlock,
			Reason: fmt.Sprintf("%d consecutive errors reached the limit", count),
		}
	}

	// Occurrences of this pattern for this task, counting the current one.
	occurrences := 1
	for _, r := range t.records[taskID] {
		if r.Pattern == c.Pattern {
			occurrences++
		}
	}

	switch c.Pattern {
	case models.PatternAuthError, models.PatternModelError, models.PatternContentPolicy,
		models.PatternOOMKill, models.PatternOOM:
		return models.RecoveryDecision{
			Action: models.ActionBlock,
			Reason: fmt.Sprintf("%s is not retryable", c.Pattern),
		}

	case models.PatternRateLimit:
		if len(t.rateLimitHits) > t.cfg.RateLimitPauseThreshold {
			return models.RecoveryDecision{
				Action:     models.ActionPauseExecutor,
				CooldownMS: t.cfg.RateLimitCooldown.Milliseconds(),
				Reason: fmt.Sprintf("%d rate-limit hits in the last %s",
					len(t.rateLimitHits), t.cfg.RateLimitWindow),
			}
		}
		return models.RecoveryDecision{
			Action:     models.ActionCooldown,
			CooldownMS: t.cfg.RateLimitCooldown.Milliseconds(),
			Reason:     "provider rate limit",
		}

	case models.PatternTokenOverflow:
		return models.RecoveryDecision{
			Action: models.ActionNewSession,
			Reason: "context window exhausted, starting fresh on the same worktree",
		}

	case models.PatternSessionExpired:
		return models.RecoveryDecision{
			Action: models.ActionNewSession,
			Reason: "previous session is gone",
		}

	case models.PatternRequestError:
		return t.bounded(occurrences, 2, models.ActionBlock, models.RecoveryDecision{
			Action: models.ActionRetryPrompt,
			Prompt: promptRequestError,
			Reason: "invalid request, retrying with guidance",
		})

	case models.PatternAPIError:
		return t.bounded(occurrences, 2, models.ActionBlock, models.RecoveryDecision{
			Action:     models.ActionCooldown,
			CooldownMS: t.cfg.ErrorCooldown.Milliseconds(),
			Reason:     "transient provider error",
		})

	case models.PatternBuildFailure:
		return t.bounded(occurrences, 2, models.ActionManual, models.RecoveryDecision{
			Action: models.ActionRetryPrompt,
			Prompt: promptBuildFailure,
			Reason: "build failure, retrying with a fix prompt",
		})

	case models.PatternTestFailure:
		return t.bounded(occurrences, 2, models.ActionManual, models.RecoveryDecision{
			Action: models.ActionRetryPrompt,
			Prompt: promptTestFailure,
			Reason: "test failure, retrying with a fix prompt",
		})

	case models.PatternPushFailure:
		return t.bounded(occurrences, 2, models.ActionManual, models.RecoveryDecision{
			Action: models.ActionRetryPrompt,
			Prompt: promptPushFailure,
			Reason: "push failure, retrying with a rebase prompt",
		})

	case models.PatternLintFailure:
		return t.bounded(occurrences, 2, models.ActionManual, models.RecoveryDecision{
			Action: models.ActionRetryPrompt,
			Prompt: promptLintFailure,
			Reason: "lint failure, retrying with a fix prompt",
		})

	case models.PatternGitConflict:
		return t.bounded(occurrences, 1, models.ActionManual, models.RecoveryDecision{
			Action: models.ActionRetryPrompt,
			Prompt: promptGitConflict,
			Reason: "merge conflict, retrying with a resolution prompt",
		})

	case models.PatternCodexSandbox:
		return t.bounded(occurrences, 1, models.ActionBlock, models.RecoveryDecision{
			Action: models.ActionRetryPrompt,
			Prompt: promptSandbox,
			Reason: "sandbox restriction, retrying with guidance",
		})

	case models.PatternPlanStuck:
		return models.RecoveryDecision{
			Action: models.ActionRetryPrompt,
			Prompt: promptPlanStuck,
			Reason: "agent stuck in planning",
		}

	case models.PatternPermissionWait:
		return models.RecoveryDecision{
			Action: models.ActionManual,
			Reason: "agent is waiting for a permission only a human can grant",
		}

	default: // empty_response, unknown
		return t.bounded(occurrences, 2, models.ActionManual, models.RecoveryDecision{
			Action:     models.ActionCooldown,
			CooldownMS: t.cfg.ErrorCooldown.Milliseconds(),
			Reason:     fmt.Sprintf("unclassified failure (%s), backing off", c.Pattern),
		})
	}
}

// bounded returns preferred while the pattern occurrence count is within
// limit, and escalates to the fallback action beyond it.
func (t *Tracker) bounded(occurrences, limit int, fallback models.RecoveryAction, preferred models.RecoveryDecision) models.RecoveryDecision {
	if occurrences <= limit {
		return preferred
	}
	return models.RecoveryDecision{
		Action: fallback,
		Reason: fmt.Sprintf("%s after %d attempts: %s", fallback, occurrences-1, preferred.Reason),
	}
}

// ShouldPauseExecutor reports whether global rate-limit pressure warrants
// stopping task admission.
func (t *Tracker) ShouldPauseExecutor() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneRateLimitHitsLocked(t.now())
	return len(t.rateLimitHits) > t.cfg.RateLimitPauseThreshold
}

// pruneRateLimitHitsLocked drops hits older than the window.
func (t *Tracker) pruneRateLimitHitsLocked(now time.Time) {
	cutoff := now.Add(-t.cfg.RateLimitWindow)
	kept := t.rateLimitHits[:0]
	for _, hit := range t.rateLimitHits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	t.rateLimitHits = kept
}

// ResetTask clears a task's error state after success. A task that had
// recorded errors counts as a recovery.
func (t *Tracker) ResetTask(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records[taskID]) > 0 {
		t.recoveries++
	}
	delete(t.records, taskID)
	delete(t.consecutive, taskID)
}

// History returns a copy of the task's error records, oldest first.
func (t *Tracker) History(taskID string) []models.ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	history := t.records[taskID]
	out := make([]models.ErrorRecord, len(history))
	copy(out, history)
	return out
}

// Summary aggregates error state across all tracked tasks.
type Summary struct {
	Patterns    map[models.ErrorPattern]int `json:"patterns"`
	TotalErrors int                         `json:"total_errors"`
	Tasks       int                         `json:"tasks"`
	Recoveries  int                         `json:"recoveries"`
}

// PatternSummary reports per-pattern error counts and recovery credits.
func (t *Tracker) PatternSummary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := Summary{Patterns: make(map[models.ErrorPattern]int), Recoveries: t.recoveries}
	for _, history := range t.records {
		if len(history) == 0 {
			continue
		}
		summary.Tasks++
		for _, record := range history {
			summary.Patterns[record.Pattern]++
			summary.TotalErrors++
		}
	}
	return summary
}
