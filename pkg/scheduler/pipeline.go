package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bosun-dev/bosun/pkg/claims"
	"github.com/bosun-dev/bosun/pkg/classify"
	"github.com/bosun-dev/bosun/pkg/events"
	"github.com/bosun-dev/bosun/pkg/kanban"
	"github.com/bosun-dev/bosun/pkg/models"
	"github.com/bosun-dev/bosun/pkg/runner"
	"github.com/bosun-dev/bosun/pkg/sequence"
	"github.com/bosun-dev/bosun/pkg/worktree"
)

// ErrAlreadyClaimed reports that another holder owns the task's claim.
var ErrAlreadyClaimed = errors.New("task already claimed")

// renewCallTimeout bounds a single claim renewal call.
const renewCallTimeout = 30 * time.Second

// cleanupTimeout bounds the post-attempt resource teardown.
const cleanupTimeout = time.Minute

// infraRetryCooldown keeps a task out of the candidate list briefly after an
// infrastructure failure, so a held branch or flaky store is not hammered on
// every poll.
const infraRetryCooldown = time.Minute

// admit takes one candidate through the slot gate and the claim, then hands
// it to a pipeline goroutine. The slot is returned on every refusal.
func (s *Scheduler) admit(ctx context.Context, task models.Task) error {
	executor, model := s.resolveExecutor(&task)
	base := task.BaseBranch
	if base == "" {
		base = s.cfg.Worktree.DefaultTargetBranch
	}

	alloc, err := s.slots.TryAllocate(task.ID, executor, task.BranchName, base)
	if err != nil {
		return err
	}

	res, err := s.board.Claim(ctx, task.ID, s.holderID, s.cfg.Scheduler.ClaimTTL)
	if err != nil {
		s.slots.Release(alloc.SlotID)
		return fmt.Errorf("claiming task %s: %w", task.ID, err)
	}
	if !res.OK {
		s.slots.Release(alloc.SlotID)
		s.noteClaimConflict(ctx, task, res.ExistingHolder)
		return ErrAlreadyClaimed
	}
	s.resetClaimConflicts(task.ID)

	s.mu.Lock()
	if _, dup := s.running[task.ID]; dup {
		// The previous attempt is still tearing down.
		s.mu.Unlock()
		s.slots.Release(alloc.SlotID)
		if err := s.board.Release(ctx, task.ID, s.holderID); err != nil {
			slog.Warn("Claim release failed", "task_id", task.ID, "error", err)
		}
		return ErrAlreadyClaimed
	}
	taskCtx, cancel := context.WithCancel(s.runCtx)
	s.running[task.ID] = cancel
	s.mu.Unlock()

	s.taskWG.Add(1)
	go func() {
		defer s.taskWG.Done()
		s.execute(taskCtx, cancel, task, alloc, model)
	}()
	slog.Info("Task admitted", "task_id", task.ID, "executor", executor, "slot_id", alloc.SlotID)
	return nil
}

// resolveExecutor picks the executor profile and model for a task. Tags of
// the form sdk:NAME and model:NAME override the configured default.
func (s *Scheduler) resolveExecutor(task *models.Task) (executor, model string) {
	executor = s.cfg.Runner.DefaultSDK
	for _, tag := range task.Tags {
		if name, ok := strings.CutPrefix(tag, "sdk:"); ok && name != "" {
			executor = name
		}
		if name, ok := strings.CutPrefix(tag, "model:"); ok && name != "" {
			model = name
		}
	}
	if _, ok := s.cfg.Runner.Executors[executor]; !ok && executor != s.cfg.Runner.DefaultSDK {
		slog.Warn("Unknown executor tag, using default",
			"task_id", task.ID, "executor", executor, "default", s.cfg.Runner.DefaultSDK)
		executor = s.cfg.Runner.DefaultSDK
	}
	return executor, model
}

// noteClaimConflict counts consecutive foreign-claim refusals and blocks the
// task once the limit is reached: a todo task that stays claimed poll after
// poll points at a dead holder or a split board.
func (s *Scheduler) noteClaimConflict(ctx context.Context, task models.Task, holder string) {
	s.mu.Lock()
	st := s.stateLocked(task.ID)
	st.claimConflicts++
	conflicts := st.claimConflicts
	s.mu.Unlock()

	slog.Info("Task already claimed",
		"task_id", task.ID, "holder", holder, "consecutive", conflicts)
	if conflicts < s.cfg.Scheduler.ClaimConflictLimit {
		return
	}

	if _, err := s.board.SetStatus(ctx, task.ID, models.StatusBlocked, kanban.SourceScheduler); err != nil {
		slog.Warn("Could not block conflicted task", "task_id", task.ID, "error", err)
		return
	}
	s.publisher.PublishTaskFailed(events.TaskFailedPayload{
		TaskID:    task.ID,
		Kind:      string(models.KindClaimConflict),
		Message:   fmt.Sprintf("claimed by %s for %d consecutive polls", holder, conflicts),
		Retryable: false,
	})
	if s.notify != nil {
		s.notify.TaskBlocked(ctx, task, "repeatedly claimed by another holder")
	}
	s.clearState(task.ID)
}

// resetClaimConflicts clears the conflict streak after a successful claim.
func (s *Scheduler) resetClaimConflicts(taskID string) {
	s.mu.Lock()
	if st, ok := s.states[taskID]; ok {
		st.claimConflicts = 0
	}
	s.mu.Unlock()
}

// execute is the per-task pipeline. It runs in its own goroutine with the
// slot and claim already held, and guarantees that worktree, claim, and slot
// are released in reverse order on every exit path.
func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, task models.Task, alloc *Allocation, model string) {
	attemptID := uuid.New().String()
	logger := slog.With("task_id", task.ID, "attempt_id", attemptID, "executor", alloc.SDK)
	started := s.now()

	var (
		wt        *worktree.Acquisition
		claimLost atomic.Bool
		finished  bool
	)

	// Claim auto-renewal for the lifetime of the attempt. A stolen claim
	// cancels the attempt context.
	renewCtx, stopRenew := context.WithCancel(context.Background())
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(s.cfg.Scheduler.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				rctx, rcancel := context.WithTimeout(renewCtx, renewCallTimeout)
				err := s.board.Renew(rctx, task.ID, s.holderID)
				rcancel()
				switch {
				case err == nil:
				case errors.Is(err, claims.ErrClaimStolen):
					logger.Error("Claim stolen mid-attempt, cancelling")
					claimLost.Store(true)
					cancel()
					return
				default:
					logger.Warn("Claim renewal failed", "error", err)
				}
			}
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Task pipeline panicked", "panic", r, "stack", string(debug.Stack()))
			pctx, pcancel := context.WithTimeout(context.Background(), cleanupTimeout)
			s.publisher.PublishTaskFailed(events.TaskFailedPayload{
				TaskID:    task.ID,
				AttemptID: attemptID,
				Kind:      string(models.KindUnknown),
				Message:   fmt.Sprintf("pipeline panic: %v", r),
				Retryable: true,
			})
			if !finished {
				s.moveTo(pctx, task.ID, models.StatusTodo, kanban.SourceRecovery)
			}
			pcancel()
		}

		// Teardown in reverse acquisition order. Errors are logged; the slot
		// comes back no matter what.
		cctx, ccancel := context.WithTimeout(context.Background(), cleanupTimeout)
		if wt != nil {
			if err := s.trees.Release(cctx, wt.Path); err != nil {
				logger.Warn("Worktree release failed", "path", wt.Path, "error", err)
			}
		}
		stopRenew()
		<-renewDone
		if !claimLost.Load() {
			if err := s.board.Release(cctx, task.ID, s.holderID); err != nil {
				logger.Warn("Claim release failed", "error", err)
			}
		}
		ccancel()
		s.slots.Release(alloc.SlotID)
		s.unregister(task.ID)
		cancel()
	}()

	if _, err := s.board.SetStatus(ctx, task.ID, models.StatusInProgress, kanban.SourceScheduler); err != nil {
		logger.Error("Could not move task to inprogress", "error", err)
		finished = true
		return
	}

	acq, err := s.trees.Acquire(ctx, task.BranchName, task.ID, alloc.BaseBranch)
	if err != nil {
		s.infraFail(ctx, task, attemptID, err)
		finished = true
		return
	}
	wt = acq

	preHead, err := s.trees.Head(ctx, wt.Path)
	if err != nil {
		s.infraFail(ctx, task, attemptID, err)
		finished = true
		return
	}

	prompt, promptType, followupReason := s.buildPrompt(&task, wt.Branch, alloc.BaseBranch)

	s.publisher.PublishTaskStarted(events.TaskStartedPayload{
		TaskID:     task.ID,
		AttemptID:  attemptID,
		Title:      task.Title,
		Executor:   alloc.SDK,
		Branch:     wt.Branch,
		BaseBranch: alloc.BaseBranch,
	})
	logger.Info("Agent attempt starting", "branch", wt.Branch, "prompt_type", promptType)

	res, err := s.agents.Run(ctx, runner.Request{
		AttemptID:      attemptID,
		TaskID:         task.ID,
		Executor:       alloc.SDK,
		Model:          model,
		Prompt:         prompt,
		PromptType:     promptType,
		FollowupReason: followupReason,
		Dir:            wt.Path,
		Branch:         wt.Branch,
		Timeout:        s.cfg.Scheduler.TaskTimeout,
	})

	bctx, bcancel := s.boardCtx(ctx)
	defer bcancel()

	if err != nil {
		// The session never launched: a broken profile or missing binary.
		logger.Error("Agent launch failed", "error", err)
		s.applyRecovery(bctx, task, attemptID, failure{message: err.Error(), input: err.Error()})
		finished = true
		return
	}

	s.publisher.PublishTaskCompleted(events.TaskCompletedPayload{
		TaskID:     task.ID,
		AttemptID:  attemptID,
		Status:     string(res.Status),
		DurationMS: res.Duration.Milliseconds(),
		CostUSD:    res.CostUSD,
	})

	switch res.Status {
	case models.CompletionCancelled:
		s.trees.PreserveBranch(wt.Path)
		switch {
		case claimLost.Load():
			logger.Warn("Attempt ended after claim theft, restoring todo")
			s.moveTo(bctx, task.ID, models.StatusTodo, kanban.SourceRecovery)
		case ctx.Err() != nil:
			logger.Info("Attempt cancelled, restoring todo")
			s.moveTo(bctx, task.ID, models.StatusTodo, kanban.SourceRecovery)
		default:
			// The runner's own deadline fired while our context stayed live.
			logger.Warn("Attempt hit the task timeout", "timeout", s.cfg.Scheduler.TaskTimeout)
			s.applyRecovery(bctx, task, attemptID, failure{
				kind:    models.KindTimeout,
				message: fmt.Sprintf("session exceeded the %s task timeout", s.cfg.Scheduler.TaskTimeout),
				input:   classifierInput(res),
			})
		}
		finished = true
		return

	case models.CompletionFailed:
		s.trees.PreserveBranch(wt.Path)
		s.applyRecovery(bctx, task, attemptID, failure{message: res.RawError, input: classifierInput(res)})
		finished = true
		return
	}

	// The agent finished cleanly. Verify claim ownership before anything
	// irreversible: a stolen claim means another process owns the task now.
	if claimLost.Load() {
		s.trees.PreserveBranch(wt.Path)
		s.moveTo(bctx, task.ID, models.StatusTodo, kanban.SourceRecovery)
		finished = true
		return
	}
	if err := s.board.Renew(ctx, task.ID, s.holderID); err != nil {
		if errors.Is(err, claims.ErrClaimStolen) {
			claimLost.Store(true)
			logger.Warn("Claim stolen before push, aborting publication")
			s.trees.PreserveBranch(wt.Path)
			s.moveTo(bctx, task.ID, models.StatusTodo, kanban.SourceRecovery)
			finished = true
			return
		}
		logger.Warn("Pre-push claim check failed", "error", err)
	}

	hasCommits, err := s.trees.HasNewCommits(ctx, wt.Path, preHead)
	if err != nil {
		logger.Warn("Commit detection failed, falling back to transcript evidence", "error", err)
		hasCommits = res.HasCommits
	}
	if !hasCommits {
		s.completeNoOp(bctx, task, res)
		finished = true
		return
	}

	pushCtx, pushCancel := context.WithTimeout(ctx, s.cfg.Scheduler.PushTimeout)
	pushErr := s.trees.Push(pushCtx, wt.Path)
	pushCancel()
	if pushErr != nil {
		switch {
		case errors.Is(pushErr, worktree.ErrEmptyDiff):
			// Commits that amount to nothing against the base branch.
			s.completeNoOp(bctx, task, res)
		case errors.Is(pushErr, worktree.ErrProtectedBranch):
			logger.Error("Refusing to push protected branch", "branch", wt.Branch)
			s.publisher.PublishTaskFailed(events.TaskFailedPayload{
				TaskID:    task.ID,
				AttemptID: attemptID,
				Kind:      string(models.KindPush),
				Message:   fmt.Sprintf("task branch %s is protected", wt.Branch),
				Retryable: false,
			})
			s.moveTo(bctx, task.ID, models.StatusBlocked, kanban.SourceScheduler)
			s.clearState(task.ID)
			if s.notify != nil {
				s.notify.TaskBlocked(bctx, task, "task branch is protected: "+wt.Branch)
			}
		default:
			s.trees.PreserveBranch(wt.Path)
			s.finalizationFailed(bctx, task, attemptID, "push", pushErr)
		}
		finished = true
		return
	}

	prCtx, prCancel := context.WithTimeout(ctx, s.cfg.Scheduler.PRTimeout)
	pr, prErr := s.board.CreateOrUpdatePR(prCtx, kanban.PRRequest{
		TaskID:     task.ID,
		Branch:     wt.Branch,
		BaseBranch: alloc.BaseBranch,
		Title:      prTitle(&task),
		Body:       prBody(&task, wt.Branch, alloc.BaseBranch),
	})
	prCancel()
	if prErr != nil {
		s.trees.PreserveBranch(wt.Path)
		s.finalizationFailed(bctx, task, attemptID, "pr", prErr)
		finished = true
		return
	}
	s.trees.MarkPROpened(wt.Path)

	if _, err := s.board.SetStatus(bctx, task.ID, models.StatusInReview, kanban.SourceScheduler); err != nil {
		// The PR exists; startup reconciliation will requeue and converge.
		logger.Error("Could not move task to inreview", "error", err)
		finished = true
		return
	}
	s.recovery.ResetTask(task.ID)
	s.clearState(task.ID)
	s.publisher.PublishAutoReview(events.AutoReviewPayload{
		TaskID:   task.ID,
		PRNumber: pr.Number,
		PRURL:    pr.URL,
		Branch:   wt.Branch,
	})
	logger.Info("Task finished and moved to review",
		"pr_number", pr.Number,
		"pr_created", pr.Created,
		"duration", s.now().Sub(started).Round(time.Second))
	finished = true
}

// boardCtx returns a context for post-run board writes. After cancellation
// the attempt context is dead, but the outcome still has to land.
func (s *Scheduler) boardCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), cleanupTimeout)
}

// moveTo drives a board status change, logging instead of failing: by the
// time it is called the attempt outcome is already decided.
func (s *Scheduler) moveTo(ctx context.Context, taskID string, status models.TaskStatus, source string) {
	if _, err := s.board.SetStatus(ctx, taskID, status, source); err != nil {
		slog.Error("Status update failed", "task_id", taskID, "status", status, "error", err)
	}
}

// infraFail handles failures before any agent ran. The task goes straight
// back to todo with a short cooldown instead of consuming recovery budget;
// only a non-retryable infrastructure error blocks it.
func (s *Scheduler) infraFail(ctx context.Context, task models.Task, attemptID string, cause error) {
	kind := models.KindUnknown
	retryable := true
	var agentErr *models.AgentError
	if errors.As(cause, &agentErr) {
		kind = agentErr.Kind
		retryable = agentErr.Retryable
	}
	slog.Warn("Task setup failed",
		"task_id", task.ID, "kind", kind, "retryable", retryable, "error", cause)

	bctx, bcancel := s.boardCtx(ctx)
	defer bcancel()

	s.publisher.PublishTaskFailed(events.TaskFailedPayload{
		TaskID:    task.ID,
		AttemptID: attemptID,
		Kind:      string(kind),
		Message:   cause.Error(),
		Retryable: retryable,
	})
	if !retryable {
		s.moveTo(bctx, task.ID, models.StatusBlocked, kanban.SourceScheduler)
		s.clearState(task.ID)
		if s.notify != nil {
			s.notify.TaskBlocked(bctx, task, cause.Error())
		}
		return
	}
	s.setCooldown(task.ID, infraRetryCooldown, string(kind))
	s.moveTo(bctx, task.ID, models.StatusTodo, kanban.SourceScheduler)
}

// finalizationFailed lands a produced-but-unpublished attempt: the event
// names the failing step, then recovery decides how the task comes back.
func (s *Scheduler) finalizationFailed(ctx context.Context, task models.Task, attemptID, step string, cause error) {
	slog.Error("Task finalization failed", "task_id", task.ID, "step", step, "error", cause)
	s.publisher.PublishTaskFinalizationFailed(events.TaskFinalizationFailedPayload{
		TaskID:  task.ID,
		Step:    step,
		Message: cause.Error(),
	})

	input := cause.Error()
	var agentErr *models.AgentError
	if errors.As(cause, &agentErr) && agentErr.SourceOutput != "" {
		input = agentErr.SourceOutput
	}
	s.applyRecovery(ctx, task, attemptID, failure{message: cause.Error(), input: input})
}

// completeNoOp handles a clean session that produced no publishable work.
// The session transcript picks the intervention prompt for the next attempt,
// and the task cools down so it does not spin.
func (s *Scheduler) completeNoOp(ctx context.Context, task models.Task, res *runner.Result) {
	seq := sequence.Analyze(res.Messages)
	reason := "completed without commits"
	if seq.Detected() {
		reason = fmt.Sprintf("completed without commits (%s)", seq.Primary)
	}
	prompt := seq.Intervention
	if prompt == "" {
		prompt = noOpPrompt
	}

	s.setNextPrompt(task.ID, prompt, models.PromptFollowup, reason)
	s.setCooldown(task.ID, s.cfg.Scheduler.NoOpCooldown, reason)
	s.moveTo(ctx, task.ID, models.StatusTodo, kanban.SourceScheduler)
	s.publisher.PublishAutoCooldown(events.AutoCooldownPayload{
		TaskID:     task.ID,
		Reason:     reason,
		CooldownMS: s.cfg.Scheduler.NoOpCooldown.Milliseconds(),
	})
	slog.Info("No-op completion",
		"task_id", task.ID, "primary_pattern", seq.Primary, "cooldown", s.cfg.Scheduler.NoOpCooldown)
}

// failure is one classified pipeline failure. A zero kind derives the event
// kind from the classification.
type failure struct {
	kind    models.ErrorKind
	message string
	input   string
}

// applyRecovery classifies a failure, records it against the task, and
// applies the decided action to the board and the scheduler's own admission
// state.
func (s *Scheduler) applyRecovery(ctx context.Context, task models.Task, attemptID string, f failure) models.RecoveryDecision {
	c := classify.Classify(f.input)
	decision := s.recovery.RecordError(task.ID, c)

	kind := f.kind
	if kind == "" {
		kind = classify.Kind(c.Pattern)
	}
	message := f.message
	if message == "" {
		message = c.Details
	}
	retryable := decision.Action != models.ActionBlock && decision.Action != models.ActionManual

	s.publisher.PublishTaskFailed(events.TaskFailedPayload{
		TaskID:    task.ID,
		AttemptID: attemptID,
		Kind:      string(kind),
		Message:   message,
		Retryable: retryable,
	})

	switch decision.Action {
	case models.ActionBlock:
		s.moveTo(ctx, task.ID, models.StatusBlocked, kanban.SourceRecovery)
		s.clearState(task.ID)
		if s.notify != nil {
			s.notify.TaskBlocked(ctx, task, decision.Reason)
		}

	case models.ActionManual:
		// The board has no separate state for "needs a human": blocked plus
		// an explanatory comment is how operators find it.
		s.moveTo(ctx, task.ID, models.StatusBlocked, kanban.SourceRecovery)
		s.clearState(task.ID)
		comment := fmt.Sprintf("Autonomous execution stopped: %s. A human needs to look at this task before it runs again.", decision.Reason)
		if err := s.board.Comment(ctx, task.ID, comment); err != nil {
			slog.Warn("Board comment failed", "task_id", task.ID, "error", err)
		}
		if s.notify != nil {
			s.notify.TaskBlocked(ctx, task, decision.Reason)
		}

	case models.ActionPauseExecutor:
		s.setCooldown(task.ID, time.Duration(decision.CooldownMS)*time.Millisecond, decision.Reason)
		s.moveTo(ctx, task.ID, models.StatusTodo, kanban.SourceRecovery)
		s.pauseForPressure(ctx, decision)

	case models.ActionCooldown:
		s.setCooldown(task.ID, time.Duration(decision.CooldownMS)*time.Millisecond, decision.Reason)
		s.moveTo(ctx, task.ID, models.StatusTodo, kanban.SourceRecovery)
		s.publisher.PublishAutoCooldown(events.AutoCooldownPayload{
			TaskID:     task.ID,
			Reason:     decision.Reason,
			CooldownMS: decision.CooldownMS,
		})

	case models.ActionRetryPrompt:
		s.setNextPrompt(task.ID, decision.Prompt, models.PromptRetry, decision.Reason)
		s.moveTo(ctx, task.ID, models.StatusTodo, kanban.SourceRecovery)
		s.publisher.PublishTaskRepairRequested(events.TaskRepairRequestedPayload{
			TaskID: task.ID,
			Reason: decision.Reason,
			Prompt: decision.Prompt,
		})

	case models.ActionNewSession:
		// Fresh context: no carried guidance, same branch.
		s.setNextPrompt(task.ID, "", models.PromptRetry, decision.Reason)
		s.moveTo(ctx, task.ID, models.StatusTodo, kanban.SourceRecovery)
		s.publisher.PublishTaskRepairRequested(events.TaskRepairRequestedPayload{
			TaskID: task.ID,
			Reason: decision.Reason,
		})

	default: // retry
		s.moveTo(ctx, task.ID, models.StatusTodo, kanban.SourceRecovery)
	}
	return decision
}

// classifierInput picks the text the classifier should see: the specific
// failure line when the runner isolated one, the output tail otherwise.
func classifierInput(res *runner.Result) string {
	if res.RawError != "" && res.Output != "" {
		return res.RawError + "\n" + res.Output
	}
	if res.RawError != "" {
		return res.RawError
	}
	return res.Output
}
