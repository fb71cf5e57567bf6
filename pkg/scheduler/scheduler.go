// Package scheduler drives tasks end to end. A single pull loop lists todo
// candidates from the kanban board, admits them under bounded parallelism,
// and hands each admitted task to a pipeline goroutine that claims it, runs
// the agent in an isolated worktree, publishes the work, and applies the
// recovery policy on failure.
//
// Admission order is deterministic; everything else is concurrent. Slot,
// claim, and worktree are acquired in that order and released in reverse on
// every exit path, including panics.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/bosun-dev/bosun/pkg/classify"
	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/events"
	"github.com/bosun-dev/bosun/pkg/kanban"
	"github.com/bosun-dev/bosun/pkg/models"
	"github.com/bosun-dev/bosun/pkg/runner"
	"github.com/bosun-dev/bosun/pkg/trust"
	"github.com/bosun-dev/bosun/pkg/worktree"
)

// Worktrees is the slice of the worktree manager the scheduler drives.
type Worktrees interface {
	Acquire(ctx context.Context, branch, taskID, baseBranch string) (*worktree.Acquisition, error)
	Release(ctx context.Context, path string) error
	Head(ctx context.Context, path string) (string, error)
	HasNewCommits(ctx context.Context, path, sinceHead string) (bool, error)
	Push(ctx context.Context, path string) error
	MarkPROpened(path string)
	PreserveBranch(path string)
	Sweep(ctx context.Context) error
}

// Notifier receives out-of-band operator notifications. The scheduler works
// without one; every call site checks for nil.
type Notifier interface {
	TaskBlocked(ctx context.Context, task models.Task, reason string)
	ExecutorPaused(ctx context.Context, reason string)
	ExecutorResumed(ctx context.Context)
}

// taskState is the scheduler's own per-task admission memory: cooldowns,
// claim-conflict streaks, and the prompt the next attempt should carry.
type taskState struct {
	cooldownUntil  time.Time
	cooldownReason string
	claimConflicts int
	nextPrompt     string
	nextPromptType models.PromptType
	nextReason     string
}

// Scheduler owns the pull loop and all in-flight task pipelines.
type Scheduler struct {
	holderID string
	cfg      *config.Config

	board     kanban.Adapter
	trees     Worktrees
	agents    runner.Runner
	recovery  *classify.Tracker
	publisher *events.Publisher

	screener *trust.Screener
	notify   Notifier

	slots *Slots
	wake  chan struct{}

	mu           sync.Mutex
	states       map[string]*taskState
	running      map[string]context.CancelFunc
	manualPause  bool
	manualReason string
	autoPaused   bool
	autoReason   string
	lastPoll     time.Time
	started      bool

	runCtx    context.Context
	cancelRun context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
	taskWG   sync.WaitGroup

	now func() time.Time
}

// New creates a scheduler. holderID identifies this process on claims and
// must be stable for the process lifetime.
func New(holderID string, cfg *config.Config, board kanban.Adapter, trees Worktrees, agents runner.Runner, recovery *classify.Tracker, publisher *events.Publisher) *Scheduler {
	return &Scheduler{
		holderID:  holderID,
		cfg:       cfg,
		board:     board,
		trees:     trees,
		agents:    agents,
		recovery:  recovery,
		publisher: publisher,
		slots:     NewSlots(cfg.Scheduler.MaxParallel, cfg.Scheduler.BaseBranchLimit),
		wake:      make(chan struct{}, 1),
		states:    make(map[string]*taskState),
		running:   make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// SetScreener wires the trust gate into candidate admission.
func (s *Scheduler) SetScreener(screener *trust.Screener) {
	s.screener = screener
}

// SetNotifier wires operator notifications.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notify = n
}

// Start launches the pull loop. Call Reconcile first on a fresh process so
// stranded tasks are requeued before admission begins.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		slog.Warn("Scheduler already started")
		return nil
	}
	s.started = true
	s.runCtx, s.cancelRun = context.WithCancel(ctx)
	runCtx := s.runCtx
	s.mu.Unlock()

	s.loopWG.Add(1)
	go s.run(runCtx)
	slog.Info("Scheduler started",
		"holder_id", s.holderID,
		"max_parallel", s.cfg.Scheduler.MaxParallel,
		"poll_interval", s.cfg.Scheduler.PollInterval)
	return nil
}

// Stop halts admission, drains in-flight tasks within the graceful shutdown
// budget, then cancels whatever is still running and waits for cleanup.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.loopWG.Wait()

		done := make(chan struct{})
		go func() {
			s.taskWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.Scheduler.GracefulShutdownTimeout):
			slog.Warn("Drain budget exhausted, cancelling in-flight tasks",
				"budget", s.cfg.Scheduler.GracefulShutdownTimeout)
			s.mu.Lock()
			cancel := s.cancelRun
			s.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			<-done
		}

		s.mu.Lock()
		if s.cancelRun != nil {
			s.cancelRun()
		}
		s.mu.Unlock()
		slog.Info("Scheduler stopped", "holder_id", s.holderID)
	})
}

// run is the pull loop: poll immediately, then on a jittered interval, and
// additionally whenever a slot frees up or a resume asks for an early pull.
func (s *Scheduler) run(ctx context.Context) {
	defer s.loopWG.Done()

	s.poll(ctx)
	timer := time.NewTimer(s.pollInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
		case <-s.slots.Released():
		case <-s.wake:
		}
		s.poll(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.pollInterval())
	}
}

// pollInterval returns the base interval randomised by the configured
// jitter, so cooperating processes drift apart instead of stampeding the
// board together.
func (s *Scheduler) pollInterval() time.Duration {
	base := s.cfg.Scheduler.PollInterval
	jitter := s.cfg.Scheduler.PollJitter
	if jitter <= 0 {
		return base
	}
	d := base - jitter + time.Duration(rand.Int64N(int64(2*jitter)))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// poll runs one admission round: list todo candidates, filter, order, and
// admit until slots run out.
func (s *Scheduler) poll(ctx context.Context) {
	s.mu.Lock()
	s.lastPoll = s.now()
	s.mu.Unlock()

	s.syncAutoPause(ctx)
	if s.isPaused() {
		return
	}
	if s.slots.InUse() >= s.slots.Capacity() {
		return
	}

	tasks, err := s.board.List(ctx, models.StatusTodo)
	if err != nil {
		slog.Warn("Candidate listing failed", "error", err)
		return
	}
	candidates := s.filterCandidates(ctx, tasks)
	sortCandidates(candidates)

	for i := range candidates {
		if ctx.Err() != nil || s.isPaused() {
			return
		}
		switch err := s.admit(ctx, candidates[i]); {
		case err == nil:
		case errors.Is(err, ErrNoSlots):
			return
		case errors.Is(err, ErrBaseBranchSaturated), errors.Is(err, ErrAlreadyClaimed):
		default:
			slog.Warn("Task admission failed", "task_id", candidates[i].ID, "error", err)
		}
	}
}

// filterCandidates applies the admission filters and screens externally
// authored tasks on first contact.
func (s *Scheduler) filterCandidates(ctx context.Context, tasks []models.Task) []models.Task {
	now := s.now()
	out := make([]models.Task, 0, len(tasks))
	for i := range tasks {
		task := tasks[i]
		if task.Status != models.StatusTodo {
			continue
		}
		if s.isRunning(task.ID) {
			continue
		}
		if task.IsDraft && !s.cfg.Scheduler.IncludeDrafts {
			continue
		}
		if tag := s.cfg.Scheduler.CandidateTag; tag != "" && !task.HasTag(tag) {
			continue
		}
		if task.HasTag(trust.TagQuarantined) {
			continue
		}
		if s.screener != nil && trust.NeedsScreening(&task) {
			decision, err := s.screener.Screen(ctx, &task)
			if err != nil {
				slog.Warn("Trust screening failed", "task_id", task.ID, "error", err)
				continue
			}
			if decision.Action != trust.ActionIngestTodo {
				continue
			}
		}
		if s.onCooldown(task.ID, now) {
			continue
		}
		out = append(out, task)
	}
	return out
}

// sortCandidates orders admissible tasks deterministically: priority first,
// most recently updated next, id as the final tie-break.
func sortCandidates(tasks []models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		if !tasks[i].UpdatedAt.Equal(tasks[j].UpdatedAt) {
			return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// isRunning reports whether an attempt for the task is still alive,
// including one that is tearing down.
func (s *Scheduler) isRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// unregister drops the task from the running set.
func (s *Scheduler) unregister(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

// kick schedules an immediate poll without waiting out the interval.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pause stops task admission until Resume. In-flight tasks keep running.
// Returns false when admission was already paused by an operator.
func (s *Scheduler) Pause(reason string) bool {
	s.mu.Lock()
	if s.manualPause {
		s.mu.Unlock()
		return false
	}
	s.manualPause = true
	s.manualReason = reason
	auto := s.autoPaused
	s.mu.Unlock()

	slog.Info("Task admission paused by operator", "reason", reason)
	if !auto {
		s.publisher.PublishExecutorPaused(events.ExecutorPausedPayload{Reason: reason})
		if s.notify != nil {
			s.notify.ExecutorPaused(context.Background(), reason)
		}
	}
	return true
}

// Resume lifts a manual pause. An active rate-limit pause stays in force.
// Returns false when no manual pause was set.
func (s *Scheduler) Resume() bool {
	s.mu.Lock()
	if !s.manualPause {
		s.mu.Unlock()
		return false
	}
	s.manualPause = false
	s.manualReason = ""
	auto := s.autoPaused
	s.mu.Unlock()

	slog.Info("Task admission resumed by operator")
	if !auto {
		s.publisher.PublishExecutorResumed(events.ExecutorResumedPayload{Reason: "operator resume"})
		if s.notify != nil {
			s.notify.ExecutorResumed(context.Background())
		}
		s.kick()
	}
	return true
}

// isPaused reports whether admission is currently stopped, manually or by
// rate-limit pressure.
func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manualPause || s.autoPaused
}

// syncAutoPause reconciles the automatic pause flag with live rate-limit
// pressure and publishes the edge transitions.
func (s *Scheduler) syncAutoPause(ctx context.Context) {
	pressured := s.recovery.ShouldPauseExecutor()
	s.mu.Lock()
	switch {
	case pressured && !s.autoPaused:
		s.autoPaused = true
		s.autoReason = "rate-limit pressure"
		s.mu.Unlock()
		slog.Warn("Pausing task admission", "reason", "rate-limit pressure")
		s.publisher.PublishExecutorPaused(events.ExecutorPausedPayload{Reason: "rate-limit pressure"})
		if s.notify != nil {
			s.notify.ExecutorPaused(ctx, "rate-limit pressure")
		}
	case !pressured && s.autoPaused:
		s.autoPaused = false
		s.autoReason = ""
		manual := s.manualPause
		s.mu.Unlock()
		if manual {
			return
		}
		slog.Info("Resuming task admission", "reason", "rate-limit pressure cleared")
		s.publisher.PublishExecutorResumed(events.ExecutorResumedPayload{Reason: "rate-limit pressure cleared"})
		if s.notify != nil {
			s.notify.ExecutorResumed(ctx)
		}
	default:
		s.mu.Unlock()
	}
}

// pauseForPressure enters the automatic pause immediately on a
// pause_executor recovery decision instead of waiting for the next poll to
// notice the pressure.
func (s *Scheduler) pauseForPressure(ctx context.Context, decision models.RecoveryDecision) {
	s.mu.Lock()
	already := s.autoPaused
	s.autoPaused = true
	s.autoReason = decision.Reason
	s.mu.Unlock()
	if already {
		return
	}

	until := ""
	if decision.CooldownMS > 0 {
		until = s.now().Add(time.Duration(decision.CooldownMS) * time.Millisecond).Format(time.RFC3339Nano)
	}
	slog.Warn("Pausing task admission", "reason", decision.Reason)
	s.publisher.PublishExecutorPaused(events.ExecutorPausedPayload{Reason: decision.Reason, Until: until})
	if s.notify != nil {
		s.notify.ExecutorPaused(ctx, decision.Reason)
	}
}

// stateLocked returns the task's admission state, creating it on first use.
// Callers hold s.mu.
func (s *Scheduler) stateLocked(taskID string) *taskState {
	st, ok := s.states[taskID]
	if !ok {
		st = &taskState{}
		s.states[taskID] = st
	}
	return st
}

// setCooldown refuses the task re-admission for the given duration.
func (s *Scheduler) setCooldown(taskID string, d time.Duration, reason string) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	st := s.stateLocked(taskID)
	st.cooldownUntil = s.now().Add(d)
	st.cooldownReason = reason
	s.mu.Unlock()
}

// setNextPrompt stores the prompt the next attempt starts from. An empty
// prompt with a retry type means a fresh session without carried guidance.
func (s *Scheduler) setNextPrompt(taskID, prompt string, pt models.PromptType, reason string) {
	s.mu.Lock()
	st := s.stateLocked(taskID)
	st.nextPrompt = prompt
	st.nextPromptType = pt
	st.nextReason = reason
	s.mu.Unlock()
}

// clearState drops all admission memory for the task.
func (s *Scheduler) clearState(taskID string) {
	s.mu.Lock()
	delete(s.states, taskID)
	s.mu.Unlock()
}

// onCooldown reports whether the task is still cooling down, clearing the
// marker once it expires.
func (s *Scheduler) onCooldown(taskID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[taskID]
	if !ok || st.cooldownUntil.IsZero() {
		return false
	}
	if now.Before(st.cooldownUntil) {
		return true
	}
	st.cooldownUntil = time.Time{}
	st.cooldownReason = ""
	return false
}

// Cooldown is one live admission cooldown, exposed through Health.
type Cooldown struct {
	TaskID string    `json:"task_id"`
	Until  time.Time `json:"until"`
	Reason string    `json:"reason,omitempty"`
}

// Health is a point-in-time snapshot of the scheduler for the status API.
type Health struct {
	HolderID     string       `json:"holder_id"`
	Paused       bool         `json:"paused"`
	PauseReason  string       `json:"pause_reason,omitempty"`
	SlotsInUse   int          `json:"slots_in_use"`
	SlotCapacity int          `json:"slot_capacity"`
	LastPoll     time.Time    `json:"last_poll"`
	Active       []Allocation `json:"active"`
	Cooldowns    []Cooldown   `json:"cooldowns,omitempty"`
}

// Health reports the scheduler's current admission state.
func (s *Scheduler) Health() Health {
	now := s.now()

	s.mu.Lock()
	h := Health{
		HolderID: s.holderID,
		Paused:   s.manualPause || s.autoPaused,
		LastPoll: s.lastPoll,
	}
	switch {
	case s.manualPause:
		h.PauseReason = s.manualReason
	case s.autoPaused:
		h.PauseReason = s.autoReason
	}
	for taskID, st := range s.states {
		if !st.cooldownUntil.IsZero() && now.Before(st.cooldownUntil) {
			h.Cooldowns = append(h.Cooldowns, Cooldown{TaskID: taskID, Until: st.cooldownUntil, Reason: st.cooldownReason})
		}
	}
	s.mu.Unlock()

	sort.Slice(h.Cooldowns, func(i, j int) bool { return h.Cooldowns[i].TaskID < h.Cooldowns[j].TaskID })
	h.SlotsInUse = s.slots.InUse()
	h.SlotCapacity = s.slots.Capacity()
	h.Active = s.slots.Snapshot()
	return h
}

// Reconcile requeues tasks stranded inprogress by a dead process. A claim
// probe decides liveness: if the claim is free, whoever set inprogress is
// gone and the task goes back to todo with a repair event; a refused claim
// means a live holder still owns it.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	if err := s.trees.Sweep(ctx); err != nil {
		slog.Warn("Worktree sweep failed during startup reconciliation", "error", err)
	}

	tasks, err := s.board.List(ctx, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("listing inprogress tasks: %w", err)
	}

	repaired := 0
	for i := range tasks {
		task := tasks[i]
		res, err := s.board.Claim(ctx, task.ID, s.holderID, s.cfg.Scheduler.ClaimTTL)
		if err != nil {
			slog.Warn("Reconciliation claim probe failed", "task_id", task.ID, "error", err)
			continue
		}
		if !res.OK {
			slog.Info("Task has a live holder, leaving it alone",
				"task_id", task.ID, "holder", res.ExistingHolder)
			continue
		}

		reason := "stranded inprogress without a live claim"
		if _, err := s.board.SetStatus(ctx, task.ID, models.StatusTodo, kanban.SourceStartup); err != nil {
			slog.Warn("Reconciliation status restore failed", "task_id", task.ID, "error", err)
		} else {
			s.publisher.PublishTaskRepairRequested(events.TaskRepairRequestedPayload{TaskID: task.ID, Reason: reason})
			slog.Info("Requeued stranded task", "task_id", task.ID)
			repaired++
		}
		if err := s.board.Release(ctx, task.ID, s.holderID); err != nil {
			slog.Warn("Reconciliation claim release failed", "task_id", task.ID, "error", err)
		}
	}
	if repaired > 0 {
		slog.Info("Startup reconciliation finished", "requeued", repaired, "inspected", len(tasks))
	}
	return nil
}
