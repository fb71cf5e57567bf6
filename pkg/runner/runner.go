// Package runner launches agent CLI subprocesses and turns their output
// into work-stream events and a structured session outcome. One Run call is
// one session: the prompt goes in on stdin, both output streams are parsed
// line-wise, and a session_end event is written on every exit path,
// including cancellation.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/models"
	"github.com/bosun-dev/bosun/pkg/sequence"
	"github.com/bosun-dev/bosun/pkg/workstream"
)

// Request describes one agent session.
type Request struct {
	// AttemptID tags every work-stream event of the session. Empty gets a
	// generated id.
	AttemptID string

	// TaskID is the kanban task the session works on.
	TaskID string

	// Executor names a profile from RunnerConfig.Executors. Empty or
	// unknown names fall back to the configured default SDK.
	Executor string

	// Model overrides the profile's default model when the profile accepts
	// a model flag.
	Model string

	// Prompt is delivered on the subprocess's stdin.
	Prompt string

	// PromptType and FollowupReason are recorded on the session_start
	// event. An empty PromptType means an initial prompt.
	PromptType     models.PromptType
	FollowupReason string

	// Dir is the working directory, normally an acquired worktree path.
	Dir string

	// Branch is echoed into the result for downstream push handling.
	Branch string

	// Timeout bounds the whole session. Zero means no deadline beyond the
	// caller's context.
	Timeout time.Duration

	// HeartbeatInterval overrides the configured heartbeat spacing. Zero
	// uses the config value.
	HeartbeatInterval time.Duration
}

// Result is the observable outcome of one finished session.
type Result struct {
	// AttemptID is the id the session's events were tagged with, including
	// a generated one when the request carried none.
	AttemptID string

	// Success is true only when the subprocess exited cleanly and did not
	// report an error result.
	Success bool

	// Status is the completion status written to the session_end event.
	Status models.CompletionStatus

	// HasCommits reports commit or push evidence seen in the transcript.
	// Callers confirm against the worktree before trusting it.
	HasCommits bool

	Branch   string
	PRURL    string
	PRNumber int

	// RawError is the most specific failure text available when the
	// session did not succeed.
	RawError string

	// Output is the combined stdout and stderr, tail-capped.
	Output string

	// Messages is the ordered transcript for sequence analysis.
	Messages []sequence.Message

	Duration time.Duration
	CostUSD  *float64
	ExitCode int
}

// Runner runs one agent session to completion.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// CLIRunner runs sessions as CLI subprocesses. Lines that parse as agent
// stream-json become structured events; everything else is kept as plain
// transcript text. The subprocess is its own process group so cancellation
// reaches any children it spawned.
type CLIRunner struct {
	cfg    *config.RunnerConfig
	stream *workstream.Writer
}

// NewCLIRunner builds a runner writing events through the given work-stream
// writer.
func NewCLIRunner(cfg *config.RunnerConfig, stream *workstream.Writer) *CLIRunner {
	return &CLIRunner{cfg: cfg, stream: stream}
}

// Run launches the subprocess and blocks until it exits or the context ends.
// An error return means the session could not be launched at all; once the
// subprocess starts, failures are reported inside the Result and the error
// is nil.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	name, profile, err := r.resolveProfile(req.Executor)
	if err != nil {
		return nil, err
	}
	req.Executor = name
	if req.AttemptID == "" {
		req.AttemptID = uuid.New().String()
	}
	if req.PromptType == "" {
		req.PromptType = models.PromptInitial
	}
	interval := req.HeartbeatInterval
	if interval <= 0 {
		interval = r.cfg.HeartbeatInterval
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	args := append([]string{}, profile.Args...)
	model := req.Model
	if model == "" {
		model = profile.Model
	}
	if profile.ModelFlag != "" && model != "" {
		args = append(args, profile.ModelFlag, model)
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.Command(profile.Command, args...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, models.NewFatalAgentError(models.KindUnknown, "stdout pipe for %s: %v", profile.Command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, models.NewFatalAgentError(models.KindUnknown, "stderr pipe for %s: %v", profile.Command, err)
	}

	logger := slog.With("task_id", req.TaskID, "attempt_id", req.AttemptID, "executor", name)
	if err := cmd.Start(); err != nil {
		return nil, models.NewFatalAgentError(models.KindUnknown, "launch %s: %v", profile.Command, err)
	}
	started := time.Now()
	pid := cmd.Process.Pid
	logger.Info("Agent session started", "command", profile.Command, "dir", req.Dir)

	r.event(req, models.EventSessionStart, models.WorkStreamData{
		PromptType:     req.PromptType,
		FollowupReason: req.FollowupReason,
	})

	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			r.terminate(logger, pid, done)
		case <-done:
		}
	}()

	// Heartbeats keep stuck detection honest for agents that stay silent
	// for their whole run. Output lines and a fallback ticker both kick the
	// limiter; it spaces actual events at most one per interval.
	hb := rate.NewLimiter(rate.Every(interval), 1)
	hb.Allow() // session_start just recorded activity
	beat := func() {
		if hb.Allow() {
			r.event(req, models.EventHeartbeat, models.WorkStreamData{})
		}
	}
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				beat()
			case <-done:
				return
			}
		}
	}()

	coll := &collector{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.consume(req, stdout, coll.stdoutLine, beat)
	}()
	go func() {
		defer wg.Done()
		r.consume(req, stderr, coll.stderrLine, beat)
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(done)
	// Wait out the heartbeat goroutine so session_end stays the last line
	// of the session.
	<-hbDone
	duration := time.Since(started)

	state := coll.snapshot()
	status := models.CompletionSuccess
	switch {
	case runCtx.Err() != nil:
		status = models.CompletionCancelled
	case waitErr != nil || state.resultErr:
		status = models.CompletionFailed
	}

	res := &Result{
		AttemptID:  req.AttemptID,
		Success:    status == models.CompletionSuccess,
		Status:     status,
		HasCommits: state.sawCommit || state.sawPush,
		Branch:     req.Branch,
		PRURL:      state.prURL,
		PRNumber:   state.prNumber,
		Output:     state.output,
		Messages:   state.messages,
		Duration:   duration,
		CostUSD:    state.costUSD,
		ExitCode:   exitCode(waitErr),
	}
	if !res.Success {
		res.RawError = rawError(state, waitErr, runCtx.Err())
	}

	r.event(req, models.EventSessionEnd, models.WorkStreamData{
		CompletionStatus: status,
		DurationMS:       duration.Milliseconds(),
		CostUSD:          state.costUSD,
	})
	logger.Info("Agent session finished",
		"status", status,
		"duration", duration.Round(time.Millisecond),
		"exit_code", res.ExitCode,
		"has_commits", res.HasCommits)
	return res, nil
}

// resolveProfile maps an executor name to a launch profile, falling back to
// the default SDK for empty or unknown names.
func (r *CLIRunner) resolveProfile(name string) (string, config.ExecutorProfile, error) {
	if name == "" {
		name = r.cfg.DefaultSDK
	}
	profile, ok := r.cfg.Executors[name]
	if !ok {
		name = r.cfg.DefaultSDK
		profile, ok = r.cfg.Executors[name]
	}
	if !ok {
		return "", config.ExecutorProfile{}, models.NewFatalAgentError(models.KindUnknown,
			"no executor profile named %q and no usable default", name)
	}
	return name, profile, nil
}

// consume reads one output stream line by line until EOF, which arrives when
// the subprocess exits.
func (r *CLIRunner) consume(req Request, pipe io.Reader, handle func(string) []observation, beat func()) {
	sc := newLineScanner(pipe)
	for sc.Scan() {
		beat()
		for _, obs := range handle(sc.Text()) {
			r.event(req, obs.event, obs.data)
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("Agent output scan stopped", "attempt_id", req.AttemptID, "error", err)
	}
}

// terminate signals the subprocess's whole process group, then kills it
// after the grace period if it has not exited. The negative pid addresses
// the group created by Setpgid at launch.
func (r *CLIRunner) terminate(logger *slog.Logger, pid int, done <-chan struct{}) {
	logger.Info("Terminating agent session", "grace", r.cfg.TerminationGrace)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Warn("Process group SIGTERM failed", "pid", pid, "error", err)
	}
	select {
	case <-done:
	case <-time.After(r.cfg.TerminationGrace):
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Warn("Process group SIGKILL failed", "pid", pid, "error", err)
		}
	}
}

// event appends one work-stream line. Append failures are logged rather
// than propagated: a lost observability line must not fail the session.
func (r *CLIRunner) event(req Request, typ models.WorkStreamEventType, data models.WorkStreamData) {
	err := r.stream.Append(models.WorkStreamEvent{
		AttemptID: req.AttemptID,
		EventType: typ,
		Timestamp: time.Now().UTC(),
		TaskID:    req.TaskID,
		Executor:  req.Executor,
		Data:      data,
	})
	if err != nil {
		slog.Warn("Work-stream append failed", "attempt_id", req.AttemptID, "event_type", typ, "error", err)
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(waitErr, &exit) {
		return exit.ExitCode()
	}
	return -1
}

// rawError picks the most specific failure text available for the result.
func rawError(state capture, waitErr, ctxErr error) string {
	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return "session timed out"
	case ctxErr != nil:
		return "session cancelled"
	case state.resultErr && state.resultText != "":
		return state.resultText
	case state.lastError != "":
		return state.lastError
	case waitErr != nil:
		return waitErr.Error()
	}
	return ""
}
