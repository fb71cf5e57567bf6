package config

import "time"

// SchedulerConfig controls the pull scheduler: admission, claiming, and the
// per-task pipeline deadlines.
type SchedulerConfig struct {
	// MaxParallel is the execution slot capacity: the number of tasks that
	// may run concurrently in this process.
	MaxParallel int `yaml:"max_parallel"`

	// BaseBranchLimit caps concurrent tasks sharing one base branch.
	// Zero disables the sub-limit.
	BaseBranchLimit int `yaml:"base_branch_limit"`

	// PollInterval is the base cadence of the candidate pull loop.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollJitter randomises the poll cadence to de-synchronise cooperating
	// processes. Actual interval: PollInterval ± PollJitter.
	PollJitter time.Duration `yaml:"poll_jitter"`

	// ClaimTTL is the lease lifetime written on claim acquisition.
	ClaimTTL time.Duration `yaml:"claim_ttl"`

	// RenewInterval is the cadence of the per-task claim auto-renewer.
	RenewInterval time.Duration `yaml:"renew_interval"`

	// TaskTimeout bounds a single agent execution.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// PushTimeout bounds the rebase-and-push step.
	PushTimeout time.Duration `yaml:"push_timeout"`

	// PRTimeout bounds PR creation through the kanban adapter.
	PRTimeout time.Duration `yaml:"pr_timeout"`

	// NoOpCooldown is how long a task that completed without commits is
	// refused re-admission.
	NoOpCooldown time.Duration `yaml:"noop_cooldown"`

	// ClaimConflictLimit blocks a task after this many consecutive
	// already-claimed admissions.
	ClaimConflictLimit int `yaml:"claim_conflict_limit"`

	// CandidateTag, when set, restricts the pull loop to tasks carrying it.
	CandidateTag string `yaml:"candidate_tag"`

	// IncludeDrafts admits draft tasks to the candidate list. Drafts are
	// skipped by default.
	IncludeDrafts bool `yaml:"include_drafts"`

	// GracefulShutdownTimeout is the drain budget before in-flight task
	// contexts are cancelled on shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		MaxParallel:             3,
		BaseBranchLimit:         0,
		PollInterval:            30 * time.Second,
		PollJitter:              2 * time.Second,
		ClaimTTL:                180 * time.Minute,
		RenewInterval:           5 * time.Minute,
		TaskTimeout:             6 * time.Hour,
		PushTimeout:             2 * time.Minute,
		PRTimeout:               1 * time.Minute,
		NoOpCooldown:            15 * time.Minute,
		ClaimConflictLimit:      3,
		GracefulShutdownTimeout: 2 * time.Minute,
	}
}
