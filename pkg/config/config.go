// Package config provides layered configuration for bosun: built-in
// defaults, an optional YAML file merged over them, and environment
// overrides applied last.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
)

// Config is the complete, validated bosun configuration. Construct it with
// Load; every component receives the section it needs at wiring time rather
// than importing a process-global instance.
type Config struct {
	// Workspace is the root directory for bosun-owned state
	// (work logs, claims, the local store, worktrees).
	Workspace string `yaml:"workspace"`

	// RepoRoot is the git repository agents operate on.
	RepoRoot string `yaml:"repo_root"`

	Scheduler  *SchedulerConfig  `yaml:"scheduler"`
	Worktree   *WorktreeConfig   `yaml:"worktree"`
	Runner     *RunnerConfig     `yaml:"runner"`
	Analyzer   *AnalyzerConfig   `yaml:"analyzer"`
	Classifier *ClassifierConfig `yaml:"classifier"`
	Trust      *TrustConfig      `yaml:"trust"`
	Bus        *BusConfig        `yaml:"bus"`
	Store      *StoreConfig      `yaml:"store"`
	API        *APIConfig        `yaml:"api"`
	Notify     *NotifyConfig     `yaml:"notify"`
	Retention  *RetentionConfig  `yaml:"retention"`
}

// defaultConfig assembles the built-in defaults for every section.
func defaultConfig() *Config {
	return &Config{
		Scheduler:  DefaultSchedulerConfig(),
		Worktree:   DefaultWorktreeConfig(),
		Runner:     DefaultRunnerConfig(),
		Analyzer:   DefaultAnalyzerConfig(),
		Classifier: DefaultClassifierConfig(),
		Trust:      DefaultTrustConfig(),
		Bus:        DefaultBusConfig(),
		Store:      DefaultStoreConfig(),
		API:        DefaultAPIConfig(),
		Notify:     DefaultNotifyConfig(),
		Retention:  DefaultRetentionConfig(),
	}
}

// CacheRoot is where append-only logs live.
func (c *Config) CacheRoot() string { return filepath.Join(c.Workspace, "cache") }

// StateRoot is where claims and the local store live.
func (c *Config) StateRoot() string { return filepath.Join(c.Workspace, "state") }

// WorkLogDir holds the work-stream and alerts logs.
func (c *Config) WorkLogDir() string {
	return filepath.Join(c.CacheRoot(), "agent-work-logs")
}

// WorkStreamPath is the shared agent event log.
func (c *Config) WorkStreamPath() string {
	return filepath.Join(c.WorkLogDir(), "agent-work-stream.jsonl")
}

// AlertsPath is the analyzer's alert log and cooldown store.
func (c *Config) AlertsPath() string {
	return filepath.Join(c.WorkLogDir(), "agent-alerts.jsonl")
}

// ClaimsDir holds one JSON lease file per claimed task (local store mode).
func (c *Config) ClaimsDir() string { return filepath.Join(c.StateRoot(), "claims") }

// WorktreeRoot resolves the worktree parent directory.
func (c *Config) WorktreeRoot() string {
	if c.Worktree.Root != "" {
		return c.Worktree.Root
	}
	return filepath.Join(c.Workspace, "worktrees")
}

// StorePath resolves the SQLite database file.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.StateRoot(), "bosun.db")
}

// Validate checks the assembled configuration, collecting every problem
// into a single error.
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_parallel must be >= 1, got %d", c.Scheduler.MaxParallel))
	}
	if c.Scheduler.BaseBranchLimit < 0 {
		errs = append(errs, fmt.Errorf("scheduler.base_branch_limit must be >= 0, got %d", c.Scheduler.BaseBranchLimit))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}
	if c.Scheduler.ClaimTTL <= 0 {
		errs = append(errs, errors.New("scheduler.claim_ttl must be positive"))
	}
	if c.Scheduler.RenewInterval >= c.Scheduler.ClaimTTL {
		errs = append(errs, fmt.Errorf("scheduler.renew_interval %v must be shorter than claim_ttl %v",
			c.Scheduler.RenewInterval, c.Scheduler.ClaimTTL))
	}

	if c.Analyzer.ErrorLoopThreshold < 1 {
		errs = append(errs, fmt.Errorf("analyzer.error_loop_threshold must be >= 1, got %d", c.Analyzer.ErrorLoopThreshold))
	}
	if c.Analyzer.ToolLoopThreshold < 1 {
		errs = append(errs, fmt.Errorf("analyzer.tool_loop_threshold must be >= 1, got %d", c.Analyzer.ToolLoopThreshold))
	}
	if c.Analyzer.StuckThreshold <= 0 {
		errs = append(errs, errors.New("analyzer.stuck_threshold must be positive"))
	}
	if c.Analyzer.AlertCooldownReplayMaxBytes < 0 {
		errs = append(errs, errors.New("analyzer.alert_cooldown_replay_max_bytes must be >= 0"))
	}

	if c.Classifier.MaxConsecutiveErrors < 1 {
		errs = append(errs, fmt.Errorf("classifier.max_consecutive_errors must be >= 1, got %d", c.Classifier.MaxConsecutiveErrors))
	}

	switch c.Trust.NewExternalTaskStatus {
	case "backlog", "todo":
	default:
		errs = append(errs, fmt.Errorf("trust.new_external_task_status must be backlog or todo, got %q", c.Trust.NewExternalTaskStatus))
	}
	for _, pattern := range c.Trust.InjectionPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("trust.injection_patterns: invalid pattern %q: %w", pattern, err))
		}
	}

	if c.Runner.DefaultSDK != "" {
		if _, ok := c.Runner.Executors[c.Runner.DefaultSDK]; !ok {
			errs = append(errs, fmt.Errorf("runner.default_sdk %q has no executor profile", c.Runner.DefaultSDK))
		}
	}
	for name, profile := range c.Runner.Executors {
		if profile.Command == "" {
			errs = append(errs, fmt.Errorf("runner.executors.%s: command is required", name))
		}
	}

	if c.Bus.RingCapacity < 1 {
		errs = append(errs, fmt.Errorf("bus.ring_capacity must be >= 1, got %d", c.Bus.RingCapacity))
	}

	if c.Retention.Interval <= 0 {
		errs = append(errs, errors.New("retention.interval must be positive"))
	}

	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	return errors.Join(errs...)
}
