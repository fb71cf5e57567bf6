package config

import "time"

// ExecutorProfile describes how to launch one agent CLI.
type ExecutorProfile struct {
	// Command is the executable name or path.
	Command string `yaml:"command"`

	// Args are the fixed arguments passed before any model flag.
	Args []string `yaml:"args"`

	// ModelFlag is the CLI flag used to select a model, e.g. "--model".
	// Empty means the profile does not accept a model override.
	ModelFlag string `yaml:"model_flag"`

	// Model is the default model passed via ModelFlag.
	Model string `yaml:"model"`
}

// RunnerConfig controls agent subprocess execution.
type RunnerConfig struct {
	// DefaultSDK selects the executor profile used when a task carries no
	// executor hint.
	DefaultSDK string `yaml:"default_sdk"`

	// Executors maps SDK names to launch profiles. User entries are merged
	// over the built-ins.
	Executors map[string]ExecutorProfile `yaml:"executors"`

	// HeartbeatInterval is the minimum spacing of heartbeat events written
	// to the work-stream log while a subprocess is alive.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// TerminationGrace is how long a cancelled subprocess gets between
	// SIGTERM and SIGKILL of its process group.
	TerminationGrace time.Duration `yaml:"termination_grace"`
}

// DefaultRunnerConfig returns the built-in runner defaults.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		DefaultSDK: "claude-code",
		Executors: map[string]ExecutorProfile{
			"claude-code": {
				Command:   "claude",
				Args:      []string{"--print", "--dangerously-skip-permissions"},
				ModelFlag: "--model",
			},
			"codex": {
				Command: "codex",
				Args:    []string{"exec", "--full-auto"},
			},
		},
		HeartbeatInterval: 30 * time.Second,
		TerminationGrace:  10 * time.Second,
	}
}
