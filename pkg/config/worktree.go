package config

// WorktreeConfig controls the git worktree manager.
type WorktreeConfig struct {
	// Root is the directory under which per-task worktrees are created.
	// Empty defaults to .worktrees inside the repository root.
	Root string `yaml:"root"`

	// DefaultTargetBranch is the remote ref new branches fork from when the
	// task names no base branch.
	DefaultTargetBranch string `yaml:"default_target_branch"`

	// BranchPrefix is prepended to generated branch names when the task has
	// none of its own.
	BranchPrefix string `yaml:"branch_prefix"`

	// ProtectedBranches are never pushed to, regardless of task fields.
	ProtectedBranches []string `yaml:"protected_branches"`
}

// DefaultWorktreeConfig returns the built-in worktree defaults.
func DefaultWorktreeConfig() *WorktreeConfig {
	return &WorktreeConfig{
		DefaultTargetBranch: "origin/main",
		BranchPrefix:        "ve/",
		ProtectedBranches:   []string{"main", "master", "develop", "production"},
	}
}
