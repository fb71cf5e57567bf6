// Package worktree provides isolated git checkouts for agent execution.
//
// Each task works in its own worktree bound to a single branch. The manager
// enforces one live worktree per branch, reuses the checkout when the same
// task re-acquires it, and frees the path, the branch, and the registration
// together on release. Every git operation is shelled out with its combined
// output captured verbatim for downstream error classification.
package worktree

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/models"
)

// Manager owns the on-disk checkout space for one repository.
type Manager struct {
	cfg      *config.WorktreeConfig
	repoRoot string
	root     string

	git gitFunc

	mu      sync.Mutex
	entries map[string]*entry // keyed by branch
	byPath  map[string]string // worktree path -> branch
}

// entry tracks one live worktree registration.
type entry struct {
	Path       string
	Branch     string
	TaskID     string
	BaseBranch string
	Generated  bool // branch name was derived from the task id
	PROpened   bool
	Preserved  bool // keep the branch on release so a retry can resume
	creating   bool
}

// Acquisition is the result of acquiring a worktree.
type Acquisition struct {
	Path     string
	Branch   string
	Acquired bool // false when the task's existing worktree was reused
}

// Info is a snapshot of one live worktree.
type Info struct {
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	TaskID     string `json:"task_id"`
	BaseBranch string `json:"base_branch"`
}

// NewManager builds a manager rooted at the given repository. Worktrees are
// created under cfg.Root, or under .worktrees inside the repository when no
// root is configured.
func NewManager(cfg *config.WorktreeConfig, repoRoot string) *Manager {
	root := cfg.Root
	if root == "" {
		root = filepath.Join(repoRoot, ".worktrees")
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Manager{
		cfg:      cfg,
		repoRoot: repoRoot,
		root:     root,
		git:      runGit,
		entries:  make(map[string]*entry),
		byPath:   make(map[string]string),
	}
}

// Acquire returns a checkout for the given branch bound to taskID. An empty
// branch derives a task-scoped name from the configured prefix; an empty
// baseBranch falls back to the configured default target branch.
//
// Re-acquiring a branch held by the same task returns the existing path with
// Acquired false. A branch held by another task fails with a retryable
// worktree_unavailable error.
func (m *Manager) Acquire(ctx context.Context, branch, taskID, baseBranch string) (*Acquisition, error) {
	generated := false
	if branch == "" {
		branch = m.cfg.BranchPrefix + sanitizeBranch(taskID)
		generated = true
	} else {
		branch = sanitizeBranch(branch)
	}
	if branch == "" || branch == m.cfg.BranchPrefix {
		return nil, models.NewFatalAgentError(models.KindWorktreeUnavailable, "task %s yields an empty branch name", taskID)
	}
	if baseBranch == "" {
		baseBranch = m.cfg.DefaultTargetBranch
	}
	path := filepath.Join(m.root, dirName(branch))

	m.mu.Lock()
	if e, ok := m.entries[branch]; ok {
		switch {
		case e.creating:
			m.mu.Unlock()
			return nil, models.NewAgentError(models.KindWorktreeUnavailable, "worktree for branch %s is still being created", branch)
		case e.TaskID == taskID:
			acq := &Acquisition{Path: e.Path, Branch: e.Branch}
			m.mu.Unlock()
			return acq, nil
		default:
			holder := e.TaskID
			m.mu.Unlock()
			return nil, models.NewAgentError(models.KindWorktreeUnavailable, "branch %s is held by task %s", branch, holder)
		}
	}
	// Reserve the branch and path before touching git so concurrent acquires
	// and sweeps see the checkout as owned while it is being created.
	m.entries[branch] = &entry{Path: path, Branch: branch, TaskID: taskID, creating: true}
	m.byPath[path] = branch
	m.mu.Unlock()

	e, err := m.createWorktree(ctx, branch, baseBranch, path)
	m.mu.Lock()
	if err != nil {
		delete(m.entries, branch)
		delete(m.byPath, path)
		m.mu.Unlock()
		return nil, err
	}
	e.TaskID = taskID
	e.Generated = generated
	m.entries[branch] = e
	m.mu.Unlock()

	slog.Info("Worktree acquired", "task", taskID, "branch", branch, "path", path)
	return &Acquisition{Path: path, Branch: branch, Acquired: true}, nil
}

// createWorktree runs the git side of an acquire. No manager lock is held.
func (m *Manager) createWorktree(ctx context.Context, branch, baseBranch, path string) (*entry, error) {
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return nil, models.NewFatalAgentError(models.KindWorktreeUnavailable, "create worktree root: %v", err)
	}

	// A leftover directory here means a crash the startup sweep has not seen.
	if _, err := os.Stat(path); err == nil {
		slog.Warn("Removing stale worktree directory", "path", path)
		if err := os.RemoveAll(path); err != nil {
			return nil, models.NewFatalAgentError(models.KindWorktreeUnavailable, "remove stale worktree %s: %v", path, err)
		}
		if out, err := m.git(ctx, m.repoRoot, "worktree", "prune"); err != nil {
			slog.Warn("Worktree prune failed", "error", err, "output", out)
		}
	}

	remote, baseShort := splitRemoteRef(baseBranch)
	baseRef := remote + "/" + baseShort
	if out, err := m.git(ctx, m.repoRoot, "fetch", remote, baseShort); err != nil {
		slog.Warn("Base branch fetch failed, continuing with local refs", "base", baseRef, "error", err, "output", out)
	}

	var out string
	var err error
	if m.branchExists(ctx, branch) {
		out, err = m.git(ctx, m.repoRoot, "worktree", "add", path, branch)
	} else {
		start := baseRef
		if _, verr := m.git(ctx, m.repoRoot, "rev-parse", "--verify", "--quiet", start); verr != nil {
			if _, verr = m.git(ctx, m.repoRoot, "rev-parse", "--verify", "--quiet", baseShort); verr != nil {
				return nil, models.NewFatalAgentError(models.KindWorktreeUnavailable, "base branch %s not found", baseBranch)
			}
			start = baseShort
		}
		out, err = m.git(ctx, m.repoRoot, "worktree", "add", "-b", branch, path, start)
	}
	if err != nil {
		return nil, models.NewAgentError(models.KindWorktreeUnavailable, "worktree add failed for branch %s", branch).WithOutput(out)
	}

	return &entry{Path: path, Branch: branch, BaseBranch: baseBranch}, nil
}

// branchExists checks local heads and origin for the branch.
func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	if _, err := m.git(ctx, m.repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		return true
	}
	_, err := m.git(ctx, m.repoRoot, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	return err == nil
}

// Release frees the worktree at path. The registration is dropped first so
// the branch is immediately reusable, then the checkout is removed and a
// task-scoped branch without an open PR is deleted. Unknown paths are a
// no-op apart from best-effort removal of leftover directories, which makes
// double release and post-crash release safe.
func (m *Manager) Release(ctx context.Context, path string) error {
	m.mu.Lock()
	branch, ok := m.byPath[path]
	if !ok {
		m.mu.Unlock()
		if _, err := os.Stat(path); err == nil {
			slog.Warn("Releasing unregistered worktree directory", "path", path)
			return m.removeDir(ctx, path)
		}
		return nil
	}
	if m.entries[branch].creating {
		m.mu.Unlock()
		slog.Warn("Ignoring release of worktree still being created", "branch", branch, "path", path)
		return nil
	}
	e := *m.entries[branch]
	delete(m.entries, branch)
	delete(m.byPath, path)
	m.mu.Unlock()

	err := m.removeDir(ctx, path)

	if e.Generated && !e.PROpened && !e.Preserved && !m.protected(e.Branch) {
		if out, derr := m.git(ctx, m.repoRoot, "branch", "-D", e.Branch); derr != nil {
			slog.Warn("Branch delete failed", "branch", e.Branch, "error", derr, "output", out)
		}
	}

	slog.Info("Worktree released", "task", e.TaskID, "branch", e.Branch, "path", path)
	return err
}

// removeDir removes a checkout, falling back to direct removal plus a prune
// when git refuses.
func (m *Manager) removeDir(ctx context.Context, path string) error {
	if _, err := m.git(ctx, m.repoRoot, "worktree", "remove", "--force", path); err == nil {
		return nil
	}
	rmErr := os.RemoveAll(path)
	if out, err := m.git(ctx, m.repoRoot, "worktree", "prune"); err != nil {
		slog.Warn("Worktree prune failed", "error", err, "output", out)
	}
	if rmErr != nil {
		slog.Warn("Worktree removal failed", "path", path, "error", rmErr)
		return rmErr
	}
	return nil
}

// MarkPROpened records that a pull request exists for the worktree at path,
// so release keeps the local branch alive for the review cycle.
func (m *Manager) MarkPROpened(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if branch, ok := m.byPath[path]; ok {
		m.entries[branch].PROpened = true
	}
}

// PreserveBranch keeps the worktree's branch alive through the upcoming
// release. Recovery marks failed attempts this way so a retry resumes from
// the committed work instead of a fresh base checkout.
func (m *Manager) PreserveBranch(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if branch, ok := m.byPath[path]; ok {
		m.entries[branch].Preserved = true
	}
}

// Head returns the current commit hash of the checkout at path.
func (m *Manager) Head(ctx context.Context, path string) (string, error) {
	out, err := m.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", models.NewAgentError(models.KindWorktreeUnavailable, "resolve HEAD for %s", path).WithOutput(out)
	}
	return out, nil
}

// HasNewCommits reports whether the checkout at path moved past sinceHead or
// carries commits ahead of its base branch. A reused branch whose commits
// predate this run still counts as having work to publish.
func (m *Manager) HasNewCommits(ctx context.Context, path, sinceHead string) (bool, error) {
	head, err := m.Head(ctx, path)
	if err != nil {
		return false, err
	}
	if head != sinceHead {
		return true, nil
	}

	m.mu.Lock()
	branch, ok := m.byPath[path]
	var base string
	if ok {
		base = m.entries[branch].BaseBranch
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	remote, short := splitRemoteRef(base)
	out, err := m.git(ctx, path, "rev-list", "--count", remote+"/"+short+"..HEAD")
	if err != nil {
		slog.Warn("Commit count against base failed", "path", path, "error", err, "output", out)
		return false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// Active returns a snapshot of the live worktrees sorted by branch.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.entries))
	for _, e := range m.entries {
		if e.creating {
			continue
		}
		infos = append(infos, Info{Path: e.Path, Branch: e.Branch, TaskID: e.TaskID, BaseBranch: e.BaseBranch})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Branch < infos[j].Branch })
	return infos
}

// Sweep reconciles the registry with the on-disk state: registrations whose
// checkouts vanished are dropped, and checkouts under the worktree root that
// no live task owns are removed. Run once at startup before the first
// acquire, and again whenever drift is suspected.
func (m *Manager) Sweep(ctx context.Context) error {
	if out, err := m.git(ctx, m.repoRoot, "worktree", "prune"); err != nil {
		slog.Warn("Worktree prune failed", "error", err, "output", out)
	}

	m.mu.Lock()
	var gone []string
	for path, branch := range m.byPath {
		if m.entries[branch].creating {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			gone = append(gone, path)
		}
	}
	for _, path := range gone {
		branch := m.byPath[path]
		delete(m.entries, branch)
		delete(m.byPath, path)
		slog.Warn("Dropped registration for vanished worktree", "branch", branch, "path", path)
	}
	m.mu.Unlock()

	// Checkouts git still tracks under our root that no task owns.
	out, err := m.git(ctx, m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		slog.Warn("Worktree list failed", "error", err, "output", out)
	} else {
		for _, wt := range parseWorktreeList(out) {
			if wt.Bare || !strings.HasPrefix(wt.Path, m.root+string(os.PathSeparator)) {
				continue
			}
			if m.registered(wt.Path) {
				continue
			}
			slog.Info("Removing orphaned worktree", "path", wt.Path, "branch", wt.Branch)
			_ = m.removeDir(ctx, wt.Path)
		}
	}

	// Plain directories git no longer knows about.
	dirs, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, d := range dirs {
		path := filepath.Join(m.root, d.Name())
		if m.registered(path) {
			continue
		}
		slog.Info("Removing orphaned worktree directory", "path", path)
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Orphan removal failed", "path", path, "error", err)
		}
	}
	if out, err := m.git(ctx, m.repoRoot, "worktree", "prune"); err != nil {
		slog.Warn("Worktree prune failed", "error", err, "output", out)
	}
	return nil
}

// registered reports whether a live registration owns the path.
func (m *Manager) registered(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byPath[path]
	return ok
}

// protected reports whether branch is on the never-push list.
func (m *Manager) protected(branch string) bool {
	for _, p := range m.cfg.ProtectedBranches {
		if strings.EqualFold(branch, p) {
			return true
		}
	}
	return false
}
