package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bosun-dev/bosun/pkg/models"
)

// Push refusals are policy stops rather than git failures, so they carry no
// captured output and never reach the error classifier.
var (
	// ErrProtectedBranch marks a push aimed at a branch on the never-push list.
	ErrProtectedBranch = errors.New("refusing to push to a protected branch")

	// ErrEmptyDiff marks a push with no commits beyond the base branch.
	ErrEmptyDiff = errors.New("refusing to push an empty diff")
)

// Push publishes the worktree's branch to its remote. The branch is rebased
// onto the remote base first; pushes to protected branches and pushes with
// no commits beyond the base are refused. A non-fast-forward rejection gets
// one fetch-rebase-retry; a conflict at any point surfaces as a conflict
// error for the repair workflow.
func (m *Manager) Push(ctx context.Context, path string) error {
	m.mu.Lock()
	branch, ok := m.byPath[path]
	var e entry
	if ok {
		e = *m.entries[branch]
	}
	m.mu.Unlock()
	if !ok || e.creating {
		return models.NewFatalAgentError(models.KindPush, "no worktree registered at %s", path)
	}

	if m.protected(e.Branch) {
		return fmt.Errorf("%w: %s", ErrProtectedBranch, e.Branch)
	}

	remote, baseShort := splitRemoteRef(e.BaseBranch)
	baseRef := remote + "/" + baseShort

	if out, err := m.git(ctx, path, "fetch", remote, baseShort); err != nil {
		return models.NewAgentError(models.KindPush, "fetch %s failed", baseRef).WithOutput(out)
	}
	if err := m.rebase(ctx, path, baseRef); err != nil {
		return err
	}

	out, err := m.git(ctx, path, "rev-list", "--count", baseRef+"..HEAD")
	if err != nil {
		return models.NewAgentError(models.KindPush, "diff against %s failed", baseRef).WithOutput(out)
	}
	if n, convErr := strconv.Atoi(strings.TrimSpace(out)); convErr == nil && n == 0 {
		return fmt.Errorf("%w: %s has no commits beyond %s", ErrEmptyDiff, e.Branch, baseRef)
	}

	out, err = m.git(ctx, path, "push", "-u", remote, e.Branch)
	if err == nil {
		slog.Info("Branch pushed", "branch", e.Branch, "remote", remote)
		return nil
	}
	if !isNonFastForward(out) {
		return models.NewAgentError(models.KindPush, "push %s failed", e.Branch).WithOutput(out)
	}

	// The remote branch moved under us. Take its commits on board once and
	// push again; after the rebase the push is fast-forward.
	slog.Warn("Push rejected as non-fast-forward, rebasing onto remote branch", "branch", e.Branch)
	if fout, ferr := m.git(ctx, path, "fetch", remote, e.Branch); ferr != nil {
		return models.NewAgentError(models.KindPush, "fetch %s/%s failed", remote, e.Branch).WithOutput(fout)
	}
	if err := m.rebase(ctx, path, remote+"/"+e.Branch); err != nil {
		return err
	}
	out, err = m.git(ctx, path, "push", "-u", remote, e.Branch)
	if err != nil {
		return models.NewAgentError(models.KindPush, "push %s failed after rebase retry", e.Branch).WithOutput(out)
	}
	slog.Info("Branch pushed", "branch", e.Branch, "remote", remote)
	return nil
}

// rebase rebases the checkout onto ref, aborting on failure so the worktree
// is left clean for the repair workflow.
func (m *Manager) rebase(ctx context.Context, path, ref string) error {
	out, err := m.git(ctx, path, "rebase", ref)
	if err == nil {
		return nil
	}
	if _, aerr := m.git(ctx, path, "rebase", "--abort"); aerr != nil {
		slog.Warn("Rebase abort failed", "path", path, "error", aerr)
	}
	return models.NewAgentError(models.KindConflict, "rebase onto %s failed", ref).WithOutput(out)
}

func isNonFastForward(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "non-fast-forward") ||
		strings.Contains(lower, "fetch first") ||
		strings.Contains(lower, "[rejected]")
}
