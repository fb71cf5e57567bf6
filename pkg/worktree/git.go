package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// gitFunc runs a git command in dir and returns its combined stdout+stderr.
// The manager ships with a real implementation; tests substitute a fake.
type gitFunc func(ctx context.Context, dir string, args ...string) (string, error)

// runGit shells out to git with the working directory set to dir. Output is
// captured verbatim so failures can be fed to the error classifier.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if err != nil {
		return out, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// splitRemoteRef splits a base ref like "origin/main" into remote and branch.
// An unqualified name is assumed to live on origin.
func splitRemoteRef(ref string) (remote, branch string) {
	if i := strings.Index(ref, "/"); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return "origin", ref
}

var branchUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

// sanitizeBranch normalises a requested branch name into a safe ref
// component. Disallowed characters collapse to a dash, leading and trailing
// separators are trimmed, and the result is capped at 200 characters.
func sanitizeBranch(name string) string {
	s := branchUnsafe.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-./")
	if len(s) > 200 {
		s = strings.Trim(s[:200], "-./")
	}
	return s
}

// dirName converts a branch name into a filesystem-safe directory name.
func dirName(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

// worktreeInfo is one entry from `git worktree list --porcelain`.
type worktreeInfo struct {
	Path   string
	Head   string
	Branch string
	Bare   bool
}

func parseWorktreeList(out string) []worktreeInfo {
	var list []worktreeInfo
	var cur *worktreeInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			if cur != nil {
				list = append(list, *cur)
				cur = nil
			}
		case strings.HasPrefix(line, "worktree "):
			cur = &worktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD ") && cur != nil:
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "bare" && cur != nil:
			cur.Bare = true
		}
	}
	if cur != nil {
		list = append(list, *cur)
	}
	return list
}
