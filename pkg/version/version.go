// Package version resolves the running build's identity. Holder IDs and
// startup logs embed it so claim files and event streams can be traced back
// to the binary that produced them.
package version

import "runtime/debug"

// AppName prefixes version strings and derived holder IDs.
const AppName = "bosun"

// gitCommitOverride may be injected with -ldflags for builds where the
// module's VCS metadata is stripped (e.g. container builds from a tarball).
var gitCommitOverride string

// GitCommit is the short commit hash the binary was built from. Builds
// without VCS metadata (go test, non-git checkouts) report "dev".
var GitCommit = initGitCommit()

func initGitCommit() string {
	commit := gitCommitOverride
	if commit == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return "dev"
		}
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				commit = s.Value
				break
			}
		}
	}
	if commit == "" {
		return "dev"
	}
	if len(commit) > 8 {
		commit = commit[:8]
	}
	return commit
}

// Full returns the "bosun/<commit>" identity string.
func Full() string {
	return AppName + "/" + GitCommit
}
