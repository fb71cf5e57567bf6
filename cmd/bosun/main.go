// Bosun orchestrator server: pulls ready kanban tasks, runs coding agents
// against them in isolated git worktrees, and supervises their work streams.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bosun-dev/bosun/pkg/version"
)

var (
	cfgFile   string
	workspace string
	repoRoot  string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "bosun",
	Short: "Autonomous agent task orchestrator",
	Long: "Bosun pulls ready tasks from a kanban board, runs coding agents against\n" +
		"them in isolated git worktrees, and watches their work streams for loops,\n" +
		"stalls, and runaway spend.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: bosun.yaml in the current directory)")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "bosun state directory (default: ~/.bosun)")
	rootCmd.PersistentFlags().StringVar(&repoRoot, "repo-root", "", "git repository agents operate on (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default: $LOG_LEVEL or info)")

	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
