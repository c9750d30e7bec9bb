package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// repoRoot is the repo this invocation operates against; every registry
// persists under <repo_root>/.mu. Shared across subcommands via a
// persistent flag on the root command.
var repoRoot string

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mu",
		Short: "mu - wake/turn/outbox scheduling core",
		Long: `mu schedules heartbeat and cron-driven wakes, dispatches them through a
single-writer command pipeline, and delivers outbound notifications
through a durable, retrying outbox.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&repoRoot, "repo-root", defaultRepoRoot(), "repository root this invocation operates against")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildHeartbeatsCmd(),
		buildCronCmd(),
		buildEventsCmd(),
		buildRunsCmd(),
	)
	return rootCmd
}

func defaultRepoRoot() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}
