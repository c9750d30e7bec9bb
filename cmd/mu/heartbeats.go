package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/heartbeat"
)

func buildHeartbeatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeats",
		Short: "Inspect and manage heartbeat programs (C3)",
	}
	cmd.AddCommand(
		buildHeartbeatsListCmd(),
		buildHeartbeatsCreateCmd(),
		buildHeartbeatsTriggerCmd(),
		buildHeartbeatsRemoveCmd(),
	)
	return cmd
}

func buildHeartbeatsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List heartbeat programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			return printJSON(cmd.OutOrStdout(), c.heartbeats.List(heartbeat.ListFilter{}))
		},
	}
}

func buildHeartbeatsCreateCmd() *cobra.Command {
	var title, prompt, reason string
	var everyMs int64

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a heartbeat program",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			program, err := c.heartbeats.Create(heartbeat.CreateParams{
				Title:   title,
				Prompt:  prompt,
				EveryMs: everyMs,
				Reason:  reason,
			})
			if err != nil {
				printErrorRecovery(cmd.OutOrStdout(), err)
				return err
			}
			return printJSON(cmd.OutOrStdout(), program)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "short label for the program")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text dispatched on each tick")
	cmd.Flags().Int64Var(&everyMs, "every-ms", 0, "tick interval in milliseconds")
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason recorded with the program")
	return cmd
}

func buildHeartbeatsTriggerCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "trigger <program-id>",
		Short: "Force an immediate tick for one heartbeat program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			outcome := c.heartbeats.Trigger(args[0], reason)
			if outcome == heartbeat.TriggerNotFound {
				notFound := apperr.NotFound("heartbeat_program_not_found", "heartbeat program %q not found", args[0])
				printErrorRecovery(cmd.OutOrStdout(), notFound)
				return notFound
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"outcome": string(outcome)})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual_trigger", "reason recorded with the forced tick")
	return cmd
}

func buildHeartbeatsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <program-id>",
		Short: "Remove a heartbeat program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.heartbeats.Remove(args[0]); err != nil {
				printErrorRecovery(cmd.OutOrStdout(), err)
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"removed": args[0]})
		},
	}
}
