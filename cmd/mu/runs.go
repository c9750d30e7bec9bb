package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/dag"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func buildRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Drive and inspect DAG runs (C8)",
	}
	cmd.AddCommand(
		buildRunsListCmd(),
		buildRunsGetCmd(),
		buildRunsStartCmd(),
		buildRunsInterruptCmd(),
	)
	return cmd
}

func buildRunsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List run records",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			return printJSON(cmd.OutOrStdout(), c.runs.List())
		},
	}
}

func buildRunsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			run, ok := c.runs.Get(args[0])
			if !ok {
				notFound := apperr.NotFound("run_not_found", "run %q not found", args[0])
				printErrorRecovery(cmd.OutOrStdout(), notFound)
				return notFound
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
}

func buildRunsStartCmd() *cobra.Command {
	var rootID, jobID string
	var maxSteps int
	var resume bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Drive a DAG run to completion (blocks until the run reaches a terminal outcome)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()

			mode := models.RunModeStart
			if resume {
				mode = models.RunModeResume
			}
			result, err := c.runs.Run(cmd.Context(), dag.Params{
				RootID:   rootID,
				JobID:    jobID,
				MaxSteps: maxSteps,
				Mode:     mode,
				Source:   models.RunSourceCommand,
			})
			if err != nil {
				printErrorRecovery(cmd.OutOrStdout(), err)
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&rootID, "root-id", "", "root issue id to drive")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id identifying this run")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step budget; 0 uses the runner's default")
	cmd.Flags().BoolVar(&resume, "resume", false, "mark this as a resumed run rather than a fresh one")
	_ = cmd.MarkFlagRequired("root-id")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

func buildRunsInterruptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt <job-id>",
		Short: "Cancel an in-flight run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			if !c.runs.Interrupt(args[0]) {
				notFound := apperr.NotFound("run_not_in_flight", "no in-flight run for job %q", args[0])
				printErrorRecovery(cmd.OutOrStdout(), notFound)
				return notFound
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"interrupted": args[0]})
		},
	}
}
