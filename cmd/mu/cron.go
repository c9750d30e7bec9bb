package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/cronprogram"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func buildCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and manage cron programs (C4)",
	}
	cmd.AddCommand(
		buildCronListCmd(),
		buildCronCreateCmd(),
		buildCronTriggerCmd(),
		buildCronRemoveCmd(),
	)
	return cmd
}

func buildCronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cron programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			return printJSON(cmd.OutOrStdout(), c.cron.List(cronprogram.ListFilter{}))
		},
	}
}

func buildCronCreateCmd() *cobra.Command {
	var title, prompt, reason, expr, timezone string
	var atMs, everyMs int64

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cron program",
		Long: `Exactly one of --at, --every-ms, or --expr selects the schedule kind:
  --at <unix-ms>      fire once at an absolute timestamp
  --every-ms <ms>     fire on a fixed interval
  --expr <cron-expr>  fire on a standard 5-field cron expression`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()

			var schedule models.CronSchedule
			switch {
			case expr != "":
				schedule = models.CronSchedule{Kind: models.ScheduleKindCron, Expr: expr, Timezone: timezone}
			case everyMs > 0:
				schedule = models.CronSchedule{Kind: models.ScheduleKindEvery, EveryMs: everyMs}
			case atMs > 0:
				schedule = models.CronSchedule{Kind: models.ScheduleKindAt, AtMs: atMs}
			default:
				validationErr := apperr.Validation("missing_schedule", "exactly one of --at, --every-ms, or --expr is required")
				printErrorRecovery(cmd.OutOrStdout(), validationErr)
				return validationErr
			}

			program, err := c.cron.Create(cronprogram.CreateParams{
				Title:    title,
				Prompt:   prompt,
				Schedule: schedule,
				Reason:   reason,
			})
			if err != nil {
				printErrorRecovery(cmd.OutOrStdout(), err)
				return err
			}
			return printJSON(cmd.OutOrStdout(), program)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "short label for the program")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text dispatched on each fire")
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason recorded with the program")
	cmd.Flags().Int64Var(&atMs, "at", 0, "fire once at this unix-millisecond timestamp")
	cmd.Flags().Int64Var(&everyMs, "every-ms", 0, "fire on this fixed interval, in milliseconds")
	cmd.Flags().StringVar(&expr, "expr", "", "standard 5-field cron expression")
	cmd.Flags().StringVar(&timezone, "tz", "", "IANA timezone for --expr; default UTC")
	return cmd
}

func buildCronTriggerCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "trigger <program-id>",
		Short: "Force an immediate fire for one cron program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			outcome := c.cron.Trigger(args[0], reason)
			if outcome == cronprogram.TriggerNotFound {
				notFound := apperr.NotFound("cron_program_not_found", "cron program %q not found", args[0])
				printErrorRecovery(cmd.OutOrStdout(), notFound)
				return notFound
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"outcome": string(outcome)})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual_trigger", "reason recorded with the forced fire")
	return cmd
}

func buildCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <program-id>",
		Short: "Remove a cron program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.cron.Remove(args[0]); err != nil {
				printErrorRecovery(cmd.OutOrStdout(), err)
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"removed": args[0]})
		},
	}
}
