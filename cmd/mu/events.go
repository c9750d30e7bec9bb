package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-mu/internal/eventlog"
)

func buildEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the event log (C9)",
	}
	cmd.AddCommand(buildEventsQueryCmd(), buildEventsTailCmd())
	return cmd
}

func buildEventsQueryCmd() *cobra.Command {
	var eventType, issueID, runID, contains string
	var limit int

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query events by type, issue, run, or substring",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			events, err := c.events.Query(eventlog.Filter{
				Type:     eventType,
				IssueID:  issueID,
				RunID:    runID,
				Contains: contains,
				Limit:    limit,
			})
			if err != nil {
				printErrorRecovery(cmd.OutOrStdout(), err)
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "exact event type filter, e.g. operator.wake")
	cmd.Flags().StringVar(&issueID, "issue-id", "", "issue id filter")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id filter")
	cmd.Flags().StringVar(&contains, "contains", "", "substring filter over the event payload")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events returned")
	return cmd
}

func buildEventsTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore(repoRoot, false)
			if err != nil {
				return err
			}
			defer c.Close()
			events, err := c.events.Tail(eventlog.Filter{}, n)
			if err != nil {
				printErrorRecovery(cmd.OutOrStdout(), err)
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of trailing events to show")
	return cmd
}
