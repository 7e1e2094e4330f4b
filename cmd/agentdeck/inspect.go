package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newContextCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "context <taskId>",
		Short: "Print the workflow and variable context of a task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			o, log, err := open(ctx, flags)
			if err != nil {
				return err
			}
			defer closeOrchestrator(o, log)

			tc := o.GetTaskContext(ctx, args[0])
			if tc == nil {
				return fmt.Errorf("task %s not found", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tc)
		},
	}
}

func newTasksCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recorded tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			o, log, err := open(ctx, flags)
			if err != nil {
				return err
			}
			defer closeOrchestrator(o, log)

			records, err := o.ListTasks(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tSTARTED\tTOOK\tERROR")
			for _, r := range records {
				took := "-"
				if !r.FinishedAt.IsZero() {
					took = strings.TrimSpace(humanize.RelTime(r.StartedAt, r.FinishedAt, "", ""))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.TaskID, r.Status, humanize.Time(r.StartedAt), took, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of tasks")
	return cmd
}
