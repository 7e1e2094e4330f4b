package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agentdeck/internal/app"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <message>",
		Short: "Start a new task and follow it in the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			return withConsole(cmd, flags, func(ctx context.Context, o *app.Orchestrator) app.CommandResult {
				return o.Run(ctx, message)
			})
		},
	}
}

func newModifyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "modify <taskId> <message>",
		Short: "Re-target the unfinished agents of a task and execute it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, message := args[0], strings.Join(args[1:], " ")
			return withConsole(cmd, flags, func(ctx context.Context, o *app.Orchestrator) app.CommandResult {
				return o.Modify(ctx, taskID, message)
			})
		},
	}
}

func newResumeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <taskId>",
		Short: "Execute a recorded task from its first unfinished agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			return withConsole(cmd, flags, func(ctx context.Context, o *app.Orchestrator) app.CommandResult {
				return o.Execute(ctx, taskID)
			})
		},
	}
}

func withConsole(cmd *cobra.Command, flags *globalFlags, fn func(context.Context, *app.Orchestrator) app.CommandResult) error {
	ctx, stop := signalContext()
	defer stop()

	o, log, err := open(ctx, flags)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o, log)

	c := newConsole(o, cmd.InOrStdin(), cmd.OutOrStdout())
	detach := c.attach(ctx)
	res := fn(ctx, o)
	detach()

	fmt.Fprintf(cmd.OutOrStdout(), "\ntask %s: %s\n", res.TaskID, res.Status)
	if res.Detail != "" {
		fmt.Fprintln(cmd.OutOrStdout(), res.Detail)
	}
	if res.Status == app.StatusError {
		return fmt.Errorf("task %s failed", res.TaskID)
	}
	return nil
}
