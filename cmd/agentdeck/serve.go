package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentdeck/internal/app"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the command surface as MCP tools over stdio",
		Long: `Serve run, modify, execute, cancel_task, human_response and the task
inspection tools over MCP on stdin/stdout. SIGHUP reloads the config file:
running tasks are aborted and the engines are rebuilt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			o, log, err := open(ctx, flags)
			if err != nil {
				return err
			}
			defer closeOrchestrator(o, log)

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-hup:
						if err := o.Reload(ctx); err != nil {
							log.Error("config reload failed", zap.Error(err))
						}
					case <-ctx.Done():
						return
					}
				}
			}()

			cfg := o.Config()
			log.Info("serving mcp over stdio",
				zap.String("provider", cfg.Model.Provider),
				zap.String("model", cfg.Model.Name),
				zap.String("preview", o.PreviewPath()))
			return app.ServeStdio(ctx, o)
		},
	}
}
