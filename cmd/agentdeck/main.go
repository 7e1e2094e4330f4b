package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentdeck/internal/app"
	"agentdeck/internal/config"
	"agentdeck/internal/logger"
)

const shutdownTimeout = 10 * time.Second

type globalFlags struct {
	configPath string
	logLevel   string
	dev        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "agentdeck",
		Short:         "Run agent tasks with a human in the loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file path")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (overrides config)")
	root.PersistentFlags().BoolVar(&flags.dev, "dev", false, "Human-readable development logs")

	root.AddCommand(
		newServeCmd(flags),
		newRunCmd(flags),
		newModifyCmd(flags),
		newResumeCmd(flags),
		newContextCmd(flags),
		newTasksCmd(flags),
	)
	return root
}

// open builds the orchestrator for one command invocation.
func open(ctx context.Context, flags *globalFlags) (*app.Orchestrator, *zap.Logger, error) {
	binder, err := config.NewBinder(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := flags.logLevel
	if level == "" {
		level = binder.Current().LogLevel
	}
	log, err := logger.New(level, flags.dev)
	if err != nil {
		return nil, nil, err
	}

	o, err := app.Open(ctx, app.Options{Binder: binder, Logger: log})
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	return o, log, nil
}

func closeOrchestrator(o *app.Orchestrator, log *zap.Logger) {
	if err := o.Close(shutdownTimeout); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	_ = log.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
