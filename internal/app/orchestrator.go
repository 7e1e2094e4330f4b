// Package app wires the orchestration core together and exposes the command
// surface used by the CLI and the MCP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentdeck/internal/agent"
	"agentdeck/internal/config"
	"agentdeck/internal/core"
	"agentdeck/internal/engine"
	"agentdeck/internal/eventlog"
	"agentdeck/internal/interaction"
	"agentdeck/internal/store"
	"agentdeck/internal/stream"
	"agentdeck/internal/surface"
)

const (
	StatusSuccess = "success"
	StatusStopped = "stopped"
	StatusError   = "error"
)

type Options struct {
	ConfigPath string
	// Binder overrides ConfigPath when set.
	Binder  *config.Binder
	Factory agent.Factory
	Logger  *zap.Logger
}

// CommandResult answers run, modify and execute.
type CommandResult struct {
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type CancelResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type RestoreResult struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id,omitempty"`
}

// Orchestrator is the context object every command handler receives. It owns
// one executor and everything the executor talks to.
type Orchestrator struct {
	binder     *config.Binder
	executor   *engine.Executor
	broker     *interaction.Broker
	dispatcher *stream.Dispatcher
	hub        *surface.Hub
	preview    *surface.FilePreview
	store      *store.SQLiteStore
	events     *eventlog.EventLog
	logger     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func Open(ctx context.Context, opts Options) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	binder := opts.Binder
	if binder == nil {
		var err error
		binder, err = config.NewBinder(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
	}
	cfg := binder.Current()

	events, err := eventlog.New(cfg.EventLogPath)
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		events.Close()
		return nil, err
	}
	if err := db.Init(ctx); err != nil {
		db.Close()
		events.Close()
		return nil, err
	}

	hub := surface.NewHub(events, logger)
	preview := surface.NewFilePreview(filepath.Join(cfg.WorkspaceRoot, "preview.md"))
	broker := interaction.NewBroker(hub, logger)
	dispatcher := stream.NewDispatcher(hub, preview, broker, stream.Options{
		PreviewURL:      cfg.PreviewURL,
		FileWriteTool:   cfg.FileWriteTool,
		InteractionTool: cfg.InteractionTool,
	}, logger)

	executor := engine.New(engine.Options{
		Binder:     binder,
		Factory:    opts.Factory,
		Broker:     broker,
		Dispatcher: dispatcher,
		Surface:    hub,
		Store:      db,
		Logger:     logger,
	})

	logger.Info("orchestrator ready",
		zap.String("provider", cfg.Model.Provider),
		zap.String("model", cfg.Model.Name),
		zap.String("workspace_root", cfg.WorkspaceRoot))

	return &Orchestrator{
		binder:     binder,
		executor:   executor,
		broker:     broker,
		dispatcher: dispatcher,
		hub:        hub,
		preview:    preview,
		store:      db,
		events:     events,
		logger:     logger.With(zap.String("component", "app")),
	}, nil
}

func (o *Orchestrator) Run(ctx context.Context, message string) CommandResult {
	taskID, res, err := o.executor.Run(ctx, message)
	return commandResult(taskID, res, err)
}

func (o *Orchestrator) Modify(ctx context.Context, taskID, message string) CommandResult {
	res, err := o.executor.Modify(ctx, taskID, message)
	return commandResult(taskID, res, err)
}

func (o *Orchestrator) Execute(ctx context.Context, taskID string) CommandResult {
	res, err := o.executor.Execute(ctx, taskID)
	return commandResult(taskID, res, err)
}

func (o *Orchestrator) CancelTask(taskID string) CancelResult {
	if o.executor.AbortTask(taskID, "cancelled by operator") {
		return CancelResult{Success: true}
	}
	return CancelResult{Error: fmt.Sprintf("task %s is not running", taskID)}
}

// HumanResponse settles a pending interaction. RequestID may carry either
// the request id or the tool id shown alongside it.
func (o *Orchestrator) HumanResponse(ctx context.Context, resp core.InteractionResponse) bool {
	return o.broker.Respond(ctx, resp)
}

// GetTaskContext returns nil when the task is unknown.
func (o *Orchestrator) GetTaskContext(ctx context.Context, taskID string) *core.TaskContext {
	tc, ok, err := o.executor.TaskContext(ctx, taskID)
	if err != nil {
		o.logger.Warn("task context lookup failed", zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &tc
}

func (o *Orchestrator) RestoreTask(ctx context.Context, tc core.TaskContext) RestoreResult {
	taskID, err := o.executor.RestoreTask(ctx, tc)
	if err != nil {
		return RestoreResult{}
	}
	return RestoreResult{Success: true, TaskID: taskID}
}

func (o *Orchestrator) ListTasks(ctx context.Context, limit int) ([]core.TaskRecord, error) {
	return o.store.ListTasks(ctx, limit)
}

func (o *Orchestrator) PendingInteractions() []core.InteractionRequest {
	return o.broker.Pending()
}

func (o *Orchestrator) HasRunningTask() bool {
	return o.executor.HasRunningTask()
}

func (o *Orchestrator) RunningTasks() []core.Task {
	return o.executor.Running()
}

// Subscribe streams UI events; an empty taskID receives every task.
func (o *Orchestrator) Subscribe(taskID string) (<-chan core.Event, func()) {
	return o.hub.Subscribe(taskID)
}

func (o *Orchestrator) History(taskID string, limit int) []core.Event {
	return o.hub.History(taskID, limit)
}

// DestroySurface tears the UI down like a closed window. Pending
// interactions are rejected; later ones reject immediately.
func (o *Orchestrator) DestroySurface() {
	o.hub.Destroy()
	o.broker.RejectAll(core.ErrSurfaceUnavailable)
}

// Reload re-reads the configuration and rebuilds the engines.
func (o *Orchestrator) Reload(ctx context.Context) error {
	return o.binder.Reload(ctx)
}

func (o *Orchestrator) Config() config.Config {
	return o.binder.Current()
}

func (o *Orchestrator) PreviewPath() string {
	return o.preview.Path()
}

// Close aborts every task, waits up to timeout for them to settle, and
// releases the store and event log. The UI surface is destroyed last, so
// the abort notifications still reach subscribers.
func (o *Orchestrator) Close(timeout time.Duration) error {
	o.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		if err := o.executor.AbortAllTasks(ctx); err != nil {
			errs = append(errs, err)
		}
		o.dispatcher.Close()
		o.hub.Destroy()
		if err := o.store.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := o.events.Close(); err != nil {
			errs = append(errs, err)
		}
		o.closeErr = errors.Join(errs...)
	})
	return o.closeErr
}

func commandResult(taskID string, res *core.TaskResult, err error) CommandResult {
	switch {
	case err != nil && core.IsAborted(err):
		return CommandResult{TaskID: taskID, Status: StatusStopped, Detail: err.Error()}
	case err != nil:
		return CommandResult{TaskID: taskID, Status: StatusError, Detail: err.Error()}
	case res == nil:
		return CommandResult{TaskID: taskID, Status: StatusError, Detail: "no result"}
	case res.Stopped:
		return CommandResult{TaskID: taskID, Status: StatusStopped, Detail: res.Error}
	default:
		return CommandResult{TaskID: taskID, Status: StatusSuccess, Detail: res.Result}
	}
}
