// Package engine runs agent tasks: it owns engine instances, the running
// registry and the abort signal of every execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"agentdeck/internal/agent"
	"agentdeck/internal/config"
	"agentdeck/internal/core"
	"agentdeck/internal/interaction"
	"agentdeck/internal/stream"
	"agentdeck/internal/workspace"
)

// retainedContexts bounds the contexts of settled tasks kept in memory when
// no store is configured.
const retainedContexts = 256

// TaskStore persists task records and contexts. A nil store disables
// persistence.
type TaskStore interface {
	StartTask(ctx context.Context, task core.TaskRecord) error
	FinishTask(ctx context.Context, taskID string, status core.TaskStatus, errText string) error
	SaveTaskContext(ctx context.Context, taskID string, tc core.TaskContext) error
	GetTaskContext(ctx context.Context, taskID string) (core.TaskContext, bool, error)
}

type Options struct {
	Binder     *config.Binder
	Factory    agent.Factory
	Broker     *interaction.Broker
	Dispatcher *stream.Dispatcher
	Surface    core.Surface
	Store      TaskStore
	Logger     *zap.Logger
}

type execution struct {
	task   core.Task
	engine agent.Engine
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Executor struct {
	factory    agent.Factory
	broker     *interaction.Broker
	dispatcher *stream.Dispatcher
	surface    core.Surface
	store      TaskStore
	logger     *zap.Logger
	hooks      agent.Hooks

	mu        sync.Mutex
	cfg       config.Config
	allocator *workspace.Allocator
	// current is the config-level engine used by modify/execute for task
	// ids that have no engine of their own.
	current agent.Engine
	// engines holds task-scoped engines until their task settles.
	engines map[string]agent.Engine
	running map[string]*execution
	// retained stands in for the store: settled task contexts, evicted
	// least recently used.
	retained *lru.Cache[string, core.TaskContext]
}

func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := opts.Factory
	if factory == nil {
		factory = agent.New
	}
	cfg := config.Default()
	if opts.Binder != nil {
		cfg = opts.Binder.Current()
	}
	// only fails for a non-positive size
	retained, _ := lru.New[string, core.TaskContext](retainedContexts)

	e := &Executor{
		factory:    factory,
		broker:     opts.Broker,
		dispatcher: opts.Dispatcher,
		surface:    opts.Surface,
		store:      opts.Store,
		logger:     logger.With(zap.String("component", "executor")),
		cfg:        cfg,
		allocator:  workspace.NewAllocator(cfg.WorkspaceRoot),
		engines:    make(map[string]agent.Engine),
		running:    make(map[string]*execution),
		retained:   retained,
	}
	e.hooks = hooks{e: e}

	current, err := e.factory(cfg, cfg.WorkspaceRoot, e.hooks)
	if err != nil {
		e.logger.Error("engine construction failed", zap.Error(err))
	} else {
		e.current = current
	}

	if opts.Binder != nil {
		opts.Binder.OnChange(e.ReloadConfig)
	}
	return e
}

// hooks route engine callbacks into the dispatcher and the broker.
type hooks struct {
	e *Executor
}

func (h hooks) OnEvent(ctx context.Context, taskID string, event core.Event) error {
	return h.e.dispatcher.Dispatch(ctx, taskID, event)
}

func (h hooks) RequestHuman(ctx context.Context, taskID, agentName string, payload core.InteractionPayload) (any, error) {
	return h.e.broker.Request(ctx, taskID, agentName, payload)
}

// Run starts a new task on a task-scoped engine bound to a fresh workspace.
func (e *Executor) Run(ctx context.Context, message string) (string, *core.TaskResult, error) {
	taskID := core.NewTaskID()
	cfg, allocator := e.snapshot()

	ws, err := allocator.Prepare(ctx, taskID)
	if err != nil {
		return taskID, nil, e.fail(ctx, taskID, fmt.Errorf("prepare workspace: %w", err), "")
	}
	eng, err := e.factory(cfg, ws.Path, e.hooks)
	if err != nil {
		return taskID, nil, e.fail(ctx, taskID, fmt.Errorf("build engine: %w", err), "")
	}

	e.mu.Lock()
	e.engines[taskID] = eng
	e.mu.Unlock()

	res, err := e.execute(ctx, taskID, ws.Path, eng, func(ctx context.Context) (*core.TaskResult, error) {
		return eng.Run(ctx, taskID, message)
	})
	return taskID, res, err
}

func (e *Executor) Modify(ctx context.Context, taskID, message string) (*core.TaskResult, error) {
	eng, workDir, err := e.engineFor(ctx, taskID)
	if err != nil {
		return nil, e.fail(ctx, taskID, err, "")
	}
	return e.execute(ctx, taskID, workDir, eng, func(ctx context.Context) (*core.TaskResult, error) {
		if err := eng.Modify(ctx, taskID, message); err != nil {
			return nil, err
		}
		return eng.Execute(ctx, taskID)
	})
}

func (e *Executor) Execute(ctx context.Context, taskID string) (*core.TaskResult, error) {
	eng, workDir, err := e.engineFor(ctx, taskID)
	if err != nil {
		return nil, e.fail(ctx, taskID, err, "")
	}
	return e.execute(ctx, taskID, workDir, eng, func(ctx context.Context) (*core.TaskResult, error) {
		return eng.Execute(ctx, taskID)
	})
}

// AbortTask fires the abort signal of a running task. It reports false for
// unknown or settled tasks.
func (e *Executor) AbortTask(taskID, reason string) bool {
	e.mu.Lock()
	ex, ok := e.running[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	ex.cancel(&core.AbortError{Reason: reason})
	ex.engine.Abort(taskID, reason)
	e.logger.Info("task aborted", zap.String("task_id", taskID), zap.String("reason", reason))
	return true
}

// RestoreTask binds a task-scoped engine to a previously serialized task
// context. The task is not executed.
func (e *Executor) RestoreTask(ctx context.Context, tc core.TaskContext) (string, error) {
	taskID := tc.Workflow.TaskID
	if err := tc.Workflow.Validate(); err != nil {
		return "", e.fail(ctx, taskID, err, "")
	}
	e.mu.Lock()
	_, busy := e.running[taskID]
	e.mu.Unlock()
	if busy {
		return "", e.fail(ctx, taskID, fmt.Errorf("task %s is running", taskID), "")
	}

	eng, err := e.restore(ctx, tc)
	if err != nil {
		return "", e.fail(ctx, taskID, err, "")
	}
	e.mu.Lock()
	e.engines[taskID] = eng
	e.mu.Unlock()

	e.persistContext(ctx, taskID, tc)
	return taskID, nil
}

// AbortAllTasks aborts every running task, rejects every pending interaction
// and waits, bounded by ctx, for the aborted executions to settle.
func (e *Executor) AbortAllTasks(ctx context.Context) error {
	return e.abortAll(ctx, core.ErrTasksAborted, "tasks aborted")
}

// ReloadConfig is the Binder listener. Running tasks are aborted and the
// config-level engine is rebuilt from cfg. Task engines are dropped with
// their context persisted; they are rebuilt from cfg when the task is next
// used. The UI is told which model is now in effect.
func (e *Executor) ReloadConfig(ctx context.Context, cfg config.Config) error {
	if err := e.abortAll(ctx, core.ErrConfigReload, "config reload"); err != nil {
		e.logger.Warn("tasks still settling after config reload", zap.Error(err))
	}

	e.mu.Lock()
	e.cfg = cfg
	e.allocator = workspace.NewAllocator(cfg.WorkspaceRoot)
	old := e.engines
	e.engines = make(map[string]agent.Engine, len(old))
	e.mu.Unlock()

	for taskID, eng := range old {
		if tc, ok := eng.TaskContext(taskID); ok {
			e.persistContext(ctx, taskID, tc)
		}
	}
	if len(old) > 0 {
		e.logger.Info("task engines released", zap.Int("count", len(old)))
	}

	current, err := e.factory(cfg, cfg.WorkspaceRoot, e.hooks)
	if err != nil {
		current = nil
	}
	e.mu.Lock()
	e.current = current
	e.mu.Unlock()
	if err != nil {
		return e.fail(ctx, "", fmt.Errorf("build engine: %w", err), "")
	}

	if e.dispatcher != nil {
		e.dispatcher.SetOptions(stream.Options{
			PreviewURL:      cfg.PreviewURL,
			FileWriteTool:   cfg.FileWriteTool,
			InteractionTool: cfg.InteractionTool,
		})
	}

	e.logger.Info("config reloaded", zap.String("provider", cfg.Model.Provider), zap.String("model", cfg.Model.Name))
	e.notify(ctx, core.Event{
		Type:      core.EventConfigReloaded,
		Level:     "info",
		Provider:  cfg.Model.Provider,
		Model:     cfg.Model.Name,
		Timestamp: time.Now(),
	})
	return nil
}

func (e *Executor) HasRunningTask() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running) > 0
}

// Running lists the tasks in flight, oldest first.
func (e *Executor) Running() []core.Task {
	e.mu.Lock()
	tasks := make([]core.Task, 0, len(e.running))
	for _, ex := range e.running {
		tasks = append(tasks, ex.task)
	}
	e.mu.Unlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].StartedAt.Before(tasks[j].StartedAt) })
	return tasks
}

// TaskContext looks in the task's engine, then the current engine, then the
// persisted contexts.
func (e *Executor) TaskContext(ctx context.Context, taskID string) (core.TaskContext, bool, error) {
	e.mu.Lock()
	eng, ok := e.engines[taskID]
	current := e.current
	e.mu.Unlock()

	if ok {
		if tc, found := eng.TaskContext(taskID); found {
			return tc, true, nil
		}
	}
	if current != nil {
		if tc, found := current.TaskContext(taskID); found {
			return tc, true, nil
		}
	}
	return e.lookupContext(ctx, taskID)
}

func (e *Executor) snapshot() (config.Config, *workspace.Allocator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.allocator
}

// engineFor resolves the engine bound to taskID. A task known only by its
// persisted context is rehydrated into a task-scoped engine.
func (e *Executor) engineFor(ctx context.Context, taskID string) (agent.Engine, string, error) {
	e.mu.Lock()
	eng, ok := e.engines[taskID]
	current := e.current
	allocator := e.allocator
	e.mu.Unlock()

	workDir, err := allocator.Path(taskID)
	if err != nil {
		return nil, "", err
	}
	if ok {
		return eng, workDir, nil
	}
	if current != nil {
		if _, known := current.TaskContext(taskID); known {
			return current, workDir, nil
		}
	}
	tc, found, err := e.lookupContext(ctx, taskID)
	if err != nil {
		return nil, "", err
	}
	if found {
		eng, err := e.restore(ctx, tc)
		if err != nil {
			return nil, "", err
		}
		e.mu.Lock()
		e.engines[taskID] = eng
		e.mu.Unlock()
		return eng, workDir, nil
	}
	if current == nil {
		return nil, "", core.ErrEngineNotInitialized
	}
	return current, workDir, nil
}

func (e *Executor) restore(ctx context.Context, tc core.TaskContext) (agent.Engine, error) {
	cfg, allocator := e.snapshot()
	ws, err := allocator.Prepare(ctx, tc.Workflow.TaskID)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	eng, err := e.factory(cfg, ws.Path, e.hooks)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Restore(tc); err != nil {
		return nil, err
	}
	return eng, nil
}

// execute registers taskID as running for the duration of op. The task is
// deregistered when op returns or panics.
func (e *Executor) execute(ctx context.Context, taskID, workDir string, eng agent.Engine, op func(context.Context) (*core.TaskResult, error)) (res *core.TaskResult, err error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	ex := &execution{
		task: core.Task{
			ID:        taskID,
			WorkDir:   workDir,
			Status:    core.TaskStatusRunning,
			StartedAt: time.Now(),
		},
		engine: eng,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	if _, busy := e.running[taskID]; busy {
		e.mu.Unlock()
		cancel(nil)
		return nil, e.fail(ctx, taskID, fmt.Errorf("task %s is already running", taskID), "")
	}
	e.running[taskID] = ex
	e.mu.Unlock()

	e.logger.Info("task started", zap.String("task_id", taskID), zap.String("engine", eng.Name()))
	if e.store != nil {
		record := core.TaskRecord{TaskID: taskID, WorkDir: workDir, Status: core.TaskStatusRunning, StartedAt: ex.task.StartedAt}
		if err := e.store.StartTask(ctx, record); err != nil {
			e.logger.Warn("persist task start failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	var detail string
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("engine panic: %v", r)
			detail = string(debug.Stack())
		}
		cancel(nil)
		e.settle(ctx, ex, res, err)
		if err != nil {
			err = e.fail(ctx, taskID, err, detail)
		}
		e.release(taskID)
		close(ex.done)
	}()
	return op(runCtx)
}

// settle persists the task's outcome and context, then deregisters it and
// releases its task-scoped engine.
func (e *Executor) settle(ctx context.Context, ex *execution, res *core.TaskResult, err error) {
	taskID := ex.task.ID
	status := core.TaskStatusDone
	var errText string
	switch {
	case err != nil && core.IsAborted(err):
		status, errText = core.TaskStatusAborted, err.Error()
	case err != nil:
		status, errText = core.TaskStatusErrored, err.Error()
	case res != nil && res.Stopped:
		status, errText = core.TaskStatusAborted, res.Error
	}

	ctx = context.WithoutCancel(ctx)
	if e.store != nil {
		if err := e.store.FinishTask(ctx, taskID, status, errText); err != nil {
			e.logger.Warn("persist task finish failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if tc, ok := ex.engine.TaskContext(taskID); ok {
		e.persistContext(ctx, taskID, tc)
	}

	e.mu.Lock()
	if e.running[taskID] == ex {
		delete(e.running, taskID)
	}
	if eng, ok := e.engines[taskID]; ok && eng == ex.engine {
		delete(e.engines, taskID)
	}
	e.mu.Unlock()

	e.logger.Info("task settled",
		zap.String("task_id", taskID),
		zap.String("status", string(status)),
		zap.Duration("elapsed", time.Since(ex.task.StartedAt)),
	)
}

// persistContext saves tc to the store, or keeps it in memory without one.
func (e *Executor) persistContext(ctx context.Context, taskID string, tc core.TaskContext) {
	if e.store == nil {
		e.retained.Add(taskID, tc.Clone())
		return
	}
	if err := e.store.SaveTaskContext(context.WithoutCancel(ctx), taskID, tc); err != nil {
		e.logger.Warn("persist task context failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (e *Executor) lookupContext(ctx context.Context, taskID string) (core.TaskContext, bool, error) {
	if e.store != nil {
		return e.store.GetTaskContext(ctx, taskID)
	}
	tc, ok := e.retained.Get(taskID)
	if !ok {
		return core.TaskContext{}, false, nil
	}
	return tc.Clone(), true, nil
}

func (e *Executor) release(taskID string) {
	if e.dispatcher != nil {
		e.dispatcher.Release(taskID)
	}
	if e.broker != nil {
		e.broker.Forget(taskID)
	}
}

func (e *Executor) abortAll(ctx context.Context, cause error, reason string) error {
	e.mu.Lock()
	executions := make([]*execution, 0, len(e.running))
	for _, ex := range e.running {
		executions = append(executions, ex)
	}
	e.mu.Unlock()

	for _, ex := range executions {
		ex.cancel(cause)
		ex.engine.Abort(ex.task.ID, reason)
	}
	if e.broker != nil {
		e.broker.RejectAll(cause)
	}
	if len(executions) > 0 {
		e.logger.Info("aborting tasks", zap.Int("count", len(executions)), zap.String("reason", reason))
	}

	for _, ex := range executions {
		select {
		case <-ex.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to settle: %w", ex.task.ID, context.Cause(ctx))
		}
	}
	return nil
}

// fail logs err and forwards it to the UI as an error event. It returns err.
func (e *Executor) fail(ctx context.Context, taskID string, err error, detail string) error {
	if core.IsAborted(err) {
		e.logger.Info("task stopped", zap.String("task_id", taskID), zap.Error(err))
	} else {
		e.logger.Error("task failed", zap.String("task_id", taskID), zap.Error(err))
	}
	e.notify(ctx, core.NewErrorEvent(taskID, err, detail))
	return err
}

func (e *Executor) notify(ctx context.Context, event core.Event) {
	ctx = context.WithoutCancel(ctx)
	var err error
	switch {
	case e.dispatcher != nil:
		err = e.dispatcher.Dispatch(ctx, event.TaskID, event)
	case e.surface != nil:
		err = e.surface.Emit(ctx, event)
	}
	if err != nil && !errors.Is(err, core.ErrSurfaceUnavailable) {
		e.logger.Warn("ui event dropped", zap.String("type", string(event.Type)), zap.Error(err))
	}
}
