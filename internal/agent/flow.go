package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentdeck/internal/config"
	"agentdeck/internal/core"
)

type taskState struct {
	tc      core.TaskContext
	cancel  context.CancelCauseFunc
	running bool
}

// flow is the Engine shared by every provider: it owns planning, node
// bookkeeping, the confirm gate and abort, and delegates node work to an
// Agent.
type flow struct {
	agent   Agent
	cfg     config.Config
	workDir string
	hooks   Hooks

	mu    sync.Mutex
	tasks map[string]*taskState
}

func newFlow(agent Agent, cfg config.Config, workDir string, hooks Hooks) *flow {
	return &flow{
		agent:   agent,
		cfg:     cfg,
		workDir: workDir,
		hooks:   hooks,
		tasks:   make(map[string]*taskState),
	}
}

func (f *flow) Name() string {
	return f.cfg.Model.Provider + "/" + f.cfg.Model.Name
}

type planRequest struct {
	Message string   `json:"message"`
	Agents  []string `json:"agents"`
}

func (f *flow) Run(ctx context.Context, taskID, message string) (*core.TaskResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message required")
	}

	workflow := core.Workflow{
		TaskID:  taskID,
		Name:    summarize(message),
		Thought: "split the request across the configured agents",
	}
	names := make([]string, 0, len(f.cfg.Agents))
	for i, a := range f.cfg.Agents {
		names = append(names, a.Name)
		workflow.Agents = append(workflow.Agents, core.WorkflowAgent{
			ID:     strconv.Itoa(i + 1),
			Name:   a.Name,
			Task:   message,
			Status: core.NodeStatusPending,
		})
	}

	planReq, err := json.Marshal(planRequest{Message: message, Agents: names})
	if err != nil {
		return nil, err
	}
	planRes, err := json.Marshal(workflow)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if st, ok := f.tasks[taskID]; ok && st.running {
		f.mu.Unlock()
		return nil, fmt.Errorf("task %s is already running", taskID)
	}
	f.tasks[taskID] = &taskState{tc: core.TaskContext{
		Workflow:      workflow,
		ContextParams: map[string]any{},
		PlanRequest:   planReq,
		PlanResult:    planRes,
	}}
	f.mu.Unlock()

	if err := f.emit(ctx, taskID, core.Event{Type: core.EventWorkflow, Payload: workflow}); err != nil {
		return nil, err
	}
	return f.Execute(ctx, taskID)
}

// Modify re-targets every unfinished node at the new message.
func (f *flow) Modify(ctx context.Context, taskID, message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message required")
	}

	f.mu.Lock()
	st, ok := f.tasks[taskID]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	if st.running {
		f.mu.Unlock()
		return fmt.Errorf("task %s is running", taskID)
	}
	wf := &st.tc.Workflow
	for i := wf.Remaining(); i < len(wf.Agents); i++ {
		wf.Agents[i].Task = message
	}
	wf.Modified = true
	if st.tc.ContextParams == nil {
		st.tc.ContextParams = map[string]any{}
	}
	st.tc.ContextParams["last_modification"] = message
	snapshot := *wf
	snapshot.Agents = append([]core.WorkflowAgent(nil), wf.Agents...)
	f.mu.Unlock()

	return f.emit(ctx, taskID, core.Event{Type: core.EventWorkflow, Payload: snapshot})
}

func (f *flow) Execute(ctx context.Context, taskID string) (*core.TaskResult, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	f.mu.Lock()
	st, ok := f.tasks[taskID]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	if st.running {
		f.mu.Unlock()
		return nil, fmt.Errorf("task %s is already running", taskID)
	}
	st.running = true
	st.cancel = cancel
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		st.running = false
		st.cancel = nil
		f.mu.Unlock()
	}()

	var last string
	for {
		node, params, idx, done := f.nextNode(taskID)
		if done {
			break
		}
		if err := ctx.Err(); err != nil {
			return f.stopped(ctx, taskID)
		}

		agentCfg, _ := f.cfg.Agent(node.Name)
		if err := f.emit(ctx, taskID, core.Event{Type: core.EventAgentStart, AgentName: node.Name, Text: node.Task}); err != nil {
			return nil, err
		}

		if agentCfg.RequireConfirm {
			ok, err := f.confirm(ctx, taskID, node)
			if err != nil {
				if ctx.Err() != nil {
					return f.stopped(ctx, taskID)
				}
				return nil, err
			}
			if !ok {
				result := &core.TaskResult{TaskID: taskID, Stopped: true, Result: "declined by operator", Error: "declined by operator"}
				_ = f.emit(ctx, taskID, core.Event{Type: core.EventFinish, Text: result.Result})
				return result, nil
			}
		}

		res, err := f.agent.Invoke(ctx, Request{
			SchemaVersion: SchemaVersion,
			TaskID:        taskID,
			NodeID:        node.ID,
			AgentName:     node.Name,
			Description:   agentCfg.Description,
			WorkspacePath: f.workDir,
			Instructions:  node.Task,
			Tools:         agentCfg.Tools,
			ContextParams: params,
			Hooks:         f.hooks,
		})
		if err != nil {
			if ctx.Err() != nil {
				return f.stopped(ctx, taskID)
			}
			return nil, fmt.Errorf("agent %s: %w", node.Name, err)
		}

		f.finishNode(taskID, idx, res.Summary)
		last = res.Summary
		if err := f.emit(ctx, taskID, core.Event{Type: core.EventAgentResult, AgentName: node.Name, Text: res.Summary, Payload: res}); err != nil {
			return nil, err
		}
	}

	result := &core.TaskResult{TaskID: taskID, Success: true, Result: last}
	if err := f.emit(ctx, taskID, core.Event{Type: core.EventFinish, Text: last}); err != nil {
		return nil, err
	}
	return result, nil
}

func (f *flow) Abort(taskID, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.tasks[taskID]
	if !ok || !st.running || st.cancel == nil {
		return false
	}
	st.cancel(&core.AbortError{Reason: reason})
	return true
}

func (f *flow) Restore(tc core.TaskContext) error {
	if err := tc.Workflow.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.tasks[tc.Workflow.TaskID]; ok && st.running {
		return fmt.Errorf("task %s is running", tc.Workflow.TaskID)
	}
	restored := tc.Clone()
	if restored.ContextParams == nil {
		restored.ContextParams = map[string]any{}
	}
	f.tasks[tc.Workflow.TaskID] = &taskState{tc: restored}
	return nil
}

func (f *flow) TaskContext(taskID string) (core.TaskContext, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.tasks[taskID]
	if !ok {
		return core.TaskContext{}, false
	}
	return st.tc.Clone(), true
}

func (f *flow) nextNode(taskID string) (core.WorkflowAgent, map[string]any, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.tasks[taskID]
	idx := st.tc.Workflow.Remaining()
	if idx >= len(st.tc.Workflow.Agents) {
		return core.WorkflowAgent{}, nil, idx, true
	}
	params := make(map[string]any, len(st.tc.ContextParams))
	for k, v := range st.tc.ContextParams {
		params[k] = v
	}
	return st.tc.Workflow.Agents[idx], params, idx, false
}

func (f *flow) finishNode(taskID string, idx int, summary string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.tasks[taskID]
	node := &st.tc.Workflow.Agents[idx]
	node.Status = core.NodeStatusDone
	node.Result = summary
	st.tc.ContextParams[node.Name+".result"] = summary
}

func (f *flow) confirm(ctx context.Context, taskID string, node core.WorkflowAgent) (bool, error) {
	payload := core.InteractionPayload{
		Kind:   core.InteractionConfirm,
		Prompt: fmt.Sprintf("Allow %s to run: %s", node.Name, node.Task),
	}
	params, _ := json.Marshal(payload)
	err := f.emit(ctx, taskID, core.Event{
		Type:       core.EventToolUse,
		AgentName:  node.Name,
		ToolID:     core.NewToolID(),
		ToolName:   f.cfg.InteractionTool,
		ParamsText: string(params),
	})
	if err != nil {
		return false, err
	}
	value, err := f.hooks.RequestHuman(ctx, taskID, node.Name, payload)
	if err != nil {
		return false, err
	}
	return Confirmed(value), nil
}

// stopped reports why execution of taskID was cut short.
func (f *flow) stopped(ctx context.Context, taskID string) (*core.TaskResult, error) {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskAborted, taskID)
	}
	return nil, cause
}

func (f *flow) emit(ctx context.Context, taskID string, event core.Event) error {
	event.TaskID = taskID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return f.hooks.OnEvent(ctx, taskID, event)
}

// Confirmed interprets an operator's answer to a confirm request.
func Confirmed(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "ok", "confirm", "allow":
			return true
		}
	}
	return false
}

func summarize(message string) string {
	message = strings.TrimSpace(message)
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		message = message[:idx]
	}
	const max = 60
	if len([]rune(message)) > max {
		return string([]rune(message)[:max]) + "..."
	}
	return message
}
