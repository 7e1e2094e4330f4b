package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"agentdeck/internal/core"
)

const serverVersion = "0.1.0"

type RunArgs struct {
	Message string `json:"message" jsonschema:"What the agents should do"`
}

type ModifyArgs struct {
	TaskID  string `json:"task_id" jsonschema:"Task to modify"`
	Message string `json:"message" jsonschema:"New instructions for the unfinished agents"`
}

type TaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"Task id"`
}

type HumanResponseArgs struct {
	RequestID string `json:"request_id" jsonschema:"Request id, or the tool id shown with the request"`
	Success   bool   `json:"success"    jsonschema:"false rejects the request"`
	Result    any    `json:"result,omitempty" jsonschema:"Answer value: true/false for confirm, text for input, option(s) for select"`
	Error     string `json:"error,omitempty"  jsonschema:"Rejection reason, defaults to cancelled"`
}

type HumanResponseOutput struct {
	Matched bool `json:"matched"`
}

type TaskContextOutput struct {
	Found         bool           `json:"found"`
	Workflow      *core.Workflow `json:"workflow,omitempty"`
	ContextParams map[string]any `json:"context_params,omitempty"`
	PlanRequest   any            `json:"plan_request,omitempty"`
	PlanResult    any            `json:"plan_result,omitempty"`
}

type RestoreArgs struct {
	Workflow      core.Workflow  `json:"workflow" jsonschema:"Serialized workflow; its task_id names the task"`
	ContextParams map[string]any `json:"context_params,omitempty" jsonschema:"Variable context to re-hydrate"`
	PlanRequest   any            `json:"plan_request,omitempty"   jsonschema:"Previously recorded plan request"`
	PlanResult    any            `json:"plan_result,omitempty"    jsonschema:"Previously recorded plan result"`
}

type ListTasksArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of tasks, newest first (default 50)"`
}

type TaskSummary struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	WorkDir    string `json:"work_dir"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type ListTasksOutput struct {
	Tasks   []TaskSummary `json:"tasks"`
	Running []TaskSummary `json:"running"`
}

type PendingInteraction struct {
	RequestID string   `json:"request_id"`
	ToolID    string   `json:"tool_id,omitempty"`
	TaskID    string   `json:"task_id"`
	AgentName string   `json:"agent_name"`
	Kind      string   `json:"kind"`
	Prompt    string   `json:"prompt"`
	Options   []string `json:"options,omitempty"`
	CreatedAt string   `json:"created_at"`
}

type PendingOutput struct {
	Pending []PendingInteraction `json:"pending"`
}

type emptyArgs struct{}

// NewMCPServer exposes the command surface as MCP tools.
func NewMCPServer(o *Orchestrator) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "agentdeck", Version: serverVersion}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run",
		Description: "Start a new agent task and wait for it to settle",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args RunArgs) (*mcp.CallToolResult, CommandResult, error) {
		return nil, o.Run(ctx, args.Message), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "modify",
		Description: "Re-target the unfinished agents of a task and execute it",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args ModifyArgs) (*mcp.CallToolResult, CommandResult, error) {
		return nil, o.Modify(ctx, args.TaskID, args.Message), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "execute",
		Description: "Resume a task from its first unfinished agent",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args TaskArgs) (*mcp.CallToolResult, CommandResult, error) {
		return nil, o.Execute(ctx, args.TaskID), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_task",
		Description: "Abort a running task; its pending interactions are rejected",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args TaskArgs) (*mcp.CallToolResult, CancelResult, error) {
		return nil, o.CancelTask(args.TaskID), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "human_response",
		Description: "Answer a pending human interaction request",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args HumanResponseArgs) (*mcp.CallToolResult, HumanResponseOutput, error) {
		matched := o.HumanResponse(ctx, core.InteractionResponse{
			RequestID: args.RequestID,
			Success:   args.Success,
			Result:    args.Result,
			Error:     args.Error,
		})
		return nil, HumanResponseOutput{Matched: matched}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "pending_interactions",
		Description: "List interaction requests waiting for an answer, oldest first",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ emptyArgs) (*mcp.CallToolResult, PendingOutput, error) {
		return nil, pendingOutput(o.PendingInteractions()), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_task_context",
		Description: "Return the workflow and variable context of a task",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args TaskArgs) (*mcp.CallToolResult, TaskContextOutput, error) {
		tc := o.GetTaskContext(ctx, args.TaskID)
		if tc == nil {
			return nil, TaskContextOutput{}, nil
		}
		return nil, taskContextOutput(*tc), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "restore_task",
		Description: "Rebuild a task from a serialized workflow without running it",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args RestoreArgs) (*mcp.CallToolResult, RestoreResult, error) {
		tc, err := args.taskContext()
		if err != nil {
			return nil, RestoreResult{}, err
		}
		return nil, o.RestoreTask(ctx, tc), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tasks",
		Description: "List recorded tasks, newest first, and the tasks in flight",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args ListTasksArgs) (*mcp.CallToolResult, ListTasksOutput, error) {
		records, err := o.ListTasks(ctx, args.Limit)
		if err != nil {
			return nil, ListTasksOutput{}, err
		}
		return nil, listTasksOutput(records, o.RunningTasks()), nil
	})

	return server
}

// ServeStdio serves MCP over stdin/stdout until ctx ends or the client
// disconnects.
func ServeStdio(ctx context.Context, o *Orchestrator) error {
	return NewMCPServer(o).Run(ctx, &mcp.StdioTransport{})
}

func (a RestoreArgs) taskContext() (core.TaskContext, error) {
	tc := core.TaskContext{Workflow: a.Workflow, ContextParams: a.ContextParams}
	var err error
	if tc.PlanRequest, err = rawJSON(a.PlanRequest); err != nil {
		return core.TaskContext{}, fmt.Errorf("plan_request: %w", err)
	}
	if tc.PlanResult, err = rawJSON(a.PlanResult); err != nil {
		return core.TaskContext{}, fmt.Errorf("plan_result: %w", err)
	}
	return tc, nil
}

func rawJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func taskContextOutput(tc core.TaskContext) TaskContextOutput {
	wf := tc.Workflow
	return TaskContextOutput{
		Found:         true,
		Workflow:      &wf,
		ContextParams: tc.ContextParams,
		PlanRequest:   decodeJSON(tc.PlanRequest),
		PlanResult:    decodeJSON(tc.PlanResult),
	}
}

func listTasksOutput(records []core.TaskRecord, running []core.Task) ListTasksOutput {
	out := ListTasksOutput{
		Tasks:   make([]TaskSummary, 0, len(records)),
		Running: make([]TaskSummary, 0, len(running)),
	}
	for _, task := range running {
		out.Running = append(out.Running, TaskSummary{
			TaskID:    task.ID,
			Status:    string(task.Status),
			WorkDir:   task.WorkDir,
			StartedAt: task.StartedAt.Format(time.RFC3339),
		})
	}
	for _, r := range records {
		summary := TaskSummary{
			TaskID:    r.TaskID,
			Status:    string(r.Status),
			WorkDir:   r.WorkDir,
			Error:     r.Error,
			StartedAt: r.StartedAt.Format(time.RFC3339),
		}
		if !r.FinishedAt.IsZero() {
			summary.FinishedAt = r.FinishedAt.Format(time.RFC3339)
		}
		out.Tasks = append(out.Tasks, summary)
	}
	return out
}

func pendingOutput(reqs []core.InteractionRequest) PendingOutput {
	out := PendingOutput{Pending: make([]PendingInteraction, 0, len(reqs))}
	for _, r := range reqs {
		out.Pending = append(out.Pending, PendingInteraction{
			RequestID: r.RequestID,
			ToolID:    r.ToolID,
			TaskID:    r.TaskID,
			AgentName: r.AgentName,
			Kind:      string(r.Payload.Kind),
			Prompt:    r.Payload.Prompt,
			Options:   r.Payload.Options,
			CreatedAt: r.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}
