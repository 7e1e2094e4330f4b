package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"agentdeck/internal/core"
)

func connectClient(t *testing.T, o *Orchestrator) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := NewMCPServer(o).Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool[T any](t *testing.T, session *mcp.ClientSession, name string, args map[string]any) T {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	if res.IsError {
		t.Fatalf("%s returned a tool error: %+v", name, res.Content)
	}
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal %s output: %v", name, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s output: %v", name, err)
	}
	return out
}

func TestMCPToolsListed(t *testing.T) {
	session := connectClient(t, openTest(t, testConfig(t, false)))
	tools, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"run", "modify", "execute", "cancel_task", "human_response", "pending_interactions", "get_task_context", "restore_task", "list_tasks"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestMCPRunAndInspect(t *testing.T) {
	session := connectClient(t, openTest(t, testConfig(t, false)))

	run := callTool[CommandResult](t, session, "run", map[string]any{"message": "collect the links"})
	if run.Status != StatusSuccess || run.TaskID == "" {
		t.Fatalf("unexpected run result %+v", run)
	}

	tc := callTool[TaskContextOutput](t, session, "get_task_context", map[string]any{"task_id": run.TaskID})
	if !tc.Found || tc.Workflow == nil || tc.Workflow.TaskID != run.TaskID {
		t.Fatalf("unexpected task context %+v", tc)
	}
	plan, ok := tc.PlanRequest.(map[string]any)
	if !ok || plan["message"] != "collect the links" {
		t.Fatalf("expected decoded plan request, got %#v", tc.PlanRequest)
	}

	list := callTool[ListTasksOutput](t, session, "list_tasks", map[string]any{"limit": 5})
	if len(list.Tasks) != 1 || list.Tasks[0].Status != string(core.TaskStatusDone) {
		t.Fatalf("unexpected task list %+v", list)
	}

	missing := callTool[TaskContextOutput](t, session, "get_task_context", map[string]any{"task_id": "task-nope"})
	if missing.Found {
		t.Fatalf("expected not found")
	}

	cancel := callTool[CancelResult](t, session, "cancel_task", map[string]any{"task_id": run.TaskID})
	if cancel.Success {
		t.Fatalf("cancel of a settled task must fail")
	}

	resp := callTool[HumanResponseOutput](t, session, "human_response", map[string]any{"request_id": "hreq-stale", "success": true})
	if resp.Matched {
		t.Fatalf("stale response must not match")
	}

	pending := callTool[PendingOutput](t, session, "pending_interactions", map[string]any{})
	if len(pending.Pending) != 0 {
		t.Fatalf("expected nothing pending, got %+v", pending)
	}
}

func TestMCPRestoreTask(t *testing.T) {
	session := connectClient(t, openTest(t, testConfig(t, false)))

	restored := callTool[RestoreResult](t, session, "restore_task", map[string]any{
		"workflow": map[string]any{
			"task_id": "task-from-mcp",
			"name":    "restored",
			"agents": []any{
				map[string]any{"id": "1", "name": "Planner", "task": "plan", "status": "pending"},
			},
		},
		"context_params": map[string]any{"topic": "links"},
		"plan_request":   map[string]any{"message": "plan"},
	})
	if !restored.Success || restored.TaskID != "task-from-mcp" {
		t.Fatalf("unexpected restore result %+v", restored)
	}

	exec := callTool[CommandResult](t, session, "execute", map[string]any{"task_id": "task-from-mcp"})
	if exec.Status != StatusSuccess {
		t.Fatalf("unexpected execute result %+v", exec)
	}

	tc := callTool[TaskContextOutput](t, session, "get_task_context", map[string]any{"task_id": "task-from-mcp"})
	if tc.ContextParams["topic"] != "links" {
		t.Fatalf("expected restored params, got %v", tc.ContextParams)
	}
}

func TestMCPAnswerInteractionWhileRunBlocks(t *testing.T) {
	session := connectClient(t, openTest(t, testConfig(t, true)))

	type callResult struct {
		res *mcp.CallToolResult
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "run",
			Arguments: map[string]any{"message": "draft the notes"},
		})
		done <- callResult{res, err}
	}()

	var pending PendingOutput
	deadline := time.Now().Add(5 * time.Second)
	for len(pending.Pending) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no pending interaction while run was blocked")
		}
		time.Sleep(10 * time.Millisecond)
		pending = callTool[PendingOutput](t, session, "pending_interactions", map[string]any{})
	}
	req := pending.Pending[0]
	if req.ToolID == "" || req.Kind != string(core.InteractionConfirm) {
		t.Fatalf("unexpected pending interaction %+v", req)
	}

	list := callTool[ListTasksOutput](t, session, "list_tasks", map[string]any{})
	if len(list.Running) != 1 || list.Running[0].TaskID != req.TaskID {
		t.Fatalf("expected the blocked task in flight, got %+v", list.Running)
	}

	resp := callTool[HumanResponseOutput](t, session, "human_response", map[string]any{
		"request_id": req.ToolID,
		"success":    true,
		"result":     true,
	})
	if !resp.Matched {
		t.Fatal("expected the tool id to match the pending request")
	}

	var out callResult
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after the answer")
	}
	if out.err != nil || out.res.IsError {
		t.Fatalf("run failed: %v %+v", out.err, out.res)
	}
	raw, err := json.Marshal(out.res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal run output: %v", err)
	}
	var run CommandResult
	if err := json.Unmarshal(raw, &run); err != nil {
		t.Fatalf("decode run output: %v", err)
	}
	if run.Status != StatusSuccess || run.TaskID != req.TaskID {
		t.Fatalf("unexpected run result %+v", run)
	}
}
