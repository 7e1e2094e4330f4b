package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"agentdeck/internal/core"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "agentdeck.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestTaskLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	started := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := s.StartTask(ctx, core.TaskRecord{TaskID: "task-1", WorkDir: "/ws/task-1", Status: core.TaskStatusRunning, StartedAt: started}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if err := s.FinishTask(ctx, "task-1", core.TaskStatusErrored, "boom"); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != core.TaskStatusErrored || got.Error != "boom" || got.FinishedAt.IsZero() {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("started_at mismatch: %v", got.StartedAt)
	}

	// running the same id again resets the finish fields
	if err := s.StartTask(ctx, core.TaskRecord{TaskID: "task-1", WorkDir: "/ws/task-1", Status: core.TaskStatusRunning, StartedAt: started.Add(time.Hour)}); err != nil {
		t.Fatalf("StartTask again: %v", err)
	}
	got, _ = s.GetTask(ctx, "task-1")
	if got.Status != core.TaskStatusRunning || got.Error != "" || !got.FinishedAt.IsZero() {
		t.Fatalf("restart did not reset record: %+v", got)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := openStore(t)
	if _, err := s.GetTask(context.Background(), "missing"); !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListTasksNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.StartTask(ctx, core.TaskRecord{TaskID: id, WorkDir: "/ws/" + id, Status: core.TaskStatusRunning, StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("StartTask: %v", err)
		}
	}
	got, err := s.ListTasks(ctx, 2)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(got) != 2 || got[0].TaskID != "c" || got[1].TaskID != "b" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestTaskContextRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tc := core.TaskContext{
		Workflow: core.Workflow{
			TaskID: "task-1",
			Name:   "write notes",
			Agents: []core.WorkflowAgent{{ID: "1", Name: "Writer", Task: "write", Status: core.NodeStatusDone}},
		},
		ContextParams: map[string]any{"lang": "en"},
		PlanRequest:   json.RawMessage(`{"message":"write notes"}`),
	}
	if err := s.SaveTaskContext(ctx, "task-1", tc); err != nil {
		t.Fatalf("SaveTaskContext: %v", err)
	}

	// bypass the cache to exercise the sql path
	s.contexts.Purge()
	got, ok, err := s.GetTaskContext(ctx, "task-1")
	if err != nil || !ok {
		t.Fatalf("GetTaskContext: ok=%v err=%v", ok, err)
	}
	if got.Workflow.Name != "write notes" || got.Workflow.Agents[0].Status != core.NodeStatusDone {
		t.Fatalf("workflow mismatch: %+v", got.Workflow)
	}
	if got.ContextParams["lang"] != "en" {
		t.Fatalf("context params mismatch: %+v", got.ContextParams)
	}
	if string(got.PlanRequest) != `{"message":"write notes"}` || got.PlanResult != nil {
		t.Fatalf("plan fields mismatch: %s / %s", got.PlanRequest, got.PlanResult)
	}

	// mutating the returned copy must not leak into the cache
	got.Workflow.Agents[0].Status = core.NodeStatusPending
	again, _, _ := s.GetTaskContext(ctx, "task-1")
	if again.Workflow.Agents[0].Status != core.NodeStatusDone {
		t.Fatal("cached context was mutated through a returned copy")
	}
}

func TestGetTaskContextMissing(t *testing.T) {
	s := openStore(t)
	_, ok, err := s.GetTaskContext(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("expected ok=false without error, got ok=%v err=%v", ok, err)
	}
}
