package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusAborted TaskStatus = "aborted"
	TaskStatusErrored TaskStatus = "errored"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusAborted || s == TaskStatusErrored
}

type Task struct {
	ID         string
	WorkDir    string
	Status     TaskStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// TaskRecord is the persisted form of a Task.
type TaskRecord struct {
	TaskID     string
	WorkDir    string
	Status     TaskStatus
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

type TaskResult struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Stopped bool   `json:"stopped,omitempty"`
	Result  string `json:"result"`
	Error   string `json:"error,omitempty"`
}

const (
	NodeStatusPending = "pending"
	NodeStatusDone    = "done"
)

type WorkflowAgent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Task   string `json:"task"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

type Workflow struct {
	TaskID   string          `json:"task_id"`
	Name     string          `json:"name"`
	Thought  string          `json:"thought,omitempty"`
	Agents   []WorkflowAgent `json:"agents"`
	Modified bool            `json:"modified,omitempty"`
}

func (w Workflow) Validate() error {
	if w.TaskID == "" {
		return fmt.Errorf("%w: task id required", ErrInvalidWorkflow)
	}
	if len(w.Agents) == 0 {
		return fmt.Errorf("%w: workflow has no agents", ErrInvalidWorkflow)
	}
	return nil
}

// Remaining returns the index of the first agent node that has not finished,
// or len(w.Agents) when every node is done.
func (w Workflow) Remaining() int {
	for i, node := range w.Agents {
		if node.Status != NodeStatusDone {
			return i
		}
	}
	return len(w.Agents)
}

// TaskContext is everything needed to rebuild a task in a fresh engine.
type TaskContext struct {
	Workflow      Workflow        `json:"workflow"`
	ContextParams map[string]any  `json:"context_params,omitempty"`
	PlanRequest   json.RawMessage `json:"plan_request,omitempty"`
	PlanResult    json.RawMessage `json:"plan_result,omitempty"`
}

func (c TaskContext) Clone() TaskContext {
	out := c
	out.Workflow.Agents = append([]WorkflowAgent(nil), c.Workflow.Agents...)
	if c.ContextParams != nil {
		out.ContextParams = make(map[string]any, len(c.ContextParams))
		for k, v := range c.ContextParams {
			out.ContextParams[k] = v
		}
	}
	out.PlanRequest = append(json.RawMessage(nil), c.PlanRequest...)
	out.PlanResult = append(json.RawMessage(nil), c.PlanResult...)
	return out
}

func NewTaskID() string {
	return "task-" + uuid.NewString()
}

func NewRequestID() string {
	return "hreq-" + uuid.NewString()
}

func NewToolID() string {
	return "tool-" + uuid.NewString()
}
