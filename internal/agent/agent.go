package agent

import (
	"context"
	"fmt"

	"agentdeck/internal/config"
	"agentdeck/internal/core"
)

const SchemaVersion = 1

// Hooks connect an engine to the orchestration layer.
type Hooks interface {
	OnEvent(ctx context.Context, taskID string, event core.Event) error
	RequestHuman(ctx context.Context, taskID, agentName string, payload core.InteractionPayload) (any, error)
}

// Engine plans and executes tasks. It is opaque to the orchestrator beyond
// this interface.
type Engine interface {
	Name() string
	Run(ctx context.Context, taskID, message string) (*core.TaskResult, error)
	Modify(ctx context.Context, taskID, message string) error
	Execute(ctx context.Context, taskID string) (*core.TaskResult, error)
	Abort(taskID, reason string) bool
	Restore(tc core.TaskContext) error
	TaskContext(taskID string) (core.TaskContext, bool)
}

// Agent runs a single workflow node.
type Agent interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Result, error)
}

type Request struct {
	SchemaVersion int            `json:"schema_version"`
	TaskID        string         `json:"task_id"`
	NodeID        string         `json:"node_id"`
	AgentName     string         `json:"agent_name"`
	Description   string         `json:"description,omitempty"`
	WorkspacePath string         `json:"workspace_path"`
	Instructions  string         `json:"instructions"`
	Tools         []string       `json:"tools,omitempty"`
	ContextParams map[string]any `json:"context_params,omitempty"`
	Hooks         Hooks          `json:"-"`
}

type Result struct {
	SchemaVersion int      `json:"schema_version"`
	TaskID        string   `json:"task_id"`
	Status        string   `json:"status"`
	Summary       string   `json:"summary"`
	FilesChanged  []string `json:"files_changed,omitempty"`
}

// Factory builds an engine bound to one workspace directory.
type Factory func(cfg config.Config, workDir string, hooks Hooks) (Engine, error)

// New is the default Factory.
func New(cfg config.Config, workDir string, hooks Hooks) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hooks == nil {
		return nil, fmt.Errorf("engine hooks required")
	}

	var runner Agent
	switch cfg.Model.Provider {
	case config.ProviderLocal:
		runner = NewLocal(cfg.FileWriteTool)
	case config.ProviderOllama:
		ollama, err := NewOllama(cfg.Model, cfg.Network, cfg.FileWriteTool)
		if err != nil {
			return nil, err
		}
		runner = ollama
	case config.ProviderCommand:
		runner = NewCommandAdapter(cfg.Model.Name, cfg.Model.Command, cfg.InteractionTool)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}

	return newFlow(runner, cfg, workDir, hooks), nil
}
