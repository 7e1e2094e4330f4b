package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentdeck/internal/core"
)

const streamChunk = 24

// LocalAdapter needs no model. It narrates the node and, for agents that own
// the file-write tool, streams a markdown file into the workspace.
type LocalAdapter struct {
	fileWriteTool string
}

func NewLocal(fileWriteTool string) *LocalAdapter {
	return &LocalAdapter{fileWriteTool: fileWriteTool}
}

func (a *LocalAdapter) Name() string {
	return "local"
}

func (a *LocalAdapter) Invoke(ctx context.Context, req Request) (Result, error) {
	if req.TaskID == "" {
		return Result{}, fmt.Errorf("task id required")
	}
	if req.Hooks == nil {
		return Result{}, fmt.Errorf("hooks required")
	}

	text := fmt.Sprintf("%s is working on: %s", req.AgentName, req.Instructions)
	if err := req.Hooks.OnEvent(ctx, req.TaskID, core.Event{Type: core.EventText, AgentName: req.AgentName, Text: text}); err != nil {
		return Result{}, err
	}

	result := Result{
		SchemaVersion: req.SchemaVersion,
		TaskID:        req.TaskID,
		Status:        "success",
		Summary:       text,
	}

	if a.fileWriteTool == "" || !hasTool(req.Tools, a.fileWriteTool) {
		return result, nil
	}

	name := fileName(req.AgentName)
	content := fmt.Sprintf("# %s\n\n%s\n", req.AgentName, req.Instructions)
	path, err := streamFileWrite(ctx, req, a.fileWriteTool, name, content)
	if err != nil {
		return Result{}, err
	}
	result.FilesChanged = []string{path}
	result.Summary = fmt.Sprintf("%s wrote %s", req.AgentName, name)
	return result, nil
}

// streamFileWrite announces a file-write tool call the way a model would
// stream it: growing partial arguments, then the final call and its result.
func streamFileWrite(ctx context.Context, req Request, tool, name, content string) (string, error) {
	toolID := core.NewToolID()
	runes := []rune(content)
	for end := streamChunk; ; end += streamChunk {
		if end > len(runes) {
			end = len(runes)
		}
		if err := ctx.Err(); err != nil {
			return "", context.Cause(ctx)
		}
		err := req.Hooks.OnEvent(ctx, req.TaskID, core.Event{
			Type:       core.EventToolStreaming,
			AgentName:  req.AgentName,
			ToolID:     toolID,
			ToolName:   tool,
			ParamsText: partialFileParams(name, string(runes[:end])),
		})
		if err != nil {
			return "", err
		}
		if end == len(runes) {
			break
		}
	}

	params, _ := json.Marshal(map[string]string{"path": name, "content": content})
	if err := req.Hooks.OnEvent(ctx, req.TaskID, core.Event{
		Type:       core.EventToolUse,
		AgentName:  req.AgentName,
		ToolID:     toolID,
		ToolName:   tool,
		ParamsText: string(params),
	}); err != nil {
		return "", err
	}

	path, err := writeWorkspaceFile(req.WorkspacePath, name, content)
	if err != nil {
		return "", err
	}
	return path, req.Hooks.OnEvent(ctx, req.TaskID, core.Event{
		Type:      core.EventToolResult,
		AgentName: req.AgentName,
		ToolID:    toolID,
		ToolName:  tool,
		Text:      "wrote " + path,
	})
}

// partialFileParams renders the arguments of a file-write call as they look
// mid-stream: the content string is left open.
func partialFileParams(path, content string) string {
	p, _ := json.Marshal(path)
	c, _ := json.Marshal(content)
	return `{"path":` + string(p) + `,"content":` + strings.TrimSuffix(string(c), `"`)
}

func writeWorkspaceFile(workDir, name, content string) (string, error) {
	if workDir == "" {
		return "", fmt.Errorf("workspace path required")
	}
	path := filepath.Join(workDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

func fileName(agentName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(agentName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "output.md"
	}
	return b.String() + ".md"
}

func hasTool(tools []string, name string) bool {
	for _, t := range tools {
		if t == name {
			return true
		}
	}
	return false
}
