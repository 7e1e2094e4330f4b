package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"agentdeck/internal/config"
	"agentdeck/internal/core"
)

const defaultOllamaHost = "http://127.0.0.1:11434"

// chatClient is the part of the ollama client the adapter uses.
type chatClient interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// OllamaAdapter runs each node as one streamed chat completion.
type OllamaAdapter struct {
	client        chatClient
	model         string
	temperature   float64
	fileWriteTool string
}

func NewOllama(model config.ModelConfig, network config.NetworkConfig, fileWriteTool string) (*OllamaAdapter, error) {
	if model.Name == "" {
		return nil, fmt.Errorf("ollama model name required")
	}
	base, err := ollamaBaseURL(model.BaseURL)
	if err != nil {
		return nil, err
	}
	httpClient, err := httpClientFor(network)
	if err != nil {
		return nil, err
	}
	return &OllamaAdapter{
		client:        api.NewClient(base, httpClient),
		model:         model.Name,
		temperature:   model.Temperature,
		fileWriteTool: fileWriteTool,
	}, nil
}

func (a *OllamaAdapter) Name() string {
	return "ollama:" + a.model
}

func (a *OllamaAdapter) Invoke(ctx context.Context, req Request) (Result, error) {
	writesFile := a.fileWriteTool != "" && hasTool(req.Tools, a.fileWriteTool)
	name := fileName(req.AgentName)
	toolID := core.NewToolID()

	chat := &api.ChatRequest{
		Model: a.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt(req, writesFile)},
			{Role: "user", Content: req.Instructions},
		},
	}
	if a.temperature > 0 {
		chat.Options = map[string]any{"temperature": a.temperature}
	}

	var out strings.Builder
	err := a.client.Chat(ctx, chat, func(resp api.ChatResponse) error {
		delta := resp.Message.Content
		if delta == "" {
			return nil
		}
		out.WriteString(delta)
		if writesFile {
			return req.Hooks.OnEvent(ctx, req.TaskID, core.Event{
				Type:       core.EventToolStreaming,
				AgentName:  req.AgentName,
				ToolID:     toolID,
				ToolName:   a.fileWriteTool,
				ParamsText: partialFileParams(name, out.String()),
			})
		}
		return req.Hooks.OnEvent(ctx, req.TaskID, core.Event{
			Type:      core.EventText,
			AgentName: req.AgentName,
			Text:      delta,
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("ollama chat: %w", err)
	}

	result := Result{
		SchemaVersion: req.SchemaVersion,
		TaskID:        req.TaskID,
		Status:        "success",
		Summary:       out.String(),
	}
	if !writesFile {
		return result, nil
	}

	path, err := writeWorkspaceFile(req.WorkspacePath, name, out.String())
	if err != nil {
		return Result{}, err
	}
	if err := req.Hooks.OnEvent(ctx, req.TaskID, core.Event{
		Type:      core.EventToolResult,
		AgentName: req.AgentName,
		ToolID:    toolID,
		ToolName:  a.fileWriteTool,
		Text:      "wrote " + path,
	}); err != nil {
		return Result{}, err
	}
	result.FilesChanged = []string{path}
	result.Summary = fmt.Sprintf("%s wrote %s", req.AgentName, name)
	return result, nil
}

func systemPrompt(req Request, writesFile bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", req.AgentName)
	if req.Description != "" {
		fmt.Fprintf(&b, " Your role: %s.", req.Description)
	}
	if writesFile {
		b.WriteString(" Reply only with the markdown document to save; it is written to disk as-is.")
	}
	for k, v := range req.ContextParams {
		fmt.Fprintf(&b, "\nContext %s: %v", k, v)
	}
	return b.String()
}

func ollamaBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		raw = os.Getenv("OLLAMA_HOST")
	}
	if raw == "" {
		raw = defaultOllamaHost
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	return u, nil
}

func httpClientFor(network config.NetworkConfig) (*http.Client, error) {
	client := &http.Client{}
	if network.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(network.TimeoutSeconds) * time.Second
	}
	if network.Proxy != "" {
		proxy, err := url.Parse(network.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxy)
		client.Transport = transport
	}
	return client, nil
}
