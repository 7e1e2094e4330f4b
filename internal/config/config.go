package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	ProviderLocal   = "local"
	ProviderOllama  = "ollama"
	ProviderCommand = "command"
)

type Config struct {
	Model           ModelConfig   `json:"model"`
	Agents          []AgentConfig `json:"agents"`
	Network         NetworkConfig `json:"network"`
	WorkspaceRoot   string        `json:"workspace_root"`
	DBPath          string        `json:"db_path"`
	EventLogPath    string        `json:"event_log_path"`
	PreviewURL      string        `json:"preview_url"`
	FileWriteTool   string        `json:"file_write_tool"`
	InteractionTool string        `json:"interaction_tool"`
	LogLevel        string        `json:"log_level"`
}

type ModelConfig struct {
	Provider    string   `json:"provider"`
	Name        string   `json:"name"`
	BaseURL     string   `json:"base_url,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Command     []string `json:"command,omitempty"`
}

type AgentConfig struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	RequireConfirm bool     `json:"require_confirm"`
	Tools          []string `json:"tools,omitempty"`
}

type NetworkConfig struct {
	Proxy          string `json:"proxy,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func Default() Config {
	root := defaultDataDir()
	return Config{
		Model: ModelConfig{
			Provider: ProviderLocal,
			Name:     "local-echo",
		},
		Agents: []AgentConfig{
			{
				Name:        "Planner",
				Description: "breaks the request into steps",
			},
			{
				Name:           "Writer",
				Description:    "writes the result into the workspace",
				RequireConfirm: true,
				Tools:          []string{"file_write"},
			},
		},
		Network: NetworkConfig{
			TimeoutSeconds: 120,
		},
		WorkspaceRoot:   filepath.Join(root, "workspaces"),
		DBPath:          filepath.Join(root, "agentdeck.db"),
		EventLogPath:    filepath.Join(root, "events.jsonl"),
		PreviewURL:      "agentdeck://file-preview",
		FileWriteTool:   "file_write",
		InteractionTool: "human_interact",
		LogLevel:        "info",
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	// json decodes array elements into the existing ones; a file that lists
	// agents replaces the defaults instead of patching them.
	var probe struct {
		Agents json.RawMessage `json:"agents"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(probe.Agents) > 0 {
		cfg.Agents = nil
	}

	if err := json.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Model.Provider {
	case ProviderLocal, ProviderOllama:
	case ProviderCommand:
		if len(c.Model.Command) == 0 {
			return fmt.Errorf("model.command is required for provider %q", ProviderCommand)
		}
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent name is required")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent %q", a.Name)
		}
		seen[a.Name] = true
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	return nil
}

func (c Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}


func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "agentdeck")
	}
	return filepath.Join(os.TempDir(), "agentdeck")
}
