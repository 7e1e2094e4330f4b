package core

import "time"

type EventType string

const (
	EventWorkflow         EventType = "workflow"
	EventAgentStart       EventType = "agent_start"
	EventText             EventType = "text"
	EventToolUse          EventType = "tool_use"
	EventToolStreaming    EventType = "tool_streaming"
	EventToolResult       EventType = "tool_result"
	EventAgentResult      EventType = "agent_result"
	EventFinish           EventType = "finish"
	EventHumanInteraction EventType = "human_interaction"
	EventHumanResolved    EventType = "human_interaction_resolved"
	EventError            EventType = "error"
	EventConfigReloaded   EventType = "config_reloaded"
)

// Event is the tagged union streamed toward the UI. Only the fields that
// belong to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	Level     string    `json:"level,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`

	// tool_use, tool_streaming, tool_result
	ToolID     string `json:"tool_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ParamsText string `json:"params_text,omitempty"`

	// text, agent_result, finish
	Text string `json:"text,omitempty"`

	// human_interaction, human_interaction_resolved
	RequestID   string          `json:"request_id,omitempty"`
	Kind        InteractionKind `json:"kind,omitempty"`
	Prompt      string          `json:"prompt,omitempty"`
	Options     []string        `json:"options,omitempty"`
	Multiple    bool            `json:"multiple,omitempty"`
	HelpType    string          `json:"help_type,omitempty"`
	HelpContext string          `json:"help_context,omitempty"`
	Result      any             `json:"result,omitempty"`

	// error
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`

	// config_reloaded
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewErrorEvent(taskID string, err error, detail string) Event {
	return Event{
		Type:      EventError,
		Level:     "error",
		TaskID:    taskID,
		Error:     err.Error(),
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

func NewInteractionEvent(req InteractionRequest) Event {
	return Event{
		Type:        EventHumanInteraction,
		Level:       "info",
		TaskID:      req.TaskID,
		AgentName:   req.AgentName,
		ToolID:      req.ToolID,
		RequestID:   req.RequestID,
		Kind:        req.Payload.Kind,
		Prompt:      req.Payload.Prompt,
		Options:     req.Payload.Options,
		Multiple:    req.Payload.Multiple,
		HelpType:    req.Payload.HelpType,
		HelpContext: req.Payload.HelpContext,
		Timestamp:   req.CreatedAt,
	}
}
