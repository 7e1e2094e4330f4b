package core

import "time"

type InteractionKind string

const (
	InteractionConfirm     InteractionKind = "confirm"
	InteractionInput       InteractionKind = "input"
	InteractionSelect      InteractionKind = "select"
	InteractionRequestHelp InteractionKind = "request_help"
)

func (k InteractionKind) Valid() bool {
	switch k {
	case InteractionConfirm, InteractionInput, InteractionSelect, InteractionRequestHelp:
		return true
	default:
		return false
	}
}

// InteractionPayload is what an engine asks the operator.
type InteractionPayload struct {
	Kind        InteractionKind `json:"kind"`
	Prompt      string          `json:"prompt"`
	Options     []string        `json:"options,omitempty"`
	Multiple    bool            `json:"multiple,omitempty"`
	HelpType    string          `json:"help_type,omitempty"`
	HelpContext string          `json:"help_context,omitempty"`
}

// InteractionRequest is a pending interaction as seen from outside the broker.
type InteractionRequest struct {
	RequestID string
	TaskID    string
	AgentName string
	ToolID    string
	Payload   InteractionPayload
	CreatedAt time.Time
}

type InteractionResponse struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}
