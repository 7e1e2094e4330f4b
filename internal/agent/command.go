package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"agentdeck/internal/core"
)

// Line protocol spoken with an external agent process. The adapter writes
// the Request as the first stdin line; the process answers with messages on
// stdout, one JSON object per line.
const (
	msgEvent    = "event"
	msgInteract = "human_interaction"
	msgResult   = "result"
	msgResponse = "human_response"
)

type commandMessage struct {
	Type    string                   `json:"type"`
	Event   *core.Event              `json:"event,omitempty"`
	ToolID  string                   `json:"tool_id,omitempty"`
	Payload *core.InteractionPayload `json:"payload,omitempty"`
	Result  *Result                  `json:"result,omitempty"`
}

type commandReply struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

type CommandAdapter struct {
	name            string
	command         []string
	interactionTool string
}

func NewCommandAdapter(name string, command []string, interactionTool string) *CommandAdapter {
	return &CommandAdapter{name: name, command: command, interactionTool: interactionTool}
}

func (a *CommandAdapter) Name() string {
	return a.name
}

func (a *CommandAdapter) Invoke(ctx context.Context, req Request) (Result, error) {
	if len(a.command) == 0 {
		return Result{}, fmt.Errorf("agent command not configured")
	}

	cmd := exec.CommandContext(ctx, a.command[0], a.command[1:]...)
	cmd.Dir = req.WorkspacePath
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start agent command: %w", err)
	}

	result, protoErr := a.converse(ctx, req, stdin, stdout)
	stdin.Close()
	if protoErr != nil {
		_ = cmd.Process.Kill()
	}
	// drain so Wait does not block on a full pipe
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if protoErr != nil {
		return Result{}, protoErr
	}
	if waitErr != nil {
		return Result{}, fmt.Errorf("agent command failed: %w: %s", waitErr, tail(stderr.String(), 512))
	}
	if result == nil {
		return Result{}, fmt.Errorf("agent command exited without a result")
	}
	if result.TaskID != "" && result.TaskID != req.TaskID {
		return Result{}, fmt.Errorf("agent result does not match request")
	}
	result.TaskID = req.TaskID
	return *result, nil
}

func (a *CommandAdapter) converse(ctx context.Context, req Request, stdin io.Writer, stdout io.Reader) (*Result, error) {
	enc := json.NewEncoder(stdin)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg commandMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("decode agent message: %w", err)
		}

		switch msg.Type {
		case msgEvent:
			if msg.Event == nil {
				continue
			}
			event := *msg.Event
			event.TaskID = req.TaskID
			if event.AgentName == "" {
				event.AgentName = req.AgentName
			}
			if err := req.Hooks.OnEvent(ctx, req.TaskID, event); err != nil {
				return nil, err
			}
		case msgInteract:
			if msg.Payload == nil {
				return nil, fmt.Errorf("interaction message without payload")
			}
			reply := a.interact(ctx, req, msg)
			if err := enc.Encode(reply); err != nil {
				return nil, fmt.Errorf("send interaction reply: %w", err)
			}
			if !reply.Success && ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
		case msgResult:
			if msg.Result == nil {
				return nil, fmt.Errorf("result message without result")
			}
			return msg.Result, nil
		default:
			return nil, fmt.Errorf("unknown agent message type %q", msg.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read agent output: %w", err)
	}
	return nil, nil
}

func (a *CommandAdapter) interact(ctx context.Context, req Request, msg commandMessage) commandReply {
	if msg.ToolID != "" {
		params, _ := json.Marshal(msg.Payload)
		err := req.Hooks.OnEvent(ctx, req.TaskID, core.Event{
			Type:       core.EventToolUse,
			AgentName:  req.AgentName,
			ToolID:     msg.ToolID,
			ToolName:   a.interactionTool,
			ParamsText: string(params),
		})
		if err != nil {
			return commandReply{Type: msgResponse, Error: err.Error()}
		}
	}
	value, err := req.Hooks.RequestHuman(ctx, req.TaskID, req.AgentName, *msg.Payload)
	if err != nil {
		return commandReply{Type: msgResponse, Error: err.Error()}
	}
	return commandReply{Type: msgResponse, Success: true, Result: value}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
