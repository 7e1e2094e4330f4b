package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"agentdeck/internal/app"
	"agentdeck/internal/core"
)

// console follows every task in the terminal and answers interaction
// requests from stdin when stdin is a terminal.
type console struct {
	o           *app.Orchestrator
	in          *bufio.Reader
	out         io.Writer
	interactive bool
}

func newConsole(o *app.Orchestrator, in io.Reader, out io.Writer) *console {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &console{o: o, in: bufio.NewReader(in), out: out, interactive: interactive}
}

// attach starts following events. The returned func stops following; it
// does not wait for a prompt blocked on stdin.
func (c *console) attach(ctx context.Context) func() {
	events, unsubscribe := c.o.Subscribe("")
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev := <-events:
				c.handle(ctx, ev)
			case <-done:
				return
			}
		}
	}()
	return func() {
		unsubscribe()
		close(done)
	}
}

func (c *console) handle(ctx context.Context, ev core.Event) {
	switch ev.Type {
	case core.EventWorkflow:
		if wf, ok := ev.Payload.(core.Workflow); ok {
			fmt.Fprintf(c.out, "plan %q for %s (%d agents)\n", wf.Name, ev.TaskID, len(wf.Agents))
		}
	case core.EventAgentStart:
		fmt.Fprintf(c.out, "\n> %s: %s\n", ev.AgentName, ev.Text)
	case core.EventText:
		fmt.Fprint(c.out, ev.Text)
		if !strings.HasSuffix(ev.Text, "\n") {
			fmt.Fprintln(c.out)
		}
	case core.EventToolUse:
		fmt.Fprintf(c.out, "  [%s]\n", ev.ToolName)
	case core.EventToolResult:
		fmt.Fprintf(c.out, "  [%s] %s\n", ev.ToolName, ev.Text)
	case core.EventHumanInteraction:
		c.answer(ctx, ev)
	case core.EventError:
		fmt.Fprintf(c.out, "error: %s\n", ev.Error)
	case core.EventConfigReloaded:
		fmt.Fprintf(c.out, "config reloaded: %s/%s\n", ev.Provider, ev.Model)
	}
}

func (c *console) answer(ctx context.Context, ev core.Event) {
	fmt.Fprintf(c.out, "\n? %s asks (%s, %s)\n", ev.AgentName, ev.Kind, humanize.Time(ev.Timestamp))
	if ev.HelpContext != "" {
		fmt.Fprintln(c.out, ev.HelpContext)
	}

	resp := core.InteractionResponse{RequestID: ev.RequestID}
	if !c.interactive {
		fmt.Fprintf(c.out, "%s\nno terminal to answer on, rejecting\n", ev.Prompt)
		resp.Error = "no interactive terminal"
		c.o.HumanResponse(ctx, resp)
		return
	}

	for i, opt := range ev.Options {
		fmt.Fprintf(c.out, "  %d) %s\n", i+1, opt)
	}
	fmt.Fprint(c.out, ev.Prompt+promptSuffix(ev.Kind, ev.Multiple))

	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		resp.Error = "input closed"
		c.o.HumanResponse(ctx, resp)
		return
	}
	value, err := parseAnswer(ev.Kind, ev.Options, ev.Multiple, line)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
		resp.Result = value
	}
	c.o.HumanResponse(ctx, resp)
}

func promptSuffix(kind core.InteractionKind, multiple bool) string {
	switch {
	case kind == core.InteractionConfirm:
		return " [y/N] "
	case kind == core.InteractionSelect && multiple:
		return " (numbers, comma separated) "
	case kind == core.InteractionSelect:
		return " (number) "
	default:
		return "\n> "
	}
}

// parseAnswer turns a line typed by the operator into the interaction
// result for kind.
func parseAnswer(kind core.InteractionKind, options []string, multiple bool, line string) (any, error) {
	line = strings.TrimSpace(line)
	switch kind {
	case core.InteractionConfirm:
		switch strings.ToLower(line) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	case core.InteractionSelect:
		var picked []string
		for _, field := range strings.Split(line, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			n, err := strconv.Atoi(field)
			if err != nil || n < 1 || n > len(options) {
				return nil, fmt.Errorf("invalid choice %q", field)
			}
			picked = append(picked, options[n-1])
		}
		if len(picked) == 0 {
			return nil, fmt.Errorf("nothing selected")
		}
		if multiple {
			return picked, nil
		}
		if len(picked) > 1 {
			return nil, fmt.Errorf("pick one option")
		}
		return picked[0], nil
	default:
		return line, nil
	}
}
