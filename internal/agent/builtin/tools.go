package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/shell"

	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/config"
	"github.com/pocketcmd/pocketcmd/internal/event"
	"github.com/pocketcmd/pocketcmd/internal/stream"
	"github.com/pocketcmd/pocketcmd/internal/tool"
)

const maxSummary = 80

// ToolsAgent runs tools typed as commands, e.g. "calc add 1 2".
type ToolsAgent struct {
	tools  *tool.Registry
	retry  tool.RetryPolicy
	prefix string
}

// NewToolsConstructor returns the constructor of the tools agent type.
func NewToolsConstructor(tools *tool.Registry) agent.Constructor {
	return func(cfg config.AgentConfig) (agent.Factory, error) {
		if tools == nil {
			return nil, errors.New("tools agent: no tool registry")
		}
		return func(context.Context, *agent.Env) (agent.Agent, error) {
			return &ToolsAgent{
				tools:  tools,
				retry:  tool.DefaultRetryPolicy,
				prefix: cfg.Option("step_prefix", "tool"),
			}, nil
		}, nil
	}
}

func (a *ToolsAgent) HandleRun(ctx context.Context, run *agent.Run) error {
	fields, err := shell.Fields(run.Input(), literalEnv)
	if err != nil {
		return run.Reply(fmt.Sprintf("Could not parse input: %v", err))
	}
	if len(fields) == 0 {
		return run.Reply(a.list())
	}

	name, args := strings.ToLower(fields[0]), fields[1:]
	if name == "tools" || name == "help" {
		return run.Reply(a.list())
	}

	t, ok := a.tools.Get(name)
	if !ok {
		return run.Reply(fmt.Sprintf("Unknown tool '%s'. Type 'tools' to list the available tools.", name))
	}
	parser, ok := t.(tool.ArgParser)
	if !ok {
		return run.Reply(fmt.Sprintf("Tool '%s' cannot be called from the command line.", name))
	}
	input, err := parser.ParseArgs(args)
	if err != nil {
		return run.Reply(err.Error())
	}

	return run.Step(a.prefix+":"+name, func() error {
		_, err := callTool(ctx, run, t, string(input), parentMessageID(run), a.retry)
		return err
	})
}

// callTool frames one tool execution as ToolCall events followed by a tool
// message carrying the output, and returns that output. A tool failure is
// reported as the output, not returned.
func callTool(ctx context.Context, run *agent.Run, t tool.Tool, input, parentID string, policy tool.RetryPolicy) (string, error) {
	call, err := stream.StartToolCall(run.Bus(), t.ID(), parentID)
	if err != nil {
		return "", err
	}
	if err := call.Args(input); err != nil {
		return "", err
	}

	var output, summary string
	result, execErr := tool.ExecuteWithRetry(ctx, t, []byte(input), policy)
	if execErr != nil {
		run.Log().Warn().Err(execErr).Str("tool", t.ID()).Msg("Tool failed")
		output = fmt.Sprintf("Tool '%s' failed: %v", t.ID(), execErr)
		summary = "error: " + summarize(execErr.Error())
	} else {
		output = result.Output
		summary = summarize(result.Output)
	}

	if err := call.End(summary); err != nil {
		return "", err
	}
	return output, run.Say(event.RoleTool, output)
}

func (a *ToolsAgent) list() string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, t := range a.tools.List() {
		usage := t.ID()
		if p, ok := t.(tool.ArgParser); ok {
			usage = p.Usage()
		}
		fmt.Fprintf(&b, "  %-32s %s\n", usage, t.Description())
	}
	return b.String()
}

// literalEnv leaves $VAR references as typed.
func literalEnv(name string) string { return "$" + name }

func parentMessageID(run *agent.Run) string {
	for i := len(run.Messages) - 1; i >= 0; i-- {
		if run.Messages[i].Role == event.RoleUser {
			return run.Messages[i].ID
		}
	}
	return ""
}

func summarize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxSummary {
		return string(r[:maxSummary-3]) + "..."
	}
	return s
}
