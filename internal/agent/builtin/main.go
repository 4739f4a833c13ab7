package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/config"
	"github.com/pocketcmd/pocketcmd/internal/event"
	"github.com/pocketcmd/pocketcmd/internal/stream"
)

// MainAgent handles basic interactions and describes itself.
type MainAgent struct {
	env       *agent.Env
	greetName string
}

// NewMainConstructor returns the constructor of the main agent type.
func NewMainConstructor() agent.Constructor {
	return func(cfg config.AgentConfig) (agent.Factory, error) {
		return func(_ context.Context, env *agent.Env) (agent.Agent, error) {
			return &MainAgent{
				env:       env,
				greetName: cfg.Option("greet_name", "User"),
			}, nil
		}, nil
	}
}

// Activate greets the user when the agent becomes active.
func (a *MainAgent) Activate(ctx context.Context) error {
	_, err := stream.SendText(event.Bind(ctx, a.env.Bus), event.RoleAssistant,
		fmt.Sprintf("Welcome from the %s agent! Type '/help' for commands or 'help' for my inputs.", a.env.Name))
	return err
}

func (a *MainAgent) HandleRun(ctx context.Context, run *agent.Run) error {
	raw := strings.TrimSpace(run.Input())
	command, args, _ := strings.Cut(raw, " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(command) {
	case "greet", "hello":
		name := args
		if name == "" {
			name = a.greetName
		}
		return run.Reply(fmt.Sprintf("Hello, %s, from the %s agent!", name, a.env.Name))
	case "name":
		answer, err := run.Ask(ctx, "What is your name?")
		if err != nil {
			return fmt.Errorf("ask name: %w", err)
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return run.Reply("No name given, I'll keep calling you " + a.greetName + ".")
		}
		a.greetName = answer
		return run.Reply(fmt.Sprintf("Nice to meet you, %s!", answer))
	case "agentinfo":
		return run.Reply(a.info())
	case "help":
		return run.Reply(a.help())
	case "echo":
		if args == "" {
			return run.Reply("Nothing to echo.")
		}
		return run.Reply(args)
	default:
		return run.Reply(fmt.Sprintf("'%s' is not a recognized command for the %s agent. Try 'help'.", raw, a.env.Name))
	}
}

func (a *MainAgent) info() string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- Agent: %s ---\n", a.env.Name)
	fmt.Fprintf(&b, "Type: %s\n", a.env.Config.Type)
	if a.env.Config.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", a.env.Config.Description)
	}
	fmt.Fprintf(&b, "Greet name: %s\n", a.greetName)
	if len(a.env.Config.Options) > 0 {
		keys := make([]string, 0, len(a.env.Config.Options))
		for k := range a.env.Config.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "Option %s: %v\n", k, a.env.Config.Options[k])
		}
	}
	return b.String()
}

func (a *MainAgent) help() string {
	return fmt.Sprintf(`--- %s Agent Help ---
Available inputs:
  greet [name]   Greets you or the specified name. (Alias: hello)
  name           Asks for your name and remembers it.
  echo <text>    Repeats the text.
  agentinfo      Shows information about this agent.
  help           Shows this help message.
`, a.env.Name)
}
