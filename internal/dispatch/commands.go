package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/pocketcmd/pocketcmd/internal/config"
)

// maxSuggestDistance is the largest edit distance offered as "did you mean".
const maxSuggestDistance = 2

// CommandFunc runs a global command. Output goes through c.Say.
type CommandFunc func(ctx context.Context, c *Core, args []string) error

// Command is a global slash command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// Template is set for template commands.
	Template string
	Run      CommandFunc
}

type commandSet struct {
	mu      sync.RWMutex
	byName  map[string]*Command
	ordered []*Command
}

func newCommandSet() *commandSet {
	return &commandSet{byName: make(map[string]*Command)}
}

func (s *commandSet) add(cmd *Command) error {
	if cmd.Name == "" || cmd.Run == nil {
		return fmt.Errorf("command %q: name and run function are required", cmd.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	words := append([]string{cmd.Name}, cmd.Aliases...)
	for _, w := range words {
		if strings.ContainsAny(w, " \t/") {
			return fmt.Errorf("command %q: invalid name %q", cmd.Name, w)
		}
		if _, ok := s.byName[w]; ok {
			return fmt.Errorf("command %q: %q already registered", cmd.Name, w)
		}
	}
	for _, w := range words {
		s.byName[w] = cmd
	}
	s.ordered = append(s.ordered, cmd)
	return nil
}

func (s *commandSet) get(word string) (*Command, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.byName[word]
	return cmd, ok
}

func (s *commandSet) list() []*Command {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.ordered)
}

// suggest returns the closest name or alias within maxSuggestDistance.
func (s *commandSet) suggest(word string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best, bestDist := "", maxSuggestDistance+1
	for w := range s.byName {
		d := levenshtein.ComputeDistance(word, w)
		if d < bestDist || (d == bestDist && w < best) {
			best, bestDist = w, d
		}
	}
	return best, bestDist <= maxSuggestDistance
}

func (c *Core) unknownCommand(word string) string {
	if s, ok := c.commands.suggest(word); ok {
		return fmt.Sprintf("Unknown command '/%s'. Did you mean '/%s'?", word, s)
	}
	return fmt.Sprintf("Unknown command '/%s'. Type /help for a list of commands.", word)
}

func (c *Core) registerBuiltins(seeds map[string]config.CommandConfig) {
	describe := func(name, def string) string {
		if d := seeds[name].Description; d != "" {
			return d
		}
		return def
	}

	builtins := []*Command{
		{
			Name:        "help",
			Aliases:     []string{"?"},
			Description: describe("help", "Show available commands"),
			Run:         cmdHelp,
		},
		{
			Name:        "agents",
			Description: describe("agents", "List available agents"),
			Run:         cmdAgents,
		},
		{
			Name:        "agent",
			Usage:       "<name>",
			Description: describe("agent", "Switch to another agent"),
			Run:         cmdAgent,
		},
		{
			Name:        "exit",
			Aliases:     []string{"quit", "q"},
			Description: describe("exit", "Exit the application"),
			Run:         cmdExit,
		},
	}
	for _, cmd := range builtins {
		if err := c.commands.add(cmd); err != nil {
			panic(err)
		}
	}
}

// registerTemplates adds a command per seed with a template, in name order.
// Seeds that collide with a global command are skipped.
func (c *Core) registerTemplates(seeds map[string]config.CommandConfig) {
	names := make([]string, 0, len(seeds))
	for name, seed := range seeds {
		if seed.Template != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	for _, name := range names {
		seed := seeds[name]
		err := c.commands.add(&Command{
			Name:        name,
			Description: seed.Description,
			Usage:       "[args]",
			Template:    seed.Template,
			Run:         runTemplate(seed.Template),
		})
		if err != nil {
			c.log.Warn().Err(err).Str("command", name).Msg("Template command skipped")
		}
	}
}

func cmdHelp(ctx context.Context, c *Core, _ []string) error {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range c.Commands() {
		label := "/" + cmd.Name
		if cmd.Usage != "" {
			label += " " + cmd.Usage
		}
		desc := cmd.Description
		if len(cmd.Aliases) > 0 {
			desc += " (aliases: /" + strings.Join(cmd.Aliases, ", /") + ")"
		}
		fmt.Fprintf(&b, "  %-18s %s\n", label, desc)
	}
	b.WriteString("Anything else is sent to the active agent.")
	c.Say(ctx, b.String())
	return nil
}

func cmdAgents(ctx context.Context, c *Core, _ []string) error {
	defs := c.registry.List()
	if len(defs) == 0 {
		c.Say(ctx, "No agents configured.")
		return nil
	}

	active := c.ActiveAgent()
	var b strings.Builder
	b.WriteString("Available agents:")
	for _, def := range defs {
		name := def.Name
		if name == active {
			name += " (active)"
		}
		fmt.Fprintf(&b, "\n  %-18s %s", name, def.Description)
	}
	c.Say(ctx, b.String())
	return nil
}

func cmdAgent(ctx context.Context, c *Core, args []string) error {
	active := c.ActiveAgent()
	if len(args) == 0 {
		current := active
		if current == "" {
			current = "none"
		}
		c.Say(ctx, fmt.Sprintf("Usage: /agent <name>\nCurrent agent: %s", current))
		return nil
	}

	name := args[0]
	if name == active {
		c.Say(ctx, fmt.Sprintf("Already in '%s' agent.", name))
		return nil
	}
	if err := c.SwitchAgent(ctx, name); err != nil {
		// Already reported as a RunErrorEvent.
		return nil
	}
	c.Say(ctx, fmt.Sprintf("Switched to '%s' agent.", name))
	return nil
}

func cmdExit(ctx context.Context, c *Core, _ []string) error {
	c.Say(ctx, "Goodbye!")
	if c.onExit != nil {
		c.onExit()
	}
	return nil
}

var templateArg = regexp.MustCompile(`\$(ARGUMENTS|[1-9])`)

// expandTemplate replaces $ARGUMENTS with all arguments and $1..$9 with the
// positional ones. Missing positions expand to "".
func expandTemplate(tmpl string, args []string) string {
	return templateArg.ReplaceAllStringFunc(tmpl, func(m string) string {
		ref := m[1:]
		if ref == "ARGUMENTS" {
			return strings.Join(args, " ")
		}
		i, _ := strconv.Atoi(ref)
		if i <= len(args) {
			return args[i-1]
		}
		return ""
	})
}

func runTemplate(tmpl string) CommandFunc {
	return func(ctx context.Context, c *Core, args []string) error {
		text := strings.TrimSpace(expandTemplate(tmpl, args))
		if text == "" {
			return fmt.Errorf("template expanded to empty input")
		}
		c.route(ctx, text)
		return nil
	}
}
