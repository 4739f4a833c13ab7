package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/agent/builtin"
	"github.com/pocketcmd/pocketcmd/internal/tool"
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	Aliases: []string{"agent"},
	Short:   "List configured agents",
	Args:    cobra.NoArgs,
	RunE:    runAgents,
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Loading through the registry reports unknown types and bad model
	// configuration the same way a session would.
	registry := agent.NewRegistry()
	if err := registry.LoadFromConfig(cfg.Agents, builtin.Types(tool.NewRegistry(), nil)); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tDEFAULT\tDESCRIPTION")
	for _, def := range registry.List() {
		mark := ""
		if def.Name == cfg.DefaultAgent {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.Name, def.Type, mark, def.Description)
	}
	return w.Flush()
}
