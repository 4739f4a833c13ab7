package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pocketcmd/pocketcmd/internal/logging"
	"github.com/pocketcmd/pocketcmd/internal/tui"
)

var (
	noColor bool
	verbose bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive terminal session",
	Long: `Start an interactive terminal session.

Lines starting with '/' are global commands (/help lists them); anything else
is sent to the active agent. End of input exits like /exit.

Examples:
  pocketcmd run
  echo "greet Ada" | pocketcmd run --no-color`,
	RunE: runTerminal,
}

func init() {
	addTerminalFlags(rootCmd.Flags())
	addTerminalFlags(runCmd.Flags())
}

func addTerminalFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.BoolVarP(&verbose, "verbose", "v", false, "Show run and step traces")
}

func newTerminalClient(cmd *cobra.Command, s *session) *tui.Client {
	renderer := tui.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), tui.RendererOptions{
		NoColor: noColor,
		Verbose: verbose,
	})
	renderer.Banner("pocketcmd " + Version + ". Type /help for commands, /exit to quit.")
	return tui.New(tui.Options{
		Bus:      s.bus,
		In:       cmd.InOrStdin(),
		Renderer: renderer,
		Log:      logging.Logger,
	})
}

func runTerminal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The client subscribes first so that it sees the default agent's welcome.
	client := newTerminalClient(cmd, s)
	if err := client.Start(); err != nil {
		return err
	}
	defer client.Stop()
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return client.Run(runCtx)
}
