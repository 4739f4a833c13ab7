package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pocketcmd/pocketcmd/internal/logging"
	"github.com/pocketcmd/pocketcmd/internal/server"
	"github.com/pocketcmd/pocketcmd/internal/tui"
)

var (
	serveAddr string
	serveTUI  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session over HTTP and server-sent events",
	Long: `Serve the session over HTTP. Clients stream events from GET /event and
submit input with POST /input; several clients may be connected at once.

With --tui a terminal client is attached to the same session.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (default from config)")
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false, "Also attach a terminal client")
	addTerminalFlags(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
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

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Server.Addr
	if serveAddr != "" {
		srvCfg.Addr = serveAddr
	}
	srvCfg.CORSOrigins = cfg.Server.CORSOrigins
	srv := server.New(srvCfg, server.Options{
		Bus:         s.bus,
		Agents:      s.agents,
		ActiveAgent: s.core.ActiveAgent,
		Log:         logging.Logger,
	})

	var client *tui.Client
	if serveTUI {
		client = newTerminalClient(cmd, s)
		if err := client.Start(); err != nil {
			return err
		}
		defer client.Stop()
	}
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() { served <- srv.Start() }()
	fmt.Fprintf(cmd.ErrOrStderr(), "pocketcmd %s listening on http://%s\n", Version, srvCfg.Addr)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if client != nil {
		go func() {
			if err := client.Run(runCtx); err != nil {
				logging.Warn().Err(err).Msg("Terminal client stopped")
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case <-s.Done():
	case serveErr = <-served:
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Server shutdown")
	}
	return serveErr
}
