// Package commands provides the CLI commands for pocketcmd.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pocketcmd/pocketcmd/internal/config"
	"github.com/pocketcmd/pocketcmd/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs  bool
	logLevel   string
	configPath string
	workDir    string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "pocketcmd",
	Short: "pocketcmd - a multi-agent command line",
	Long: `pocketcmd routes what you type to global /commands or to the active agent.

Run 'pocketcmd' or 'pocketcmd run' for a terminal session, or 'pocketcmd serve'
to expose the session over HTTP and server-sent events.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTerminal,
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())
	rootCmd.SetVersionTemplate(fmt.Sprintf("pocketcmd %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(versionCmd)
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	fs.StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR), overrides the config")
	fs.StringVarP(&configPath, "config", "c", "", "Config file loaded after the global and project files")
	fs.StringVar(&workDir, "directory", "", "Project directory (default: current directory)")
	fs.StringVar(&envFile, "env-file", ".env", "Dotenv file with provider credentials")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// loadConfig reads the env file and configuration, then initializes logging.
func loadConfig() (*config.Config, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, err
		}
	}
	if configPath != "" {
		if err := os.Setenv("POCKETCMD_CONFIG", configPath); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	initLogging(cfg)
	logging.Debug().Str("directory", dir).Str("log_file", logging.GetLogFilePath()).Msg("Configuration loaded")
	return cfg, nil
}

// initLogging writes logs to a file under the state directory, and to stderr
// with --print-logs.
func initLogging(cfg *config.Config) {
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}

	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(level)
	lc.LogToFile = true
	lc.LogDir = config.GetPaths().LogDir()
	if printLogs {
		lc.Pretty = true
	} else {
		lc.Output = io.Discard
	}
	logging.Init(lc)
}
