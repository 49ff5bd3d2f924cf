// Command stepflow runs event-triggered workflows as a server or from the
// command line.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "stepflow",
		Short: "Durable event-triggered workflow engine",
		Long: `stepflow runs workflows described as graphs of actions. Each trigger
event selects a workflow by name and starts a durable run that survives
restarts. Runs are reachable over HTTP, MCP and this CLI.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (default ~/.stepflow/settings.json)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "log as JSON")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newValidateCmd(opts),
		newDiagramCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load reads the config and builds the process logger. Logs go to stderr
// so command output stays clean on stdout.
func (o *rootOptions) load(cmd *cobra.Command) (Config, *slog.Logger, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = o.logJSON
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
