package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/version"
)

// Execute runs the CLI. Errors are already printed by cobra; the caller
// only needs the exit code.
func Execute() error {
	return rootCmd().Execute()
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flowmesh",
		Short:         "Workflow execution engine",
		Long:          "FlowMesh runs node-graph workflows: queued, leased and executed by a pool of workers.",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version.Version,
	}
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	cmd.PersistentFlags().Bool("log-source", false, "include source locations in logs")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(workerCmd())
	cmd.AddCommand(validateCmd())
	return cmd
}

// commandContext builds the base context for a command: the process
// logger derived from the persistent flags, bound to the context.
func commandContext(cmd *cobra.Command) (context.Context, error) {
	logLevel, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("reading logger flags: %w", err)
	}
	log := logger.SetupLogger(logLevel, logJSON, logSource)
	return logger.ContextWithLogger(cmd.Context(), log), nil
}
